package integrations

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/cache"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/config"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/credentials"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/repository"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/server"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/service"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/sweeper"
)

type IntegrationSuite struct {
	suite.Suite

	db         *sql.DB
	repo       *repository.LockerRepository
	sweep      *sweeper.Sweeper
	testServer *httptest.Server
	username   string
	password   string
}

func (s *IntegrationSuite) SetupSuite() {
	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		s.T().Skip("TEST_DSN not set")
	}

	cfg := config.LoadConfig()
	cfg.DSN = dsn
	s.username = cfg.Username
	s.password = cfg.Password

	var err error
	s.db, err = sql.Open("postgres", cfg.DSN)
	if err != nil {
		s.T().Fatalf("sql.Open error: %v", err)
	}
	if err = s.db.Ping(); err != nil {
		s.T().Fatalf("db.Ping error: %v", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		s.T().Fatalf("goose.SetDialect error: %v", err)
	}
	if err := goose.Up(s.db, "../migrations"); err != nil {
		s.T().Fatalf("goose.Up error: %v", err)
	}

	s.repo = repository.NewLockerRepository(s.db)
	gen, err := credentials.New(cfg.CodeLength, cfg.CodeAlphabet, cfg.PINLength)
	if err != nil {
		s.T().Fatalf("credentials.New error: %v", err)
	}
	svc := service.NewReservationService(s.repo, gen, nil, service.Config{
		PINEnabled:      cfg.PINEnabled,
		MaxCodeAttempts: cfg.MaxCodeAttempts,
		DefaultExpiry:   cfg.DefaultExpiry,
	})
	s.sweep = sweeper.New(s.repo, nil, nil, sweeper.Config{})

	srv := server.NewServer(svc, cache.NewCapacityCache(s.repo), nil, cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	s.testServer = httptest.NewServer(mux)

	if _, err := s.db.Exec("TRUNCATE reservations, slots, lockers, locations CASCADE"); err != nil {
		s.T().Logf("truncate error: %v", err)
	}
}

func (s *IntegrationSuite) TearDownSuite() {
	if s.testServer != nil {
		s.testServer.Close()
	}
	if s.db != nil {
		_, _ = s.db.Exec("TRUNCATE reservations, slots, lockers, locations CASCADE")
		_ = s.db.Close()
	}
}

func (s *IntegrationSuite) seedSlots(prefix string, size models.SizeClass, n int) string {
	locID := prefix + "-loc"
	lockerID := prefix + "-locker"
	_, err := s.db.Exec(`INSERT INTO locations (id, name, status) VALUES ($1, $1, 'active')`, locID)
	s.Require().NoError(err)
	_, err = s.db.Exec(`INSERT INTO lockers (id, location_id, status, total_slots) VALUES ($1, $2, 'operational', $3)`,
		lockerID, locID, n)
	s.Require().NoError(err)
	for i := 1; i <= n; i++ {
		_, err = s.db.Exec(`INSERT INTO slots (id, locker_id, size, status) VALUES ($1, $2, $3, 'AVAILABLE')`,
			fmt.Sprintf("%s-s%d", prefix, i), lockerID, size)
		s.Require().NoError(err)
	}
	return locID
}

func (s *IntegrationSuite) createReservation(locID, tracking string) service.CreateResult {
	resp, body := s.doRequest(http.MethodPost, "/reservations", map[string]interface{}{
		"parcel": models.Parcel{
			TrackingNumber: tracking,
			Size:           models.SizeMedium,
			RecipientName:  "Ivan",
		},
		"location_id":  locID,
		"expiry_hours": 48,
	}, true)
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "body: %s", body)

	var created service.CreateResult
	s.Require().NoError(json.Unmarshal(body, &created))
	return created
}

func (s *IntegrationSuite) TestReservationLifecycle() {
	locID := s.seedSlots("life", models.SizeMedium, 1)

	created := s.createReservation(locID, "INT-TRK-1")
	s.Assert().NotEmpty(created.PickupCode)
	s.Assert().Equal(locID, created.Slot.LocationID)

	resp, _ := s.doRequest(http.MethodPost, "/reservations/"+created.ReservationID+"/deliver", nil, true)
	s.Assert().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.doRequest(http.MethodPost, "/pickup",
		map[string]string{"code": created.PickupCode}, false)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var picked service.PickupResult
	s.Require().NoError(json.Unmarshal(body, &picked))
	s.Assert().Equal("INT-TRK-1", picked.TrackingNumber)

	resp, _ = s.doRequest(http.MethodPost, "/pickup",
		map[string]string{"code": created.PickupCode}, false)
	s.Assert().Equal(http.StatusConflict, resp.StatusCode)
}

func (s *IntegrationSuite) TestPoolExhaustion() {
	locID := s.seedSlots("pool", models.SizeMedium, 1)

	s.createReservation(locID, "INT-TRK-2")

	resp, _ := s.doRequest(http.MethodPost, "/reservations", map[string]interface{}{
		"parcel": models.Parcel{
			TrackingNumber: "INT-TRK-3",
			Size:           models.SizeMedium,
			RecipientName:  "Petr",
		},
		"location_id":  locID,
		"expiry_hours": 48,
	}, true)
	s.Assert().Equal(http.StatusConflict, resp.StatusCode)
}

func (s *IntegrationSuite) TestSweeperReclaims() {
	locID := s.seedSlots("swp", models.SizeMedium, 1)

	created := s.createReservation(locID, "INT-TRK-4")

	// Backdate so the reservation has already lapsed.
	_, err := s.db.Exec(
		`UPDATE reservations SET reserved_at = now() - interval '49 hours', expires_at = now() - interval '1 hour' WHERE id = $1`,
		created.ReservationID)
	s.Require().NoError(err)

	n, err := s.sweep.Sweep(context.Background(), time.Now().UTC())
	s.Require().NoError(err)
	s.Assert().Equal(1, n)

	resp, _ := s.doRequest(http.MethodPost, "/pickup",
		map[string]string{"code": created.PickupCode}, false)
	s.Assert().Equal(http.StatusGone, resp.StatusCode)

	// Reclaimed slot serves the next reservation.
	s.createReservation(locID, "INT-TRK-5")
}

func (s *IntegrationSuite) TestCapacityEndpoint() {
	locID := s.seedSlots("capy", models.SizeMedium, 2)

	s.createReservation(locID, "INT-TRK-6")

	resp, body := s.doRequest(http.MethodGet, "/capacity/"+locID, nil, false)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var cap models.Capacity
	s.Require().NoError(json.Unmarshal(body, &cap))
	s.Assert().Equal(1, cap[models.SizeMedium][models.SlotAvailable])
	s.Assert().Equal(1, cap[models.SizeMedium][models.SlotReserved])
}

func (s *IntegrationSuite) TestUnauthorized() {
	resp, _ := s.doRequest(http.MethodPost, "/reservations", map[string]interface{}{}, false)
	assert.Equal(s.T(), http.StatusUnauthorized, resp.StatusCode)
}

func (s *IntegrationSuite) doRequest(method, path string, body interface{}, withAuth bool) (*http.Response, []byte) {
	var reqBody []byte
	var err error
	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			s.T().Fatalf("json.Marshal error: %v", err)
		}
	}

	req, err := http.NewRequest(method, s.testServer.URL+path, bytes.NewReader(reqBody))
	if err != nil {
		s.T().Fatalf("http.NewRequest: %v", err)
	}
	if withAuth {
		req.SetBasicAuth(s.username, s.password)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		s.T().Fatalf("client.Do: %v", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		s.T().Fatalf("ReadAll: %v", err)
	}
	return resp, respBody
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationSuite))
}
