package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/apperrors"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/audit"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/credentials"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/service"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/storage"
)

// fixedGen returns a scripted sequence of codes, then keeps repeating the last one.
type fixedGen struct {
	mu    sync.Mutex
	codes []string
	idx   int
}

func (g *fixedGen) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	code := g.codes[g.idx]
	if g.idx < len(g.codes)-1 {
		g.idx++
	}
	return code, nil
}

func (g *fixedGen) GeneratePIN() (string, error) { return "1234", nil }

func (g *fixedGen) ValidateFormat(code string) bool { return len(code) == 6 }

func setupStore(t *testing.T, mediumSlots int) *storage.LockerStorage {
	st, err := storage.New("")
	require.NoError(t, err)
	require.NoError(t, st.AddLocation(models.Location{ID: "L1", Name: "Main", Status: models.LocationActive}))
	require.NoError(t, st.AddLocker(models.Locker{ID: "K1", LocationID: "L1", Status: models.LockerOperational, TotalSlots: mediumSlots}))
	for i := 1; i <= mediumSlots; i++ {
		require.NoError(t, st.AddSlot(models.Slot{ID: fmt.Sprintf("S%d", i), LockerID: "K1", Size: models.SizeMedium}))
	}
	return st
}

func parcel(tracking string) models.Parcel {
	return models.Parcel{
		TrackingNumber: tracking,
		Size:           models.SizeMedium,
		RecipientName:  "Ivan",
		RecipientPhone: "+70000000000",
	}
}

func TestCreateReservation(t *testing.T) {
	st := setupStore(t, 1)
	rec := &audit.Recorder{}
	svc := service.NewReservationService(st, credentials.Default(), rec, service.Config{})
	ctx := context.Background()

	result, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", 48*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReservationID)
	assert.Len(t, result.PickupCode, credentials.DefaultCodeLength)
	assert.Empty(t, result.PIN, "PIN disabled by default")
	assert.Equal(t, "S1", result.Slot.SlotID)
	assert.Equal(t, "L1", result.Slot.LocationID)
	assert.True(t, result.ExpiresAt.After(time.Now()))

	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "create", records[0].Action)
	assert.Equal(t, result.ReservationID, records[0].EntityID)
}

func TestCreateReservationValidation(t *testing.T) {
	st := setupStore(t, 1)
	svc := service.NewReservationService(st, credentials.Default(), nil, service.Config{})
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, models.Parcel{Size: models.SizeMedium}, "L1", time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.CreateReservation(ctx, models.Parcel{TrackingNumber: "T", Size: "huge"}, "L1", time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateReservationNoSlot(t *testing.T) {
	st := setupStore(t, 1)
	svc := service.NewReservationService(st, credentials.Default(), nil, service.Config{})
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", time.Hour)
	require.NoError(t, err)

	_, err = svc.CreateReservation(ctx, parcel("TRK-2"), "L1", time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrNoAvailableSlot)
}

func TestCollisionRetry(t *testing.T) {
	st := setupStore(t, 2)
	gen := &fixedGen{codes: []string{"111111", "111111", "222222"}}
	svc := service.NewReservationService(st, gen, nil, service.Config{})
	ctx := context.Background()

	first, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "111111", first.PickupCode)

	// Second create draws "111111" again, detects the live collision and retries.
	second, err := svc.CreateReservation(ctx, parcel("TRK-2"), "L1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "222222", second.PickupCode)
}

func TestCredentialExhausted(t *testing.T) {
	st := setupStore(t, 2)
	gen := &fixedGen{codes: []string{"111111"}}
	svc := service.NewReservationService(st, gen, nil, service.Config{MaxCodeAttempts: 3})
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", time.Hour)
	require.NoError(t, err)

	_, err = svc.CreateReservation(ctx, parcel("TRK-2"), "L1", time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrCredentialExhausted)
}

func TestRoundTrip(t *testing.T) {
	st := setupStore(t, 1)
	rec := &audit.Recorder{}
	svc := service.NewReservationService(st, credentials.Default(), rec, service.Config{})
	ctx := context.Background()

	created, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", 48*time.Hour)
	require.NoError(t, err)

	res, err := svc.ConfirmDelivery(ctx, created.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationDelivered, res.Status)

	picked, err := svc.ProcessPickup(ctx, created.PickupCode, "")
	require.NoError(t, err)
	assert.Equal(t, created.Slot.SlotID, picked.Slot.SlotID)
	assert.Equal(t, "TRK-1", picked.TrackingNumber)

	slot, err := st.GetSlot(ctx, created.Slot.SlotID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotAvailable, slot.Status)

	_, err = svc.ProcessPickup(ctx, created.PickupCode, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	actions := make([]string, 0)
	for _, r := range rec.Records() {
		actions = append(actions, r.Action)
	}
	assert.Equal(t, []string{"create", "deliver", "pickup"}, actions)
}

func TestPickupBadFormatShortCircuits(t *testing.T) {
	st := setupStore(t, 1)
	svc := service.NewReservationService(st, credentials.Default(), nil, service.Config{})

	_, err := svc.ProcessPickup(context.Background(), "nope", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
}

func TestPINSecondFactor(t *testing.T) {
	st := setupStore(t, 1)
	gen := &fixedGen{codes: []string{"111111"}}
	svc := service.NewReservationService(st, gen, nil, service.Config{PINEnabled: true})
	ctx := context.Background()

	created, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "1234", created.PIN)

	_, err = svc.ProcessPickup(ctx, created.PickupCode, "0000")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	_, err = svc.ProcessPickup(ctx, created.PickupCode, created.PIN)
	assert.NoError(t, err)
}

func TestCancelIdempotency(t *testing.T) {
	st := setupStore(t, 1)
	svc := service.NewReservationService(st, credentials.Default(), nil, service.Config{})
	ctx := context.Background()

	created, err := svc.CreateReservation(ctx, parcel("TRK-1"), "L1", time.Hour)
	require.NoError(t, err)

	res, err := svc.CancelReservation(ctx, created.ReservationID, "damaged parcel")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, res.Status)

	_, err = svc.CancelReservation(ctx, created.ReservationID, "again")
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	_, err = svc.CancelReservation(ctx, "missing", "whatever")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMutualExclusion(t *testing.T) {
	const slots = 3
	const callers = 12

	st := setupStore(t, slots)
	svc := service.NewReservationService(st, credentials.Default(), nil, service.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[string]int)
	noSlot := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.CreateReservation(ctx, parcel(fmt.Sprintf("TRK-%d", i)), "L1", time.Hour)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, apperrors.ErrNoAvailableSlot)
				noSlot++
				return
			}
			claimed[result.Slot.SlotID]++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, callers-slots, noSlot)
	assert.Len(t, claimed, slots)
	for slotID, count := range claimed {
		assert.Equal(t, 1, count, "slot %s claimed more than once", slotID)
	}
}

// Concrete end-to-end scenario: one MEDIUM slot, two competing clients.
func TestSingleSlotContention(t *testing.T) {
	st := setupStore(t, 1)
	gen := &fixedGen{codes: []string{"483920", "575731"}}
	svc := service.NewReservationService(st, gen, nil, service.Config{})
	ctx := context.Background()

	clientA, err := svc.CreateReservation(ctx, parcel("TRK-A"), "L1", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "483920", clientA.PickupCode)

	_, err = svc.CreateReservation(ctx, parcel("TRK-B"), "L1", 48*time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrNoAvailableSlot)

	_, err = svc.ConfirmDelivery(ctx, clientA.ReservationID)
	require.NoError(t, err)

	picked, err := svc.ProcessPickup(ctx, "483920", "")
	require.NoError(t, err)
	assert.Equal(t, clientA.Slot.SlotID, picked.Slot.SlotID)

	clientB, err := svc.CreateReservation(ctx, parcel("TRK-B"), "L1", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clientA.Slot.SlotID, clientB.Slot.SlotID, "freed slot is claimable again")
}

// flakyStore injects transient failures in front of the real store.
type flakyStore struct {
	*storage.LockerStorage
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) CreateReservation(ctx context.Context, res *models.Reservation, crit models.SlotCriteria) (*models.SlotRef, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.LockerStorage.CreateReservation(ctx, res, crit)
}

func TestTransientStorageRetry(t *testing.T) {
	st := setupStore(t, 1)
	flaky := &flakyStore{LockerStorage: st, failures: 2}
	svc := service.NewReservationService(flaky, credentials.Default(), nil, service.Config{
		MaxStoreAttempts: 3,
		RetryBackoff:     time.Millisecond,
	})

	_, err := svc.CreateReservation(context.Background(), parcel("TRK-1"), "L1", time.Hour)
	assert.NoError(t, err, "two transient failures fit inside three attempts")
}

func TestStorageUnavailableIsNotDomainError(t *testing.T) {
	st := setupStore(t, 1)
	flaky := &flakyStore{LockerStorage: st, failures: 100}
	svc := service.NewReservationService(flaky, credentials.Default(), nil, service.Config{
		MaxStoreAttempts: 2,
		RetryBackoff:     time.Millisecond,
	})

	_, err := svc.CreateReservation(context.Background(), parcel("TRK-1"), "L1", time.Hour)
	require.Error(t, err)
	assert.False(t, apperrors.Domain(err), "exhausted retries must not look like a domain failure")
}
