package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/apperrors"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/audit"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/cache"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/config"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/middleware"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/service"
)

type Server struct {
	svc      *service.ReservationService
	capacity *cache.CapacityCache
	sink     audit.Sink
	user     string
	password string
	addr     string
}

func NewServer(svc *service.ReservationService, capacity *cache.CapacityCache, sink audit.Sink, cfg *config.Config) *Server {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Server{
		svc:      svc,
		capacity: capacity,
		sink:     sink,
		user:     cfg.Username,
		password: cfg.Password,
		addr:     cfg.Addr(),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handleWith(mux, "/reservations", s.handleReservations,
		[]string{"POST"}, []string{"POST"},
	)
	s.handleWith(mux, "/reservations/", s.handleReservationOne,
		[]string{"POST"}, []string{"POST"},
	)
	s.handleWith(mux, "/pickup", s.handlePickup,
		[]string{"POST"}, nil,
	)
	mux.HandleFunc("/capacity/", s.handleCapacity)
}

func (s *Server) Run() error {
	mux := http.NewServeMux()

	s.RegisterRoutes(mux)

	log.Printf("Server listen on %s...", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

func (s *Server) handleWith(mux *http.ServeMux, path string,
	handlerFunc http.HandlerFunc,
	logMethods []string, authMethods []string,
) {
	finalHandler := middleware.LogMiddleware(s.sink, logMethods...)(
		middleware.BasicAuthMiddleware(s.user, s.password, authMethods...)(
			handlerFunc,
		),
	)
	mux.Handle(path, finalHandler)
}

type createReservationRequest struct {
	Parcel     models.Parcel `json:"parcel"`
	LocationID string        `json:"location_id"`
	ExpiryHrs  int           `json:"expiry_hours"`
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	result, err := s.svc.CreateReservation(r.Context(), req.Parcel, req.LocationID,
		time.Duration(req.ExpiryHrs)*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleReservationOne(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/reservations/")
	if rest == "" {
		http.Error(w, "missing ID", http.StatusBadRequest)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := s.svc.GetReservation(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch parts[1] {
	case "deliver":
		res, err := s.svc.ConfirmDelivery(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "cancel":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad JSON", http.StatusBadRequest)
			return
		}
		res, err := s.svc.CancelReservation(r.Context(), id, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Code string `json:"code"`
		PIN  string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	result, err := s.svc.ProcessPickup(r.Context(), req.Code, req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locationID := strings.TrimPrefix(r.URL.Path, "/capacity/")
	if locationID == "" {
		http.Error(w, "missing location ID", http.StatusBadRequest)
		return
	}
	var (
		cap models.Capacity
		err error
	)
	if s.capacity != nil {
		cap, err = s.capacity.Get(r.Context(), locationID)
	} else {
		cap, err = s.svc.GetCapacity(r.Context(), locationID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperrors.ErrNoAvailableSlot):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidCredential):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, apperrors.ErrReservationExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, apperrors.ErrCredentialExhausted):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
