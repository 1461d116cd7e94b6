package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/apperrors"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/audit"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
)

// Store is the atomic persistence primitive the engine runs on. Every method is one
// indivisible unit of work: a crash or cancellation mid-call must never leave a slot
// claimed without its reservation or the other way around. Implemented by
// repository.LockerRepository (Postgres) and storage.LockerStorage (in-memory).
type Store interface {
	CreateReservation(ctx context.Context, res *models.Reservation, crit models.SlotCriteria) (*models.SlotRef, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	GetSlot(ctx context.Context, id string) (*models.Slot, error)
	ConfirmDelivery(ctx context.Context, id string, now time.Time) (*models.Reservation, error)
	CompletePickup(ctx context.Context, code, pin string, pinRequired bool, now time.Time) (*models.Reservation, *models.SlotRef, error)
	CancelReservation(ctx context.Context, id, reason string, now time.Time) (*models.Reservation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpireReservation(ctx context.Context, id string, now time.Time) (bool, error)
	ListExpiring(ctx context.Context, now time.Time, window time.Duration) ([]*models.Reservation, error)
	Capacity(ctx context.Context, locationID string) (models.Capacity, error)
}

// CodeGenerator is what the engine needs from internal/credentials.
type CodeGenerator interface {
	Generate() (string, error)
	GeneratePIN() (string, error)
	ValidateFormat(code string) bool
}

type Config struct {
	// PINEnabled turns the PIN into a required second factor at pickup.
	PINEnabled bool
	// MaxCodeAttempts bounds regeneration after a pickup-code collision.
	MaxCodeAttempts int
	// MaxStoreAttempts bounds retries of transient storage failures.
	MaxStoreAttempts int
	RetryBackoff     time.Duration
	DefaultExpiry    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 10
	}
	if c.MaxStoreAttempts <= 0 {
		c.MaxStoreAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = 48 * time.Hour
	}
	return c
}

type ReservationService struct {
	store Store
	gen   CodeGenerator
	sink  audit.Sink
	cfg   Config
}

func NewReservationService(store Store, gen CodeGenerator, sink audit.Sink, cfg Config) *ReservationService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &ReservationService{
		store: store,
		gen:   gen,
		sink:  sink,
		cfg:   cfg.withDefaults(),
	}
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateResult is what a caller holds after a successful reservation.
type CreateResult struct {
	ReservationID string         `json:"reservation_id"`
	PickupCode    string         `json:"pickup_code"`
	PIN           string         `json:"pin,omitempty"`
	Slot          models.SlotRef `json:"slot"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// PickupResult is returned to the caller that presented a valid credential.
type PickupResult struct {
	Slot           models.SlotRef `json:"slot"`
	TrackingNumber string         `json:"tracking_number"`
}

// CreateReservation claims a slot and persists a reservation in one transaction.
// Pickup-code collisions against live reservations trigger regeneration up to the
// configured bound; spending the whole budget means the code space is effectively
// full and surfaces as ErrCredentialExhausted.
func (s *ReservationService) CreateReservation(ctx context.Context, parcel models.Parcel, locationID string, expiry time.Duration) (*CreateResult, error) {
	if parcel.TrackingNumber == "" {
		return nil, fmt.Errorf("tracking number required: %w", apperrors.ErrValidation)
	}
	if !parcel.Size.Valid() {
		return nil, fmt.Errorf("unknown size class %q: %w", parcel.Size, apperrors.ErrValidation)
	}
	if expiry <= 0 {
		expiry = s.cfg.DefaultExpiry
	}

	crit := models.SlotCriteria{LocationID: locationID, Size: parcel.Size}

	for attempt := 0; attempt < s.cfg.MaxCodeAttempts; attempt++ {
		code, err := s.gen.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate pickup code: %w", err)
		}
		var pin string
		if s.cfg.PINEnabled {
			if pin, err = s.gen.GeneratePIN(); err != nil {
				return nil, fmt.Errorf("generate pin: %w", err)
			}
		}

		t := now()
		res := &models.Reservation{
			ID:             uuid.NewString(),
			TrackingNumber: parcel.TrackingNumber,
			RecipientName:  parcel.RecipientName,
			RecipientPhone: parcel.RecipientPhone,
			Size:           parcel.Size,
			PickupCode:     code,
			PIN:            pin,
			ReservedAt:     t,
			ExpiresAt:      t.Add(expiry),
		}

		var ref *models.SlotRef
		err = s.withRetry(ctx, func() error {
			var inner error
			ref, inner = s.store.CreateReservation(ctx, res, crit)
			return inner
		})
		if errors.Is(err, apperrors.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.emit("reservation", res.ID, "create",
			fmt.Sprintf("parcel %s slot %s expires %s", res.TrackingNumber, ref.SlotID, res.ExpiresAt.Format(time.RFC3339)))
		return &CreateResult{
			ReservationID: res.ID,
			PickupCode:    res.PickupCode,
			PIN:           res.PIN,
			Slot:          *ref,
			ExpiresAt:     res.ExpiresAt,
		}, nil
	}
	return nil, apperrors.ErrCredentialExhausted
}

// ConfirmDelivery moves RESERVED to DELIVERED and marks the slot OCCUPIED.
func (s *ReservationService) ConfirmDelivery(ctx context.Context, id string) (*models.Reservation, error) {
	var res *models.Reservation
	err := s.withRetry(ctx, func() error {
		var inner error
		res, inner = s.store.ConfirmDelivery(ctx, id, now())
		return inner
	})
	if err != nil {
		return nil, err
	}
	s.emit("reservation", id, "deliver", "parcel placed in slot "+res.SlotID)
	return res, nil
}

// ProcessPickup resolves a credential pair, transitions the reservation to PICKED_UP
// and frees its slot. Expiry is evaluated here as well as by the sweeper; whichever
// runs first wins and the loser sees the terminal state.
func (s *ReservationService) ProcessPickup(ctx context.Context, code, pin string) (*PickupResult, error) {
	if !s.gen.ValidateFormat(code) {
		return nil, apperrors.ErrInvalidCredential
	}

	var res *models.Reservation
	var ref *models.SlotRef
	err := s.withRetry(ctx, func() error {
		var inner error
		res, ref, inner = s.store.CompletePickup(ctx, code, pin, s.cfg.PINEnabled, now())
		return inner
	})
	if err != nil {
		return nil, err
	}
	s.emit("reservation", res.ID, "pickup", "slot "+res.SlotID+" released")
	return &PickupResult{Slot: *ref, TrackingNumber: res.TrackingNumber}, nil
}

// CancelReservation is the administrative exit from RESERVED or DELIVERED.
func (s *ReservationService) CancelReservation(ctx context.Context, id, reason string) (*models.Reservation, error) {
	var res *models.Reservation
	err := s.withRetry(ctx, func() error {
		var inner error
		res, inner = s.store.CancelReservation(ctx, id, reason, now())
		return inner
	})
	if err != nil {
		return nil, err
	}
	s.emit("reservation", id, "cancel", reason)
	return res, nil
}

func (s *ReservationService) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// GetCapacity is a read-only counts-by-size-and-status view for reporting.
func (s *ReservationService) GetCapacity(ctx context.Context, locationID string) (models.Capacity, error) {
	return s.store.Capacity(ctx, locationID)
}

// withRetry reruns fn on transient storage failures a bounded number of times. Domain
// errors pass straight through so callers can tell "no slot" from "system unavailable".
func (s *ReservationService) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MaxStoreAttempts; attempt++ {
		err = fn()
		if err == nil || apperrors.Domain(err) {
			return err
		}
		log.Printf("storage attempt %d failed: %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryBackoff):
		}
	}
	return fmt.Errorf("storage unavailable: %w", err)
}

func (s *ReservationService) emit(entityType, entityID, action, details string) {
	s.sink.Emit(audit.Record{
		Timestamp:  now(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Details:    details,
	})
}
