package sweeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/apperrors"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/audit"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/storage"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/sweeper"
)

type recordingNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (n *recordingNotifier) NotifyExpiring(res *models.Reservation) {
	n.mu.Lock()
	n.notified = append(n.notified, res.ID)
	n.mu.Unlock()
}

func setupStore(t *testing.T) *storage.LockerStorage {
	st, err := storage.New("")
	require.NoError(t, err)
	require.NoError(t, st.AddLocation(models.Location{ID: "L1", Status: models.LocationActive}))
	require.NoError(t, st.AddLocker(models.Locker{ID: "K1", LocationID: "L1", Status: models.LockerOperational}))
	require.NoError(t, st.AddSlot(models.Slot{ID: "S1", LockerID: "K1", Size: models.SizeMedium}))
	require.NoError(t, st.AddSlot(models.Slot{ID: "S2", LockerID: "K1", Size: models.SizeMedium}))
	return st
}

func reserve(t *testing.T, st *storage.LockerStorage, id, code string, expiresIn time.Duration) *models.SlotRef {
	now := time.Now().UTC()
	ref, err := st.CreateReservation(context.Background(), &models.Reservation{
		ID:             id,
		TrackingNumber: "TRK-" + id,
		Size:           models.SizeMedium,
		PickupCode:     code,
		ReservedAt:     now,
		ExpiresAt:      now.Add(expiresIn),
	}, models.SlotCriteria{LocationID: "L1", Size: models.SizeMedium})
	require.NoError(t, err)
	return ref
}

func TestSweepReclaimsLapsed(t *testing.T) {
	st := setupStore(t)
	rec := &audit.Recorder{}
	sw := sweeper.New(st, rec, nil, sweeper.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	ref := reserve(t, st, "r1", "111111", time.Hour)
	reserve(t, st, "r2", "222222", 72*time.Hour)

	count, err := sw.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	res, err := st.GetReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, res.Status)

	slot, err := st.GetSlot(ctx, ref.SlotID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotAvailable, slot.Status)

	// Pickup after the sweep reads as expired.
	_, _, err = st.CompletePickup(ctx, "111111", "", false, now.Add(3*time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrReservationExpired)

	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "expire", records[0].Action)
	assert.Equal(t, "r1", records[0].EntityID)
}

func TestSweepIdempotent(t *testing.T) {
	st := setupStore(t)
	sw := sweeper.New(st, nil, nil, sweeper.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	reserve(t, st, "r1", "111111", time.Hour)

	count, err := sw.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = sw.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a second sweep over the same state reclaims nothing")
}

func TestSweepSkipsPickedUp(t *testing.T) {
	st := setupStore(t)
	sw := sweeper.New(st, nil, nil, sweeper.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	reserve(t, st, "r1", "111111", time.Hour)
	_, _, err := st.CompletePickup(ctx, "111111", "", false, now)
	require.NoError(t, err)

	count, err := sw.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	res, err := st.GetReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationPickedUp, res.Status, "terminal state must never change again")
}

func TestWarnExpiringOnce(t *testing.T) {
	st := setupStore(t)
	notifier := &recordingNotifier{}
	sw := sweeper.New(st, nil, notifier, sweeper.Config{WarnWindow: 24 * time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	reserve(t, st, "r1", "111111", 12*time.Hour)
	reserve(t, st, "r2", "222222", 72*time.Hour)

	sw.WarnExpiring(ctx, now)
	assert.Equal(t, []string{"r1"}, notifier.notified)

	sw.WarnExpiring(ctx, now)
	assert.Equal(t, []string{"r1"}, notifier.notified, "no duplicate warnings")
}
