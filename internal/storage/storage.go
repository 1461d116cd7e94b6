package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/apperrors"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
)

// LockerStorage is the in-memory store. A single mutex makes every operation one
// atomic unit, which is what gives claim/release their exactly-once semantics here.
// With a non-empty dataFile the whole state is snapshotted to JSON after each mutation.
type LockerStorage struct {
	mu sync.Mutex

	locations    map[string]*models.Location
	lockers      map[string]*models.Locker
	slots        map[string]*models.Slot
	reservations map[string]*models.Reservation
	// pickup code -> reservation ID, non-terminal reservations only
	byCode map[string]string

	dataFile string
}

type snapshot struct {
	Locations    []*models.Location    `json:"locations"`
	Lockers      []*models.Locker      `json:"lockers"`
	Slots        []*models.Slot        `json:"slots"`
	Reservations []*models.Reservation `json:"reservations"`
}

func New(dataFile string) (*LockerStorage, error) {
	st := &LockerStorage{
		locations:    make(map[string]*models.Location),
		lockers:      make(map[string]*models.Locker),
		slots:        make(map[string]*models.Slot),
		reservations: make(map[string]*models.Reservation),
		byCode:       make(map[string]string),
		dataFile:     dataFile,
	}
	if dataFile != "" {
		if err := st.loadFromFile(); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (st *LockerStorage) loadFromFile() error {
	file, err := os.OpenFile(st.dataFile, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return nil
	}

	var snap snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for _, l := range snap.Locations {
		st.locations[l.ID] = l
	}
	for _, l := range snap.Lockers {
		st.lockers[l.ID] = l
	}
	for _, s := range snap.Slots {
		st.slots[s.ID] = s
	}
	for _, r := range snap.Reservations {
		st.reservations[r.ID] = r
		if !r.Terminal() {
			st.byCode[r.PickupCode] = r.ID
		}
	}
	return nil
}

func (st *LockerStorage) saveToFile() error {
	if st.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(st.dataFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	snap := snapshot{}
	for _, l := range st.locations {
		snap.Locations = append(snap.Locations, l)
	}
	for _, l := range st.lockers {
		snap.Lockers = append(snap.Lockers, l)
	}
	for _, s := range st.slots {
		snap.Slots = append(snap.Slots, s)
	}
	for _, r := range st.reservations {
		snap.Reservations = append(snap.Reservations, r)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// AddLocation, AddLocker and AddSlot seed the physical topology. Slot maintenance
// transitions come in through the same path; the engine itself never touches them.

func (st *LockerStorage) AddLocation(l models.Location) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.locations[l.ID] = &l
	return st.saveToFile()
}

func (st *LockerStorage) AddLocker(l models.Locker) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.locations[l.LocationID]; !ok {
		return fmt.Errorf("locker %s: location %s: %w", l.ID, l.LocationID, apperrors.ErrNotFound)
	}
	st.lockers[l.ID] = &l
	return st.saveToFile()
}

func (st *LockerStorage) AddSlot(s models.Slot) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.lockers[s.LockerID]; !ok {
		return fmt.Errorf("slot %s: locker %s: %w", s.ID, s.LockerID, apperrors.ErrNotFound)
	}
	if !s.Size.Valid() {
		return fmt.Errorf("slot %s: unknown size class %q", s.ID, s.Size)
	}
	if s.Status == "" {
		s.Status = models.SlotAvailable
	}
	st.slots[s.ID] = &s
	return st.saveToFile()
}

// claimable reports whether the slot can serve the criteria right now.
func (st *LockerStorage) claimable(s *models.Slot, crit models.SlotCriteria) bool {
	if s.Status != models.SlotAvailable || s.Size != crit.Size {
		return false
	}
	locker, ok := st.lockers[s.LockerID]
	if !ok || locker.Status != models.LockerOperational {
		return false
	}
	loc, ok := st.locations[locker.LocationID]
	if !ok || loc.Status != models.LocationActive {
		return false
	}
	if crit.LocationID != "" && loc.ID != crit.LocationID {
		return false
	}
	return true
}

// CreateReservation claims one matching AVAILABLE slot and persists the reservation
// bound to it, all under the store lock. Candidates are scanned in ascending slot ID
// order so the winner is deterministic.
func (st *LockerStorage) CreateReservation(_ context.Context, res *models.Reservation, crit models.SlotCriteria) (*models.SlotRef, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, taken := st.byCode[res.PickupCode]; taken {
		return nil, apperrors.ErrCodeTaken
	}

	ids := make([]string, 0, len(st.slots))
	for id := range st.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := st.slots[id]
		if !st.claimable(s, crit) {
			continue
		}
		s.Status = models.SlotReserved
		res.SlotID = s.ID
		res.Status = models.ReservationReserved
		cp := *res
		st.reservations[res.ID] = &cp
		st.byCode[res.PickupCode] = res.ID
		if err := st.saveToFile(); err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
		return st.slotRef(s), nil
	}
	return nil, apperrors.ErrNoAvailableSlot
}

func (st *LockerStorage) slotRef(s *models.Slot) *models.SlotRef {
	ref := &models.SlotRef{SlotID: s.ID, LockerID: s.LockerID}
	if locker, ok := st.lockers[s.LockerID]; ok {
		ref.LocationID = locker.LocationID
	}
	return ref
}

func (st *LockerStorage) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	res, ok := st.reservations[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (st *LockerStorage) GetSlot(_ context.Context, id string) (*models.Slot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.slots[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (st *LockerStorage) ConfirmDelivery(_ context.Context, id string, now time.Time) (*models.Reservation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	res, ok := st.reservations[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if res.Status != models.ReservationReserved {
		return nil, apperrors.ErrInvalidStateTransition
	}
	res.Status = models.ReservationDelivered
	res.DeliveredAt = now
	if s, ok := st.slots[res.SlotID]; ok {
		s.Status = models.SlotOccupied
	}
	if err := st.saveToFile(); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	cp := *res
	return &cp, nil
}

// CompletePickup resolves a credential pair and, when it names a live unexpired
// reservation, transitions it to PICKED_UP and frees the slot in the same atomic unit.
// A live but lapsed reservation is expired on the spot ("whichever observes it first
// wins" against the sweeper).
func (st *LockerStorage) CompletePickup(_ context.Context, code, pin string, pinRequired bool, now time.Time) (*models.Reservation, *models.SlotRef, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if id, ok := st.byCode[code]; ok {
		res := st.reservations[id]
		if pinRequired && res.PIN != pin {
			return nil, nil, apperrors.ErrInvalidCredential
		}
		if res.ExpiredAt(now) {
			st.expireLocked(res)
			if err := st.saveToFile(); err != nil {
				return nil, nil, fmt.Errorf("save snapshot: %w", err)
			}
			return nil, nil, apperrors.ErrReservationExpired
		}
		res.Status = models.ReservationPickedUp
		res.PickedUpAt = now
		delete(st.byCode, code)
		var ref *models.SlotRef
		if s, ok := st.slots[res.SlotID]; ok {
			s.Status = models.SlotAvailable
			ref = st.slotRef(s)
		}
		if err := st.saveToFile(); err != nil {
			return nil, nil, fmt.Errorf("save snapshot: %w", err)
		}
		cp := *res
		return &cp, ref, nil
	}

	// The code matches no live reservation. Distinguish a lapsed credential from a
	// replayed or unknown one, without leaking whether code or PIN was wrong.
	var last *models.Reservation
	for _, res := range st.reservations {
		if res.PickupCode != code || !res.Terminal() {
			continue
		}
		if last == nil || res.ReservedAt.After(last.ReservedAt) {
			last = res
		}
	}
	if last == nil || (pinRequired && last.PIN != pin) {
		return nil, nil, apperrors.ErrInvalidCredential
	}
	if last.Status == models.ReservationExpired {
		return nil, nil, apperrors.ErrReservationExpired
	}
	return nil, nil, apperrors.ErrInvalidStateTransition
}

func (st *LockerStorage) CancelReservation(_ context.Context, id, reason string, now time.Time) (*models.Reservation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	res, ok := st.reservations[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if res.Terminal() {
		return nil, apperrors.ErrInvalidStateTransition
	}
	res.Status = models.ReservationCancelled
	res.CancelledAt = now
	res.CancelReason = reason
	delete(st.byCode, res.PickupCode)
	if s, ok := st.slots[res.SlotID]; ok {
		s.Status = models.SlotAvailable
	}
	if err := st.saveToFile(); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	cp := *res
	return &cp, nil
}

func (st *LockerStorage) expireLocked(res *models.Reservation) {
	res.Status = models.ReservationExpired
	delete(st.byCode, res.PickupCode)
	if s, ok := st.slots[res.SlotID]; ok {
		s.Status = models.SlotAvailable
	}
}

// ListExpired returns IDs of non-terminal reservations whose deadline has passed.
func (st *LockerStorage) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var ids []string
	for id, res := range st.reservations {
		if res.Terminal() || !res.ExpiredAt(now) {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ExpireReservation is idempotent: a reservation that already reached a terminal state,
// or whose deadline moved back into the future, is left alone and reported as skipped.
func (st *LockerStorage) ExpireReservation(_ context.Context, id string, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	res, ok := st.reservations[id]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if res.Terminal() || !res.ExpiredAt(now) {
		return false, nil
	}
	st.expireLocked(res)
	if err := st.saveToFile(); err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	return true, nil
}

// ListExpiring returns live reservations with a deadline inside (now, now+window].
func (st *LockerStorage) ListExpiring(_ context.Context, now time.Time, window time.Duration) ([]*models.Reservation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*models.Reservation
	until := now.Add(window)
	for _, res := range st.reservations {
		if res.Terminal() || res.ExpiredAt(now) || res.ExpiresAt.After(until) {
			continue
		}
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (st *LockerStorage) Capacity(_ context.Context, locationID string) (models.Capacity, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.locations[locationID]; !ok {
		return nil, apperrors.ErrNotFound
	}
	cap := make(models.Capacity)
	for _, s := range st.slots {
		locker, ok := st.lockers[s.LockerID]
		if !ok || locker.LocationID != locationID {
			continue
		}
		cap.Add(s.Size, s.Status)
	}
	return cap, nil
}
