package sweeper

import (
	"context"
	"log"
	"time"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/audit"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
)

// Store is the slice of the engine's store the sweeper needs.
type Store interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpireReservation(ctx context.Context, id string, now time.Time) (bool, error)
	ListExpiring(ctx context.Context, now time.Time, window time.Duration) ([]*models.Reservation, error)
}

// Notifier receives best-effort "expiring soon" events. Injected so tests can record
// them and deployments without a notification worker can plug in the log fallback.
type Notifier interface {
	NotifyExpiring(res *models.Reservation)
}

type LogNotifier struct{}

func (LogNotifier) NotifyExpiring(res *models.Reservation) {
	log.Printf("reservation %s (parcel %s) expires at %s",
		res.ID, res.TrackingNumber, res.ExpiresAt.Format(time.RFC3339))
}

type Config struct {
	Interval     time.Duration
	WarnInterval time.Duration
	WarnWindow   time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = time.Hour
	}
	if c.WarnWindow <= 0 {
		c.WarnWindow = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// Sweeper reclaims slots whose reservations have lapsed. Each reservation's transition
// is independently atomic and idempotent in the store, so overlapping sweeps (including
// sweeps from other process instances) and racing pickups are harmless.
type Sweeper struct {
	store    Store
	sink     audit.Sink
	notifier Notifier
	cfg      Config

	warned map[string]struct{}
}

func New(store Store, sink audit.Sink, notifier Notifier, cfg Config) *Sweeper {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Sweeper{
		store:    store,
		sink:     sink,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		warned:   make(map[string]struct{}),
	}
}

// Start runs the expiry loop and the slower warning loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go s.runSweep(ctx)
	go s.runWarn(ctx)
}

func (s *Sweeper) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
				log.Printf("sweep failed: %v", err)
			}
		}
	}
}

func (s *Sweeper) runWarn(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WarnInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.WarnExpiring(ctx, time.Now().UTC())
		}
	}
}

// Sweep transitions every lapsed RESERVED/DELIVERED reservation to EXPIRED and frees
// its slot, one atomic unit per reservation. Returns how many it actually expired;
// reservations another transition beat it to are skipped silently.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		expired, err := s.store.ExpireReservation(ctx, id, now)
		if err != nil {
			log.Printf("expire %s: %v", id, err)
			continue
		}
		if !expired {
			continue
		}
		count++
		s.sink.Emit(audit.Record{
			Timestamp:  now,
			EntityType: "reservation",
			EntityID:   id,
			Action:     "expire",
			Details:    "slot released by sweep",
		})
	}
	return count, nil
}

// WarnExpiring emits one notification per reservation entering the warning window.
// Purely best-effort: a miss here never affects the reservation itself.
func (s *Sweeper) WarnExpiring(ctx context.Context, now time.Time) {
	list, err := s.store.ListExpiring(ctx, now, s.cfg.WarnWindow)
	if err != nil {
		log.Printf("list expiring: %v", err)
		return
	}
	for _, res := range list {
		if _, ok := s.warned[res.ID]; ok {
			continue
		}
		s.warned[res.ID] = struct{}{}
		s.notifier.NotifyExpiring(res)
	}
}
