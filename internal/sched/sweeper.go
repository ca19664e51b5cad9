package sched

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"haulbid.org/internal/auction"
	"haulbid.org/internal/obs"
)

const (
	// DefaultInterval replaces the legacy close-on-page-load polling.
	DefaultInterval = 30 * time.Second
	defaultBatch    = 100
)

// Closer is the slice of the auction service the sweeper drives. Closing goes
// through the same path as a client request; idempotence of that path is what
// makes concurrent sweeper replicas safe without external locking.
type Closer interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error)
	CloseAuction(ctx context.Context, auctionID, callerID string, system bool) (auction.CloseReceipt, error)
}

// Sweeper closes auctions whose window has elapsed.
type Sweeper struct {
	svc      Closer
	interval time.Duration
	batch    int
	now      func() time.Time
}

// Option configures Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize caps how many auctions one tick processes.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Sweeper.
func New(svc Closer, opts ...Option) *Sweeper {
	s := &Sweeper{
		svc:      svc,
		interval: DefaultInterval,
		batch:    defaultBatch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce closes every expired auction it can find right now. One auction's
// failure must not abort the rest of the batch; failures are counted and the
// auction is retried on the next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) (closed, failed int) {
	obs.SweepRunsTotal.Inc()
	now := s.now()

	expired, err := s.svc.ListExpired(ctx, now, s.batch)
	if err != nil {
		obs.SweepFailuresTotal.Inc()
		obs.Logger().WithError(err).Error("expiration sweep: list expired auctions")
		return 0, 1
	}

	for _, a := range expired {
		if ctx.Err() != nil {
			return closed, failed
		}
		r, err := s.svc.CloseAuction(ctx, a.ID, "system", true)
		if err != nil {
			failed++
			obs.SweepFailuresTotal.Inc()
			obs.Logger().WithError(err).WithField("auction_id", a.ID).Error("expiration sweep: close auction")
			continue
		}
		if !r.AlreadyClosed {
			closed++
			obs.Logger().WithFields(logrus.Fields{
				"auction_id": a.ID,
				"winner_id":  r.Auction.WinnerID,
			}).Info("auction closed by sweep")
		}
	}
	return closed, failed
}
