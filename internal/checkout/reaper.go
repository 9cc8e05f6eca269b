package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Lease keeps concurrent replicas from sweeping at the same time. TryAcquire
// returns a nil release func when another holder has the lease.
type Lease interface {
	TryAcquire(ctx context.Context) (release func(), err error)
}

type ReaperConfig struct {
	Interval time.Duration // default 1m
	Timeout  time.Duration // unpaid orders older than this are cancelled; default 30m
	Batch    int           // max orders per sweep; default 100
}

// Reaper cancels orders left UNPAID past the timeout, through the same path
// as a user cancellation.
type Reaper struct {
	svc   *Service
	cfg   ReaperConfig
	lease Lease
}

// NewReaper builds a reaper. lease may be nil for a single replica.
func NewReaper(svc *Service, cfg ReaperConfig, lease Lease) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reaper{svc: svc, cfg: cfg, lease: lease}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.cfg.Interval).Dur("timeout", r.cfg.Timeout).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many orders it cancelled. A failure on
// one order is logged and the sweep moves on.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.lease != nil {
		release, err := r.lease.TryAcquire(ctx)
		if err != nil {
			return 0, err
		}
		if release == nil {
			log.Debug().Msg("reaper lease held elsewhere, skipping sweep")
			return 0, nil
		}
		defer release()
	}

	cutoff := r.svc.now().Add(-r.cfg.Timeout)
	ids, err := r.svc.store.Orders().ListUnpaidBefore(ctx, cutoff, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list unpaid orders: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return cancelled, ctx.Err()
		}
		if err := r.svc.CancelOrder(ctx, id, ReasonTimeout); err != nil {
			log.Warn().Err(err).Str("orderId", id).Msg("timeout cancel failed")
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		log.Info().Int("cancelled", cancelled).Int("candidates", len(ids)).Msg("reaper sweep done")
	}
	return cancelled, nil
}
