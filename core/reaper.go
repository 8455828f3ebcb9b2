package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Reaper removes proposals past their expiry.
type Reaper struct {
	store   ProposalStore
	logger  logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time
	group   singleflight.Group
}

func NewReaper(store ProposalStore, logger logrus.FieldLogger, metrics *Metrics, now func() time.Time) *Reaper {
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:   store,
		logger:  logger.WithField("module", "reaper"),
		metrics: metrics,
		now:     now,
	}
}

// Sweep deletes every pending proposal that expired before now. Concurrent
// sweeps are harmless.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := r.store.DeleteExpired(ctx, now)
	r.metrics.sweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.metrics.proposalsExpired.Add(float64(n))
		r.logger.Infof("deleted %d expired proposals", n)
	}
	return n, nil
}

// SweepNow sweeps at the current time, joining a sweep already in flight
// instead of starting a second one.
func (r *Reaper) SweepNow(ctx context.Context) (int, error) {
	v, err, _ := r.group.Do("sweep", func() (any, error) {
		return r.Sweep(ctx, r.now())
	})
	n, _ := v.(int)
	return n, err
}

// Tick is the scheduled sweep. It also refreshes the pending gauge.
func (r *Reaper) Tick(ctx context.Context) error {
	if _, err := r.SweepNow(ctx); err != nil {
		return err
	}
	ps, err := r.store.List(ctx, Filter{Statuses: []ProposalStatus{Pending}})
	if err != nil {
		return err
	}
	r.metrics.pending.Set(float64(len(ps)))
	return nil
}
