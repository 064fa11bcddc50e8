package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

const (
	propagationAttempts = 3
	propagationBaseWait = time.Second
)

// propagator writes a job outcome into the target entity, retrying over
// transient storage failures. The generation itself is never retried here;
// only the write is.
type propagator struct {
	store  Persistence
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newPropagator(store Persistence, logger zerolog.Logger, sleep func(ctx context.Context, d time.Duration) error) *propagator {
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &propagator{store: store, logger: logger, sleep: sleep}
}

// propagate attempts the write up to propagationAttempts times with a
// linearly growing wait (attempt x base). On exhaustion it returns an
// ErrPersistence-wrapped error; the caller marks the job failed no matter
// what the provider reported.
func (p *propagator) propagate(ctx context.Context, ref domain.TargetRef, update domain.TargetUpdate) error {
	var lastErr error
	for attempt := 1; attempt <= propagationAttempts; attempt++ {
		lastErr = p.store.UpdateTarget(ctx, ref, update)
		if lastErr == nil {
			return nil
		}
		p.logger.Warn().
			Err(lastErr).
			Str("target_kind", string(ref.Kind)).
			Str("target_id", ref.ID).
			Int("attempt", attempt).
			Msg("jobqueue: propagation write failed")
		if attempt == propagationAttempts {
			break
		}
		if err := p.sleep(ctx, time.Duration(attempt)*propagationBaseWait); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}
	p.logger.Error().
		Err(lastErr).
		Str("target_kind", string(ref.Kind)).
		Str("target_id", ref.ID).
		Msg("jobqueue: propagation abandoned, outcome not recorded")
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrPersistence, propagationAttempts, lastErr)
}
