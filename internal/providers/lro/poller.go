// Package lro implements the generic poll-until-terminal loop shared by all
// asynchronous generation backends. It knows nothing about any provider's
// wire format; normalization happens behind providers.AsyncTask.
package lro

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers"
)

const (
	// DefaultMaxAttempts bounds total wait to roughly five minutes with the
	// default interval.
	DefaultMaxAttempts = 60
	DefaultInterval    = 5 * time.Second
)

// Options configures a Poller. Zero values fall back to the defaults above.
type Options struct {
	MaxAttempts int
	Interval    time.Duration
	Logger      *zerolog.Logger
	// Sleep is the wait primitive between attempts; tests inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poller drives an AsyncTask handle to a terminal state.
type Poller struct {
	maxAttempts int
	interval    time.Duration
	logger      zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPoller(opts Options) *Poller {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Poller{
		maxAttempts: maxAttempts,
		interval:    interval,
		logger:      logger,
		sleep:       sleep,
	}
}

// Await polls task until the handle reaches a terminal state or the attempt
// budget runs out. A transport error on a single status check is treated as
// still-pending for that attempt; long waits must survive transient network
// blips.
func (p *Poller) Await(ctx context.Context, task providers.AsyncTask, handle string) (*domain.Artifact, error) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		status, err := task.CheckStatus(ctx, handle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.logger.Warn().
				Err(err).
				Str("handle", handle).
				Int("attempt", attempt).
				Msg("lro: status check failed, treating as pending")
		} else {
			switch status.State {
			case providers.TaskStateSucceeded:
				p.logger.Debug().
					Str("handle", handle).
					Int("attempt", attempt).
					Msg("lro: operation succeeded")
				return status.Artifact, nil
			case providers.TaskStateFailed:
				reason := status.Reason
				if reason == "" {
					reason = "operation failed"
				}
				return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailure, reason)
			}
		}
		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", domain.ErrPollTimeout, p.maxAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
