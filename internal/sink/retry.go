package sink

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

type retrying struct {
	Sink
	maxElapsed      time.Duration
	initialInterval time.Duration
	logger          hclog.Logger
}

// WithRetry retries failed writes with exponential backoff until maxElapsed has passed.
// ErrObjectExists and context cancellation are not retried.
func WithRetry(s Sink, maxElapsed time.Duration, logger hclog.Logger) Sink {
	return &retrying{
		Sink:            s,
		maxElapsed:      maxElapsed,
		initialInterval: backoff.DefaultInitialInterval,
		logger:          logger,
	}
}

func (r *retrying) Write(ctx context.Context, name string, data []byte, contentType string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxElapsedTime = r.maxElapsed

	op := func() error {
		err := r.Sink.Write(ctx, name, data, contentType)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrObjectExists) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Write failed, retrying", "object", name, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
