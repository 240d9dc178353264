package storage

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/logger"
)

// RetryConfig bounds retries of transient backend faults.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Delay:    100 * time.Millisecond,
		MaxDelay: 2 * time.Second,
	}
}

type retryingStore struct {
	Store
	cfg RetryConfig
}

// WithRetry retries operations of s that fail with ErrUnavailable, using
// exponential backoff. Any other error is returned on the first attempt.
func WithRetry(s Store, cfg RetryConfig) Store {
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultRetryConfig().Attempts
	}
	return &retryingStore{Store: s, cfg: cfg}
}

// Unwrap exposes the decorated backend.
func (r *retryingStore) Unwrap() Store {
	return r.Store
}

func (r *retryingStore) Put(ctx context.Context, d digest.Digest, envelope []byte) error {
	return r.do(ctx, "put", d, func() error {
		return r.Store.Put(ctx, d, envelope)
	})
}

func (r *retryingStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", d, func() error {
		var err error
		out, err = r.Store.Get(ctx, d)
		return err
	})
	return out, err
}

func (r *retryingStore) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", d, func() error {
		var err error
		ok, err = r.Store.Exists(ctx, d)
		return err
	})
	return ok, err
}

func (r *retryingStore) do(ctx context.Context, op string, d digest.Digest, fn func() error) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(r.cfg.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Storage operation failed, retrying", "op", op, "digest", d.String(), "attempt", n+1, "error", err.Error())
		}),
	}
	if r.cfg.Delay > 0 {
		opts = append(opts, retry.Delay(r.cfg.Delay))
	}
	if r.cfg.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(r.cfg.MaxDelay))
	}
	return retry.Do(fn, opts...)
}
