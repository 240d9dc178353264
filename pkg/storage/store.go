package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/fystack/orion/pkg/digest"
)

var (
	// ErrNotFound is returned by Get when the digest is absent.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable marks transient backend faults. Callers may retry.
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrConstraint marks requests the backend can never satisfy, such as
	// bytes that do not hash to the supplied digest. Not retryable.
	ErrConstraint = errors.New("storage: constraint violation")

	// ErrImmutable is returned when a digest already holds different bytes.
	ErrImmutable = errors.New("storage: immutable record mismatch")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store closed")
)

// Store persists envelope bytes keyed by their digest.
//
// Contract, shared by every backend:
//   - Put followed by Get for the same digest returns exactly the stored bytes,
//     across restarts for durable backends.
//   - Put is idempotent: the same digest with identical bytes always succeeds,
//     including concurrent calls.
//   - Put rejects bytes that do not hash to the digest with ErrConstraint.
//   - Get returns ErrNotFound for absent digests.
//   - Transient faults wrap ErrUnavailable.
type Store interface {
	Put(ctx context.Context, d digest.Digest, envelope []byte) error
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	Exists(ctx context.Context, d digest.Digest) (bool, error)
	Close() error
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable reports whether err is a transient backend fault.
func IsRetryable(err error) bool { return errors.Is(err, ErrUnavailable) }

func checkRecord(d digest.Digest, envelope []byte) error {
	if d.IsZero() {
		return fmt.Errorf("%w: zero digest", ErrConstraint)
	}
	if !digest.Verify(d, envelope) {
		return fmt.Errorf("%w: bytes do not hash to %s", ErrConstraint, d)
	}
	return nil
}

func checkExisting(d digest.Digest, existing, envelope []byte) error {
	if !bytes.Equal(existing, envelope) {
		return fmt.Errorf("%w: %s", ErrImmutable, d)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
