package encryption

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorization is returned by Open when the caller's public key is
	// not among the envelope recipients.
	ErrAuthorization = errors.New("encryption: key is not an envelope recipient")

	// ErrIntegrity is returned when an authentication tag check fails or the
	// envelope structure is corrupt.
	ErrIntegrity = errors.New("encryption: envelope integrity check failed")

	// ErrMalformedEnvelope is returned when envelope bytes cannot be decoded.
	// It matches ErrIntegrity under errors.Is.
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrIntegrity)

	// ErrNoRecipients is returned by Seal when the recipient set is empty.
	ErrNoRecipients = errors.New("encryption: at least one recipient is required")

	// ErrInvalidKey is returned when a key has the wrong size or encoding.
	ErrInvalidKey = errors.New("encryption: invalid key")
)
