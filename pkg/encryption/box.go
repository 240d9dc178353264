// Package encryption implements the sealed envelope used for every payload.
//
// A payload is encrypted once with a random XChaCha20-Poly1305 content key.
// The content key is then sealed separately to each recipient with NaCl box
// (X25519, XSalsa20-Poly1305), so adding recipients only grows the small
// wrapped-key list. Every Seal call draws fresh keys and nonces from
// crypto/rand. All functions are stateless and safe for concurrent use.
package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/fystack/orion/pkg/security"
)

// Seal encrypts plaintext from sender to every key in recipients.
// Duplicate recipients are collapsed, order of first appearance is kept.
func Seal(plaintext []byte, sender *KeyPair, recipients []PublicKey) (*Envelope, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrInvalidKey)
	}
	recipients = uniqueKeys(recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	var contentKey [chacha20poly1305.KeySize]byte
	defer security.ZeroKey(&contentKey)
	if _, err := io.ReadFull(rand.Reader, contentKey[:]); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}

	env := &Envelope{
		Version:    EnvelopeVersion,
		Sender:     sender.Public,
		Recipients: make([]WrappedKey, 0, len(recipients)),
	}
	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	senderPriv := [KeySize]byte(sender.Private)
	defer security.ZeroKey(&senderPriv)
	for _, r := range recipients {
		wk := WrappedKey{Recipient: r}
		if _, err := io.ReadFull(rand.Reader, wk.Nonce[:]); err != nil {
			return nil, fmt.Errorf("generate wrap nonce: %w", err)
		}
		recipientPub := [KeySize]byte(r)
		wk.Sealed = box.Seal(nil, contentKey[:], &wk.Nonce, &recipientPub, &senderPriv)
		env.Recipients = append(env.Recipients, wk)
	}

	aad, err := env.header()
	if err != nil {
		return nil, fmt.Errorf("encode envelope header: %w", err)
	}
	aead, err := chacha20poly1305.NewX(contentKey[:])
	if err != nil {
		return nil, fmt.Errorf("init content cipher: %w", err)
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce[:], plaintext, aad)
	return env, nil
}

// Open recovers the plaintext of env using the recipient's key pair.
//
// It returns ErrAuthorization when recipient is not addressed by env and
// ErrIntegrity when any tag check fails.
func Open(env *Envelope, recipient *KeyPair) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	if recipient == nil {
		return nil, fmt.Errorf("%w: nil recipient", ErrInvalidKey)
	}
	entry, ok := env.wrappedFor(recipient.Public)
	if !ok {
		return nil, ErrAuthorization
	}

	senderPub := [KeySize]byte(env.Sender)
	recipientPriv := [KeySize]byte(recipient.Private)
	defer security.ZeroKey(&recipientPriv)

	contentKey, ok := box.Open(nil, entry.Sealed, &entry.Nonce, &senderPub, &recipientPriv)
	if !ok {
		return nil, fmt.Errorf("%w: content key unwrap failed", ErrIntegrity)
	}
	defer security.ZeroBytes(contentKey)
	if len(contentKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: content key has %d bytes", ErrIntegrity, len(contentKey))
	}

	aad, err := env.header()
	if err != nil {
		return nil, fmt.Errorf("encode envelope header: %w", err)
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("init content cipher: %w", err)
	}
	if len(env.Ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

func uniqueKeys(keys []PublicKey) []PublicKey {
	seen := make(map[PublicKey]struct{}, len(keys))
	out := make([]PublicKey, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
