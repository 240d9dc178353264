package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of Curve25519 public and private keys.
const KeySize = 32

// PublicKey is a Curve25519 public key. Its text form is standard base64.
type PublicKey [KeySize]byte

// PrivateKey is a Curve25519 private key. It never leaves the owning node.
type PrivateKey [KeySize]byte

// KeyPair binds a private key to its public identity.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// String never reveals key material.
func (k PrivateKey) String() string {
	return "[redacted]"
}

// Encode returns the base64 form of the private key for key files.
func (k PrivateKey) Encode() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParsePublicKey decodes a base64 encoded 32-byte public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var key PublicKey
	raw, err := decodeKey(s)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// ParsePrivateKey decodes a base64 encoded 32-byte private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var key PrivateKey
	raw, err := decodeKey(s)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// ParsePublicKeys decodes every entry of keys, failing on the first bad one.
func ParsePublicKeys(keys []string) ([]PublicKey, error) {
	out := make([]PublicKey, 0, len(keys))
	for _, k := range keys {
		pk, err := ParsePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("public key %q: %w", k, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

func decodeKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	return raw, nil
}

// GenerateKeyPair creates a fresh Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate derives the public key for priv.
func KeyPairFromPrivate(priv PrivateKey) (*KeyPair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}
