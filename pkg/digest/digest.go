// Package digest derives the content address of an envelope.
package digest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = blake2b.Size256

// EncodedLen is the length of the base64 text form.
const EncodedLen = 44

var ErrInvalidDigest = errors.New("digest: invalid digest")

// Digest is the BLAKE2b-256 hash of serialized envelope bytes. It is the
// storage key and the public handle returned to clients.
type Digest [Size]byte

// Address computes the digest of envelope. It is pure and deterministic.
func Address(envelope []byte) Digest {
	return Digest(blake2b.Sum256(envelope))
}

// Verify reports whether data hashes to d.
func Verify(d Digest, data []byte) bool {
	return Address(data) == d
}

// Parse decodes the base64 text form.
func Parse(s string) (Digest, error) {
	var d Digest
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return FromBytes(raw)
}

// FromBytes copies a raw 32-byte digest.
func FromBytes(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != Size {
		return d, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidDigest, Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// CID renders the digest as a CIDv1 with the raw codec and a blake2b-256
// multihash, for consumers that expect self-describing content ids.
func (d Digest) CID() cid.Cid {
	mh, err := multihash.Encode(d[:], multihash.BLAKE2B_MIN+Size-1)
	if err != nil {
		// Encode only fails on a length/code mismatch, which Size rules out.
		return cid.Undef
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
