package encryption

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeVersion is the only envelope layout this package produces.
const EnvelopeVersion uint8 = 1

// NonceSize is the size of both the content nonce and the key-wrap nonces.
const NonceSize = 24

// Envelope is the encrypted, recipient-wrapped form of a payload. It is the
// only representation that is stored or sent to peers.
type Envelope struct {
	Version    uint8
	Sender     PublicKey
	Nonce      [NonceSize]byte
	Ciphertext []byte
	Recipients []WrappedKey
}

// WrappedKey is the content key sealed to a single recipient.
type WrappedKey struct {
	Recipient PublicKey
	Nonce     [NonceSize]byte
	Sealed    []byte
}

type wireEnvelope struct {
	Version    uint8           `cbor:"1,keyasint"`
	Sender     []byte          `cbor:"2,keyasint"`
	Nonce      []byte          `cbor:"3,keyasint"`
	Ciphertext []byte          `cbor:"4,keyasint"`
	Recipients []wireRecipient `cbor:"5,keyasint"`
}

type wireRecipient struct {
	PublicKey []byte `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"`
	Sealed    []byte `cbor:"3,keyasint"`
}

// wireHeader is authenticated as additional data of the content cipher so
// the sender and recipient list cannot be swapped without detection.
type wireHeader struct {
	Version    uint8    `cbor:"1,keyasint"`
	Sender     []byte   `cbor:"2,keyasint"`
	Recipients [][]byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("encryption: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("encryption: cbor dec mode: %v", err))
	}
}

// Marshal serializes the envelope with deterministic CBOR, so equal
// envelopes always produce equal bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	w := wireEnvelope{
		Version:    e.Version,
		Sender:     e.Sender[:],
		Nonce:      e.Nonce[:],
		Ciphertext: e.Ciphertext,
		Recipients: make([]wireRecipient, 0, len(e.Recipients)),
	}
	for i := range e.Recipients {
		r := &e.Recipients[i]
		w.Recipients = append(w.Recipients, wireRecipient{
			PublicKey: r.Recipient[:],
			Nonce:     r.Nonce[:],
			Sealed:    r.Sealed,
		})
	}
	return encMode.Marshal(w)
}

// UnmarshalEnvelope decodes envelope bytes produced by Marshal.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, w.Version)
	}
	if len(w.Sender) != KeySize || len(w.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad sender or nonce size", ErrMalformedEnvelope)
	}
	if len(w.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrMalformedEnvelope)
	}

	env := &Envelope{
		Version:    w.Version,
		Ciphertext: w.Ciphertext,
		Recipients: make([]WrappedKey, 0, len(w.Recipients)),
	}
	copy(env.Sender[:], w.Sender)
	copy(env.Nonce[:], w.Nonce)
	for i, r := range w.Recipients {
		if len(r.PublicKey) != KeySize || len(r.Nonce) != NonceSize {
			return nil, fmt.Errorf("%w: bad recipient %d", ErrMalformedEnvelope, i)
		}
		var wk WrappedKey
		copy(wk.Recipient[:], r.PublicKey)
		copy(wk.Nonce[:], r.Nonce)
		wk.Sealed = r.Sealed
		env.Recipients = append(env.Recipients, wk)
	}
	return env, nil
}

// RecipientKeys lists the public keys the envelope is addressed to.
func (e *Envelope) RecipientKeys() []PublicKey {
	keys := make([]PublicKey, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		keys = append(keys, r.Recipient)
	}
	return keys
}

// HasRecipient reports whether key can open the envelope.
func (e *Envelope) HasRecipient(key PublicKey) bool {
	_, ok := e.wrappedFor(key)
	return ok
}

func (e *Envelope) wrappedFor(key PublicKey) (*WrappedKey, bool) {
	for i := range e.Recipients {
		if e.Recipients[i].Recipient == key {
			return &e.Recipients[i], true
		}
	}
	return nil, false
}

func (e *Envelope) header() ([]byte, error) {
	h := wireHeader{
		Version:    e.Version,
		Sender:     e.Sender[:],
		Recipients: make([][]byte, 0, len(e.Recipients)),
	}
	for i := range e.Recipients {
		h.Recipients = append(h.Recipients, e.Recipients[i].Recipient[:])
	}
	return encMode.Marshal(h)
}
