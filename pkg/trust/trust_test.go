package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCert(t *testing.T, cn string, hosts ...string) tls.Certificate {
	t.Helper()
	c, err := GenerateCertificate(CertificateRequest{CommonName: cn, Hosts: hosts})
	require.NoError(t, err)
	return c
}

func chainOf(c tls.Certificate) []*x509.Certificate {
	return []*x509.Certificate{c.Leaf}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"tofu", ModeTOFU},
		{"TOFU", ModeTOFU},
		{"allow-list", ModeAllowList},
		{"whitelist", ModeAllowList},
		{"ca", ModeCA},
		{"ca-or-tofu", ModeCAOrTOFU},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseMode("trust-everyone")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestNewStoreRejectsUnknownMode(t *testing.T) {
	_, err := NewStore(Mode("yolo"), nil, nil)
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestTOFUPinsFirstFingerprint(t *testing.T) {
	pins := NewMemoryPinStore()
	s, err := NewStore(ModeTOFU, pins, nil)
	require.NoError(t, err)

	first := newCert(t, "node-b")
	require.NoError(t, s.VerifyServer("node-b:8080", chainOf(first)))

	pin, ok := s.Pinned("node-b:8080")
	require.True(t, ok)
	assert.Equal(t, Fingerprint(first.Leaf), pin.Fingerprint)
	assert.False(t, pin.FirstSeen.IsZero())

	persisted, err := pins.Load()
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	// same certificate again is accepted
	require.NoError(t, s.VerifyServer("node-b:8080", chainOf(first)))

	// a different certificate for the same identity is rejected, pin unchanged
	second := newCert(t, "node-b")
	err = s.VerifyServer("node-b:8080", chainOf(second))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrustRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "node-b:8080", rejected.Identity)
	assert.Equal(t, Fingerprint(second.Leaf), rejected.Fingerprint)
	assert.Equal(t, Fingerprint(first.Leaf), rejected.Pinned)

	pin, _ = s.Pinned("node-b:8080")
	assert.Equal(t, Fingerprint(first.Leaf), pin.Fingerprint)
}

func TestTOFUIdentitiesAreIndependent(t *testing.T) {
	s, err := NewStore(ModeTOFU, nil, nil)
	require.NoError(t, err)

	c := newCert(t, "shared")
	require.NoError(t, s.VerifyServer("a:1", chainOf(c)))
	require.NoError(t, s.VerifyServer("b:1", chainOf(newCert(t, "other"))))
	assert.Len(t, s.Pins(), 2)
}

func TestTOFUConcurrentFirstContact(t *testing.T) {
	s, err := NewStore(ModeTOFU, nil, nil)
	require.NoError(t, err)

	certs := make([]tls.Certificate, 8)
	for i := range certs {
		certs[i] = newCert(t, "racer")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(certs))
	for i := range certs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.VerifyServer("race:443", chainOf(certs[i]))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrTrustRejected)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestTOFUReloadsPersistedPins(t *testing.T) {
	c := newCert(t, "node-c")
	pins := NewMemoryPinStore(Pin{Identity: "node-c:9000", Fingerprint: Fingerprint(c.Leaf)})

	s, err := NewStore(ModeTOFU, pins, nil)
	require.NoError(t, err)
	require.NoError(t, s.VerifyServer("node-c:9000", chainOf(c)))
	assert.ErrorIs(t, s.VerifyServer("node-c:9000", chainOf(newCert(t, "node-c"))), ErrTrustRejected)
}

func TestAllowList(t *testing.T) {
	known := newCert(t, "client-a")
	pins := NewMemoryPinStore(Pin{Identity: "client-a", Fingerprint: Fingerprint(known.Leaf)})
	s, err := NewStore(ModeAllowList, pins, nil)
	require.NoError(t, err)

	require.NoError(t, s.VerifyClient(chainOf(known)))
	assert.ErrorIs(t, s.VerifyClient(chainOf(newCert(t, "client-a"))), ErrTrustRejected)
	assert.ErrorIs(t, s.VerifyClient(chainOf(newCert(t, "stranger"))), ErrTrustRejected)

	// nothing new is ever pinned
	assert.Len(t, s.Pins(), 1)
}

func TestVerifyClientRequiresCommonName(t *testing.T) {
	s, err := NewStore(ModeTOFU, nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.VerifyClient(nil), ErrTrustRejected)
	assert.ErrorIs(t, s.VerifyClient(chainOf(newCert(t, ""))), ErrTrustRejected)
}

func TestCAModes(t *testing.T) {
	ca, err := GenerateCertificate(CertificateRequest{CommonName: "orion test ca", IsCA: true})
	require.NoError(t, err)
	leaf, err := GenerateCertificate(CertificateRequest{CommonName: "node-d", Hosts: []string{"node-d", "127.0.0.1"}, Issuer: &ca})
	require.NoError(t, err)
	selfSigned := newCert(t, "node-d", "node-d")

	roots := x509.NewCertPool()
	roots.AddCert(ca.Leaf)

	t.Run("ca", func(t *testing.T) {
		s, err := NewStore(ModeCA, nil, roots)
		require.NoError(t, err)

		require.NoError(t, s.VerifyServer("node-d:8080", chainOf(leaf)))
		require.NoError(t, s.VerifyServer("127.0.0.1:8080", chainOf(leaf)))
		assert.ErrorIs(t, s.VerifyServer("node-e:8080", chainOf(leaf)), ErrTrustRejected)
		assert.ErrorIs(t, s.VerifyServer("node-d:8080", chainOf(selfSigned)), ErrTrustRejected)
		require.NoError(t, s.VerifyClient(chainOf(leaf)))
		assert.Empty(t, s.Pins())
	})

	t.Run("ca-or-tofu", func(t *testing.T) {
		s, err := NewStore(ModeCAOrTOFU, nil, roots)
		require.NoError(t, err)

		require.NoError(t, s.VerifyServer("node-d:8080", chainOf(leaf)))
		assert.Empty(t, s.Pins())

		require.NoError(t, s.VerifyServer("node-d:8080", chainOf(selfSigned)))
		assert.Len(t, s.Pins(), 1)
		assert.ErrorIs(t, s.VerifyServer("node-d:8080", chainOf(newCert(t, "node-d"))), ErrTrustRejected)
	})
}

type failingPinStore struct{ *MemoryPinStore }

func (f *failingPinStore) Add(Pin) error { return errors.New("disk full") }

func TestTOFUPersistFailureDoesNotPin(t *testing.T) {
	s, err := NewStore(ModeTOFU, &failingPinStore{MemoryPinStore: NewMemoryPinStore()}, nil)
	require.NoError(t, err)

	err = s.VerifyServer("node-f:1", chainOf(newCert(t, "node-f")))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTrustRejected)
	_, ok := s.Pinned("node-f:1")
	assert.False(t, ok)
}

// sharedPinStore has already pinned the identity behind the store's back.
type sharedPinStore struct {
	inner    *MemoryPinStore
	hidden   Pin
	revealed bool
}

func (s *sharedPinStore) Load() ([]Pin, error) {
	if !s.revealed {
		return nil, nil
	}
	return s.inner.Load()
}

func (s *sharedPinStore) Add(p Pin) error {
	if !s.revealed {
		s.revealed = true
		_ = s.inner.Add(s.hidden)
	}
	return s.inner.Add(p)
}

func TestTOFUConcurrentPinFromAnotherNode(t *testing.T) {
	theirs := newCert(t, "node-g")
	ours := newCert(t, "node-g")
	shared := &sharedPinStore{
		inner:  NewMemoryPinStore(),
		hidden: Pin{Identity: "node-g:1", Fingerprint: Fingerprint(theirs.Leaf)},
	}
	s, err := NewStore(ModeTOFU, shared, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.VerifyServer("node-g:1", chainOf(ours)), ErrTrustRejected)
	require.NoError(t, s.VerifyServer("node-g:1", chainOf(theirs)))
}
