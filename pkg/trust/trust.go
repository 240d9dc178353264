// Package trust decides whether a TLS peer may talk to this node.
//
// Server identities are the dialled host:port; client identities are the
// certificate common name. Pins are persisted before they become visible,
// and an existing pin is never replaced.
package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fystack/orion/pkg/logger"
)

type Mode string

const (
	// ModeTOFU pins the first fingerprint seen per identity.
	ModeTOFU Mode = "tofu"
	// ModeAllowList only accepts identities already present in the pin store.
	ModeAllowList Mode = "allow-list"
	// ModeCA accepts certificates that chain to the configured roots.
	ModeCA Mode = "ca"
	// ModeCAOrTOFU accepts CA-valid certificates and falls back to TOFU.
	ModeCAOrTOFU Mode = "ca-or-tofu"
)

var ErrUnknownMode = errors.New("trust: unknown mode")

// ParseMode accepts the mode names plus the legacy "whitelist" alias.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tofu":
		return ModeTOFU, nil
	case "allow-list", "allowlist", "whitelist":
		return ModeAllowList, nil
	case "ca":
		return ModeCA, nil
	case "ca-or-tofu":
		return ModeCAOrTOFU, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ErrTrustRejected is matched by every *RejectedError.
var ErrTrustRejected = errors.New("trust: peer rejected")

type RejectedError struct {
	Identity    string
	Fingerprint string
	// Pinned is the previously pinned fingerprint, empty when none.
	Pinned string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Pinned != "" {
		return fmt.Sprintf("trust: peer %s rejected: %s (presented %s, pinned %s)", e.Identity, e.Reason, e.Fingerprint, e.Pinned)
	}
	return fmt.Sprintf("trust: peer %s rejected: %s", e.Identity, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrTrustRejected }

// Store holds the trust decision state for one side of the node (its
// outbound client or its inbound server).
type Store struct {
	mode   Mode
	pins   PinStore
	roots  *x509.CertPool
	now    func() time.Time
	mu     sync.RWMutex
	pinned map[string]Pin
}

// NewStore loads every pin from pins before returning. A nil pins uses an
// in-memory store. CA modes fall back to the system roots when roots is nil.
func NewStore(mode Mode, pins PinStore, roots *x509.CertPool) (*Store, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if pins == nil {
		pins = NewMemoryPinStore()
	}
	if roots == nil && (mode == ModeCA || mode == ModeCAOrTOFU) {
		system, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("load system roots: %w", err)
		}
		roots = system
	}

	loaded, err := pins.Load()
	if err != nil {
		return nil, fmt.Errorf("load pins: %w", err)
	}
	s := &Store{
		mode:   mode,
		pins:   pins,
		roots:  roots,
		now:    time.Now,
		pinned: make(map[string]Pin, len(loaded)),
	}
	for _, p := range loaded {
		if _, dup := s.pinned[p.Identity]; dup {
			// first pin wins; later lines cannot override it
			continue
		}
		s.pinned[p.Identity] = p
	}
	logger.Info("Trust store ready", "mode", string(mode), "pins", len(s.pinned))
	return s, nil
}

func (s *Store) Mode() Mode { return s.mode }

// Pinned returns the pin recorded for identity.
func (s *Store) Pinned(identity string) (Pin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pinned[identity]
	return p, ok
}

// Pins returns every pin ordered by identity.
func (s *Store) Pins() []Pin {
	s.mu.RLock()
	out := make([]Pin, 0, len(s.pinned))
	for _, p := range s.pinned {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// VerifyServer checks the chain presented by the server dialled at hostport
// and records a new TOFU pin.
func (s *Store) VerifyServer(hostport string, chain []*x509.Certificate) error {
	commit, err := s.StageServer(hostport, chain)
	if err != nil {
		return err
	}
	return commit()
}

// StageServer decides on a server chain without persisting anything. The
// returned commit records the pin and must only be called once the
// handshake has completed.
func (s *Store) StageServer(hostport string, chain []*x509.Certificate) (func() error, error) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return s.stage(hostport, chain, x509.ExtKeyUsageServerAuth, host)
}

// VerifyClient checks the chain presented by a connecting client and
// records a new TOFU pin. The identity is the leaf certificate's common name.
func (s *Store) VerifyClient(chain []*x509.Certificate) error {
	commit, err := s.StageClient(chain)
	if err != nil {
		return err
	}
	return commit()
}

// StageClient is the client-side counterpart of StageServer.
func (s *Store) StageClient(chain []*x509.Certificate) (func() error, error) {
	if len(chain) == 0 {
		return nil, &RejectedError{Identity: "<anonymous>", Reason: "no client certificate"}
	}
	identity := chain[0].Subject.CommonName
	if identity == "" {
		return nil, &RejectedError{Identity: "<anonymous>", Fingerprint: Fingerprint(chain[0]), Reason: "client certificate has no common name"}
	}
	return s.stage(identity, chain, x509.ExtKeyUsageClientAuth, "")
}

func noCommit() error { return nil }

func (s *Store) stage(identity string, chain []*x509.Certificate, usage x509.ExtKeyUsage, dnsName string) (func() error, error) {
	if len(chain) == 0 {
		return nil, &RejectedError{Identity: identity, Reason: "no certificate presented"}
	}
	fp := Fingerprint(chain[0])

	switch s.mode {
	case ModeCA:
		if err := s.verifyChain(chain, usage, dnsName); err != nil {
			return nil, &RejectedError{Identity: identity, Fingerprint: fp, Reason: err.Error()}
		}
		return noCommit, nil
	case ModeCAOrTOFU:
		if err := s.verifyChain(chain, usage, dnsName); err == nil {
			return noCommit, nil
		}
		return s.tofu(identity, fp)
	case ModeAllowList:
		p, ok := s.Pinned(identity)
		if !ok {
			return nil, &RejectedError{Identity: identity, Fingerprint: fp, Reason: "identity not in allow list"}
		}
		if p.Fingerprint != fp {
			return nil, s.mismatch(identity, fp, p)
		}
		return noCommit, nil
	default:
		return s.tofu(identity, fp)
	}
}

func (s *Store) verifyChain(chain []*x509.Certificate, usage x509.ExtKeyUsage, dnsName string) error {
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: intermediates,
		DNSName:       dnsName,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	return err
}

func (s *Store) tofu(identity, fp string) (func() error, error) {
	if p, ok := s.Pinned(identity); ok {
		if p.Fingerprint == fp {
			return noCommit, nil
		}
		return nil, s.mismatch(identity, fp, p)
	}
	return func() error { return s.pin(identity, fp) }, nil
}

// pin persists a first-seen fingerprint before it becomes visible.
func (s *Store) pin(identity, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pinned[identity]; ok {
		if p.Fingerprint == fp {
			return nil
		}
		return s.mismatch(identity, fp, p)
	}

	pin := Pin{Identity: identity, Fingerprint: fp, FirstSeen: s.now().UTC()}
	if err := s.pins.Add(pin); err != nil {
		if !errors.Is(err, ErrPinExists) {
			return fmt.Errorf("persist pin for %s: %w", identity, err)
		}
		// pinned concurrently through a shared pin store
		existing, lerr := s.lookupPersisted(identity)
		if lerr != nil {
			return fmt.Errorf("reload pin for %s: %w", identity, lerr)
		}
		s.pinned[identity] = existing
		if existing.Fingerprint != fp {
			return s.mismatch(identity, fp, existing)
		}
		return nil
	}
	s.pinned[identity] = pin
	logger.Info("Pinned new peer certificate", "identity", identity, "fingerprint", fp, "mode", string(s.mode))
	return nil
}

func (s *Store) lookupPersisted(identity string) (Pin, error) {
	all, err := s.pins.Load()
	if err != nil {
		return Pin{}, err
	}
	for _, p := range all {
		if p.Identity == identity {
			return p, nil
		}
	}
	return Pin{}, fmt.Errorf("pin store reported %s as pinned but has no record", identity)
}

func (s *Store) mismatch(identity, fp string, pinned Pin) error {
	err := &RejectedError{
		Identity:    identity,
		Fingerprint: fp,
		Pinned:      pinned.Fingerprint,
		Reason:      "certificate fingerprint changed",
	}
	logger.Error("SECURITY: peer presented a certificate that does not match its pin", err,
		"identity", identity,
		"presented", fp,
		"pinned", pinned.Fingerprint,
		"first_seen", pinned.FirstSeen,
	)
	return err
}
