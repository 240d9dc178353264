package trust

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrPinExists = errors.New("trust: identity already pinned")

type Pin struct {
	Identity    string    `json:"identity"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
}

// PinStore persists pins. Add must fail with ErrPinExists rather than
// overwrite an identity that is already pinned.
type PinStore interface {
	Load() ([]Pin, error)
	Add(pin Pin) error
}

type MemoryPinStore struct {
	mu   sync.Mutex
	pins map[string]Pin
}

var _ PinStore = (*MemoryPinStore)(nil)

func NewMemoryPinStore(pins ...Pin) *MemoryPinStore {
	m := &MemoryPinStore{pins: make(map[string]Pin, len(pins))}
	for _, p := range pins {
		m.pins[p.Identity] = p
	}
	return m
}

func (m *MemoryPinStore) Load() ([]Pin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pin, 0, len(m.pins))
	for _, p := range m.pins {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryPinStore) Add(pin Pin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pins[pin.Identity]; ok {
		return fmt.Errorf("%w: %s", ErrPinExists, pin.Identity)
	}
	m.pins[pin.Identity] = pin
	return nil
}

// FilePinStore keeps pins in an append-only text file, one per line:
//
//	<identity> <fingerprint> [<first-seen RFC3339>]
//
// Identities are path-escaped so they never contain whitespace. Lines
// starting with # are ignored. Allow lists are written by hand in the same
// format, usually without the timestamp.
type FilePinStore struct {
	path string
	mu   sync.Mutex
}

var _ PinStore = (*FilePinStore)(nil)

func NewFilePinStore(path string) *FilePinStore {
	return &FilePinStore{path: path}
}

func (f *FilePinStore) Path() string { return f.path }

func (f *FilePinStore) Load() ([]Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FilePinStore) load() ([]Pin, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var pins []Pin
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		pin, err := parsePinLine(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.path, line, err)
		}
		pins = append(pins, pin)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return pins, nil
}

func parsePinLine(text string) (Pin, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 || len(fields) > 3 {
		return Pin{}, fmt.Errorf("expected 2 or 3 fields, got %d", len(fields))
	}
	identity, err := url.PathUnescape(fields[0])
	if err != nil {
		return Pin{}, fmt.Errorf("invalid identity %q: %w", fields[0], err)
	}
	pin := Pin{Identity: identity, Fingerprint: strings.ToLower(fields[1])}
	if len(fields) == 3 {
		pin.FirstSeen, err = time.Parse(time.RFC3339, fields[2])
		if err != nil {
			return Pin{}, fmt.Errorf("invalid timestamp %q: %w", fields[2], err)
		}
	}
	return pin, nil
}

// Add appends pin and fsyncs before returning.
func (f *FilePinStore) Add(pin Pin) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.load()
	if err != nil {
		return err
	}
	for _, p := range existing {
		if p.Identity == pin.Identity {
			return fmt.Errorf("%w: %s", ErrPinExists, pin.Identity)
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create pin dir: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open pin file: %w", err)
	}
	defer file.Close()

	line := url.PathEscape(pin.Identity) + " " + pin.Fingerprint
	if !pin.FirstSeen.IsZero() {
		line += " " + pin.FirstSeen.UTC().Format(time.RFC3339)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append pin: %w", err)
	}
	return file.Sync()
}
