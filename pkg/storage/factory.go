package storage

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/fystack/orion/pkg/logger"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendSQL    Backend = "sql"
)

var ErrUnsupportedLocation = errors.New("storage: unsupported location")

// Location is a parsed storage connection string.
//
//	memory
//	badger:<directory>
//	sql:<postgres dsn>        (also postgres:<dsn>, postgres://..., postgresql://...)
type Location struct {
	Backend Backend
	Path    string
	DSN     string
}

// ParseLocation parses the scheme-tagged storage string. It is called once
// at startup.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "memory" || s == "memory:" {
		return Location{Backend: BackendMemory}, nil
	}
	if strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://") {
		return Location{Backend: BackendSQL, DSN: s}, nil
	}

	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Location{}, fmt.Errorf("%w: %q has no scheme", ErrUnsupportedLocation, s)
	}
	switch scheme {
	case "badger":
		if rest == "" {
			return Location{}, fmt.Errorf("%w: badger location needs a directory", ErrUnsupportedLocation)
		}
		return Location{Backend: BackendBadger, Path: filepath.Clean(rest)}, nil
	case "sql", "postgres":
		dsn := strings.TrimPrefix(rest, "jdbc:")
		if dsn == "" {
			return Location{}, fmt.Errorf("%w: sql location needs a dsn", ErrUnsupportedLocation)
		}
		return Location{Backend: BackendSQL, DSN: dsn}, nil
	default:
		return Location{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedLocation, scheme)
	}
}

// String renders the location with any DSN password removed.
func (l Location) String() string {
	switch l.Backend {
	case BackendBadger:
		return "badger:" + l.Path
	case BackendSQL:
		return "sql:" + redactDSN(l.DSN)
	default:
		return string(BackendMemory)
	}
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Options carries backend tuning that is not part of the location string.
type Options struct {
	NodeID   string
	Badger   BadgerConfig
	Postgres PostgresConfig
	// Retry wraps the backend with WithRetry when set.
	Retry *RetryConfig
}

// New opens the backend selected by loc.
func New(loc Location, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch loc.Backend {
	case BackendMemory:
		store = NewMemoryStore()
	case BackendBadger:
		cfg := opts.Badger
		cfg.NodeID = opts.NodeID
		cfg.DBPath = loc.Path
		store, err = NewBadgerStore(cfg)
	case BackendSQL:
		cfg := opts.Postgres
		cfg.DSN = loc.DSN
		store, err = NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("%w: backend %q", ErrUnsupportedLocation, loc.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Storage backend ready", "node_id", opts.NodeID, "location", loc.String())
	if opts.Retry != nil {
		return WithRetry(store, *opts.Retry), nil
	}
	return store, nil
}
