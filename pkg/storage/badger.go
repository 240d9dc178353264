package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"golang.org/x/crypto/blake2b"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/logger"
)

const (
	badgerKeyPrefix          = "env/"
	badgerMaxConflictRetries = 8
)

var ErrBackupEncryptionKeyNotProvided = errors.New("backup encryption key not provided")

// BadgerStore is a durable Store backed by BadgerDB. Badger appends values
// to its value log sequentially and resolves keys through an LSM index, so
// a digest lookup is an index read followed by one value-log read.
type BadgerStore struct {
	DB             *badger.DB
	BackupExecutor *badgerBackupExecutor
}

var _ Store = (*BadgerStore)(nil)

type BadgerConfig struct {
	NodeID string
	DBPath string
	// EncryptionKey enables encryption at rest when set. Any passphrase
	// length is accepted; a 32-byte key is derived from it.
	EncryptionKey []byte
	// BackupEncryptionKey is the age passphrase protecting backup files.
	BackupEncryptionKey []byte
	BackupDir           string
	// BackupWorkFactor overrides the scrypt work factor for backups (log2 N).
	BackupWorkFactor int
	// InMemory runs badger without touching disk. Used by tests.
	InMemory bool
}

// NewBadgerStore opens (or creates) the badger directory at config.DBPath.
func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(config.DBPath).
		WithCompression(options.ZSTD).
		WithIndexCacheSize(16 << 20).
		WithBlockCacheSize(32 << 20).
		WithSyncWrites(true).
		WithVerifyValueChecksum(true).
		WithCompactL0OnClose(true).
		WithLogger(newQuietBadgerLogger())

	if config.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if len(config.EncryptionKey) > 0 {
		key := blake2b.Sum256(config.EncryptionKey)
		opts = opts.WithEncryptionKey(key[:])
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", config.DBPath, err)
	}

	logger.Info("Connected to BadgerDB successfully!", "path", config.DBPath, "in_memory", config.InMemory)

	store := &BadgerStore{DB: db}
	if len(config.BackupEncryptionKey) > 0 && config.BackupDir != "" {
		store.BackupExecutor = NewBadgerBackupExecutor(
			config.NodeID,
			db,
			config.BackupEncryptionKey,
			config.BackupDir,
			config.BackupWorkFactor,
		)
	}
	return store, nil
}

func recordKey(d digest.Digest) []byte {
	key := make([]byte, 0, len(badgerKeyPrefix)+digest.Size)
	key = append(key, badgerKeyPrefix...)
	return append(key, d[:]...)
}

// Put stores envelope under d. Concurrent writers of the same digest race
// on the badger transaction; the loser retries and finds identical bytes.
func (b *BadgerStore) Put(ctx context.Context, d digest.Digest, envelope []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(d, envelope); err != nil {
		return err
	}

	key := recordKey(d)
	value := append([]byte(nil), envelope...)
	for attempt := 0; ; attempt++ {
		err := b.DB.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			switch {
			case err == nil:
				return item.Value(func(existing []byte) error {
					return checkExisting(d, existing, value)
				})
			case errors.Is(err, badger.ErrKeyNotFound):
				return txn.Set(key, value)
			default:
				return err
			}
		})
		if errors.Is(err, badger.ErrConflict) && attempt < badgerMaxConflictRetries {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		return translateBadgerError(err)
	}
}

// Get retrieves the envelope stored under d.
func (b *BadgerStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []byte
	err := b.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(d))
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translateBadgerError(err)
	}
	return result, nil
}

func (b *BadgerStore) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := b.DB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(d))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, translateBadgerError(err)
	}
	return true, nil
}

// Digests lists every stored digest in key order.
func (b *BadgerStore) Digests(ctx context.Context) ([]digest.Digest, error) {
	var out []digest.Digest
	err := b.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := digest.FromBytes(it.Item().Key()[len(badgerKeyPrefix):])
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (b *BadgerStore) Backup() error {
	if b.BackupExecutor == nil {
		return errors.New("backup executor is not initialized")
	}
	return b.BackupExecutor.Execute()
}

// Close closes the BadgerDB.
func (b *BadgerStore) Close() error {
	return b.DB.Close()
}

func translateBadgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrImmutable), errors.Is(err, ErrConstraint):
		return err
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unavailable(err)
	}
}

type quietBadgerLogger struct{}

func newQuietBadgerLogger() badger.Logger { return quietBadgerLogger{} }

func (quietBadgerLogger) Errorf(format string, args ...interface{}) {
	logger.Error("badger", fmt.Errorf(strings.TrimSpace(format), args...))
}

func (quietBadgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warnf("badger: "+strings.TrimSpace(format), args...)
}

func (quietBadgerLogger) Infof(string, ...interface{}) {}

func (quietBadgerLogger) Debugf(string, ...interface{}) {}
