package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/dgraph-io/badger/v4"

	"github.com/fystack/orion/pkg/logger"
)

const backupVersionFile = "latest.version"

// badgerBackupExecutor writes incremental, age-encrypted badger backups.
// Each run only contains versions newer than the previous run.
type badgerBackupExecutor struct {
	nodeID     string
	db         *badger.DB
	passphrase []byte
	dir        string
	workFactor int
	mu         sync.Mutex
}

func NewBadgerBackupExecutor(nodeID string, db *badger.DB, passphrase []byte, dir string, workFactor int) *badgerBackupExecutor {
	return &badgerBackupExecutor{
		nodeID:     nodeID,
		db:         db,
		passphrase: append([]byte(nil), passphrase...),
		dir:        dir,
		workFactor: workFactor,
	}
}

// Execute writes one backup file and returns once it is durable.
func (e *badgerBackupExecutor) Execute() error {
	if len(e.passphrase) == 0 {
		return ErrBackupEncryptionKeyNotProvided
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	since, err := e.lastVersion()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("backup-%s-%s.badger.age", e.nodeID, time.Now().UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(e.dir, name)
	tmp := path + ".tmp"

	next, err := e.writeBackup(tmp, since)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize backup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, backupVersionFile), []byte(strconv.FormatUint(next, 10)), 0o600); err != nil {
		return fmt.Errorf("record backup version: %w", err)
	}

	logger.Info("Badger backup written", "file", path, "since", since, "next", next)
	return nil
}

func (e *badgerBackupExecutor) writeBackup(path string, since uint64) (uint64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	recipient, err := age.NewScryptRecipient(string(e.passphrase))
	if err != nil {
		return 0, fmt.Errorf("create backup recipient: %w", err)
	}
	if e.workFactor > 0 {
		recipient.SetWorkFactor(e.workFactor)
	}
	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return 0, fmt.Errorf("init backup encryption: %w", err)
	}
	next, err := e.db.Backup(w, since)
	if err != nil {
		return 0, fmt.Errorf("badger backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("flush backup encryption: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync backup file: %w", err)
	}
	return next, nil
}

func (e *badgerBackupExecutor) lastVersion() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, backupVersionFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read backup version: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse backup version: %w", err)
	}
	return v, nil
}

// RestoreBadgerBackup loads an encrypted backup file into db. Incremental
// backups must be restored oldest first.
func RestoreBadgerBackup(db *badger.DB, path string, passphrase []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return fmt.Errorf("create backup identity: %w", err)
	}
	r, err := age.Decrypt(f, identity)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}
	if err := db.Load(r, 256); err != nil {
		return fmt.Errorf("load backup: %w", err)
	}
	return nil
}

// ListBackups returns the finished backup files in dir, oldest first.
func ListBackups(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "backup-*.badger.age"))
	if err != nil {
		return nil, err
	}
	// names embed a sortable UTC timestamp
	sort.Strings(matches)
	return matches, nil
}
