package main

import (
	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/storage"
)

func openStore(nodeName string, cfg *config.Config) (storage.Store, error) {
	loc, err := cfg.StorageLocation()
	if err != nil {
		return nil, err
	}

	retry := storage.DefaultRetryConfig()
	retry.Attempts = uint(cfg.StorageRetryAttempts)

	return storage.New(loc, storage.Options{
		NodeID: nodeName,
		Badger: storage.BadgerConfig{
			EncryptionKey:       []byte(cfg.BadgerPassword),
			BackupEncryptionKey: []byte(cfg.BadgerPassword), // Using same key for backup encryption
			BackupDir:           config.BackupDir(),
		},
		Postgres: storage.PostgresConfig{
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			Migrate:         cfg.Postgres.Migrate,
		},
		Retry: &retry,
	})
}

// badgerBackend finds the badger store under any decorators.
func badgerBackend(s storage.Store) (*storage.BadgerStore, bool) {
	for s != nil {
		switch v := s.(type) {
		case *storage.BadgerStore:
			return v, true
		case interface{ Unwrap() storage.Store }:
			s = v.Unwrap()
		default:
			return nil, false
		}
	}
	return nil, false
}
