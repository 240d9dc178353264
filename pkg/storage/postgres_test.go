package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fystack/orion/pkg/storage"
	"github.com/fystack/orion/pkg/storage/testkit"
)

// Runs against a live server only when ORION_TEST_POSTGRES_DSN is set.
func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("ORION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORION_TEST_POSTGRES_DSN not set")
	}

	testkit.RunStoreConformance(t, func(t *testing.T) storage.Store {
		s, err := storage.NewPostgresStore(storage.PostgresConfig{DSN: dsn, Migrate: true})
		require.NoError(t, err)
		cleanPostgresStore(t, dsn)
		return s
	})
}

func cleanPostgresStore(t *testing.T, dsn string) {
	t.Helper()
	s, err := storage.NewPostgresStore(storage.PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Truncate(context.Background()))
}

func TestPostgresStoreRequiresDSN(t *testing.T) {
	_, err := storage.NewPostgresStore(storage.PostgresConfig{})
	require.Error(t, err)
}
