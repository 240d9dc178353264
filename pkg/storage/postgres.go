package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/logger"
)

type PostgresStore struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

var _ Store = (*PostgresStore)(nil)

type PostgresConfig struct {
	DSN             string        `json:"dsn"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	MaxOpenConns    int           `json:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	// Migrate creates the store table when missing. Schema provisioning is
	// normally done out of band.
	Migrate bool `json:"migrate"`
}

// Record is one row of the two-column store table.
type Record struct {
	Key   string `gorm:"column:key;primaryKey;type:char(44)"`
	Value []byte `gorm:"column:value;type:bytea;not null"`
}

func (Record) TableName() string {
	return "store"
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", translatePostgresError(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("retrieve sql.DB from gorm: %w", err)
	}

	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.Migrate {
		if err := db.AutoMigrate(&Record{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("auto-migrate store table: %w", err)
		}
	}

	logger.Info("Connected to PostgreSQL successfully!")

	return &PostgresStore{
		db:    db,
		sqlDB: sqlDB,
	}, nil
}

// Put inserts the record unless the digest is already present. A present
// digest is accepted only when it holds identical bytes.
func (s *PostgresStore) Put(ctx context.Context, d digest.Digest, envelope []byte) error {
	if err := checkRecord(d, envelope); err != nil {
		return err
	}

	// bytea is NOT NULL; a nil slice would bind as NULL
	value := make([]byte, len(envelope))
	copy(value, envelope)
	entry := Record{
		Key:   d.String(),
		Value: value,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return translatePostgresError(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	existing, err := s.Get(ctx, d)
	if err != nil {
		return err
	}
	return checkExisting(d, existing, envelope)
}

// Get is a primary-key lookup.
func (s *PostgresStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	var entry Record
	if err := s.db.WithContext(ctx).First(&entry, "key = ?", d.String()).Error; err != nil {
		return nil, translatePostgresError(err)
	}
	return append([]byte(nil), entry.Value...), nil
}

func (s *PostgresStore) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).Where("key = ?", d.String()).Limit(1).Count(&count).Error
	if err != nil {
		return false, translatePostgresError(err)
	}
	return count > 0, nil
}

// Truncate removes every record. Only test and admin tooling call it.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	return translatePostgresError(s.db.WithContext(ctx).Exec("TRUNCATE TABLE store").Error)
}

// Close releases the underlying sql.DB.
func (s *PostgresStore) Close() error {
	if s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// translatePostgresError maps driver errors onto the storage taxonomy.
// SQLSTATE classes: 08 connection, 53 resources, 57 operator intervention,
// 40 transaction rollback are transient; 22 data and 23 integrity are fatal.
func translatePostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return unavailable(err)
		case "22", "23":
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return unavailable(err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return unavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return unavailable(err)
	}
	return err
}
