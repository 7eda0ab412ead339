package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"haven/models"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// OpenSQL opens a GORM connection, picking the driver from the DSN, and
// migrates the ledger tables.
func OpenSQL(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	dialect, err := DetectDialect(trimmed)
	if err != nil {
		return nil, err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var conn *gorm.DB
	switch dialect {
	case DialectPostgres:
		conn, err = gorm.Open(postgres.Open(trimmed), cfg)
	case DialectSQLite:
		normalized := normalizeSQLiteDSN(trimmed)
		if errDir := ensureSQLiteDir(normalized); errDir != nil {
			return nil, errDir
		}
		conn, err = gorm.Open(sqlite.Open(normalized), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dialect, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := sqlDB.PingContext(pingCtx); errPing != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: ping: %w", errPing)
	}

	if err := Migrate(conn); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.WithField("dialect", dialect).Info("sql ledger ready")
	return conn, nil
}

// Migrate creates or updates the ledger tables.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&models.Event{},
		&models.EventSponsorship{},
		&models.EventRegistration{},
		&models.Donation{},
		&models.IdempotencyRecord{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

// DetectDialect infers the dialect from a DSN string.
func DetectDialect(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "sqlite://"),
		!strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported dsn: %s", dsn)
	}
}

func normalizeSQLiteDSN(dsn string) string {
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		return dsn[len("sqlite://"):]
	}
	return dsn
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("db: create sqlite dir: %w", err)
	}
	return nil
}
