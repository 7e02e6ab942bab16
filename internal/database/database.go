package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"rss-service/internal/domain"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Manager struct {
	DB      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

type Config struct {
	Driver           string
	Path             string
	ConnectionString string
	Host             string
	Port             string
	User             string
	Password         string
	DBName           string
}

func NewManager(ctx context.Context, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch Dialect(strings.ToLower(cfg.Driver)) {
	case Postgres:
		dialect = Postgres
		db, err = openPostgres(cfg)
	case SQLite, "":
		dialect = SQLite
		db, err = openSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabaseConnection, err)
	}

	logger.Info("connected to database", zap.String("driver", string(dialect)))

	manager := &Manager{DB: db, dialect: dialect, logger: logger}

	if err := manager.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return manager, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	connectionString := cfg.ConnectionString
	if connectionString == "" {
		connectionString = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName,
		)
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "rss_data.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (m *Manager) runMigrations(ctx context.Context) error {
	migrations := sqliteMigrations
	if m.dialect == Postgres {
		migrations = postgresMigrations
	}

	for i, migration := range migrations {
		if _, err := m.DB.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	m.logger.Debug("database migrations completed", zap.Int("count", len(migrations)))
	return nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS rss_feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		last_updated DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rss_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES rss_feeds(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		published DATETIME,
		author TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rss_items_feed_id ON rss_items(feed_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rss_items_published ON rss_items(published DESC)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS rss_feeds (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		last_updated TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rss_items (
		id BIGSERIAL PRIMARY KEY,
		feed_id BIGINT NOT NULL REFERENCES rss_feeds(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		published TIMESTAMP WITH TIME ZONE,
		author TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rss_items_feed_id ON rss_items(feed_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rss_items_published ON rss_items(published DESC)`,
}

func (m *Manager) Dialect() Dialect {
	return m.dialect
}

// Rebind rewrites '?' placeholders into the dialect's form.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (m *Manager) Close() error {
	if m.DB != nil {
		return m.DB.Close()
	}
	return nil
}

func (m *Manager) GetDB() *sql.DB {
	return m.DB
}

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint in either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint")
}
