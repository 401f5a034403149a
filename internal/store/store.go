// Package store implements the credential store and the message log on top
// of database/sql. SQLite (modernc.org/sqlite) is the default backend;
// Postgres is reachable through the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config selects the backend.
type Config struct {
	Driver string
	DSN    string
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Store is both a chat.CredentialStore and a chat.MessageLog.
type Store struct {
	db         *sql.DB
	driver     string
	bcryptCost int
	dummyHash  []byte
	logger     *slog.Logger
	now        func() time.Time
}

// Open connects to the configured database and bootstraps the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	logger = logger.With("component", "store", "driver", cfg.Driver)

	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	if cfg.Driver == DriverSQLite && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// One writer at a time; WAL lets readers proceed.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("livechat-timing-equaliser"), cfg.BcryptCost)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}

	s := &Store{
		db:         db,
		driver:     cfg.Driver,
		bcryptCost: cfg.BcryptCost,
		dummyHash:  dummy,
		logger:     logger,
		now:        time.Now,
	}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized")
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id  TEXT NOT NULL REFERENCES users(id),
			content    TEXT,
			file_url   TEXT,
			file_type  TEXT,
			file_size  BIGINT,
			created_at BIGINT NOT NULL
		)`,
	}
	if s.driver == DriverPostgres {
		statements = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id            TEXT PRIMARY KEY,
				username      TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at    BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id         BIGSERIAL PRIMARY KEY,
				sender_id  TEXT NOT NULL REFERENCES users(id),
				content    TEXT,
				file_url   TEXT,
				file_type  TEXT,
				file_size  BIGINT,
				created_at BIGINT NOT NULL
			)`,
		}
	}
	statements = append(statements,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
	)

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
