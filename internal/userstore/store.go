// Package userstore is the SQLite-backed user lookup behind application
// authentication.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// User is a row of the users table
type User struct {
	App        string
	ID         string
	Username   string
	Role       string
	Credential string
	Email      string
	CreatedAt  time.Time
}

// Config holds user store settings
type Config struct {
	Path           string
	MaxConnections int
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Store implements interfaces.UserLookup
type Store struct {
	db      *sql.DB
	columns map[string]bool

	writeCh  chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown chan struct{}
	wg       sync.WaitGroup

	writeTimeout time.Duration
	logger       *slog.Logger

	closed bool
	mu     sync.RWMutex
}

var _ interfaces.UserLookup = (*Store)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens (creating if needed) the database at cfg.Path and applies
// pending migrations
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, ErrMissingDBPath
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// ARCHITECTURAL DISCOVERY: busy timeout and WAL set in the DSN apply to every pooled connection
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	logger := cfg.Logger.With("component", "userstore")
	n, err := applyMigrations(db, migrationFiles)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info("applied user store migrations", "count", n, "path", cfg.Path)
	}

	cols, err := tableColumns(db, "users")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read users columns: %w", err)
	}

	s := &Store{
		db:           db,
		columns:      cols,
		writeCh:      make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOperation{operation: operation, result: result}:
	case <-time.After(s.writeTimeout):
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasColumn reports whether the users table has a column named field
func (s *Store) HasColumn(field string) bool {
	return s.columns[field]
}

// FindUser returns the user of app whose field equals value. field must be
// a plain identifier naming an existing column.
func (s *Store) FindUser(ctx context.Context, app, field, value string) (map[string]any, error) {
	if !types.IsValidIdentifier(field) || !s.columns[field] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}

	// field is validated above, so splicing it is safe
	query := fmt.Sprintf("SELECT * FROM users WHERE app = ? AND %s = ? LIMIT 1", field)
	rows, err := s.db.QueryContext(ctx, query, app, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query user: %w", err)
		}
		return nil, ErrUserNotFound
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan user row: %w", err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, nil
}

// CreateUser inserts u
func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.App == "" || u.ID == "" || u.Username == "" {
		return ErrInvalidUser
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (app, id, username, role, credential, email, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.App, u.ID, u.Username, u.Role, nullable(u.Credential), nullable(u.Email), u.CreatedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateUser, u.App, u.ID)
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// DeleteUser removes a user, returning ErrUserNotFound if absent
func (s *Store) DeleteUser(ctx context.Context, app, id string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM users WHERE app = ? AND id = ?", app, id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// HealthCheck verifies database connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Close shuts down the write loop and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// IsNotFound reports whether err means no matching user
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
