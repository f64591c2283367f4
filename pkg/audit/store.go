// Package audit persists the boardwalkd audit trail and the full history
// of workspace events in SQLite.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements Recorder on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open opens the database at cfg.Path and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Record appends an audit entry, stamping it when Timestamp is zero.
func (s *Store) Record(ctx context.Context, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.Target,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns audit entries, newest first, optionally filtered by action
// and actor.
func (s *Store) List(ctx context.Context, action, actor *string, limit, offset int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.Target,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// RecordEvent appends a workspace event to the history.
func (s *Store) RecordEvent(ctx context.Context, ev *WorkspaceEvent) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_events (workspace, severity, message, create_time, received_time, remote_ip)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.Workspace,
		ev.Severity,
		ev.Message,
		ev.CreateTime,
		ev.ReceivedTime,
		ev.RemoteIP,
	)
	if err != nil {
		return fmt.Errorf("failed to record workspace event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get workspace event ID: %w", err)
	}
	ev.ID = id
	return nil
}

// ListEvents returns the event history of a workspace in arrival order.
func (s *Store) ListEvents(ctx context.Context, workspace string, limit, offset int) ([]*WorkspaceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace, severity, message, create_time, received_time, remote_ip
		FROM workspace_events
		WHERE workspace = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, workspace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace events: %w", err)
	}
	defer rows.Close()

	events := []*WorkspaceEvent{}
	for rows.Next() {
		ev := &WorkspaceEvent{}
		if err := rows.Scan(
			&ev.ID,
			&ev.Workspace,
			&ev.Severity,
			&ev.Message,
			&ev.CreateTime,
			&ev.ReceivedTime,
			&ev.RemoteIP,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workspace event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspace events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
