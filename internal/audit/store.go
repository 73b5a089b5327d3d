// Package audit provides PostgreSQL-backed storage for security events:
// bans, fraud detections, protocol abuse, and supervisor actions. The
// event loop records fire-and-forget; a database outage degrades the
// audit trail but never blocks or fails a connection.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// validTypes matches the CHECK constraint on the security_events table.
var validTypes = map[string]bool{
	"ban":          true,
	"unban":        true,
	"unusual":      true,
	"fraud":        true,
	"probe":        true,
	"checksum":     true,
	"supervisor":   true,
	"registration": true,
}

const recordTimeout = 3 * time.Second

// Store manages security events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Event is one security event to be persisted.
type Event struct {
	TraceID string // connection trace id, empty for server-level events
	Type    string
	User    string
	UID     int
	IP      string
	Room    int
	Detail  string
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("audit: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Create inserts one event synchronously.
func (s *Store) Create(ctx context.Context, ev *Event) error {
	if !validTypes[ev.Type] {
		return fmt.Errorf("audit: invalid event type %q", ev.Type)
	}
	const query = `
		INSERT INTO security_events (trace_id, event_type, user_name, user_uid, ip, room, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		ev.TraceID, ev.Type, ev.User, ev.UID, ev.IP, ev.Room, ev.Detail)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Record inserts one event from its own goroutine, logging failures.
// Safe to call on a nil store, which makes the audit trail optional at
// every call site.
func (s *Store) Record(ev Event) {
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Create(ctx, &ev); err != nil {
			log.Printf("audit: record %s: %v", ev.Type, err)
		}
	}()
}

// CountRecent returns how many events of the given type were recorded
// against an IP within the window; used by the supervisor's abuse
// report.
func (s *Store) CountRecent(ctx context.Context, ip string, eventType string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM security_events
		WHERE ip = $1
		  AND event_type = $2
		  AND created_at >= NOW() - $3::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, ip, eventType, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
