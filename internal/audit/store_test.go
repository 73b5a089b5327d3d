package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// testDB opens the database named by AUDIT_TEST_DSN, running the
// embedded migrations first. Tests are skipped when no database is
// configured.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("AUDIT_TEST_DSN")
	if dsn == "" {
		t.Skipf("AUDIT_TEST_DSN not set; skipping database test")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestCreateAndCount(t *testing.T) {
	db := testDB(t)
	s := NewStore(db)
	ctx := context.Background()

	ev := &Event{
		TraceID: "test-trace",
		Type:    "unusual",
		User:    "prober",
		UID:     42,
		IP:      "203.0.113.9",
		Room:    3,
		Detail:  "unexpected opcode flood",
	}
	if err := s.Create(ctx, ev); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := s.CountRecent(ctx, ev.IP, "unusual", time.Hour)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n < 1 {
		t.Fatalf("count = %d, want >= 1", n)
	}
}

func TestInvalidTypeRejected(t *testing.T) {
	s := NewStore(nil)
	err := s.Create(context.Background(), &Event{Type: "gossip"})
	if err == nil {
		t.Fatal("invalid event type accepted")
	}
}

func TestNilStoreRecord(t *testing.T) {
	var s *Store
	s.Record(Event{Type: "ban"}) // must not panic
}
