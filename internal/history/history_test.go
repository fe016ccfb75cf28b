package history_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-voice/cadenza/internal/history"
	"github.com/cadenza-voice/cadenza/internal/session"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CADENZA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CADENZA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CADENZA_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [history.Store] with a clean schema.
func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS log_entries CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := history.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func appendEntry(t *testing.T, s *history.Store, runID string, tag session.Tag, text string, ts time.Time) {
	t.Helper()
	err := s.Append(context.Background(), runID, session.Entry{Tag: tag, Text: text, Timestamp: ts})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestStore_AppendAndEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	appendEntry(t, store, "run-a", session.TagYou, "hello there", now.Add(-2*time.Second))
	appendEntry(t, store, "run-a", session.TagModel, "hi, what can I do for you", now.Add(-1*time.Second))
	appendEntry(t, store, "run-b", session.TagSystem, "connected", now)

	entries, err := store.Entries(ctx, "run-a")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d; want 2", len(entries))
	}
	if entries[0].Tag != session.TagYou || entries[0].Text != "hello there" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Tag != session.TagModel {
		t.Errorf("entry 1 tag = %q; want model", entries[1].Tag)
	}
	if entries[1].Timestamp.Before(entries[0].Timestamp) {
		t.Error("entries not chronological")
	}
}

func TestStore_Recent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	appendEntry(t, store, "run-a", session.TagYou, "old line", now.Add(-2*time.Hour))
	appendEntry(t, store, "run-a", session.TagYou, "fresh line", now.Add(-30*time.Second))

	entries, err := store.Recent(ctx, "run-a", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "fresh line" {
		t.Errorf("entries = %+v; want only the fresh line", entries)
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	appendEntry(t, store, "run-a", session.TagModel, "the weather in Berlin is sunny", now.Add(-time.Minute))
	appendEntry(t, store, "run-b", session.TagModel, "your meeting starts at ten", now)

	hits, err := store.Search(ctx, "weather Berlin", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != "the weather in Berlin is sunny" {
		t.Errorf("hits = %+v", hits)
	}

	none, err := store.Search(ctx, "zeppelin", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unexpected hits: %+v", none)
	}
}

func TestStore_Runs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	appendEntry(t, store, "run-old", session.TagYou, "first conversation", now.Add(-time.Hour))
	appendEntry(t, store, "run-new", session.TagYou, "second conversation", now)

	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0] != "run-new" || runs[1] != "run-old" {
		t.Errorf("runs = %v; want [run-new run-old]", runs)
	}
}

func TestStore_ZeroTimestampDefaultsToNow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "run-z", session.Entry{Tag: session.TagSystem, Text: "no time"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := store.Entries(ctx, "run-z")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Timestamp.IsZero() {
		t.Errorf("entries = %+v; want one entry with a real timestamp", entries)
	}
}
