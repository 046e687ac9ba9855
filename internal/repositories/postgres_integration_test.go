//go:build integration

package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emojirelay/backend/internal/ledger"
	"github.com/emojirelay/backend/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresPartitionStore_SaveLoadAndDelete(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresPartitionStore(testPool)

	entries, err := store.Load(ctx, "2024-05-01")
	if err != nil {
		t.Fatalf("load missing partition: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty partition got %d entries", len(entries))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	want := []models.ShareEntry{
		{FileID: "b", Timestamp: now},
		{FileID: "a", Timestamp: now.Add(-time.Minute)},
	}
	if err := store.Save(ctx, "2024-05-01", want); err != nil {
		t.Fatalf("save partition: %v", err)
	}
	if err := store.Save(ctx, "2024-05-02", want[:1]); err != nil {
		t.Fatalf("save second partition: %v", err)
	}

	got, err := store.Load(ctx, "2024-05-01")
	if err != nil {
		t.Fatalf("load partition: %v", err)
	}
	if len(got) != 2 || got[0].FileID != "b" || got[1].FileID != "a" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if !got[0].Timestamp.Equal(now) {
		t.Fatalf("timestamp mismatch: got %v want %v", got[0].Timestamp, now)
	}

	dates, err := store.Dates(ctx)
	if err != nil {
		t.Fatalf("list dates: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2024-05-01" || dates[1] != "2024-05-02" {
		t.Fatalf("unexpected dates %v", dates)
	}

	if err := store.Delete(ctx, "2024-05-01"); err != nil {
		t.Fatalf("delete partition: %v", err)
	}
	if err := store.Delete(ctx, "2024-05-01"); err != nil {
		t.Fatalf("delete missing partition should be a no-op: %v", err)
	}

	dates, err = store.Dates(ctx)
	if err != nil {
		t.Fatalf("list dates after delete: %v", err)
	}
	if len(dates) != 1 || dates[0] != "2024-05-02" {
		t.Fatalf("unexpected dates after delete %v", dates)
	}
}

func TestPostgresPartitionStore_BacksLedger(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	l := ledger.New(NewPostgresPartitionStore(testPool), time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Add(ctx, fmt.Sprintf("file-%d", i)); err != nil {
				t.Errorf("add share: %v", err)
			}
		}(i)
	}
	wg.Wait()

	present, err := l.Add(ctx, "file-3")
	if err != nil {
		t.Fatalf("re-add share: %v", err)
	}
	if !present {
		t.Fatal("expected duplicate add to report already present")
	}

	entries, err := l.ListToday(ctx)
	if err != nil {
		t.Fatalf("list today: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries got %d", len(entries))
	}

	found, err := l.Remove(ctx, "file-3")
	if err != nil || !found {
		t.Fatalf("remove share: found=%v err=%v", found, err)
	}
	shared, err := l.Status(ctx, "file-3")
	if err != nil || shared {
		t.Fatalf("status after remove: shared=%v err=%v", shared, err)
	}
}

func TestPostgresPartitionStore_CorruptRow(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	if _, err := testPool.Exec(ctx, `INSERT INTO share_partitions (date_key, entries) VALUES ($1, '{"not":"a list"}')`, "2024-05-01"); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	_, err := NewPostgresPartitionStore(testPool).Load(ctx, "2024-05-01")
	if err == nil {
		t.Fatal("expected corrupt partition error")
	}
	if !errors.Is(err, ledger.ErrCorruptPartition) {
		t.Fatalf("expected ErrCorruptPartition got %v", err)
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE TABLE share_partitions"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}
