package querypilot

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	config := DefaultSQLiteStoreConfig()
	config.Path = filepath.Join(t.TempDir(), "querypilot.db")
	store, err := NewSQLiteStore(config)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries, err := store.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("LoadHistory() on empty store: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("empty store returned %d entries", len(entries))
	}

	in := []*OptimizationHistoryEntry{
		{
			ID:             "entry-1",
			Timestamp:      time.Now().Add(-time.Minute),
			OriginalQuery:  "SELECT * FROM metrics",
			OptimizedQuery: "SELECT * FROM metrics LIMIT 100",
			Tags:           []string{"gain_moderate"},
		},
		{
			ID:             "entry-2",
			Timestamp:      time.Now(),
			OriginalQuery:  "SELECT count(*) FROM events",
			OptimizedQuery: "SELECT count(*) FROM events",
		},
	}
	if err := store.SaveHistory(ctx, in); err != nil {
		t.Fatalf("SaveHistory() error = %v", err)
	}

	out, err := store.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("entries = %d, want 2", len(out))
	}
	byID := map[string]*OptimizationHistoryEntry{}
	for _, entry := range out {
		byID[entry.ID] = entry
	}
	got, ok := byID["entry-1"]
	if !ok {
		t.Fatal("entry-1 missing after round-trip")
	}
	if got.OptimizedQuery != "SELECT * FROM metrics LIMIT 100" {
		t.Errorf("OptimizedQuery = %q", got.OptimizedQuery)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "gain_moderate" {
		t.Errorf("Tags = %v", got.Tags)
	}
}

func TestSQLiteStoreSaveHistoryReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []*OptimizationHistoryEntry{
		{ID: "old", Timestamp: time.Now(), OriginalQuery: "SELECT 1", OptimizedQuery: "SELECT 1"},
	}
	if err := store.SaveHistory(ctx, first); err != nil {
		t.Fatalf("SaveHistory() error = %v", err)
	}

	second := []*OptimizationHistoryEntry{
		{ID: "new", Timestamp: time.Now(), OriginalQuery: "SELECT 2", OptimizedQuery: "SELECT 2"},
	}
	if err := store.SaveHistory(ctx, second); err != nil {
		t.Fatalf("SaveHistory() error = %v", err)
	}

	out, err := store.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(out) != 1 || out[0].ID != "new" {
		t.Errorf("entries = %+v, want single entry new", out)
	}
}

func TestSQLiteStoreTrainingDataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := []MLTrainingEntry{
		{Query: "SELECT * FROM metrics", ExecutionTime: 120, Success: true, Timestamp: time.Now()},
		{Query: "SELECT * FROM events", ExecutionTime: 45, Success: false, Timestamp: time.Now()},
	}
	if err := store.SaveTrainingData(ctx, in); err != nil {
		t.Fatalf("SaveTrainingData() error = %v", err)
	}

	out, err := store.LoadTrainingData(ctx)
	if err != nil {
		t.Fatalf("LoadTrainingData() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("entries = %d, want 2", len(out))
	}
	if out[0].Query != "SELECT * FROM metrics" || out[0].ExecutionTime != 120 {
		t.Errorf("first entry = %+v", out[0])
	}
	if out[1].Success {
		t.Error("second entry should record a failure")
	}
}

func TestEnginePersistsThroughStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querypilot.db")

	open := func() *SQLiteStore {
		config := DefaultSQLiteStoreConfig()
		config.Path = path
		store, err := NewSQLiteStore(config)
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		return store
	}

	probe := newStubProbe()
	config := DefaultEngineConfig()
	config.Router.HealthCheckInterval = time.Hour

	e, err := NewEngine(config, EngineOptions{Probe: probe, Store: open()})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	query := "SELECT * FROM metrics m JOIN hosts h ON m.host_id = h.id"
	if _, err := e.OptimizeQuery(context.Background(), query, nil); err != nil {
		t.Fatalf("OptimizeQuery() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	restored, err := NewEngine(config, EngineOptions{Probe: probe, Store: open()})
	if err != nil {
		t.Fatalf("NewEngine() on restore: %v", err)
	}
	defer restored.Close()

	if size := restored.Stats().HistorySize; size != 1 {
		t.Errorf("restored HistorySize = %d, want 1", size)
	}
	entries := restored.GetOptimizationHistory(nil, 10, 0)
	if len(entries) != 1 || entries[0].OriginalQuery != query {
		t.Errorf("restored entries = %+v", entries)
	}
}
