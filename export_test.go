package querypilot

import (
	"errors"
	"testing"
	"time"
)

func exportEntries(n int) []*OptimizationHistoryEntry {
	entries := make([]*OptimizationHistoryEntry, n)
	for i := range entries {
		entries[i] = &OptimizationHistoryEntry{
			ID:             string(rune('a' + i)),
			Timestamp:      time.Now(),
			OriginalQuery:  "SELECT * FROM metrics",
			OptimizedQuery: "SELECT * FROM metrics LIMIT 100",
		}
	}
	return entries
}

func TestExportImportJSON(t *testing.T) {
	blob, err := ExportHistorySnapshot(exportEntries(3), ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("ExportHistorySnapshot() error = %v", err)
	}

	entries, err := ImportHistorySnapshot(blob, "")
	if err != nil {
		t.Fatalf("ImportHistorySnapshot() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
	if entries[0].OriginalQuery != "SELECT * FROM metrics" {
		t.Errorf("round-trip mangled query: %q", entries[0].OriginalQuery)
	}
}

func TestExportImportSnappy(t *testing.T) {
	blob, err := ExportHistorySnapshot(exportEntries(5), ExportOptions{Format: ExportFormatSnappy})
	if err != nil {
		t.Fatalf("ExportHistorySnapshot() error = %v", err)
	}

	entries, err := ImportHistorySnapshot(blob, "")
	if err != nil {
		t.Fatalf("ImportHistorySnapshot() error = %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("entries = %d, want 5", len(entries))
	}
}

func TestExportImportEncrypted(t *testing.T) {
	blob, err := ExportHistorySnapshot(exportEntries(2), ExportOptions{
		Format:     ExportFormatSnappy,
		Passphrase: "correct horse",
	})
	if err != nil {
		t.Fatalf("ExportHistorySnapshot() error = %v", err)
	}

	if _, err := ImportHistorySnapshot(blob, ""); err == nil {
		t.Error("import without passphrase should fail")
	}
	if _, err := ImportHistorySnapshot(blob, "wrong"); err == nil {
		t.Error("import with wrong passphrase should fail")
	}

	entries, err := ImportHistorySnapshot(blob, "correct horse")
	if err != nil {
		t.Fatalf("ImportHistorySnapshot() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	if _, err := ImportHistorySnapshot(nil, ""); !errors.Is(err, ErrInvalidImport) {
		t.Errorf("nil blob: error = %v, want ErrInvalidImport", err)
	}
	if _, err := ImportHistorySnapshot([]byte("XXXXjunk payload"), ""); err == nil {
		t.Error("unknown magic should be rejected")
	}
}
