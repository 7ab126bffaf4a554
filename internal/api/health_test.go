package api

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

func TestHealthHandlerReportsStorage(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "traces.db")
	if err := os.WriteFile(dbPath, []byte("sqlite placeholder"), 0o600); err != nil {
		t.Fatalf("write db file: %v", err)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeTraceStore{traces: []*trace.Trace{
		storedChatTrace("tr-1", "sess-1", trace.StatusSuccess, start, 10),
		storedChatTrace("tr-2", "sess-1", trace.StatusSuccess, start, 10),
	}}
	handler := HealthHandler(HealthOptions{
		Version:       "1.2.3",
		StartedAt:     time.Now().Add(-90 * time.Second),
		StorageDriver: "sqlite",
		StoragePath:   dbPath,
		Store:         store,
	})

	var response healthResponse
	recorder := getJSON(t, handler, "/api/health", &response)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", recorder.Code)
	}
	if response.Status != "ok" || response.Version != "1.2.3" {
		t.Fatalf("health mismatch: %+v", response)
	}
	if response.StorageDriver != "sqlite" {
		t.Fatalf("storage_driver=%q", response.StorageDriver)
	}
	if response.TraceCount != 2 {
		t.Fatalf("trace_count=%d, want 2", response.TraceCount)
	}
	if response.UptimeSec < 89 {
		t.Fatalf("uptime_sec=%d, want >= 89", response.UptimeSec)
	}
	if response.DBSizeBytes == 0 {
		t.Fatal("db_size_bytes must be reported for sqlite storage")
	}
}

func TestHealthHandlerWithoutStore(t *testing.T) {
	t.Parallel()

	handler := HealthHandler(HealthOptions{
		Version:       "dev",
		StartedAt:     time.Now(),
		StorageDriver: "postgres",
	})

	var response healthResponse
	recorder := getJSON(t, handler, "/api/health", &response)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", recorder.Code)
	}
	if response.TraceCount != 0 {
		t.Fatalf("trace_count=%d, want 0", response.TraceCount)
	}
	if response.DBSizeBytes != 0 {
		t.Fatalf("db_size_bytes=%d, want omitted for postgres", response.DBSizeBytes)
	}
}

func TestHealthHandlerRequiresGet(t *testing.T) {
	t.Parallel()

	handler := HealthHandler(HealthOptions{Version: "dev", StartedAt: time.Now()})
	recorder := postChat(t, handler, "{}")
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", recorder.Code)
	}
}
