package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/internal/gateway"
	"github.com/constansino/chat-dl-go/internal/infra/sqlite"
)

func testRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedRecord(t *testing.T, repo *sqlite.Repository, id string, status domain.RecordStatus) {
	t.Helper()
	err := repo.Record(context.Background(), &domain.Record{
		ID:          id,
		CallerKey:   domain.NewCallerKey("conv1", "user1"),
		URL:         "https://example.com/watch?v=" + id,
		Status:      status,
		CreatedAt:   time.Now(),
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}

func TestHealthHandlerReportsCounts(t *testing.T) {
	repo := testRepo(t)
	seedRecord(t, repo, "a", domain.RecordStatusDone)
	seedRecord(t, repo, "b", domain.RecordStatusDone)
	seedRecord(t, repo, "c", domain.RecordStatusError)

	gw := gateway.New(gateway.Config{}, nil, nil, nil)
	h := NewHandlers(gw, repo, t.TempDir())

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.ActiveJobs != 0 || resp.PendingSessions != 0 {
		t.Errorf("expected idle gateway, got %d jobs / %d sessions", resp.ActiveJobs, resp.PendingSessions)
	}
	if resp.HistoryTotal != 3 || resp.HistoryDone != 2 || resp.HistoryFailed != 1 {
		t.Errorf("expected history counts 3/2/1, got %d/%d/%d",
			resp.HistoryTotal, resp.HistoryDone, resp.HistoryFailed)
	}
}

func TestHistoryHandler(t *testing.T) {
	repo := testRepo(t)
	seedRecord(t, repo, "a", domain.RecordStatusDone)

	gw := gateway.New(gateway.Config{}, nil, nil, nil)
	h := NewHandlers(gw, repo, t.TempDir())

	rec := httptest.NewRecorder()
	h.HistoryHandler(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []*domain.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(records) != 1 || records[0].ID != "a" {
		t.Errorf("expected the seeded record, got %+v", records)
	}
}

func TestHistoryHandlerRejectsBadLimit(t *testing.T) {
	repo := testRepo(t)
	gw := gateway.New(gateway.Config{}, nil, nil, nil)
	h := NewHandlers(gw, repo, t.TempDir())

	for _, limit := range []string{"0", "501", "many"} {
		rec := httptest.NewRecorder()
		h.HistoryHandler(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit="+limit, nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit %q: expected 400, got %d", limit, rec.Code)
		}
	}
}
