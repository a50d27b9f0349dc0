package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bedah-kym/chatcore/agent/quota"
)

type fakeHandler struct {
	mu      sync.Mutex
	handled []string
}

func (h *fakeHandler) HandleMessage(_ context.Context, userID, roomID, text string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, userID+"|"+roomID+"|"+text)
	return "ok", nil
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func (h *fakeHandler) last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled[len(h.handled)-1]
}

type fakeQuotas struct{ usages []quota.Usage }

func (q *fakeQuotas) Snapshot(context.Context, string) []quota.Usage {
	return q.usages
}

type fakeHub struct{ attached []string }

func (h *fakeHub) Attach(_ http.ResponseWriter, _ *http.Request, group string) error {
	h.attached = append(h.attached, group)
	return nil
}

func newTestServer() (*Server, *fakeHandler, *fakeQuotas, *fakeHub) {
	handler := &fakeHandler{}
	quotas := &fakeQuotas{usages: []quota.Usage{
		{Resource: quota.ResourceSearch, Used: 8, Limit: 10, Status: quota.StatusCritical, Color: "orange", Resets: "resets daily"},
	}}
	hub := &fakeHub{}
	return NewServer(handler, quotas, hub), handler, quotas, hub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPostMessageAcceptsAndRunsPipeline(t *testing.T) {
	t.Parallel()

	srv, handler, _, _ := newTestServer()
	body := strings.NewReader(`{"user_id":"u1","text":"remind me about standup"}`)
	req := httptest.NewRequest(http.MethodPost, "/rooms/room-1/messages", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	waitFor(t, func() bool { return handler.count() == 1 })
	if got := handler.last(); got != "u1|room-1|remind me about standup" {
		t.Fatalf("handled = %q", got)
	}
}

func TestPostMessageRejectsBadBody(t *testing.T) {
	t.Parallel()

	srv, handler, _, _ := newTestServer()

	for _, body := range []string{"not json", `{"user_id":"","text":"hi"}`, `{"user_id":"u1","text":""}`} {
		req := httptest.NewRequest(http.MethodPost, "/rooms/room-1/messages", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if handler.count() != 0 {
		t.Fatal("rejected request still reached the pipeline")
	}
}

func TestGetQuotaReturnsSnapshot(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/users/u1/quota", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		UserID string        `json:"user_id"`
		Quotas []quota.Usage `json:"quotas"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.UserID != "u1" || len(payload.Quotas) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Quotas[0].Status != quota.StatusCritical || payload.Quotas[0].Color != "orange" {
		t.Fatalf("usage = %+v", payload.Quotas[0])
	}
}

func TestSocketRouteAttachesRoomGroup(t *testing.T) {
	t.Parallel()

	srv, _, _, hub := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/ws/room-9", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if len(hub.attached) != 1 || hub.attached[0] != "room-9" {
		t.Fatalf("attached = %v", hub.attached)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
