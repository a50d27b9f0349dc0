package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

func hubServer(t *testing.T, hub *Hub, group string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Attach(w, r, group); err != nil {
			t.Errorf("attach: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForGroup(t *testing.T, hub *Hub, group string, size int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GroupSize(group) != size {
		if time.Now().After(deadline) {
			t.Fatalf("group %q never reached %d clients", group, size)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastToEmptyGroupReportsClosed(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	err := hub.Broadcast("nobody-home", contractx.StreamEvent{Type: contractx.EventStreamChunk, Chunk: "x"})
	if !errors.Is(err, contractx.ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := hubServer(t, hub, "room-1")
	conn := dial(t, srv)
	waitForGroup(t, hub, "room-1", 1)

	chunks := []string{"first", "second", "third"}
	for _, chunk := range chunks {
		if err := hub.Broadcast("room-1", contractx.StreamEvent{Type: contractx.EventStreamChunk, Chunk: chunk}); err != nil {
			t.Fatalf("broadcast %q: %v", chunk, err)
		}
	}
	if err := hub.Broadcast("room-1", contractx.StreamEvent{Type: contractx.EventStreamChunk, IsFinal: true}); err != nil {
		t.Fatalf("broadcast final: %v", err)
	}

	var got []contractx.StreamEvent
	for i := 0; i < 4; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var ev contractx.StreamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		got = append(got, ev)
	}

	for i, chunk := range chunks {
		if got[i].Chunk != chunk || got[i].IsFinal {
			t.Fatalf("event %d = %+v, want chunk %q", i, got[i], chunk)
		}
		if got[i].Type != contractx.EventStreamChunk {
			t.Fatalf("event %d type = %q", i, got[i].Type)
		}
	}
	if !got[3].IsFinal {
		t.Fatalf("last event = %+v, want final", got[3])
	}
}

func TestGroupsAreIsolated(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srvA := hubServer(t, hub, "room-a")
	srvB := hubServer(t, hub, "room-b")
	connA := dial(t, srvA)
	dial(t, srvB)
	waitForGroup(t, hub, "room-a", 1)
	waitForGroup(t, hub, "room-b", 1)

	if err := hub.Broadcast("room-a", contractx.StreamEvent{Type: contractx.EventStreamChunk, Chunk: "for a"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(payload), "for a") {
		t.Fatalf("payload = %s", payload)
	}
}

func TestDisconnectEmptiesGroup(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := hubServer(t, hub, "room-1")
	conn := dial(t, srv)
	waitForGroup(t, hub, "room-1", 1)

	conn.Close()
	waitForGroup(t, hub, "room-1", 0)

	err := hub.Broadcast("room-1", contractx.StreamEvent{Type: contractx.EventStreamChunk, Chunk: "x"})
	if !errors.Is(err, contractx.ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}
