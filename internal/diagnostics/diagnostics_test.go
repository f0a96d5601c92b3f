package diagnostics

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordandevai/driftcode-backend/internal/trace"
)

func TestTraceStreamDeliversEmittedEvents(t *testing.T) {
	trace.Enable()
	defer trace.Disable()

	srv, err := Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown(context.Background())

	u := url.URL{Scheme: "ws", Host: srv.Addr(), Path: "/trace"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription before emitting.
	time.Sleep(50 * time.Millisecond)
	trace.Emit("diag-test", "step", "hello from test", nil, false)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev trace.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Category != "diag-test" || !strings.Contains(ev.Message, "hello") {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
