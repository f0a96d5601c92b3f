// Package diagnostics serves an optional loopback WebSocket that streams
// trace events live, so a developer can watch a connection's transcript
// from a terminal (websocat, a test client) without wiring up the full UI.
package diagnostics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jordandevai/driftcode-backend/internal/trace"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a loopback-only HTTP server exposing a single "/trace"
// WebSocket endpoint. Not part of the command surface or trust boundary.
type Server struct {
	httpSrv *http.Server
	addr    string
}

// Start binds addr (use "127.0.0.1:0" for an ephemeral port) and begins
// serving in the background. Returns the bound address so a caller that
// asked for port 0 can discover what was actually chosen.
func Start(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/trace", handleTraceStream)

	httpSrv := &http.Server{Handler: mux}
	s := &Server{httpSrv: httpSrv, addr: ln.Addr().String()}

	go func() {
		defer trace.Recover(nil)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("diagnostics stream server error")
		}
	}()

	return s, nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func handleTraceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade diagnostics websocket")
		return
	}
	defer conn.Close()

	ch := trace.Subscribe()
	defer trace.Unsubscribe(ch)

	// Drain client reads on a goroutine purely to notice the socket
	// closing; this endpoint never accepts input.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
