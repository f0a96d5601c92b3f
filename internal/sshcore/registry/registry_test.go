package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os/exec"
	"testing"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/actor"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/ptypump"
)

// startRegistryTestServer is a minimal loopback SSH server that accepts a
// single PTY session per channel and echoes via /bin/cat, enough to let
// ptypump.Create succeed against a real client for registry bookkeeping
// tests — the registry itself never inspects PTY content.
func startRegistryTestServer(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signer, err := cryptossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	cfg := &cryptossh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveRegistrySession(conn, cfg)
		}
	}()

	return ln.Addr().String()
}

func serveRegistrySession(conn net.Conn, cfg *cryptossh.ServerConfig) {
	sconn, chans, reqs, err := cryptossh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go cryptossh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(cryptossh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			cmd := exec.Command("/bin/cat")
			stdin, _ := cmd.StdinPipe()
			stdout, _ := cmd.StdoutPipe()
			cmd.Start()
			go func() {
				for req := range chReqs {
					switch req.Type {
					case "pty-req", "shell", "window-change":
						req.Reply(true, nil)
					default:
						req.Reply(false, nil)
					}
				}
			}()
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := stdout.Read(buf)
					if n > 0 {
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
			buf := make([]byte, 4096)
			for {
				n, err := ch.Read(buf)
				if n > 0 {
					stdin.Write(buf[:n])
				}
				if err != nil {
					cmd.Process.Kill()
					ch.Close()
					return
				}
			}
		}()
	}
	_ = sconn
}

func dialRegistryTestClient(t *testing.T, addr string) *cryptossh.Client {
	t.Helper()
	client, err := cryptossh.Dial("tcp", addr, &cryptossh.ClientConfig{
		User:            "test",
		Auth:            []cryptossh.AuthMethod{cryptossh.Password("x")},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestPump(t *testing.T, client *cryptossh.Client, connectionID, terminalID string) *ptypump.Pump {
	t.Helper()
	p, sshErr := ptypump.Create(client, ptypump.CreateRequest{
		TerminalID:   terminalID,
		ConnectionID: connectionID,
		Sink:         func(string, []byte) {},
	})
	if sshErr != nil {
		t.Fatalf("create pump: %v", sshErr)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAddGetRemoveConnection(t *testing.T) {
	r := New()
	statusCh := make(chan actor.StatusEvent, 1)
	h := actor.Spawn("conn-1", &actor.Connection{}, statusCh)

	r.AddConnection(h)
	got, ok := r.GetConnection("conn-1")
	if !ok || got != h {
		t.Fatalf("expected to find conn-1, got ok=%v", ok)
	}

	r.RemoveConnection("conn-1")
	if _, ok := r.GetConnection("conn-1"); ok {
		t.Fatal("expected conn-1 to be removed")
	}
}

func TestRemoveConnectionCascadesTerminals(t *testing.T) {
	addr := startRegistryTestServer(t)
	client := dialRegistryTestClient(t, addr)

	r := New()
	r.AddTerminal(newTestPump(t, client, "conn-x", "term-a"))
	r.AddTerminal(newTestPump(t, client, "conn-x", "term-b"))
	r.AddTerminal(newTestPump(t, client, "conn-y", "term-c"))

	r.RemoveConnection("conn-x")

	if _, ok := r.GetTerminal("term-a"); ok {
		t.Fatal("expected term-a to be removed with its connection")
	}
	if _, ok := r.GetTerminal("term-b"); ok {
		t.Fatal("expected term-b to be removed with its connection")
	}
	if _, ok := r.GetTerminal("term-c"); !ok {
		t.Fatal("expected term-c (different connection) to survive")
	}
}

func TestTerminalsForConnectionRemovesAndReturns(t *testing.T) {
	addr := startRegistryTestServer(t)
	client := dialRegistryTestClient(t, addr)

	r := New()
	r.AddTerminal(newTestPump(t, client, "conn-x", "term-a"))
	r.AddTerminal(newTestPump(t, client, "conn-x", "term-b"))

	got := r.TerminalsForConnection("conn-x")
	if len(got) != 2 {
		t.Fatalf("expected 2 terminals, got %d", len(got))
	}
	if _, ok := r.GetTerminal("term-a"); ok {
		t.Fatal("expected term-a removed after TerminalsForConnection")
	}
}

func TestConnectionIDsListsAll(t *testing.T) {
	r := New()
	statusCh := make(chan actor.StatusEvent, 2)
	r.AddConnection(actor.Spawn("a", &actor.Connection{}, statusCh))
	r.AddConnection(actor.Spawn("b", &actor.Connection{}, statusCh))

	ids := r.ConnectionIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
}
