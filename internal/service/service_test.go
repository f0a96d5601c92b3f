package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/hostkeys"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
)

func testEd25519Key(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// startServiceTestServer runs a loopback SSH server accepting the given
// password and exposing an SFTP subsystem whose working directory is dir
// (absolute paths are not confined to it), mirroring the
// sftpfacade/actor package test fixtures so Backend.SSHConnect's
// SFTP-availability probe succeeds.
func startServiceTestServer(t *testing.T, password, dir string) (addr string, hostKey cryptossh.Signer) {
	t.Helper()

	signer, err := cryptossh.NewSignerFromKey(testEd25519Key(t))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	cfg := &cryptossh.ServerConfig{
		PasswordCallback: func(conn cryptossh.ConnMetadata, pass []byte) (*cryptossh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, cryptossh.ErrNoAuth
		},
	}
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
			go serveServiceConn(conn, cfg, dir)
		}
	}()

	return ln.Addr().String(), signer
}

func serveServiceConn(conn net.Conn, cfg *cryptossh.ServerConfig, dir string) {
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
			for req := range chReqs {
				switch req.Type {
				case "subsystem":
					if len(req.Payload) >= 4 {
						req.Reply(true, nil)
						s, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(dir))
						if err == nil {
							s.Serve()
						}
						ch.Close()
						continue
					}
					req.Reply(false, nil)
				case "exec":
					req.Reply(true, nil)
					ch.Write([]byte("tmux not found\n"))
					ch.CloseWrite()
					ch.Close()
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
	_ = sconn
}

func mustSplit(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi %q: %v", portStr, err)
	}
	return host, port
}

func trustServer(t *testing.T, store *hostkeys.Store, host string, port int, signer cryptossh.Signer) {
	t.Helper()
	fp := hostkeys.Fingerprint(signer.PublicKey().Marshal())
	if err := store.Upsert(host, port, signer.PublicKey().Type(), fp, string(cryptossh.MarshalAuthorizedKey(signer.PublicKey()))); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestSSHConnectRequiresPasswordForPasswordAuth(t *testing.T) {
	b := New(t.TempDir(), Events{})
	_, svcErr := b.SSHConnect(context.Background(), sshtypes.ConnectionProfile{
		AuthMethod: sshtypes.AuthPassword, Host: "example.test", Port: 22,
	}, nil)
	if svcErr == nil || svcErr.Code != "missing_password" {
		t.Fatalf("expected missing_password, got %+v", svcErr)
	}
}

func TestSSHConnectRejectsUnknownAuthMethod(t *testing.T) {
	b := New(t.TempDir(), Events{})
	pw := "x"
	_, svcErr := b.SSHConnect(context.Background(), sshtypes.ConnectionProfile{
		AuthMethod: "totally-invalid", Host: "example.test", Port: 22,
	}, &pw)
	if svcErr == nil || svcErr.Code != "invalid_auth_method" {
		t.Fatalf("expected invalid_auth_method, got %+v", svcErr)
	}
}

func TestSSHConnectFullLifecycle(t *testing.T) {
	dir := t.TempDir()
	addr, signer := startServiceTestServer(t, "s3cret", dir)
	host, port := mustSplit(t, addr)

	configDir := t.TempDir()
	var statusEvents []string
	b := New(configDir, Events{
		ConnectionStatusChanged: func(connID, status, detail string) {
			statusEvents = append(statusEvents, status)
		},
	})
	trustServer(t, b.hostKeys, host, port, signer)

	pw := "s3cret"
	profile := sshtypes.ConnectionProfile{
		Host: host, Port: port, Username: "alice",
		AuthMethod: sshtypes.AuthPassword,
	}
	connID, svcErr := b.SSHConnect(context.Background(), profile, &pw)
	if svcErr != nil {
		t.Fatalf("connect: %+v", svcErr)
	}
	if connID == "" {
		t.Fatal("expected non-empty connection id")
	}

	if svcErr := b.SftpWriteFile(context.Background(), connID, "/note.txt", "hi"); svcErr != nil {
		t.Fatalf("write: %+v", svcErr)
	}
	content, svcErr := b.SftpReadFile(context.Background(), connID, "/note.txt")
	if svcErr != nil {
		t.Fatalf("read: %+v", svcErr)
	}
	if content != "hi" {
		t.Fatalf("got %q", content)
	}

	ok, svcErr := b.SSHCheckTmux(context.Background(), connID)
	if svcErr != nil {
		t.Fatalf("tmux check: %+v", svcErr)
	}
	_ = ok

	if svcErr := b.SSHDisconnect(context.Background(), connID); svcErr != nil {
		t.Fatalf("disconnect: %+v", svcErr)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := b.registry.GetConnection(connID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected connection to be removed from registry after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, svcErr := b.SftpReadFile(context.Background(), connID, "/note.txt"); svcErr == nil || svcErr.Code != "connection_not_found" {
		t.Fatalf("expected connection_not_found after disconnect, got %+v", svcErr)
	}
}

func TestShutdownDrainsConnections(t *testing.T) {
	dir := t.TempDir()
	addr, signer := startServiceTestServer(t, "s3cret", dir)
	host, port := mustSplit(t, addr)

	b := New(t.TempDir(), Events{})
	trustServer(t, b.hostKeys, host, port, signer)

	pw := "s3cret"
	connID, svcErr := b.SSHConnect(context.Background(), sshtypes.ConnectionProfile{
		Host: host, Port: port, Username: "alice", AuthMethod: sshtypes.AuthPassword,
	}, &pw)
	if svcErr != nil {
		t.Fatalf("connect: %+v", svcErr)
	}

	b.Shutdown(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := b.registry.GetConnection(connID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected shutdown to drain the connection from the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSHConnectUntrustedHostKeySurfacesFingerprint(t *testing.T) {
	dir := t.TempDir()
	addr, _ := startServiceTestServer(t, "s3cret", dir)
	host, port := mustSplit(t, addr)

	b := New(t.TempDir(), Events{})
	pw := "s3cret"
	_, svcErr := b.SSHConnect(context.Background(), sshtypes.ConnectionProfile{
		Host: host, Port: port, Username: "alice", AuthMethod: sshtypes.AuthPassword,
	}, &pw)
	if svcErr == nil || svcErr.Code != "ssh_hostkey_untrusted" {
		t.Fatalf("expected ssh_hostkey_untrusted, got %+v", svcErr)
	}
	if svcErr.Context["fingerprintSha256"] == "" {
		t.Fatal("expected fingerprint in context")
	}
}

func TestSSHTrustHostKeyRejectsFingerprintMismatch(t *testing.T) {
	b := New(t.TempDir(), Events{})
	key, err := cryptossh.NewSignerFromKey(testEd25519Key(t))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	pub := string(cryptossh.MarshalAuthorizedKey(key.PublicKey()))

	svcErr := b.SSHTrustHostKey(context.Background(), "example.test", 22, key.PublicKey().Type(), "SHA256:not-the-real-one", pub)
	if svcErr == nil || svcErr.Code != "hostkey_fingerprint_mismatch" {
		t.Fatalf("expected hostkey_fingerprint_mismatch, got %+v", svcErr)
	}
}

func TestSSHListTrustHostKeyRoundTrip(t *testing.T) {
	b := New(t.TempDir(), Events{})
	key, err := cryptossh.NewSignerFromKey(testEd25519Key(t))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	pub := string(cryptossh.MarshalAuthorizedKey(key.PublicKey()))
	fp := hostkeys.Fingerprint(key.PublicKey().Marshal())

	if svcErr := b.SSHTrustHostKey(context.Background(), "example.test", 22, key.PublicKey().Type(), fp, pub); svcErr != nil {
		t.Fatalf("trust: %+v", svcErr)
	}

	entries, svcErr := b.SSHListTrustedHostKeys(context.Background())
	if svcErr != nil {
		t.Fatalf("list: %+v", svcErr)
	}
	if len(entries) != 1 || entries[0].Host != "example.test" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if svcErr := b.SSHForgetHostKey(context.Background(), "example.test", 22); svcErr != nil {
		t.Fatalf("forget: %+v", svcErr)
	}
	entries, svcErr = b.SSHListTrustedHostKeys(context.Background())
	if svcErr != nil {
		t.Fatalf("list after forget: %+v", svcErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty after forget, got %+v", entries)
	}
}

func TestTerminalWriteToUnknownTerminal(t *testing.T) {
	b := New(t.TempDir(), Events{})
	svcErr := b.TerminalWrite(context.Background(), "does-not-exist", []byte("x"))
	if svcErr == nil || svcErr.Code != "terminal_not_found" {
		t.Fatalf("expected terminal_not_found, got %+v", svcErr)
	}
}

func TestDebugTraceToggle(t *testing.T) {
	b := New(t.TempDir(), Events{})
	b.DebugEnableTrace()
	if !b.DebugIsTraceEnabled() {
		t.Fatal("expected trace enabled")
	}
	b.DebugDisableTrace()
	if b.DebugIsTraceEnabled() {
		t.Fatal("expected trace disabled")
	}
}
