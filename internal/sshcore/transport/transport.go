// Package transport brings an SSH transport up from a host/port/auth
// triple to an authenticated *ssh.Client: DNS resolution, per-address TCP
// connect with retry, handshake, host-key verification against the trust
// store, and authentication.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/hostkeys"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/transcript"
	"github.com/jordandevai/driftcode-backend/internal/trace"
)

const (
	tcpConnectTimeout  = 8 * time.Second
	tcpInnerAttempts   = 2
	tcpInnerRetryDelay = 200 * time.Millisecond
	keepaliveInterval  = 20 * time.Second
	keepaliveMaxMissed = 3
)

// Request describes a connect attempt.
type Request struct {
	Host       string
	Port       int
	Username   string
	AuthMethod sshtypes.AuthMethod
	Password   string           // used when AuthMethod == AuthPassword
	Signer     cryptossh.Signer // used when AuthMethod == AuthKey
	HostKeys   *hostkeys.Store
}

// Result is a successfully established, authenticated SSH client.
type Result struct {
	Client *cryptossh.Client
	Addr   string
}

// Connect runs the full bring-up sequence. x/crypto/ssh
// performs authentication as part of the single handshake call
// (ssh.NewClientConn), unlike a library that exposes handshake and auth as
// separate steps; this is classified after the fact by inspecting the
// handshake error, since the library gives no typed distinction between
// "key exchange failed" and "server rejected every auth method".
func Connect(ctx context.Context, req Request) (*Result, *sshtypes.SshError) {
	host := strings.TrimSpace(req.Host)
	username := strings.TrimSpace(req.Username)
	attemptID := uuid.New().String()

	auth, authErr := authMethods(req)
	if authErr != nil {
		return nil, authErr
	}

	addrs, err := resolve(ctx, host, req.Port)
	if err != nil {
		trace.RecordConnectAttempt(trace.ConnectAttempt{
			AttemptID: attemptID, Host: host, Port: req.Port, Username: username,
			Outcome: "dns_lookup_failed", OutcomeDetail: ptr(err.Error()),
		})
		return nil, sshtypes.Newf(sshtypes.KindDnsLookupFailed, "dns lookup failed for %s:%d: %v", host, req.Port, err)
	}
	if len(addrs) == 0 {
		return nil, sshtypes.New(sshtypes.KindConnectionFailed, fmt.Sprintf("dns lookup returned no addresses for %s:%d", host, req.Port))
	}
	sortIPv4First(addrs)

	var lastErr *sshtypes.SshError
	var client *cryptossh.Client
	var usedAddr string

	var lastSnapshot transcript.Snapshot

	for _, addr := range addrs {
		c, hkErr, transientErr, snap := tryAddress(ctx, attemptID, addr, host, req.Port, username, auth, req.HostKeys)
		lastSnapshot = snap
		if hkErr != nil {
			// Host-key and auth errors short-circuit both loops: neither
			// can be fixed by retrying a different resolved address with
			// the same credentials.
			trace.RecordConnectAttempt(attemptFrom(snap, trace.ConnectAttempt{
				AttemptID: attemptID, Host: host, Port: req.Port, Username: username,
				ResolvedAddrs: addrs, Addr: ptr(addr), Outcome: outcomeFor(hkErr), OutcomeDetail: ptr(hkErr.Error()),
			}))
			return nil, hkErr
		}
		if transientErr != nil {
			lastErr = transientErr
			continue
		}
		client = c
		usedAddr = addr
		break
	}

	if client == nil {
		if lastErr == nil {
			lastErr = sshtypes.New(sshtypes.KindConnectionFailed, "failed to establish SSH connection")
		}
		trace.RecordConnectAttempt(attemptFrom(lastSnapshot, trace.ConnectAttempt{
			AttemptID: attemptID, Host: host, Port: req.Port, Username: username,
			ResolvedAddrs: addrs, Outcome: outcomeFor(lastErr), OutcomeDetail: ptr(lastErr.Error()),
		}))
		return nil, lastErr
	}

	// Warmup: give the connection a moment to settle before declaring success.
	time.Sleep(100 * time.Millisecond)
	if isClosed(client) {
		return nil, sshtypes.New(sshtypes.KindConnectionFailed, "connection closed during warmup")
	}

	trace.RecordConnectAttempt(attemptFrom(lastSnapshot, trace.ConnectAttempt{
		AttemptID: attemptID, Host: host, Port: req.Port, Username: username,
		ResolvedAddrs: addrs, Addr: ptr(usedAddr), Outcome: "handshake_ok",
	}))

	return &Result{Client: client, Addr: usedAddr}, nil
}

// attemptFrom copies a transcript tap snapshot's client/server id and byte
// counts into a ConnectAttempt record, so each recorded attempt carries
// the bytes that actually moved and the banners seen — successful or not.
func attemptFrom(snap transcript.Snapshot, a trace.ConnectAttempt) trace.ConnectAttempt {
	a.ClientID = snap.ClientID
	a.ServerID = snap.ServerID
	a.BytesWritten = snap.BytesWritten
	a.BytesRead = snap.BytesRead
	return a
}

func ptr(s string) *string { return &s }

func outcomeFor(err *sshtypes.SshError) string {
	switch err.Kind {
	case sshtypes.KindTcpConnectFailed:
		return "tcp_connect_failed"
	case sshtypes.KindTcpConnectTimeout:
		return "tcp_connect_timeout"
	case sshtypes.KindHandshakeJoinError:
		return "handshake_join_error"
	case sshtypes.KindHostKeyUntrusted, sshtypes.KindHostKeyMismatch:
		return "handshake_failed"
	case sshtypes.KindAuthenticationFailed:
		return "auth_failed"
	default:
		return "handshake_failed"
	}
}

func resolve(ctx context.Context, host string, port int) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip.IP.String(), strconv.Itoa(port)))
	}
	return out, nil
}

// sortIPv4First stably sorts resolved addresses with IPv4 entries before
// IPv6, preserving relative order within each family. Some mobile networks
// advertise IPv6 routes that black-hole.
func sortIPv4First(addrs []string) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return familyRank(addrs[i]) < familyRank(addrs[j])
	})
}

func familyRank(addr string) int {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return 1
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return 1
	}
	return 0
}

// tryAddress runs the inner retry loop for one resolved address. A non-nil
// hostKeyErr means the error is final (never retried, not advanced past) —
// this includes both host-key verification failures and authentication
// failures. A non-nil transientErr means "move on to the next address";
// it is not recorded per address. The returned snapshot is the Transcript Tap's state as of the
// last handshake attempted on this address (zero value if no handshake was
// ever attempted, e.g. every dial on this address failed).
func tryAddress(ctx context.Context, attemptID, addr, host string, port int, username string, auth []cryptossh.AuthMethod, store *hostkeys.Store) (client *cryptossh.Client, hostKeyErr, transientErr *sshtypes.SshError, snapshot transcript.Snapshot) {
	var lastTransient *sshtypes.SshError
	var lastSnapshot transcript.Snapshot

	for attempt := 0; attempt < tcpInnerAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(tcpInnerRetryDelay)
		}

		conn, err := dialTimeout(ctx, addr)
		if err != nil {
			if isTimeoutErr(err) {
				lastTransient = sshtypes.Newf(sshtypes.KindTcpConnectTimeout, "tcp connect to %s timed out", addr)
			} else {
				lastTransient = sshtypes.Newf(sshtypes.KindTcpConnectFailed, "tcp connect to %s failed: %v", addr, err)
			}
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		tap := transcript.New(conn)

		c, hkErr, hsErr := handshake(tap, addr, host, port, username, auth, store)
		lastSnapshot = tap.Snapshot(attemptID)
		if hkErr != nil {
			return nil, hkErr, nil, lastSnapshot
		}
		if hsErr != nil {
			if hsErr.Kind == sshtypes.KindHandshakeJoinError {
				// Aborted-join: retry the inner loop on the same address.
				lastTransient = hsErr
				continue
			}
			if hsErr.Kind == sshtypes.KindAuthenticationFailed {
				// Auth failures are fatal for the whole attempt, not just
				// this address: short-circuit both loops the same way a
				// host-key error does, since retrying auth on a different
				// address with the same credentials can never succeed.
				return nil, hsErr, nil, lastSnapshot
			}
			// Any other handshake error: break inner loop, advance address.
			return nil, nil, hsErr, lastSnapshot
		}
		return c, nil, nil, lastSnapshot
	}

	return nil, nil, lastTransient, lastSnapshot
}

func dialTimeout(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dctx, "tcp", addr)
}

func isTimeoutErr(err error) bool {
	if e, ok := err.(net.Error); ok {
		return e.Timeout()
	}
	return false
}

func handshake(tap *transcript.Tap, addr, host string, port int, username string, auth []cryptossh.AuthMethod, store *hostkeys.Store) (*cryptossh.Client, *sshtypes.SshError, *sshtypes.SshError) {
	clientCfg := &cryptossh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: verifyCallback(store, host, port),
		Timeout:         tcpConnectTimeout,
		ClientVersion:   "SSH-2.0-driftcode",
	}

	type result struct {
		conn  cryptossh.Conn
		chans <-chan cryptossh.NewChannel
		reqs  <-chan *cryptossh.Request
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("JoinError")}
			}
		}()
		conn, chans, reqs, err := cryptossh.NewClientConn(tap, addr, clientCfg)
		ch <- result{conn: conn, chans: chans, reqs: reqs, err: err}
	}()

	r := <-ch
	var hkErr *hostKeyError
	if errors.As(r.err, &hkErr) {
		return nil, hkErr.err, nil
	}
	if r.err != nil {
		msg := r.err.Error()
		if msg == "JoinError" {
			return nil, nil, sshtypes.Newf(sshtypes.KindHandshakeJoinError, "ssh handshake to %s aborted (JoinError)", addr)
		}
		if strings.Contains(msg, "unable to authenticate") {
			return nil, nil, sshtypes.Newf(sshtypes.KindAuthenticationFailed, "authentication failed: %s", msg)
		}
		return nil, nil, sshtypes.Newf(sshtypes.KindHandshakeFailed, "ssh handshake to %s failed: %v", addr, r.err)
	}

	client := cryptossh.NewClient(r.conn, r.chans, r.reqs)
	go keepalive(client)
	return client, nil, nil
}

// hostKeyError lets HostKeyCallback smuggle a classified SshError out
// through the generic error return ssh.ClientConfig.HostKeyCallback expects.
type hostKeyError struct {
	err *sshtypes.SshError
}

func (e *hostKeyError) Error() string { return e.err.Error() }

func verifyCallback(store *hostkeys.Store, host string, port int) cryptossh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
		raw := key.Marshal()
		fingerprint := hostkeys.Fingerprint(raw)
		keyType := key.Type()
		pubOpenSSH := strings.TrimSpace(string(cryptossh.MarshalAuthorizedKey(key)))

		entry, ok, err := store.Get(host, port)
		if err != nil {
			return &hostKeyError{err: sshtypes.Newf(sshtypes.KindHostKeyMismatch, "host key store error: %v", err)}
		}
		if !ok {
			sshErr := sshtypes.New(sshtypes.KindHostKeyUntrusted, fmt.Sprintf("host key for %s:%d is not trusted", host, port)).
				WithContext("keyType", keyType).
				WithContext("fingerprintSha256", fingerprint).
				WithContext("publicKeyOpenSSH", pubOpenSSH)
			return &hostKeyError{err: sshErr}
		}
		if entry.FingerprintSha256 != fingerprint {
			sshErr := sshtypes.New(sshtypes.KindHostKeyMismatch, fmt.Sprintf("host key for %s:%d changed", host, port)).
				WithContext("expected", entry.FingerprintSha256).
				WithContext("actual", fingerprint)
			return &hostKeyError{err: sshErr}
		}
		return nil
	}
}

func keepalive(client *cryptossh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	missed := 0
	for range ticker.C {
		_, _, err := client.SendRequest("keepalive@driftcode", true, nil)
		if err != nil {
			missed++
			if missed >= keepaliveMaxMissed {
				client.Close()
				return
			}
			continue
		}
		missed = 0
	}
}

func isClosed(client *cryptossh.Client) bool {
	_, _, err := client.SendRequest("keepalive@driftcode", true, nil)
	return err != nil
}

func authMethods(req Request) ([]cryptossh.AuthMethod, *sshtypes.SshError) {
	switch req.AuthMethod {
	case sshtypes.AuthPassword:
		if req.Password == "" {
			return nil, sshtypes.New(sshtypes.KindAuthenticationFailed, "missing_password")
		}
		return []cryptossh.AuthMethod{cryptossh.Password(req.Password)}, nil
	case sshtypes.AuthKey:
		if req.Signer == nil {
			return nil, sshtypes.New(sshtypes.KindAuthenticationFailed, "no key pair loaded")
		}
		return []cryptossh.AuthMethod{cryptossh.PublicKeys(req.Signer)}, nil
	default:
		return nil, sshtypes.New(sshtypes.KindAuthenticationFailed, "invalid_auth_method")
	}
}
