// Package service is the command-surface seam the UI dispatcher calls
// across: one exported Backend method per command, wiring together the
// host-key store, auth loader, transport bring-up, connection actor, and
// session registry.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/actor"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/authload"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/hostkeys"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/ptypump"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/registry"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/secret"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/sftpfacade"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/transport"
	"github.com/jordandevai/driftcode-backend/internal/trace"
)

const (
	reconnectTerminalCloseBudget = 500 * time.Millisecond
	disconnectBudget             = 5 * time.Second
	tmuxProbeTimeout             = 6 * time.Second
)

// ServiceError is the structured error returned across the command
// surface: a stable code, a human-readable message, and optionally the
// raw underlying error plus structured context.
type ServiceError struct {
	Code    string
	Message string
	Raw     *string
	Context map[string]string
}

func (e *ServiceError) Error() string { return e.Message }

func newError(code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// fromSshError maps the transport/SFTP/PTY error taxonomy onto the
// command surface's error codes.
func fromSshError(err *sshtypes.SshError) *ServiceError {
	if err == nil {
		return nil
	}
	se := &ServiceError{Code: kindCode(err.Kind), Message: err.Message, Context: err.Context}
	if err.Kind == sshtypes.KindSftpError || err.Kind == sshtypes.KindHandshakeFailed {
		raw := err.Message
		se.Raw = &raw
	}
	return se
}

func kindCode(kind sshtypes.ErrorKind) string {
	switch kind {
	case sshtypes.KindDnsLookupFailed:
		return "dns_lookup_failed"
	case sshtypes.KindTcpConnectFailed, sshtypes.KindConnectionFailed:
		return "tcp_connect_failed"
	case sshtypes.KindTcpConnectTimeout:
		return "tcp_connect_timeout"
	case sshtypes.KindHandshakeJoinError:
		return "ssh_handshake_aborted"
	case sshtypes.KindHandshakeFailed:
		return "ssh_handshake_failed"
	case sshtypes.KindHostKeyUntrusted:
		return "ssh_hostkey_untrusted"
	case sshtypes.KindHostKeyMismatch:
		return "ssh_hostkey_mismatch"
	case sshtypes.KindAuthenticationFailed:
		return "ssh_auth_failed"
	case sshtypes.KindChannelError:
		return "channel_error"
	case sshtypes.KindIoError:
		return "io_error"
	case sshtypes.KindSftpTimeout:
		return "sftp_timeout"
	case sshtypes.KindSftpSessionClosed:
		return "sftp_session_closed"
	case sshtypes.KindSftpError:
		return "sftp_error"
	case sshtypes.KindPtyError:
		return "pty_error"
	default:
		return "unknown_error"
	}
}

// Events are the backend→UI notification callbacks.
type Events struct {
	ConnectionStatusChanged func(connectionID, status, detail string)
	TerminalOutput          func(terminalID string, data []byte)
}

// Backend is the process-wide command surface. One Backend per running
// process; all state lives in its registry and host-key store.
type Backend struct {
	registry *registry.Registry
	hostKeys *hostkeys.Store
	events   Events

	clients clientMap
}

type clientMap struct {
	mu sync.Mutex
	m  map[string]*cryptossh.Client
}

func New(configDir string, events Events) *Backend {
	b := &Backend{
		registry: registry.New(),
		hostKeys: hostkeys.NewStore(configDir),
		events:   events,
	}
	b.clients.m = make(map[string]*cryptossh.Client)
	return b
}

func (b *Backend) setClient(connectionID string, c *cryptossh.Client) {
	b.clients.mu.Lock()
	defer b.clients.mu.Unlock()
	b.clients.m[connectionID] = c
}

func (b *Backend) getClient(connectionID string) (*cryptossh.Client, bool) {
	b.clients.mu.Lock()
	defer b.clients.mu.Unlock()
	c, ok := b.clients.m[connectionID]
	return c, ok
}

func (b *Backend) dropClient(connectionID string) {
	b.clients.mu.Lock()
	defer b.clients.mu.Unlock()
	delete(b.clients.m, connectionID)
}

// watchStatus forwards one connection's actor status events to the
// registered Events callback and, on "disconnected", retires its
// bookkeeping from the registry and client map.
func (b *Backend) watchStatus(connectionID string, statusCh chan actor.StatusEvent) {
	for ev := range statusCh {
		if b.events.ConnectionStatusChanged != nil {
			b.events.ConnectionStatusChanged(ev.ConnectionID, ev.Status, ev.Detail)
		}
		if ev.Status == "disconnected" {
			b.registry.RemoveConnection(connectionID)
			b.dropClient(connectionID)
			return
		}
	}
}

type resolvedAuth struct {
	password string
	signer   cryptossh.Signer
	secret   *secret.Bytes
}

func (b *Backend) resolveAuth(profile sshtypes.ConnectionProfile, password *string) (resolvedAuth, *ServiceError) {
	switch profile.AuthMethod {
	case sshtypes.AuthPassword:
		if password == nil || *password == "" {
			return resolvedAuth{}, newError("missing_password", "password is required for password authentication")
		}
		locked := secret.New([]byte(*password))
		return resolvedAuth{password: string(locked.Bytes()), secret: locked}, nil
	case sshtypes.AuthKey:
		if profile.KeyPath == "" {
			return resolvedAuth{}, newError("invalid_key_path", "key path is required for key authentication")
		}
		passphrase := ""
		if password != nil {
			passphrase = *password
		}
		// authload.Request.Passphrase is a plain string, so the passphrase
		// still exists unlocked for the duration of Load; the locked copy
		// only shrinks the window it sits in process memory.
		var locked *secret.Bytes
		if passphrase != "" {
			locked = secret.New([]byte(passphrase))
			passphrase = string(locked.Bytes())
		}
		signer, err := authload.Load(authload.Request{Path: profile.KeyPath, Passphrase: passphrase})
		if locked != nil {
			locked.Close()
		}
		if err != nil {
			if authErr, ok := err.(*authload.Error); ok {
				switch authErr.Kind {
				case authload.KeyFileRead:
					return resolvedAuth{}, newError("invalid_key_path", authErr.Message)
				default:
					return resolvedAuth{}, newError("ssh_auth_failed", authErr.Message)
				}
			}
			return resolvedAuth{}, newError("ssh_auth_failed", err.Error())
		}
		return resolvedAuth{signer: signer}, nil
	default:
		return resolvedAuth{}, newError("invalid_auth_method", fmt.Sprintf("unknown auth method %q", profile.AuthMethod))
	}
}

// SSHConnect validates the profile, brings up the transport, confirms
// SFTP is available, then spawns and registers a connection actor under
// a freshly generated id.
func (b *Backend) SSHConnect(ctx context.Context, profile sshtypes.ConnectionProfile, password *string) (string, *ServiceError) {
	auth, svcErr := b.resolveAuth(profile, password)
	if svcErr != nil {
		return "", svcErr
	}
	if auth.secret != nil {
		defer auth.secret.Close()
	}

	result, sshErr := transport.Connect(ctx, transport.Request{
		Host:       profile.Host,
		Port:       profile.Port,
		Username:   profile.Username,
		AuthMethod: profile.AuthMethod,
		Password:   auth.password,
		Signer:     auth.signer,
		HostKeys:   b.hostKeys,
	})
	if sshErr != nil {
		return "", fromSshError(sshErr)
	}

	facade := sftpfacade.New(result.Client)
	if _, err := facade.GetHomeDir(ctx); err != nil {
		result.Client.Close()
		return "", newError("sftp_unavailable", fmt.Sprintf("sftp subsystem unavailable: %v", err))
	}

	connectionID := uuid.New().String()
	statusCh := make(chan actor.StatusEvent, 8)
	handle := actor.Spawn(connectionID, &actor.Connection{
		Client:   result.Client,
		SFTP:     facade,
		Username: profile.Username,
	}, statusCh)

	b.registry.AddConnection(handle)
	b.setClient(connectionID, result.Client)
	go b.watchStatus(connectionID, statusCh)

	return connectionID, nil
}

// SSHReconnect closes every terminal and the old actor for connID (best
// effort, bounded), then connects again and re-registers the result
// under the same id.
func (b *Backend) SSHReconnect(ctx context.Context, connID string, profile sshtypes.ConnectionProfile, password *string) *ServiceError {
	for _, pump := range b.registry.TerminalsForConnection(connID) {
		closeCtx, cancel := context.WithTimeout(ctx, reconnectTerminalCloseBudget)
		_ = pump.Close()
		select {
		case <-pump.Done():
		case <-closeCtx.Done():
		}
		cancel()
	}

	if old, ok := b.registry.GetConnection(connID); ok {
		disconnectCtx, cancel := context.WithTimeout(ctx, disconnectBudget)
		_ = old.Disconnect(disconnectCtx)
		cancel()
	}
	b.registry.RemoveConnection(connID)
	b.dropClient(connID)

	auth, svcErr := b.resolveAuth(profile, password)
	if svcErr != nil {
		return svcErr
	}
	if auth.secret != nil {
		defer auth.secret.Close()
	}

	result, sshErr := transport.Connect(ctx, transport.Request{
		Host:       profile.Host,
		Port:       profile.Port,
		Username:   profile.Username,
		AuthMethod: profile.AuthMethod,
		Password:   auth.password,
		Signer:     auth.signer,
		HostKeys:   b.hostKeys,
	})
	if sshErr != nil {
		return fromSshError(sshErr)
	}

	facade := sftpfacade.New(result.Client)
	if _, err := facade.GetHomeDir(ctx); err != nil {
		result.Client.Close()
		return newError("sftp_unavailable", fmt.Sprintf("sftp subsystem unavailable: %v", err))
	}

	statusCh := make(chan actor.StatusEvent, 8)
	handle := actor.Spawn(connID, &actor.Connection{
		Client:   result.Client,
		SFTP:     facade,
		Username: profile.Username,
	}, statusCh)
	b.registry.AddConnection(handle)
	b.setClient(connID, result.Client)
	go b.watchStatus(connID, statusCh)

	return nil
}

// Shutdown drains the session registry: every live connection gets a
// Disconnect (each bounded the same way SSHDisconnect is), which cascades
// terminal removal through watchStatus. Used by the serve loop on
// SIGINT/SIGTERM; returns early if ctx expires first.
func (b *Backend) Shutdown(ctx context.Context) {
	for _, connID := range b.registry.ConnectionIDs() {
		if ctx.Err() != nil {
			return
		}
		_ = b.SSHDisconnect(ctx, connID)
	}
}

// SSHDisconnect asks the actor to shut down, bounded to 5s.
func (b *Backend) SSHDisconnect(ctx context.Context, connID string) *ServiceError {
	h, ok := b.registry.GetConnection(connID)
	if !ok {
		return newError("connection_not_found", fmt.Sprintf("connection %s not found", connID))
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, disconnectBudget)
	defer cancel()
	if err := h.Disconnect(disconnectCtx); err != nil {
		return newError("connection_closed", err.Error())
	}
	return nil
}

func (b *Backend) handleFor(connID string) (*actor.Handle, *ServiceError) {
	h, ok := b.registry.GetConnection(connID)
	if !ok {
		return nil, newError("connection_not_found", fmt.Sprintf("connection %s not found", connID))
	}
	return h, nil
}

func (b *Backend) SSHGetHomeDir(ctx context.Context, connID string) (string, *ServiceError) {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return "", svcErr
	}
	path, err := h.GetHomeDir(ctx)
	if err != nil {
		return "", asConnectionError(err)
	}
	return path, nil
}

// SSHCheckTmux runs `tmux -V` on the remote host directly over the raw
// client, bounded to 6s.
func (b *Backend) SSHCheckTmux(ctx context.Context, connID string) (bool, *ServiceError) {
	client, ok := b.getClient(connID)
	if !ok {
		return false, newError("connection_not_found", fmt.Sprintf("connection %s not found", connID))
	}
	_, err := runRemoteCommand(client, "tmux -V", tmuxProbeTimeout)
	return err == nil, nil
}

func runRemoteCommand(client *cryptossh.Client, cmd string, timeout time.Duration) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		ch <- result{out: string(out), err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-time.After(timeout):
		session.Close()
		return "", fmt.Errorf("remote command %q timed out after %s", cmd, timeout)
	}
}

// asConnectionError maps a fatal actor-mailbox error to connection_closed;
// SFTP op errors are not expected here since GetHomeDir is handshake-time.
func asConnectionError(err *sshtypes.SshError) *ServiceError {
	if err.Kind.Fatal() {
		return newError("connection_closed", err.Message)
	}
	return fromSshError(err)
}

// sftpOpError maps an actor SFTP failure to that command's error code:
// fatal kinds mean the connection itself is gone, everything else is
// "sftp_<op>_failed" with the underlying detail in Raw.
func sftpOpError(op string, err *sshtypes.SshError) *ServiceError {
	if err.Kind.Fatal() {
		return newError("connection_closed", err.Message)
	}
	raw := err.Message
	return &ServiceError{
		Code:    "sftp_" + op + "_failed",
		Message: err.Message,
		Raw:     &raw,
		Context: err.Context,
	}
}

func (b *Backend) SSHListTrustedHostKeys(ctx context.Context) ([]hostkeys.Entry, *ServiceError) {
	entries, err := b.hostKeys.List()
	if err != nil {
		return nil, newError("hostkey_store_failed", err.Error())
	}
	return entries, nil
}

// SSHTrustHostKey recomputes the fingerprint from the supplied OpenSSH
// public key material and rejects a mismatched caller-supplied
// fingerprint before persisting.
func (b *Backend) SSHTrustHostKey(ctx context.Context, host string, port int, keyType, fingerprintSha256, publicKeyOpenSSH string) *ServiceError {
	key, _, _, _, err := cryptossh.ParseAuthorizedKey([]byte(strings.TrimSpace(publicKeyOpenSSH)))
	if err != nil {
		return newError("invalid_public_key", fmt.Sprintf("parse public key: %v", err))
	}
	actual := hostkeys.Fingerprint(key.Marshal())
	if fingerprintSha256 != "" && actual != fingerprintSha256 {
		return newError("hostkey_fingerprint_mismatch", fmt.Sprintf("supplied fingerprint %s does not match computed %s", fingerprintSha256, actual))
	}
	if err := b.hostKeys.Upsert(host, port, keyType, actual, publicKeyOpenSSH); err != nil {
		return newError("hostkey_store_failed", err.Error())
	}
	return nil
}

func (b *Backend) SSHForgetHostKey(ctx context.Context, host string, port int) *ServiceError {
	if err := b.hostKeys.Remove(host, port); err != nil {
		return newError("hostkey_store_failed", err.Error())
	}
	return nil
}

func (b *Backend) SftpListDir(ctx context.Context, connID, dir string) ([]sshtypes.SftpEntry, *ServiceError) {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return nil, svcErr
	}
	entries, err := h.ListDir(ctx, dir)
	if err != nil {
		return nil, sftpOpError("list_dir", err)
	}
	return entries, nil
}

func (b *Backend) SftpReadFile(ctx context.Context, connID, path string) (string, *ServiceError) {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return "", svcErr
	}
	content, err := h.ReadFile(ctx, path)
	if err != nil {
		return "", sftpOpError("read_file", err)
	}
	return content, nil
}

// FileWithStat is SftpReadFileWithStat's result shape.
type FileWithStat struct {
	Path    string
	Content string
	Size    uint64
	Mtime   int64
}

func (b *Backend) SftpReadFileWithStat(ctx context.Context, connID, path string) (FileWithStat, *ServiceError) {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return FileWithStat{}, svcErr
	}
	content, stat, err := h.ReadFileWithStat(ctx, path)
	if err != nil {
		return FileWithStat{}, sftpOpError("read_file_with_stat", err)
	}
	return FileWithStat{Path: path, Content: content, Size: stat.Size, Mtime: stat.Mtime}, nil
}

func (b *Backend) SftpWriteFile(ctx context.Context, connID, path, content string) *ServiceError {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return svcErr
	}
	if err := h.WriteFile(ctx, path, content); err != nil {
		return sftpOpError("write_file", err)
	}
	return nil
}

// StatResult is SftpStat's result shape.
type StatResult struct {
	Path  string
	Size  uint64
	Mtime int64
}

func (b *Backend) SftpStat(ctx context.Context, connID, path string) (StatResult, *ServiceError) {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return StatResult{}, svcErr
	}
	stat, err := h.Stat(ctx, path)
	if err != nil {
		return StatResult{}, sftpOpError("stat", err)
	}
	return StatResult{Path: path, Size: stat.Size, Mtime: stat.Mtime}, nil
}

func (b *Backend) SftpCreateFile(ctx context.Context, connID, path string) *ServiceError {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return svcErr
	}
	if err := h.CreateFile(ctx, path); err != nil {
		return sftpOpError("create_file", err)
	}
	return nil
}

func (b *Backend) SftpCreateDir(ctx context.Context, connID, path string) *ServiceError {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return svcErr
	}
	if err := h.CreateDir(ctx, path); err != nil {
		return sftpOpError("create_dir", err)
	}
	return nil
}

func (b *Backend) SftpDelete(ctx context.Context, connID, path string) *ServiceError {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return svcErr
	}
	if err := h.Delete(ctx, path); err != nil {
		return sftpOpError("delete", err)
	}
	return nil
}

func (b *Backend) SftpRename(ctx context.Context, connID, oldPath, newPath string) *ServiceError {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return svcErr
	}
	if err := h.Rename(ctx, oldPath, newPath); err != nil {
		return sftpOpError("rename", err)
	}
	return nil
}

// TerminalCreate opens a PTY on connID's actor and registers the pump
// under a fresh terminal id, wiring its output to Events.TerminalOutput.
func (b *Backend) TerminalCreate(ctx context.Context, connID, workingDir, startupCommand string) (string, *ServiceError) {
	h, svcErr := b.handleFor(connID)
	if svcErr != nil {
		return "", svcErr
	}

	terminalID := uuid.New().String()
	pump, err := h.CreatePty(ctx, ptypump.CreateRequest{
		TerminalID:     terminalID,
		ConnectionID:   connID,
		WorkingDir:     workingDir,
		StartupCommand: startupCommand,
		Sink: func(id string, data []byte) {
			if b.events.TerminalOutput != nil {
				b.events.TerminalOutput(id, data)
			}
		},
	})
	if err != nil {
		return "", newError("terminal_create_failed", err.Error())
	}

	b.registry.AddTerminal(pump)
	return terminalID, nil
}

func (b *Backend) terminalFor(termID string) (*ptypump.Pump, *ServiceError) {
	p, ok := b.registry.GetTerminal(termID)
	if !ok {
		return nil, newError("terminal_not_found", fmt.Sprintf("terminal %s not found", termID))
	}
	return p, nil
}

// TerminalWrite drops the terminal from the registry if the pump has
// already closed its channel; a write to a dead pump cannot recover.
func (b *Backend) TerminalWrite(ctx context.Context, termID string, data []byte) *ServiceError {
	p, svcErr := b.terminalFor(termID)
	if svcErr != nil {
		return svcErr
	}
	if err := p.Write(data); err != nil {
		b.registry.RemoveTerminal(termID)
		return newError("terminal_write_failed", err.Error())
	}
	return nil
}

func (b *Backend) TerminalResize(ctx context.Context, termID string, cols, rows int) *ServiceError {
	p, svcErr := b.terminalFor(termID)
	if svcErr != nil {
		return svcErr
	}
	if err := p.Resize(cols, rows); err != nil {
		return newError("terminal_resize_failed", err.Error())
	}
	return nil
}

func (b *Backend) TerminalClose(ctx context.Context, termID string) *ServiceError {
	p, svcErr := b.terminalFor(termID)
	if svcErr != nil {
		return svcErr
	}
	if err := p.Close(); err != nil {
		return newError("terminal_close_failed", err.Error())
	}
	b.registry.RemoveTerminal(termID)
	return nil
}

func (b *Backend) DebugEnableTrace() bool {
	trace.Enable()
	return true
}

func (b *Backend) DebugDisableTrace() bool {
	trace.Disable()
	return true
}

func (b *Backend) DebugIsTraceEnabled() bool {
	return trace.Enabled()
}

func (b *Backend) DebugExportDiagnostics(appName, platform string) (string, *ServiceError) {
	data, err := trace.ExportJSON(appName, platform)
	if err != nil {
		return "", newError("diagnostics_export_failed", err.Error())
	}
	return string(data), nil
}
