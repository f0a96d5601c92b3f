// Package actor implements the per-connection actor: the single task that
// owns a Connection and its directory cache, serving typed requests from a
// bounded mailbox.
package actor

import (
	"context"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/ptypump"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/sftpfacade"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
	"github.com/jordandevai/driftcode-backend/internal/trace"
)

const mailboxCapacity = 64

// StatusEvent is emitted exactly twice per connection: "connected" when
// the actor loop starts, "disconnected" when it exits.
type StatusEvent struct {
	ConnectionID string
	Status       string // "connected" | "disconnected"
	Detail       string
}

type reqKind int

const (
	reqGetHomeDir reqKind = iota
	reqListDir
	reqReadFile
	reqReadFileWithStat
	reqWriteFile
	reqStat
	reqCreateFile
	reqCreateDir
	reqDelete
	reqRename
	reqCreatePty
	reqDisconnect
)

type request struct {
	kind    reqKind
	path    string
	newPath string
	content string
	ptyReq  ptypump.CreateRequest
	replyCh chan response
}

type response struct {
	entries []sshtypes.SftpEntry
	content string
	stat    sshtypes.SftpStat
	pump    *ptypump.Pump
	err     *sshtypes.SshError
}

// Handle is the public, cheap-to-clone reference other goroutines use to
// talk to a running actor.
type Handle struct {
	connectionID string
	mailbox      chan request
}

func (h *Handle) ConnectionID() string { return h.connectionID }

func (h *Handle) send(ctx context.Context, req request) response {
	select {
	case h.mailbox <- req:
	case <-ctx.Done():
		return response{err: sshtypes.New(sshtypes.KindIoError, "actor mailbox send timed out")}
	}
	select {
	case resp := <-req.replyCh:
		return resp
	case <-ctx.Done():
		return response{err: sshtypes.New(sshtypes.KindIoError, "actor reply wait timed out")}
	}
}

func (h *Handle) do(ctx context.Context, kind reqKind, path, newPath, content string, ptyReq ptypump.CreateRequest) response {
	return h.send(ctx, request{kind: kind, path: path, newPath: newPath, content: content, ptyReq: ptyReq, replyCh: make(chan response, 1)})
}

func (h *Handle) GetHomeDir(ctx context.Context) (string, *sshtypes.SshError) {
	r := h.do(ctx, reqGetHomeDir, "", "", "", ptypump.CreateRequest{})
	return r.content, r.err
}

func (h *Handle) ListDir(ctx context.Context, dir string) ([]sshtypes.SftpEntry, *sshtypes.SshError) {
	r := h.do(ctx, reqListDir, dir, "", "", ptypump.CreateRequest{})
	return r.entries, r.err
}

func (h *Handle) ReadFile(ctx context.Context, path string) (string, *sshtypes.SshError) {
	r := h.do(ctx, reqReadFile, path, "", "", ptypump.CreateRequest{})
	return r.content, r.err
}

func (h *Handle) ReadFileWithStat(ctx context.Context, path string) (string, sshtypes.SftpStat, *sshtypes.SshError) {
	r := h.do(ctx, reqReadFileWithStat, path, "", "", ptypump.CreateRequest{})
	return r.content, r.stat, r.err
}

func (h *Handle) WriteFile(ctx context.Context, path, content string) *sshtypes.SshError {
	r := h.do(ctx, reqWriteFile, path, "", content, ptypump.CreateRequest{})
	return r.err
}

func (h *Handle) Stat(ctx context.Context, path string) (sshtypes.SftpStat, *sshtypes.SshError) {
	r := h.do(ctx, reqStat, path, "", "", ptypump.CreateRequest{})
	return r.stat, r.err
}

func (h *Handle) CreateFile(ctx context.Context, path string) *sshtypes.SshError {
	return h.do(ctx, reqCreateFile, path, "", "", ptypump.CreateRequest{}).err
}

func (h *Handle) CreateDir(ctx context.Context, path string) *sshtypes.SshError {
	return h.do(ctx, reqCreateDir, path, "", "", ptypump.CreateRequest{}).err
}

func (h *Handle) Delete(ctx context.Context, path string) *sshtypes.SshError {
	return h.do(ctx, reqDelete, path, "", "", ptypump.CreateRequest{}).err
}

func (h *Handle) Rename(ctx context.Context, oldPath, newPath string) *sshtypes.SshError {
	return h.do(ctx, reqRename, oldPath, newPath, "", ptypump.CreateRequest{}).err
}

func (h *Handle) CreatePty(ctx context.Context, req ptypump.CreateRequest) (*ptypump.Pump, *sshtypes.SshError) {
	r := h.do(ctx, reqCreatePty, "", "", "", req)
	return r.pump, r.err
}

// Disconnect asks the actor to shut down. It does not wait for the loop
// to fully exit.
func (h *Handle) Disconnect(ctx context.Context) *sshtypes.SshError {
	return h.do(ctx, reqDisconnect, "", "", "", ptypump.CreateRequest{}).err
}

// Connection is the resource the actor exclusively owns.
type Connection struct {
	Client   *cryptossh.Client
	SFTP     *sftpfacade.Facade
	Username string
}

// Spawn starts a connection actor and returns the handle other goroutines
// use to talk to it. The actor emits "connected" on statusCh as soon as
// its loop starts and "disconnected" exactly once when it exits.
func Spawn(connectionID string, conn *Connection, statusCh chan<- StatusEvent) *Handle {
	h := &Handle{connectionID: connectionID, mailbox: make(chan request, mailboxCapacity)}
	go runLoop(connectionID, conn, h.mailbox, statusCh)
	return h
}

func runLoop(connectionID string, conn *Connection, mailbox chan request, statusCh chan<- StatusEvent) {
	cache := newDirCache()
	disconnectReason := ""
	requested := false

	// Defers run LIFO, so registration order here is the reverse of the
	// order they need to execute in: recover first (so a panic message
	// wins the race to set disconnectReason), then the default-reason
	// fallback, then cleanup last, which is the one that actually uses
	// the final disconnectReason. A panic anywhere in the loop body —
	// including inside conn.SFTP.* or ptypump.Create — degrades to a
	// single disconnect carrying the panic message, instead of crashing
	// the process and taking every other connection down with it.
	defer func() {
		if conn.SFTP != nil {
			conn.SFTP.Reset()
		}
		if conn.Client != nil {
			conn.Client.Close()
		}
		detail := disconnectReason
		trace.Emit("actor", "disconnect", "connection actor loop exited", &detail, false)
		statusCh <- StatusEvent{ConnectionID: connectionID, Status: "disconnected", Detail: disconnectReason}
	}()
	defer func() {
		if disconnectReason == "" {
			if requested {
				disconnectReason = "disconnect requested"
			} else {
				disconnectReason = "Channel closed (all senders dropped)"
			}
		}
	}()
	defer trace.Recover(func(p trace.Panic) { disconnectReason = p.Message })

	statusCh <- StatusEvent{ConnectionID: connectionID, Status: "connected"}

	for req := range mailbox {
		resp, fatalErr := handle(conn, cache, req)
		req.replyCh <- resp

		if req.kind == reqDisconnect {
			requested = true
			return
		}
		if fatalErr != nil {
			disconnectReason = fatalErr.Error()
			return
		}
	}
}

// opContext is the per-op deadline applied around each facade call; the
// facade's recycle-and-retry runs inside it.
func opContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func handle(conn *Connection, cache *dirCache, req request) (response, *sshtypes.SshError) {
	switch req.kind {
	case reqGetHomeDir:
		ctx, cancel := opContext(sftpfacade.TimeoutGetHomeDir)
		defer cancel()
		path, err := conn.SFTP.GetHomeDir(ctx)
		return classify(response{content: path, err: err})
	case reqListDir:
		if entries, hit := cache.get(req.path); hit {
			return response{entries: entries}, nil
		}
		ctx, cancel := opContext(sftpfacade.TimeoutList)
		defer cancel()
		entries, err := conn.SFTP.ListDir(ctx, req.path)
		if err == nil {
			cache.put(req.path, entries)
		} else if err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{entries: entries, err: err})
	case reqReadFile:
		ctx, cancel := opContext(sftpfacade.TimeoutReadFile)
		defer cancel()
		content, err := conn.SFTP.ReadFile(ctx, req.path)
		if err != nil && err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{content: content, err: err})
	case reqReadFileWithStat:
		ctx, cancel := opContext(sftpfacade.TimeoutReadFileWithStat)
		defer cancel()
		content, stat, err := conn.SFTP.ReadFileWithStat(ctx, req.path)
		if err != nil && err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{content: content, stat: stat, err: err})
	case reqWriteFile:
		ctx, cancel := opContext(sftpfacade.TimeoutWriteFile)
		defer cancel()
		err := conn.SFTP.WriteFile(ctx, req.path, req.content)
		if err == nil {
			cache.invalidateMutation(req.path, false)
		} else if err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{err: err})
	case reqStat:
		ctx, cancel := opContext(sftpfacade.TimeoutStat)
		defer cancel()
		stat, err := conn.SFTP.Stat(ctx, req.path)
		if err != nil && err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{stat: stat, err: err})
	case reqCreateFile:
		ctx, cancel := opContext(sftpfacade.TimeoutCreateFile)
		defer cancel()
		err := conn.SFTP.CreateFile(ctx, req.path)
		if err == nil {
			cache.invalidateMutation(req.path, false)
		} else if err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{err: err})
	case reqCreateDir:
		ctx, cancel := opContext(sftpfacade.TimeoutCreateDir)
		defer cancel()
		err := conn.SFTP.CreateDir(ctx, req.path)
		if err == nil {
			cache.invalidateMutation(req.path, false)
		} else if err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{err: err})
	case reqDelete:
		ctx, cancel := opContext(sftpfacade.TimeoutDelete)
		defer cancel()
		err := conn.SFTP.Delete(ctx, req.path)
		if err == nil {
			cache.invalidateMutation(req.path, true)
		} else if err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{err: err})
	case reqRename:
		ctx, cancel := opContext(sftpfacade.TimeoutRename)
		defer cancel()
		err := conn.SFTP.Rename(ctx, req.path, req.newPath)
		if err == nil {
			cache.invalidateMutation(req.path, true)
			cache.invalidateMutation(req.newPath, false)
		} else if err.Kind == sshtypes.KindSftpTimeout {
			conn.SFTP.Reset()
		}
		return classify(response{err: err})
	case reqCreatePty:
		pump, err := ptypump.Create(conn.Client, req.ptyReq)
		return classify(response{pump: pump, err: err})
	case reqDisconnect:
		return response{}, nil
	default:
		return response{err: sshtypes.New(sshtypes.KindIoError, "unknown request kind")}, nil
	}
}

// classify inspects the result: a fatal-kind error ends the loop after the
// reply is sent; SFTP transient/permanent errors and PTY errors do not.
func classify(resp response) (response, *sshtypes.SshError) {
	if resp.err != nil && resp.err.Kind.Fatal() {
		return resp, resp.err
	}
	return resp, nil
}
