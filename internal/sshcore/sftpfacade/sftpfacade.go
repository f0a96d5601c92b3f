// Package sftpfacade lazily initializes an SFTP subsystem over an
// established SSH client and serializes requests against it, recycling
// the session and retrying once on transient timeouts and "session
// closed" errors.
package sftpfacade

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
)

// Initialization waits up to 180s for the server's SFTP version
// response; the library default would be far too aggressive for flaky
// mobile networks.
const sftpInitTimeout = 180 * time.Second

// Per-call timeouts, enforced by the connection actor: it wraps each
// facade call in context.WithTimeout using these constants. The facade
// itself owns only the recycle-and-retry policy and the init deadline;
// deadline expiry surfaces as KindSftpTimeout.
const (
	TimeoutGetHomeDir       = 30 * time.Second
	TimeoutList             = 45 * time.Second
	TimeoutReadFile         = 60 * time.Second
	TimeoutReadFileWithStat = 75 * time.Second
	TimeoutWriteFile        = 60 * time.Second
	TimeoutStat             = 30 * time.Second
	TimeoutCreateFile       = 30 * time.Second
	TimeoutCreateDir        = 30 * time.Second
	TimeoutDelete           = 30 * time.Second
	TimeoutRename           = 30 * time.Second
)

// Facade owns the lazily-created *sftp.Client for one SSH connection.
type Facade struct {
	client *cryptossh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

func New(client *cryptossh.Client) *Facade {
	return &Facade{client: client}
}

// Reset clears the cached SFTP session so the next call recreates it.
func (f *Facade) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Facade) resetLocked() {
	if f.sftp != nil {
		_ = f.sftp.Close()
		f.sftp = nil
	}
}

// ensureLocked lazily opens the SFTP subsystem. Caller must hold f.mu.
func (f *Facade) ensureLocked() (*sftp.Client, *sshtypes.SshError) {
	if f.sftp != nil {
		return f.sftp, nil
	}

	session, err := f.client.NewSession()
	if err != nil {
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "open sftp channel: %v", err)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		session.Close()
		return nil, sshtypes.New(sshtypes.KindSftpError,
			fmt.Sprintf("start sftp subsystem (ensure the server enables SFTP): %v", err))
	}

	pw, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, sshtypes.New(sshtypes.KindSftpError, fmt.Sprintf("sftp stdin pipe: %v", err))
	}
	pr, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, sshtypes.New(sshtypes.KindSftpError, fmt.Sprintf("sftp stdout pipe: %v", err))
	}

	client, sshErr := awaitInit(func() (*sftp.Client, error) {
		return sftp.NewClientPipe(pr, pw,
			sftp.UseConcurrentWrites(true),
			sftp.UseConcurrentReads(true),
		)
	})
	if sshErr != nil {
		session.Close()
		return nil, sshtypes.Newf(sshtypes.KindSftpError, "initialize sftp session: %v", sshErr)
	}

	f.sftp = client
	return client, nil
}

// call runs fn against the live SFTP client, recycling the session and
// retrying exactly once on a timeout or "session closed" error.
func call[T any](f *Facade, fn func(*sftp.Client) (T, *sshtypes.SshError)) (T, *sshtypes.SshError) {
	f.mu.Lock()
	defer f.mu.Unlock()

	client, sshErr := f.ensureLocked()
	if sshErr != nil {
		var zero T
		return zero, sshErr
	}

	result, sshErr := fn(client)
	if sshErr != nil && isTransient(sshErr) {
		f.resetLocked()
		client, sshErr2 := f.ensureLocked()
		if sshErr2 != nil {
			var zero T
			return zero, sshErr2
		}
		return fn(client)
	}
	return result, sshErr
}

func isTransient(err *sshtypes.SshError) bool {
	return err.Kind == sshtypes.KindSftpTimeout || err.Kind == sshtypes.KindSftpSessionClosed
}

// mapError classifies a raw pkg/sftp error: a timeout maps to SftpTimeout,
// a "session closed" substring maps to SftpSessionClosed, everything else
// is a permanent SftpError.
func mapError(err error) *sshtypes.SshError {
	if err == nil {
		return nil
	}
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok && t.Timeout() {
		return sshtypes.New(sshtypes.KindSftpTimeout, "sftp request timed out")
	}
	if sshtypes.IsSessionClosed(err) {
		return sshtypes.New(sshtypes.KindSftpSessionClosed, "sftp session closed")
	}
	return sshtypes.New(sshtypes.KindSftpError, err.Error())
}

// await runs op against the sftp client on a background goroutine and
// races it against ctx, since pkg/sftp has no native per-call context
// support. The deadline on ctx is the caller's — the connection actor
// sets one per op; expiry surfaces as KindSftpTimeout.
func await[T any](ctx context.Context, op func() (T, error)) (T, *sshtypes.SshError) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, sshtypes.New(sshtypes.KindSftpTimeout, "sftp request timed out")
	case r := <-ch:
		if r.err != nil {
			var zero T
			return zero, mapError(r.err)
		}
		return r.val, nil
	}
}

// awaitInit bounds SFTP subsystem initialization with the facade's own
// init deadline; the actor's per-op deadlines only start once a session
// exists.
func awaitInit(op func() (*sftp.Client, error)) (*sftp.Client, *sshtypes.SshError) {
	ctx, cancel := context.WithTimeout(context.Background(), sftpInitTimeout)
	defer cancel()
	return await(ctx, op)
}

func (f *Facade) GetHomeDir(ctx context.Context) (string, *sshtypes.SshError) {
	return call(f, func(c *sftp.Client) (string, *sshtypes.SshError) {
		return await(ctx, func() (string, error) {
			return c.Getwd()
		})
	})
}

func (f *Facade) ListDir(ctx context.Context, path string) ([]sshtypes.SftpEntry, *sshtypes.SshError) {
	return call(f, func(c *sftp.Client) ([]sshtypes.SftpEntry, *sshtypes.SshError) {
		return await(ctx, func() ([]sshtypes.SftpEntry, error) {
			infos, err := c.ReadDir(path)
			if err != nil {
				return nil, err
			}
			entries := make([]sshtypes.SftpEntry, 0, len(infos))
			for _, fi := range infos {
				entries = append(entries, sshtypes.SftpEntry{
					Name:        fi.Name(),
					IsDirectory: fi.IsDir(),
					Size:        uint64(fi.Size()),
					Mtime:       fi.ModTime().Unix(),
				})
			}
			return entries, nil
		})
	})
}

func (f *Facade) ReadFile(ctx context.Context, path string) (string, *sshtypes.SshError) {
	return call(f, func(c *sftp.Client) (string, *sshtypes.SshError) {
		return await(ctx, func() (string, error) {
			return readAll(c, path)
		})
	})
}

func (f *Facade) ReadFileWithStat(ctx context.Context, path string) (string, sshtypes.SftpStat, *sshtypes.SshError) {
	type rs struct {
		content string
		stat    sshtypes.SftpStat
	}
	r, sshErr := call(f, func(c *sftp.Client) (rs, *sshtypes.SshError) {
		return await(ctx, func() (rs, error) {
			content, err := readAll(c, path)
			if err != nil {
				return rs{}, err
			}
			fi, err := c.Stat(path)
			if err != nil {
				return rs{}, err
			}
			return rs{content: content, stat: sshtypes.SftpStat{Size: uint64(fi.Size()), Mtime: fi.ModTime().Unix()}}, nil
		})
	})
	return r.content, r.stat, sshErr
}

func readAll(c *sftp.Client, path string) (string, error) {
	f, err := c.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *Facade) WriteFile(ctx context.Context, path, content string) *sshtypes.SshError {
	_, sshErr := call(f, func(c *sftp.Client) (struct{}, *sshtypes.SshError) {
		return await(ctx, func() (struct{}, error) {
			file, err := c.Create(path)
			if err != nil {
				return struct{}{}, err
			}
			defer file.Close()
			_, err = file.Write([]byte(content))
			return struct{}{}, err
		})
	})
	return sshErr
}

func (f *Facade) Stat(ctx context.Context, path string) (sshtypes.SftpStat, *sshtypes.SshError) {
	return call(f, func(c *sftp.Client) (sshtypes.SftpStat, *sshtypes.SshError) {
		return await(ctx, func() (sshtypes.SftpStat, error) {
			fi, err := c.Stat(path)
			if err != nil {
				return sshtypes.SftpStat{}, err
			}
			return sshtypes.SftpStat{Size: uint64(fi.Size()), Mtime: fi.ModTime().Unix()}, nil
		})
	})
}

func (f *Facade) CreateFile(ctx context.Context, path string) *sshtypes.SshError {
	_, sshErr := call(f, func(c *sftp.Client) (struct{}, *sshtypes.SshError) {
		return await(ctx, func() (struct{}, error) {
			file, err := c.Create(path)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, file.Close()
		})
	})
	return sshErr
}

func (f *Facade) CreateDir(ctx context.Context, path string) *sshtypes.SshError {
	_, sshErr := call(f, func(c *sftp.Client) (struct{}, *sshtypes.SshError) {
		return await(ctx, func() (struct{}, error) {
			return struct{}{}, c.Mkdir(path)
		})
	})
	return sshErr
}

// Delete first attempts remove-file; if that errors, attempts remove-dir;
// the remove-dir error (if any) is the surfaced error.
func (f *Facade) Delete(ctx context.Context, path string) *sshtypes.SshError {
	_, sshErr := call(f, func(c *sftp.Client) (struct{}, *sshtypes.SshError) {
		return await(ctx, func() (struct{}, error) {
			if err := c.Remove(path); err != nil {
				return struct{}{}, c.RemoveDirectory(path)
			}
			return struct{}{}, nil
		})
	})
	return sshErr
}

func (f *Facade) Rename(ctx context.Context, oldPath, newPath string) *sshtypes.SshError {
	_, sshErr := call(f, func(c *sftp.Client) (struct{}, *sshtypes.SshError) {
		return await(ctx, func() (struct{}, error) {
			return struct{}{}, c.Rename(oldPath, newPath)
		})
	})
	return sshErr
}
