// Package sshtypes holds the types shared across the connection actor and
// its collaborators: connection profiles, the transport error taxonomy, and
// the SFTP entry/stat shapes returned across the mailbox boundary.
package sshtypes

import (
	"fmt"
	"strings"
)

// AuthMethod is how a ConnectionProfile authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// ConnectionProfile describes a connection request. Immutable after submission.
type ConnectionProfile struct {
	ID         string
	Name       string
	Host       string
	Port       int
	Username   string
	AuthMethod AuthMethod
	KeyPath    string // only meaningful when AuthMethod == AuthKey
}

// SftpEntry is one directory listing row.
type SftpEntry struct {
	Name        string
	IsDirectory bool
	Size        uint64
	Mtime       int64
	Permissions *uint32
}

// SftpStat is the result of a stat call.
type SftpStat struct {
	Size  uint64
	Mtime int64
}

// ErrorKind classifies a transport/SFTP/PTY failure for the fatal/retry
// policy in the connection actor.
type ErrorKind int

const (
	KindDnsLookupFailed ErrorKind = iota
	KindConnectionFailed
	KindTcpConnectFailed
	KindTcpConnectTimeout
	KindHandshakeJoinError
	KindHandshakeFailed
	KindHostKeyUntrusted
	KindHostKeyMismatch
	KindAuthenticationFailed
	KindChannelError
	KindIoError
	KindSftpTimeout
	KindSftpSessionClosed
	KindSftpError
	KindPtyError
)

// Fatal reports whether this error kind should terminate the connection
// actor's loop: DNS, TCP, handshake, host-key, connection, auth, channel,
// and IO failures are fatal. SFTP transient/permanent errors and PTY
// errors are not connection-fatal.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindDnsLookupFailed, KindConnectionFailed, KindTcpConnectFailed,
		KindTcpConnectTimeout, KindHandshakeJoinError, KindHandshakeFailed,
		KindHostKeyUntrusted, KindHostKeyMismatch, KindAuthenticationFailed,
		KindChannelError, KindIoError:
		return true
	default:
		return false
	}
}

// SshError is the core error type threaded through transport, SFTP, and PTY
// code. It carries a Kind for programmatic classification plus optional
// structured context (host-key material, expected/actual fingerprints, etc).
type SshError struct {
	Kind    ErrorKind
	Message string
	Context map[string]string
}

func (e *SshError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func New(kind ErrorKind, message string) *SshError {
	return &SshError{Kind: kind, Message: message}
}

func Newf(kind ErrorKind, format string, args ...any) *SshError {
	return &SshError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *SshError) WithContext(key, value string) *SshError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// IsSessionClosed reports whether an arbitrary error's message looks like an
// SFTP "session closed" condition. The pkg/sftp library does not expose a
// typed sentinel for this, so detection is a case-insensitive substring
// match.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "session closed")
}
