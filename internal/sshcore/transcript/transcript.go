// Package transcript wraps a raw transport connection with a byte-counting,
// banner-extracting shim used purely for diagnostics: it never alters the
// bytes it passes through.
package transcript

import (
	"net"
	"sync"
	"sync/atomic"
)

const bannerBufferCap = 2048

// Tap wraps a net.Conn, counting bytes in each direction and capturing the
// first line of each direction if it looks like an SSH identification
// banner ("SSH-...").
type Tap struct {
	net.Conn

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	mu         sync.Mutex
	readBuf    []byte
	writeBuf   []byte
	readDone   bool
	writeDone  bool
	clientID   string
	serverID   string
	haveClient bool
	haveServer bool
}

// New wraps conn. direction banners are extracted from bytes written by the
// local side (clientID) and bytes read from the remote side (serverID).
func New(conn net.Conn) *Tap {
	return &Tap{Conn: conn}
}

func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.bytesRead.Add(uint64(n))
		t.mu.Lock()
		if !t.readDone {
			t.serverID, t.readDone, t.haveServer = accumulateBanner(t.readBuf, p[:n], t.readDone)
			if !t.readDone {
				t.readBuf = appendBounded(t.readBuf, p[:n])
			}
		}
		t.mu.Unlock()
	}
	return n, err
}

func (t *Tap) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if n > 0 {
		t.bytesWritten.Add(uint64(n))
		t.mu.Lock()
		if !t.writeDone {
			t.clientID, t.writeDone, t.haveClient = accumulateBanner(t.writeBuf, p[:n], t.writeDone)
			if !t.writeDone {
				t.writeBuf = appendBounded(t.writeBuf, p[:n])
			}
		}
		t.mu.Unlock()
	}
	return n, err
}

func appendBounded(buf, add []byte) []byte {
	buf = append(buf, add...)
	if len(buf) > bannerBufferCap {
		buf = buf[:bannerBufferCap]
	}
	return buf
}

// accumulateBanner looks for a newline in buf+add; if found and the first
// line starts with "SSH-", it is returned as the banner and done becomes
// true. Once the buffer has grown past bannerBufferCap without a newline,
// banner capture for that direction gives up (done=true, no banner) so it
// never buffers unbounded data.
func accumulateBanner(buf, add []byte, alreadyDone bool) (banner string, done bool, have bool) {
	if alreadyDone {
		return "", true, false
	}
	combined := append(append([]byte{}, buf...), add...)
	for i, b := range combined {
		if b == '\n' {
			line := combined[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if len(line) >= 4 && string(line[:4]) == "SSH-" {
				return string(line), true, true
			}
			return "", true, false
		}
	}
	if len(combined) >= bannerBufferCap {
		return "", true, false
	}
	return "", false, false
}

// Snapshot is the diagnostic view of a Tap's state, keyed by the connect
// attempt that produced it.
type Snapshot struct {
	AttemptID    string
	ClientID     *string
	ServerID     *string
	BytesWritten uint64
	BytesRead    uint64
}

func (t *Tap) Snapshot(attemptID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		AttemptID:    attemptID,
		BytesWritten: t.bytesWritten.Load(),
		BytesRead:    t.bytesRead.Load(),
	}
	if t.haveClient {
		c := t.clientID
		s.ClientID = &c
	}
	if t.haveServer {
		sv := t.serverID
		s.ServerID = &sv
	}
	return s
}
