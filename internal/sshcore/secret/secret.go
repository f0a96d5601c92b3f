// Package secret holds a byte container for passwords and key material
// that attempts to page-lock its backing memory so it is never swapped to
// disk, and zeroizes before releasing it.
package secret

import "golang.org/x/sys/unix"

// Bytes is a grow-only byte container. mlock failure is swallowed — some
// platforms cap or disallow locking entirely, and failing closed would
// crash the handshake on a resource-constrained device.
type Bytes struct {
	buf    []byte
	locked bool
}

// New copies src into a freshly page-locked buffer.
func New(src []byte) *Bytes {
	b := &Bytes{buf: make([]byte, len(src))}
	copy(b.buf, src)
	b.lock()
	return b
}

func (b *Bytes) lock() {
	if len(b.buf) == 0 {
		return
	}
	if err := unix.Mlock(b.buf); err == nil {
		b.locked = true
	}
}

// Grow appends more bytes, relocking the new backing array if it was
// reallocated.
func (b *Bytes) Grow(more []byte) {
	if b.locked {
		_ = unix.Munlock(b.buf)
		b.locked = false
	}
	b.buf = append(b.buf, more...)
	b.lock()
}

// Bytes returns the live backing slice. Callers must not retain it past
// Close.
func (b *Bytes) Bytes() []byte {
	return b.buf
}

// Close zeroizes the buffer and releases the lock.
func (b *Bytes) Close() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	if b.locked {
		_ = unix.Munlock(b.buf)
		b.locked = false
	}
	b.buf = nil
}
