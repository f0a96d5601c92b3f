package secret

import "testing"

func TestBytesRoundTripAndClose(t *testing.T) {
	b := New([]byte("s3cr3t"))
	if string(b.Bytes()) != "s3cr3t" {
		t.Fatalf("got %q", b.Bytes())
	}

	b.Grow([]byte("-more"))
	if string(b.Bytes()) != "s3cr3t-more" {
		t.Fatalf("got %q after grow", b.Bytes())
	}

	backing := b.Bytes()
	b.Close()
	for _, c := range backing {
		if c != 0 {
			t.Fatal("expected zeroized buffer after Close")
		}
	}
	if b.Bytes() != nil {
		t.Fatal("expected Bytes() to be nil after Close")
	}
}

func TestEmptyBytesDoesNotPanic(t *testing.T) {
	b := New(nil)
	b.Close()
}
