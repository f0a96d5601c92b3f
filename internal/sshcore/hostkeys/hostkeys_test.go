package hostkeys

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUpsertGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	fp := Fingerprint([]byte("fake-wire-key-bytes"))
	if err := s.Upsert("example.test", 22, "ssh-ed25519", fp, "ssh-ed25519 AAAA..."); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := s.Get("example.test", 22)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if got.FingerprintSha256 != fp {
		t.Fatalf("fingerprint mismatch: got %q want %q", got.FingerprintSha256, fp)
	}
	if got.TrustedAtMs == 0 {
		t.Fatal("expected trustedAtMs to be set")
	}
}

func TestUpsertThenRemove(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	fp := Fingerprint([]byte("k"))
	if err := s.Upsert("h", 22, "ssh-ed25519", fp, "pub"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Remove("h", 22); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, err := s.Get("h", 22); err != nil || ok {
		t.Fatalf("expected entry removed, got ok=%v err=%v", ok, err)
	}
}

func TestMissingFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list on missing file: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(entries))
	}
}

func TestUpsertPersistsAcrossNewStore(t *testing.T) {
	dir := t.TempDir()
	fp := Fingerprint([]byte("persisted"))

	s1 := NewStore(dir)
	if err := s1.Upsert("h2", 2222, "ssh-rsa", fp, "pub2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s2 := NewStore(dir)
	got, ok, err := s2.Get("h2", 2222)
	if err != nil {
		t.Fatalf("get from fresh store: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to survive a new Store instance (simulated restart)")
	}
	if got.FingerprintSha256 != fp {
		t.Fatalf("fingerprint mismatch after reload: got %q want %q", got.FingerprintSha256, fp)
	}
}

func TestCorruptJSONSurfacesAsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s := NewStore(dir)
	if _, _, err := s.Get("h", 22); err == nil {
		t.Fatal("expected corrupt JSON to surface as an error, not as untrusted")
	}
}
