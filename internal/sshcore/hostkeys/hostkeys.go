// Package hostkeys implements the trusted-server-key store: a single JSON
// document under the per-user config directory mapping "host:port" to the
// key material the user has explicitly trusted. Host-key trust here is
// first-use-with-explicit-confirmation, never silent TOFU.
package hostkeys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileName = "known_hosts.json"

// Entry is one trusted server key record.
type Entry struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	KeyType           string `json:"keyType"`
	FingerprintSha256 string `json:"fingerprintSha256"`
	PublicKeyOpenSSH  string `json:"publicKeyOpenSSH"`
	TrustedAtMs       int64  `json:"trustedAtMs"`
}

// Store is a mutex-serialized, lazily-loaded map of trusted host keys,
// fully rewritten to disk after every mutation.
type Store struct {
	mu     sync.Mutex
	path   string
	loaded bool
	byKey  map[string]Entry
}

// NewStore creates a store backed by known_hosts.json under dir. dir is
// typically os.UserConfigDir()/driftcode.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, fileName)}
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Fingerprint computes the trust identity of a raw OpenSSH-wire
// public key: "SHA256:" + base64(raw-sha256), unpadded, matching
// golang.org/x/crypto/ssh.FingerprintSHA256's format.
func Fingerprint(rawPublicKey []byte) string {
	sum := sha256.Sum256(rawPublicKey)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// ensureLoaded loads the on-disk document if this is the first access.
// A missing file is treated as an empty map, not an error. Caller must
// hold s.mu.
func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	s.byKey = make(map[string]Entry)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("hostkeys: read %s: %w", s.path, err)
	}

	var onDisk map[string]Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("hostkeys: corrupt known_hosts.json: %w", err)
	}
	s.byKey = onDisk
	s.loaded = true
	return nil
}

// save rewrites the whole document. Caller must hold s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("hostkeys: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s.byKey, "", "  ")
	if err != nil {
		return fmt.Errorf("hostkeys: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("hostkeys: write %s: %w", s.path, err)
	}
	return nil
}

// Get returns the trusted entry for host:port, if any.
func (s *Store) Get(host string, port int) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	e, ok := s.byKey[key(host, port)]
	return e, ok, nil
}

// Upsert records the given key as trusted for host:port.
// fingerprintSha256 must equal Fingerprint(raw pubkey) at write time;
// callers must pass a fingerprint computed by this package, not
// user-supplied material, for that invariant to hold.
func (s *Store) Upsert(host string, port int, keyType, fingerprintSha256, publicKeyOpenSSH string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.byKey[key(host, port)] = Entry{
		Host:              host,
		Port:              port,
		KeyType:           keyType,
		FingerprintSha256: fingerprintSha256,
		PublicKeyOpenSSH:  publicKeyOpenSSH,
		TrustedAtMs:       time.Now().UnixMilli(),
	}
	return s.save()
}

// Remove forgets a trusted key.
func (s *Store) Remove(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	delete(s.byKey, key(host, port))
	return s.save()
}

// List returns all trusted entries in no particular order.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		out = append(out, e)
	}
	return out, nil
}
