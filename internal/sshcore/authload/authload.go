// Package authload parses OpenSSH private key files, optionally decrypting
// them with a passphrase, and classifies the ways that can fail.
package authload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cryptossh "golang.org/x/crypto/ssh"
)

// ErrorKind distinguishes why a key failed to load.
type ErrorKind int

const (
	KeyFileRead ErrorKind = iota
	KeyParse
	PassphraseRequired
	InvalidPassphrase
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Request is the input to Load.
type Request struct {
	Path       string
	Passphrase string // empty means "no passphrase supplied"
}

// Load reads and parses the private key at req.Path, expanding a leading
// "~/" to the user's home directory, and returns an opaque signer handle.
func Load(req Request) (cryptossh.Signer, error) {
	path := expandHome(req.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KeyFileRead, Message: fmt.Sprintf("read key file %s: %v", path, err)}
	}

	if req.Passphrase != "" {
		signer, err := cryptossh.ParsePrivateKeyWithPassphrase(data, []byte(req.Passphrase))
		if err != nil {
			return nil, &Error{Kind: InvalidPassphrase, Message: fmt.Sprintf("decrypt private key: %v", err)}
		}
		return signer, nil
	}

	signer, err := cryptossh.ParsePrivateKey(data)
	if err != nil {
		var missing *cryptossh.PassphraseMissingError
		if asPassphraseMissing(err, &missing) {
			return nil, &Error{Kind: PassphraseRequired, Message: "private key is encrypted; a passphrase is required"}
		}
		return nil, &Error{Kind: KeyParse, Message: fmt.Sprintf("parse private key: %v", err)}
	}
	return signer, nil
}

func asPassphraseMissing(err error, target **cryptossh.PassphraseMissingError) bool {
	if pm, ok := err.(*cryptossh.PassphraseMissingError); ok {
		*target = pm
		return true
	}
	return false
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
