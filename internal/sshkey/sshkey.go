// Package sshkey parses OpenSSH public keys and compares them by key
// material, ignoring the trailing comment.
package sshkey

import (
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	ErrEmpty      = errors.New("sshkey: public key is empty")
	ErrMalformed  = errors.New("sshkey: not an OpenSSH public key")
	ErrHasOptions = errors.New("sshkey: authorized_keys options are not allowed")
	ErrMultiple   = errors.New("sshkey: more than one key supplied")
)

// Key is a parsed public key.
type Key struct {
	Type        string // e.g. ssh-ed25519
	Material    string // base64 wire encoding
	Comment     string
	Fingerprint string // SHA256:...
}

// Identity is the algorithm + key material pair. Two keys with the same
// identity are the same key regardless of comment.
func (k Key) Identity() string {
	return k.Type + " " + k.Material
}

// Parse accepts a single "type base64 [comment]" line.
func Parse(line string) (Key, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Key{}, ErrEmpty
	}

	pub, comment, options, rest, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return Key{}, ErrMalformed
	}
	if len(options) > 0 {
		return Key{}, ErrHasOptions
	}
	if strings.TrimSpace(string(rest)) != "" {
		return Key{}, ErrMultiple
	}

	return Key{
		Type:        pub.Type(),
		Material:    base64.StdEncoding.EncodeToString(pub.Marshal()),
		Comment:     comment,
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

// Identity parses line and returns its identity, or "" when it does not parse.
// Stored keys that fail to parse fall back to their first two fields so that
// legacy records still take part in the uniqueness check.
func Identity(line string) string {
	if k, err := Parse(line); err == nil {
		return k.Identity()
	}
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		return fields[0] + " " + fields[1]
	}
}

// SameMaterial reports whether a and b carry the same key material.
func SameMaterial(a, b string) bool {
	ia, ib := Identity(a), Identity(b)
	return ia != "" && ia == ib
}
