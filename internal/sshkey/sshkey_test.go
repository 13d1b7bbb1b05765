package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// newAuthorizedKey returns a fresh ed25519 key as an authorized_keys line
// (without comment and without trailing newline).
func newAuthorizedKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func TestParse(t *testing.T) {
	key := newAuthorizedKey(t)

	k, err := Parse(key + " alice@laptop")
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", k.Type)
	assert.Equal(t, "alice@laptop", k.Comment)
	assert.True(t, strings.HasPrefix(k.Fingerprint, "SHA256:"))
}

func TestParse_Rejects(t *testing.T) {
	key := newAuthorizedKey(t)

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "   ", wantErr: ErrEmpty},
		{name: "garbage", input: "key-A", wantErr: ErrMalformed},
		{name: "options prefix", input: `command="borg serve" ` + key, wantErr: ErrHasOptions},
		{name: "two keys", input: key + " one\n" + newAuthorizedKey(t) + " two", wantErr: ErrMultiple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSameMaterial(t *testing.T) {
	a := newAuthorizedKey(t)
	b := newAuthorizedKey(t)

	assert.True(t, SameMaterial(a+" first", a+" second"), "comment must be ignored")
	assert.True(t, SameMaterial(a, "  "+a+"  "), "surrounding whitespace must be ignored")
	assert.False(t, SameMaterial(a, b))
	assert.False(t, SameMaterial("", ""))
}

func TestIdentity_LegacyFallback(t *testing.T) {
	assert.Equal(t, "ssh-rsa AAAAbroken", Identity("ssh-rsa AAAAbroken old comment"))
	assert.True(t, SameMaterial("ssh-rsa AAAAbroken one", "ssh-rsa AAAAbroken two"))
}
