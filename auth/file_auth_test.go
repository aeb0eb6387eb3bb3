package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewFileAuthenticatorCreatesDefaultGuestUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")

	a, err := NewFileAuthenticator(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "a default auth file must be written")

	user, err := a.Authenticate("guest", "guest")
	require.NoError(t, err)
	assert.Equal(t, "guest", user)
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	a, err := NewFileAuthenticator(filepath.Join(t.TempDir(), "auth.json"))
	require.NoError(t, err)

	_, err = a.Authenticate("guest", "wrong")
	assert.Error(t, err)
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	a, err := NewFileAuthenticator(filepath.Join(t.TempDir(), "auth.json"))
	require.NoError(t, err)

	_, err = a.Authenticate("nobody", "guest")
	assert.Error(t, err)
}

func TestNewFileAuthenticatorLoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	data, err := json.Marshal(authFile{Users: []UserEntry{{Username: "alice", PasswordHash: string(hash)}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	a, err := NewFileAuthenticator(path)
	require.NoError(t, err)

	user, err := a.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	a, err := NewFileAuthenticator(path)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("newpass"), bcrypt.MinCost)
	require.NoError(t, err)
	data, err := json.Marshal(authFile{Users: []UserEntry{{Username: "bob", PasswordHash: string(hash)}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	require.NoError(t, a.Reload())

	_, err = a.Authenticate("guest", "guest")
	assert.Error(t, err, "reload replaces the user set wholesale")

	user, err := a.Authenticate("bob", "newpass")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
}
