// Package auth resolves the display name a closed consumer's management
// notification carries in its User field. Trimmed down from the teacher's
// full SASL/permission-checking FileAuthenticator (which this spec's
// Non-goals exclude — no wire-level authentication here) to the one piece
// still needed: username-to-bcrypt-hash lookup, in the teacher's own
// file-backed, bcrypt-hashed idiom.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// UserEntry is a single credential record in the auth file.
type UserEntry struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type authFile struct {
	Users []UserEntry `json:"users"`
}

// FileAuthenticator resolves a username against a bcrypt-hashed credential
// file, used only to populate ConsumerClosedEvent.User with a verified
// identity rather than a caller-supplied string.
type FileAuthenticator struct {
	filePath string
	mu       sync.RWMutex
	users    map[string]string // username -> bcrypt hash
}

// NewFileAuthenticator loads filePath, creating a default "guest"/"guest"
// entry if it does not yet exist.
func NewFileAuthenticator(filePath string) (*FileAuthenticator, error) {
	a := &FileAuthenticator{filePath: filePath, users: make(map[string]string)}
	if err := a.load(); err != nil {
		return nil, fmt.Errorf("load auth file: %w", err)
	}
	return a, nil
}

func (a *FileAuthenticator) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return a.writeDefault()
		}
		return fmt.Errorf("read auth file: %w", err)
	}

	var parsed authFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse auth file: %w", err)
	}

	users := make(map[string]string, len(parsed.Users))
	for _, u := range parsed.Users {
		users[u.Username] = u.PasswordHash
	}
	a.users = users
	return nil
}

func (a *FileAuthenticator) writeDefault() error {
	hash, err := bcrypt.GenerateFromPassword([]byte("guest"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash default password: %w", err)
	}

	def := authFile{Users: []UserEntry{{Username: "guest", PasswordHash: string(hash)}}}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default auth file: %w", err)
	}
	if err := os.WriteFile(a.filePath, data, 0600); err != nil {
		return fmt.Errorf("write default auth file: %w", err)
	}

	a.users = map[string]string{"guest": string(hash)}
	return nil
}

// Authenticate verifies password against username's stored hash and
// returns the verified username to use as ConsumerClosedEvent.User.
func (a *FileAuthenticator) Authenticate(username, password string) (string, error) {
	a.mu.RLock()
	hash, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("user not found: %s", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid password for %s", username)
	}
	return username, nil
}

// Reload re-reads the auth file from disk.
func (a *FileAuthenticator) Reload() error {
	return a.load()
}
