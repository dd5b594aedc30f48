package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials is returned when no cached credential file exists.
var ErrNoCredentials = errors.New("no cached credentials")

// Credentials is the locally cached authentication state. The token is a
// bearer JWT issued by the server; the channel and REST client attach it
// on every connect/request, so reconnects never need user interaction
// until the token expires.
//
// The struct is shared across the daemon: a fresh login fills it while
// the channel's redial loop and the REST client read from it. Reads after
// construction go through the accessors; SetIdentity is the only writer.
type Credentials struct {
	mu       sync.RWMutex
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// AuthToken returns the bearer token, empty before login.
func (c *Credentials) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Token
}

// SelfID returns the authenticated user id, empty before login.
func (c *Credentials) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UserID
}

// DisplayName returns the authenticated user's display name.
func (c *Credentials) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Username
}

// SetIdentity installs a fresh login. Components holding the shared
// struct see the new identity on their next accessor call.
func (c *Credentials) SetIdentity(token, userID, username string) {
	c.mu.Lock()
	c.Token = token
	c.UserID = userID
	c.Username = username
	c.mu.Unlock()
}

// credentialsFile is the on-disk shape, kept lock-free so snapshots can
// be marshaled without copying the mutex.
type credentialsFile struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (c *Credentials) snapshot() credentialsFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return credentialsFile{Token: c.Token, UserID: c.UserID, Username: c.Username}
}

// LoadCredentials reads the cached credential file for a session.
func LoadCredentials(name string) (*Credentials, error) {
	data, err := os.ReadFile(CredentialsPath(name))
	if os.IsNotExist(err) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if c.Token == "" {
		return nil, ErrNoCredentials
	}
	return &c, nil
}

// SaveCredentials writes credentials to the session directory with 0600.
func SaveCredentials(name string, c *Credentials) error {
	path := CredentialsPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	snap := c.snapshot()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ExpiresAt returns the token's exp claim, or zero time if the token has
// none. The signature is not verified here; only the server can do that,
// this is a local hint for deciding whether re-auth is required.
func (c *Credentials) ExpiresAt() time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.AuthToken(), claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Expired reports whether the cached token is past its exp claim.
// Tokens without an exp claim never expire locally.
func (c *Credentials) Expired() bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && time.Now().After(exp)
}
