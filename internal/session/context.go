// Package session holds the authenticated identity of the running client and
// the one-shot sequence that establishes it.
package session

import (
	"errors"
	"sync"

	"github.com/matheus3301/chatsync/internal/model"
)

var (
	// ErrNotInitialized is returned by readers before Init has succeeded.
	ErrNotInitialized = errors.New("session: not initialized")
	// ErrReauthRequired means the user must sign in again.
	ErrReauthRequired = errors.New("session: re-authentication required")
)

// Context is the authenticated identity: credential, user and profile.
// It is either fully set or unset; readers never see a partial identity.
type Context struct {
	mu      sync.RWMutex
	cred    *model.Credential
	user    *model.User
	profile *model.Profile
}

// New returns an unset context.
func New() *Context {
	return &Context{}
}

// Set installs a complete identity.
func (c *Context) Set(cred model.Credential, user model.User, profile model.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = &cred
	c.user = &user
	c.profile = &profile
}

// SetProfile replaces the profile after a refresh. It is ignored while unset.
func (c *Context) SetProfile(p model.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil || p.ID != c.user.ID {
		return
	}
	c.profile = &p
}

// SetCredential replaces the credential after a token refresh. It is
// ignored while unset.
func (c *Context) SetCredential(cred model.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return
	}
	c.cred = &cred
}

// Reset forgets the identity.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred, c.user, c.profile = nil, nil, nil
}

// Authenticated reports whether the identity is set.
func (c *Context) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred != nil && c.user != nil
}

func (c *Context) Credential() (model.Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred == nil {
		return model.Credential{}, ErrNotInitialized
	}
	return *c.cred, nil
}

func (c *Context) User() (model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return model.User{}, ErrNotInitialized
	}
	return *c.user, nil
}

func (c *Context) Profile() (model.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return model.Profile{}, ErrNotInitialized
	}
	return *c.profile, nil
}

// UserID returns the signed-in user's id, or "" while unset.
func (c *Context) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return ""
	}
	return c.user.ID
}
