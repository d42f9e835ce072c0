// Package backend is the request/response side of the hosted chat service:
// auth, row reads and writes, and the RPCs the client relies on.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

var (
	// ErrNoSession is returned by calls that need a credential when none is stored.
	ErrNoSession = errors.New("backend: no session")
	ErrNotFound  = errors.New("backend: not found")
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: %d: %s", e.Status, e.Message)
}

// Unauthorized reports whether the service rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e.Status == 401 || e.Status == 403
}

// ChatFilter selects one of the two chat listings.
type ChatFilter int

const (
	// Conversations are direct and group chats, fetched with their latest message.
	Conversations ChatFilter = iota
	// Channels are public and private chats.
	Channels
)

// Types returns the chat types the filter matches.
func (f ChatFilter) Types() []model.ChatType {
	if f == Channels {
		return []model.ChatType{model.Public, model.Private}
	}
	return []model.ChatType{model.Direct, model.Group}
}

func (f ChatFilter) String() string {
	if f == Channels {
		return "channels"
	}
	return "conversations"
}

// ChatRow is a chat plus the messages embedded in the listing (at most the
// latest one for Conversations, none for Channels).
type ChatRow struct {
	model.Chat
	Messages []model.Message `json:"messages,omitempty"`
}

func (r ChatRow) Validate() error {
	if err := r.Chat.Validate(); err != nil {
		return err
	}
	for _, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("chat %s: %w", r.ID, err)
		}
	}
	return nil
}

// AuthState is the auth material persisted between runs.
type AuthState struct {
	Credential  model.Credential
	DeviceToken string
}

// CredentialStore persists AuthState. LoadAuth returns nil, nil when nothing
// is stored.
type CredentialStore interface {
	LoadAuth(ctx context.Context) (*AuthState, error)
	SaveAuth(ctx context.Context, st AuthState) error
	ClearAuth(ctx context.Context) error
}

// Client is everything the sync core consumes from the service.
type Client interface {
	SignIn(ctx context.Context, email, password string) (*model.Credential, error)
	SignOut(ctx context.Context) error

	// GetSession returns the stored credential, refreshing it when expired.
	// It returns nil, nil when the user never signed in.
	GetSession(ctx context.Context) (*model.Credential, error)
	GetUser(ctx context.Context) (model.User, error)
	ValidateDeviceSession(ctx context.Context) (bool, error)

	FetchProfile(ctx context.Context, userID string) (model.Profile, error)
	FindProfileByUsername(ctx context.Context, username string) (model.Profile, error)

	FetchChats(ctx context.Context, filter ChatFilter) ([]ChatRow, error)
	// FetchMessages returns up to limit messages newest first. A nil after
	// fetches the latest page.
	FetchMessages(ctx context.Context, chatID string, after *time.Time, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, chatID, id, content string) (model.Message, error)

	FetchRelationships(ctx context.Context) ([]model.RelationshipRow, error)
	RequestFriend(ctx context.Context, targetID string) error
	AcceptFriendRequest(ctx context.Context, targetID string) error
	RemoveRelationship(ctx context.Context, targetID string) error
	FindOrCreateDirectChat(ctx context.Context, targetID string) (string, error)
}
