package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid record")

// ChatType classifies a chat.
type ChatType string

const (
	Direct  ChatType = "direct"
	Group   ChatType = "group"
	Public  ChatType = "public"
	Private ChatType = "private"
)

// Valid reports whether t is one of the known chat types.
func (t ChatType) Valid() bool {
	switch t {
	case Direct, Group, Public, Private:
		return true
	}
	return false
}

// Conversation reports whether chats of this type are listed by recency
// (direct messages and groups) rather than as channels.
func (t ChatType) Conversation() bool {
	return t == Direct || t == Group
}

// User is the authenticated account identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Credential is the opaque auth material for the backend.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}

// Expired reports whether the access token is past its expiry at now.
// A zero ExpiresAt never expires.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Profile is a user's public profile row.
type Profile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	ProfileImage string    `json:"profile_image,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Name returns the display name, falling back to the username.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile without id", ErrInvalid)
	}
	if p.Username == "" {
		return fmt.Errorf("%w: profile %s without username", ErrInvalid, p.ID)
	}
	return nil
}

// ChatMember is a participant reference embedded in a chat row.
type ChatMember struct {
	Profile Profile `json:"profiles"`
}

// Chat is a conversation container.
type Chat struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Private   bool         `json:"private"`
	Type      ChatType     `json:"type"`
	Members   []ChatMember `json:"chat_members,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (c Chat) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: chat without id", ErrInvalid)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: chat %s has unknown type %q", ErrInvalid, c.ID, c.Type)
	}
	for _, m := range c.Members {
		if err := m.Profile.Validate(); err != nil {
			return fmt.Errorf("chat %s member: %w", c.ID, err)
		}
	}
	return nil
}

// Counterpart returns the first member that is not selfID. For direct chats
// this is the other participant.
func (c Chat) Counterpart(selfID string) (Profile, bool) {
	for _, m := range c.Members {
		if m.Profile.ID != selfID {
			return m.Profile, true
		}
	}
	return Profile{}, false
}

// Title is the label a chat is listed under from selfID's point of view.
func (c Chat) Title(selfID string) string {
	if c.Type == Direct {
		if p, ok := c.Counterpart(selfID); ok {
			return p.Username
		}
	}
	return c.Name
}

// Message is a single chat message. Author is embedded only when the backend
// joined the profile row.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Author    *Profile  `json:"author,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message without id", ErrInvalid)
	}
	if m.ChatID == "" {
		return fmt.Errorf("%w: message %s without chat_id", ErrInvalid, m.ID)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %s without created_at", ErrInvalid, m.ID)
	}
	if m.Author != nil {
		if err := m.Author.Validate(); err != nil {
			return fmt.Errorf("message %s author: %w", m.ID, err)
		}
	}
	return nil
}

// AuthoredBy reports whether userID wrote the message.
func (m Message) AuthoredBy(userID string) bool {
	if m.Author != nil {
		return m.Author.ID == userID
	}
	return m.AuthorID == userID
}

// RelationshipStatus is the status column of a relationship row.
type RelationshipStatus string

const (
	StatusFriends         RelationshipStatus = "friends"
	StatusPendingIncoming RelationshipStatus = "pending_incoming" // user_1 <- user_2
	StatusPendingOutgoing RelationshipStatus = "pending_outgoing" // user_1 -> user_2
)

// RelationshipRow is one edge of the social graph as returned by the backend.
type RelationshipRow struct {
	Status RelationshipStatus `json:"status"`
	User1  Profile            `json:"user_1"`
	User2  Profile            `json:"user_2"`
}

func (r RelationshipRow) Validate() error {
	switch r.Status {
	case StatusFriends, StatusPendingIncoming, StatusPendingOutgoing:
	default:
		return fmt.Errorf("%w: relationship status %q", ErrInvalid, r.Status)
	}
	if err := r.User1.Validate(); err != nil {
		return fmt.Errorf("relationship user_1: %w", err)
	}
	if err := r.User2.Validate(); err != nil {
		return fmt.Errorf("relationship user_2: %w", err)
	}
	return nil
}
