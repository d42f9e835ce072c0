package api

import (
	"encoding/json"
	"time"
)

type Empty struct{}

type StatusResponse struct {
	Account       string `json:"account"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	Chats         int    `json:"chats"`
	Profiles      int    `json:"profiles"`
	Messages      int    `json:"messages"`
	Subscriptions int    `json:"subscriptions"`
	Friends       int    `json:"friends"`
	Incoming      int    `json:"incoming"`
	Outgoing      int    `json:"outgoing"`
	Focused       string `json:"focused,omitempty"`
	UptimeMs      int64  `json:"uptime_ms"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse reports the state after the post sign-in load. Warning is
// set when the load completed with errors.
type SignInResponse struct {
	State   string `json:"state"`
	Warning string `json:"warning,omitempty"`
}

type ListChatsRequest struct {
	// Kind is "conversations" (default) or "channels".
	Kind string `json:"kind"`
}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

type Chat struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastMessage *Message  `json:"last_message,omitempty"`
	Focused     bool      `json:"focused,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatRequest struct {
	ChatID string `json:"chat_id"`
}

type ChatMessagesResponse struct {
	Chat          Chat       `json:"chat"`
	Messages      []Message  `json:"messages"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}

type SendMessageRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

type SendMessageResponse struct {
	ClientMsgID string `json:"client_msg_id"`
}

type ListPeopleRequest struct {
	// State is "friends" (default), "incoming" or "outgoing".
	State string `json:"state"`
}

type ListPeopleResponse struct {
	People []Person `json:"people"`
}

type Person struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	State       string `json:"state"`
}

type RelationshipRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
}

type RelationshipResponse struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

type AddFriendRequest struct {
	Username string `json:"username"`
}

type DirectChatRequest struct {
	Username string `json:"username"`
}

type DirectChatResponse struct {
	ChatID string `json:"chat_id"`
}

type WatchRequest struct {
	// Prefix filters events by kind; empty streams everything.
	Prefix string `json:"prefix"`
}

// Event is a bus event as streamed by Watch.
type Event struct {
	ID               string          `json:"id"`
	Account          string          `json:"account"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
