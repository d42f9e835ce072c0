package app

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/relationship"
	"github.com/matheus3301/chatsync/internal/status"
)

// ChatView is one row of a chat list.
type ChatView struct {
	Chat      model.Chat
	Title     string
	UpdatedAt time.Time
	Last      *model.Message
	Focused   bool
}

// Conversations lists direct and group chats, most recent activity first.
func (c *Controller) Conversations() []ChatView {
	entries := c.cache.Recent(func(ch model.Chat) bool { return ch.Type.Conversation() })
	return c.views(entries)
}

// Channels lists public and private chats by title.
func (c *Controller) Channels() []ChatView {
	out := c.views(c.cache.Recent(func(ch model.Chat) bool { return !ch.Type.Conversation() }))
	slices.SortStableFunc(out, func(a, b ChatView) int {
		return cmp.Or(strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)), strings.Compare(a.Chat.ID, b.Chat.ID))
	})
	return out
}

func (c *Controller) views(entries []cache.Entry) []ChatView {
	self := c.session.UserID()
	focused := c.focus.Current()
	out := make([]ChatView, 0, len(entries))
	for _, e := range entries {
		v := ChatView{
			Chat:      e.Details,
			Title:     e.Details.Title(self),
			UpdatedAt: e.UpdatedAt,
			Focused:   e.ID == focused,
		}
		if m, ok := e.Latest(); ok {
			v.Last = &m
		}
		out = append(out, v)
	}
	return out
}

// Chat returns the cached entry for chatID.
func (c *Controller) Chat(chatID string) (cache.Entry, bool) {
	return c.cache.Get(chatID)
}

// Messages returns the cached messages of chatID, oldest first.
func (c *Controller) Messages(chatID string) ([]model.Message, bool) {
	e, ok := c.cache.Get(chatID)
	if !ok {
		return nil, false
	}
	return e.Messages, true
}

// Person is a user as shown in the relationship views.
type Person struct {
	ID      string
	Profile model.Profile
	// Known is false when the profile row has not been loaded.
	Known bool
	State relationship.State
}

// People lists the users in one relationship state, by display name.
func (c *Controller) People(state relationship.State) []Person {
	var ids []string
	switch state {
	case relationship.Friends:
		ids = c.relationships.Friends()
	case relationship.Incoming:
		ids = c.relationships.Incoming()
	case relationship.Outgoing:
		ids = c.relationships.Outgoing()
	}
	out := make([]Person, 0, len(ids))
	for _, id := range ids {
		p, ok := c.entities.Profile(id)
		out = append(out, Person{ID: id, Profile: p, Known: ok, State: state})
	}
	slices.SortStableFunc(out, func(a, b Person) int {
		return cmp.Or(strings.Compare(strings.ToLower(a.Profile.Name()), strings.ToLower(b.Profile.Name())), strings.Compare(a.ID, b.ID))
	})
	return out
}

// RelationshipState returns the current relationship with userID.
func (c *Controller) RelationshipState(userID string) relationship.State {
	return c.relationships.State(userID)
}

// Snapshot summarizes the client for status displays.
type Snapshot struct {
	State         status.State
	Reason        string
	UserID        string
	Username      string
	Chats         int
	Profiles      int
	Messages      int
	Subscriptions int
	Friends       int
	Incoming      int
	Outgoing      int
	Focused       string
}

func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		State:         c.status.Current(),
		Reason:        c.status.Reason(),
		UserID:        c.session.UserID(),
		Subscriptions: c.router.Subscriptions(),
		Friends:       len(c.relationships.Friends()),
		Incoming:      len(c.relationships.Incoming()),
		Outgoing:      len(c.relationships.Outgoing()),
		Focused:       c.focus.Current(),
	}
	if p, err := c.session.Profile(); err == nil {
		s.Username = p.Username
	}
	s.Chats, s.Profiles = c.entities.Counts()
	_, s.Messages = c.cache.Stats()
	return s
}

// Status returns the lifecycle state.
func (c *Controller) Status() status.State {
	return c.status.Current()
}

// Profile returns the signed-in user's profile.
func (c *Controller) Profile() (model.Profile, error) {
	return c.session.Profile()
}

func normalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// AuthorName returns the username shown for a message author.
func (c *Controller) AuthorName(m model.Message) string {
	if m.Author != nil {
		return m.Author.Username
	}
	if p, ok := c.entities.Profile(m.AuthorID); ok {
		return p.Username
	}
	return ""
}
