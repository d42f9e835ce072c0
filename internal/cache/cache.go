// Package cache holds the per-chat message window kept in sync by fetches and
// realtime events.
//
// Every mutation re-derives the full entry state (dedup by id, sort by
// created_at, latest/oldest timestamps) so the result does not depend on the
// order in which fetch results and realtime events arrive.
package cache

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Entry is the cached state of one chat.
type Entry struct {
	ID      string
	Details model.Chat

	// Messages are unique by id and ascending by CreatedAt.
	Messages []model.Message

	LatestMessageAt *time.Time
	OldestMessageAt *time.Time
	LastFetchedAt   *time.Time

	// UpdatedAt never decreases. Removing messages does not reset it.
	UpdatedAt time.Time
}

// Latest returns the most recent cached message.
func (e Entry) Latest() (model.Message, bool) {
	if len(e.Messages) == 0 {
		return model.Message{}, false
	}
	return e.Messages[len(e.Messages)-1], true
}

func (e *Entry) clone() Entry {
	out := *e
	out.Details.Members = slices.Clone(e.Details.Members)
	out.Messages = slices.Clone(e.Messages)
	out.LatestMessageAt = cloneTime(e.LatestMessageAt)
	out.OldestMessageAt = cloneTime(e.OldestMessageAt)
	out.LastFetchedAt = cloneTime(e.LastFetchedAt)
	return out
}

// normalize restores every entry invariant. Later copies of a message id
// replace earlier ones, so a confirmed row overwrites its optimistic twin.
func (e *Entry) normalize() {
	byID := make(map[string]int, len(e.Messages))
	deduped := e.Messages[:0:0]
	for _, m := range e.Messages {
		if i, ok := byID[m.ID]; ok {
			deduped[i] = m
			continue
		}
		byID[m.ID] = len(deduped)
		deduped = append(deduped, m)
	}
	slices.SortStableFunc(deduped, func(a, b model.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	e.Messages = deduped

	if len(e.Messages) == 0 {
		e.LatestMessageAt = nil
		e.OldestMessageAt = nil
		return
	}
	latest := e.Messages[len(e.Messages)-1].CreatedAt
	oldest := e.Messages[0].CreatedAt
	e.LatestMessageAt = &latest
	e.OldestMessageAt = &oldest
	if latest.After(e.UpdatedAt) {
		e.UpdatedAt = latest
	}
}

// Cache maps chat ids to entries.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty cache. m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]*Entry),
		logger:  logger,
		metrics: m,
	}
}

// CreateEntry registers a chat. The first call creates an empty entry with
// UpdatedAt seeded from the chat; later calls for the same id only replace
// Details and keep cached messages and timestamps. It reports whether a new
// entry was created.
func (c *Cache) CreateEntry(chat model.Chat) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	chat.Members = slices.Clone(chat.Members)
	if e, ok := c.entries[chat.ID]; ok {
		e.Details = chat
		return false
	}
	c.entries[chat.ID] = &Entry{
		ID:        chat.ID,
		Details:   chat,
		UpdatedAt: chat.UpdatedAt,
	}
	return true
}

// AddMessages merges msgs into the chat's entry. An unknown chat id is a
// tolerated race (event before metadata): nothing happens and false is returned.
func (c *Cache) AddMessages(chatID string, msgs ...model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[chatID]
	c.metrics.CacheMutation("add", ok)
	if !ok {
		c.logger.Warn("add messages for unknown chat", zap.String("chat_id", chatID), zap.Int("count", len(msgs)))
		return false
	}
	e.Messages = append(e.Messages, msgs...)
	e.normalize()
	return true
}

// RemoveMessages drops the messages with matching ids. Same unknown-chat
// policy as AddMessages.
func (c *Cache) RemoveMessages(chatID string, msgs ...model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[chatID]
	c.metrics.CacheMutation("remove", ok)
	if !ok {
		c.logger.Warn("remove messages for unknown chat", zap.String("chat_id", chatID), zap.Int("count", len(msgs)))
		return false
	}
	drop := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		drop[m.ID] = struct{}{}
	}
	e.Messages = slices.DeleteFunc(e.Messages, func(m model.Message) bool {
		_, ok := drop[m.ID]
		return ok
	})
	e.normalize()
	return true
}

// MarkFetched records when a full fetch for the chat completed.
func (c *Cache) MarkFetched(chatID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[chatID]
	if !ok {
		return false
	}
	e.LastFetchedAt = &at
	return true
}

// FetchDue reports whether a paged fetch should run before showing the chat:
// it has never been fetched or holds no messages. Unknown chats are not due
// (there is nothing to merge the result into).
func (c *Cache) FetchDue(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[chatID]
	if !ok {
		return false
	}
	return e.LastFetchedAt == nil || len(e.Messages) == 0
}

// Get returns a copy of the chat's entry.
func (c *Cache) Get(chatID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[chatID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// All returns copies of every entry, ordered by chat id.
func (c *Cache) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.clone())
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Recent returns the entries accepted by keep (all when nil), most recently
// updated first. Ordering is computed at read time.
func (c *Cache) Recent(keep func(model.Chat) bool) []Entry {
	all := c.All()
	out := all[:0]
	for _, e := range all {
		if keep == nil || keep(e.Details) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}

// Stats returns the number of entries and cached messages.
func (c *Cache) Stats() (entries, messages int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		messages += len(e.Messages)
	}
	return len(c.entries), messages
}

// Reset drops every entry. Used when a different user signs in.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
