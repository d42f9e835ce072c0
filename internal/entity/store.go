package entity

import (
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/model"
)

// Store holds the latest known chat and profile records for the session.
// A missing record means "not loaded yet", never "does not exist".
type Store struct {
	mu       sync.RWMutex
	chats    map[string]model.Chat
	profiles map[string]model.Profile
}

// New creates an empty entity store.
func New() *Store {
	return &Store{
		chats:    make(map[string]model.Chat),
		profiles: make(map[string]model.Profile),
	}
}

// UpsertChat inserts or replaces a chat's detail fields.
func (s *Store) UpsertChat(c model.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Members = slices.Clone(c.Members)
	s.chats[c.ID] = c
}

// UpsertProfile inserts or replaces a profile by id.
func (s *Store) UpsertProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// UpsertProfiles is UpsertProfile for a batch under one lock.
func (s *Store) UpsertProfiles(ps ...model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ps {
		s.profiles[p.ID] = p
	}
}

// Chat returns the chat with the given id and whether it is loaded.
func (s *Store) Chat(id string) (model.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if ok {
		c.Members = slices.Clone(c.Members)
	}
	return c, ok
}

// Profile returns the profile with the given id and whether it is loaded.
func (s *Store) Profile(id string) (model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// ProfileByUsername looks a loaded profile up by username (case-insensitive).
func (s *Store) ProfileByUsername(username string) (model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if strings.EqualFold(p.Username, username) {
			return p, true
		}
	}
	return model.Profile{}, false
}

// Chats returns a snapshot of all loaded chats ordered by id.
func (s *Store) Chats() []model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		c.Members = slices.Clone(c.Members)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Chat) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Counts returns the number of loaded chats and profiles.
func (s *Store) Counts() (chats, profiles int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats), len(s.profiles)
}

// Reset forgets every record.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make(map[string]model.Chat)
	s.profiles = make(map[string]model.Profile)
}
