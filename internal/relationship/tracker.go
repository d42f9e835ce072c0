// Package relationship tracks the current user's social graph as three
// disjoint id sets: friends, outgoing requests and incoming requests.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("relationship: invalid transition")
	ErrSelf              = errors.New("relationship: cannot befriend yourself")
	ErrAlreadyFriends    = errors.New("relationship: already friends")
	ErrNoSelf            = errors.New("relationship: current user unknown")
)

// State is the relationship between the current user and one other user.
type State string

const (
	None     State = "none"
	Outgoing State = "outgoing"
	Incoming State = "incoming"
	Friends  State = "friends"
)

// rank orders states for disjointness during sync: a stronger state wins.
var rank = map[State]int{
	None:     0,
	Outgoing: 1,
	Incoming: 2,
	Friends:  3,
}

// Action is a relationship-changing user action.
type Action string

const (
	SendRequest   Action = "send_request"
	CancelRequest Action = "cancel_request"
	AcceptRequest Action = "accept_request"
	IgnoreRequest Action = "ignore_request"
	RemoveFriend  Action = "remove_friend"
)

type transition struct {
	from, to State
}

// transitions lists the only state each action may start from and where it
// leads.
var transitions = map[Action]transition{
	SendRequest:   {None, Outgoing},
	CancelRequest: {Outgoing, None},
	AcceptRequest: {Incoming, Friends},
	IgnoreRequest: {Incoming, None},
	RemoveFriend:  {Friends, None},
}

// Remote is the backend surface the tracker needs.
type Remote interface {
	FetchRelationships(ctx context.Context) ([]model.RelationshipRow, error)
	RequestFriend(ctx context.Context, targetID string) error
	AcceptFriendRequest(ctx context.Context, targetID string) error
	RemoveRelationship(ctx context.Context, targetID string) error
}

// Tracker holds the three relationship sets. Local state changes only after
// the backend confirms the matching remote call.
type Tracker struct {
	remote   Remote
	entities *entity.Store
	logger   *zap.Logger

	mu     sync.RWMutex
	selfID string
	state  map[string]State
}

// New creates a tracker. entities may be nil.
func New(remote Remote, entities *entity.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		remote:   remote,
		entities: entities,
		logger:   logger,
		state:    make(map[string]State),
	}
}

// Sync replaces all three sets with the backend's view for selfID.
// On error the previous sets are kept.
func (t *Tracker) Sync(ctx context.Context, selfID string) error {
	if selfID == "" {
		return ErrNoSelf
	}
	rows, err := t.remote.FetchRelationships(ctx)
	if err != nil {
		return fmt.Errorf("fetch relationships: %w", err)
	}

	next := make(map[string]State, len(rows))
	profiles := make([]model.Profile, 0, len(rows))
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return fmt.Errorf("fetch relationships: %w", err)
		}
		other, st, ok := classify(row, selfID)
		if !ok {
			t.logger.Debug("relationship row does not involve self",
				zap.String("user_1", row.User1.ID), zap.String("user_2", row.User2.ID))
			continue
		}
		if rank[st] > rank[next[other.ID]] {
			next[other.ID] = st
		}
		profiles = append(profiles, other)
	}

	t.mu.Lock()
	t.selfID = selfID
	t.state = next
	t.mu.Unlock()

	if t.entities != nil {
		t.entities.UpsertProfiles(profiles...)
	}
	t.logger.Info("relationships synced", zap.Int("rows", len(rows)), zap.Int("users", len(next)))
	return nil
}

// classify returns the counterpart profile and the bucket for row.
//
// pending_outgoing means user_1 requested user_2; pending_incoming means
// user_2 requested user_1.
func classify(row model.RelationshipRow, selfID string) (model.Profile, State, bool) {
	var other model.Profile
	var selfIsUser1 bool
	switch selfID {
	case row.User1.ID:
		other, selfIsUser1 = row.User2, true
	case row.User2.ID:
		other = row.User1
	default:
		return model.Profile{}, None, false
	}

	switch row.Status {
	case model.StatusFriends:
		return other, Friends, true
	case model.StatusPendingOutgoing:
		if selfIsUser1 {
			return other, Outgoing, true
		}
		return other, Incoming, true
	case model.StatusPendingIncoming:
		if !selfIsUser1 {
			return other, Outgoing, true
		}
		return other, Incoming, true
	}
	return model.Profile{}, None, false
}

// Reset forgets every relationship and the owner id, for sign out or a
// switch to another user.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = ""
	t.state = make(map[string]State)
}

// State returns the relationship with otherID.
func (t *Tracker) State(otherID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.state[otherID]; ok {
		return st
	}
	return None
}

// Apply performs action against otherID: it checks the transition, calls the
// backend and, only on success, moves otherID to the new state.
func (t *Tracker) Apply(ctx context.Context, action Action, otherID string) error {
	tr, ok := transitions[action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if cur := t.State(otherID); cur != tr.from {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, cur)
	}

	var err error
	switch action {
	case SendRequest:
		err = t.remote.RequestFriend(ctx, otherID)
	case AcceptRequest:
		err = t.remote.AcceptFriendRequest(ctx, otherID)
	default:
		err = t.remote.RemoveRelationship(ctx, otherID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// A concurrent action may have won the race to the backend; the remote
	// call succeeded, so record its outcome anyway.
	if tr.to == None {
		delete(t.state, otherID)
	} else {
		t.state[otherID] = tr.to
	}
	t.logger.Info("relationship changed",
		zap.String("user_id", otherID), zap.String("action", string(action)), zap.String("state", string(tr.to)))
	return nil
}

// Add is the add-friend flow: accept a pending incoming request, do nothing
// for an already sent one, otherwise send a new request. It returns the
// resulting state.
func (t *Tracker) Add(ctx context.Context, otherID string) (State, error) {
	t.mu.RLock()
	self := t.selfID
	t.mu.RUnlock()
	if self != "" && otherID == self {
		return None, ErrSelf
	}

	switch t.State(otherID) {
	case Friends:
		return Friends, ErrAlreadyFriends
	case Outgoing:
		return Outgoing, nil
	case Incoming:
		if err := t.Apply(ctx, AcceptRequest, otherID); err != nil {
			return Incoming, err
		}
		return Friends, nil
	default:
		if err := t.Apply(ctx, SendRequest, otherID); err != nil {
			return None, err
		}
		return Outgoing, nil
	}
}

func (t *Tracker) Friends() []string  { return t.members(Friends) }
func (t *Tracker) Outgoing() []string { return t.members(Outgoing) }
func (t *Tracker) Incoming() []string { return t.members(Incoming) }

func (t *Tracker) members(want State) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, st := range t.state {
		if st == want {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
