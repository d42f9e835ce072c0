package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/relationship"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

var (
	me    = model.Profile{ID: "u1", Username: "me"}
	alice = model.Profile{ID: "u2", Username: "alice", DisplayName: "Alice"}
	bob   = model.Profile{ID: "u3", Username: "bob"}
	carol = model.Profile{ID: "u4", Username: "carol"}
)

func ts(s string) time.Time {
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return v
}

func members(ps ...model.Profile) []model.ChatMember {
	out := make([]model.ChatMember, len(ps))
	for i, p := range ps {
		out[i] = model.ChatMember{Profile: p}
	}
	return out
}

// fakeBackend is an in-memory backend.Client.
type fakeBackend struct {
	mu gosync.Mutex

	signedIn      bool
	userID        string
	chats         map[backend.ChatFilter][]backend.ChatRow
	chatErr       map[backend.ChatFilter]error
	messages      map[string][]model.Message
	relationships []model.RelationshipRow
	relErr        error
	mutationErr   error
	profiles      []model.Profile
	dmID          string

	fetchMessageCalls int
	mutations         []string
	sent              []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		signedIn: true,
		chats: map[backend.ChatFilter][]backend.ChatRow{
			backend.Conversations: {
				{
					Chat:     model.Chat{ID: "dm-alice", Type: model.Direct, Members: members(me, alice), UpdatedAt: ts("2024-01-01T00:00:00Z")},
					Messages: []model.Message{{ID: "a1", ChatID: "dm-alice", AuthorID: "u2", Content: "hey", CreatedAt: ts("2024-01-03T00:00:00Z")}},
				},
				{
					Chat: model.Chat{ID: "grp", Name: "Team", Type: model.Group, Members: members(me, alice, bob), UpdatedAt: ts("2024-01-02T00:00:00Z")},
				},
			},
			backend.Channels: {
				{Chat: model.Chat{ID: "random", Name: "random", Type: model.Public, UpdatedAt: ts("2024-01-01T00:00:00Z")}},
				{Chat: model.Chat{ID: "general", Name: "General", Type: model.Public, UpdatedAt: ts("2024-01-01T00:00:00Z")}},
			},
		},
		chatErr:  map[backend.ChatFilter]error{},
		messages: map[string][]model.Message{},
		relationships: []model.RelationshipRow{
			{Status: model.StatusFriends, User1: me, User2: alice},
			{Status: model.StatusPendingIncoming, User1: me, User2: bob},
		},
		profiles: []model.Profile{me, alice, bob, carol},
	}
}

func (f *fakeBackend) SignIn(_ context.Context, email, password string) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password != "secret" {
		return nil, &backend.APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}
	}
	f.signedIn = true
	return &model.Credential{AccessToken: "tok", UserID: me.ID}, nil
}

func (f *fakeBackend) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedIn = false
	return nil
}

func (f *fakeBackend) GetSession(context.Context) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signedIn {
		return nil, nil
	}
	return &model.Credential{AccessToken: "tok"}, nil
}

func (f *fakeBackend) GetUser(context.Context) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userID != "" {
		return model.User{ID: f.userID}, nil
	}
	return model.User{ID: me.ID, Email: "me@example.com"}, nil
}

func (f *fakeBackend) ValidateDeviceSession(context.Context) (bool, error) { return true, nil }

func (f *fakeBackend) FetchProfile(_ context.Context, id string) (model.Profile, error) {
	for _, p := range f.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Profile{}, backend.ErrNotFound
}

func (f *fakeBackend) FindProfileByUsername(_ context.Context, username string) (model.Profile, error) {
	for _, p := range f.profiles {
		if p.Username == username {
			return p, nil
		}
	}
	return model.Profile{}, backend.ErrNotFound
}

func (f *fakeBackend) FetchChats(_ context.Context, filter backend.ChatFilter) ([]backend.ChatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.chatErr[filter]; err != nil {
		return nil, err
	}
	return append([]backend.ChatRow(nil), f.chats[filter]...), nil
}

func (f *fakeBackend) FetchMessages(_ context.Context, chatID string, _ *time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchMessageCalls++
	msgs := f.messages[chatID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, chatID, id, content string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutationErr != nil {
		return model.Message{}, f.mutationErr
	}
	f.sent = append(f.sent, id)
	return model.Message{ID: id, ChatID: chatID, AuthorID: me.ID, Content: content, CreatedAt: time.Now().UTC()}, nil
}

func (f *fakeBackend) FetchRelationships(context.Context) ([]model.RelationshipRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relationships, f.relErr
}

func (f *fakeBackend) mutate(name, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutationErr != nil {
		return f.mutationErr
	}
	f.mutations = append(f.mutations, name+":"+target)
	return nil
}

func (f *fakeBackend) RequestFriend(_ context.Context, id string) error {
	return f.mutate("request_friend", id)
}

func (f *fakeBackend) AcceptFriendRequest(_ context.Context, id string) error {
	return f.mutate("accept_friend_request", id)
}

func (f *fakeBackend) RemoveRelationship(_ context.Context, id string) error {
	return f.mutate("remove_relationship", id)
}

func (f *fakeBackend) FindOrCreateDirectChat(_ context.Context, targetID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmID == "" {
		return "", errors.New("no dm configured")
	}
	return f.dmID, nil
}

// fakeTransport records joins and lets tests push broadcasts.
type fakeTransport struct {
	mu       gosync.Mutex
	handlers map[string]realtime.Handler
}

func (t *fakeTransport) Join(_ context.Context, topic string, h realtime.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[string]realtime.Handler)
	}
	t.handlers[topic] = h
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) joined(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[realtime.ChatTopic(chatID)]
	return ok
}

func (t *fakeTransport) push(tb testing.TB, chatID, event string, m model.Message) {
	tb.Helper()
	t.mu.Lock()
	h := t.handlers[realtime.ChatTopic(chatID)]
	t.mu.Unlock()
	if h == nil {
		tb.Fatalf("chat %s not joined", chatID)
	}
	payload, _ := json.Marshal(map[string]any{"message": m})
	h(event, payload)
}

type memState struct {
	mu       gosync.Mutex
	selected string
}

func (s *memState) SelectedChat(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, nil
}

func (s *memState) SetSelectedChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = id
	return nil
}

type env struct {
	backend   *fakeBackend
	transport *fakeTransport
	state     *memState
	bus       *bus.Bus
	ctrl      *Controller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		backend:   newFakeBackend(),
		transport: &fakeTransport{},
		state:     &memState{},
		bus:       bus.New(),
	}
	e.ctrl = e.build(t)
	return e
}

func (e *env) build(t *testing.T) *Controller {
	t.Helper()
	c := New(Deps{
		Backend:   e.backend,
		Transport: e.transport,
		State:     e.state,
		Bus:       e.bus,
		Logger:    zap.NewNop(),
	}, Options{PageSize: 25, RealtimeBuffer: 16})
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chatIDs(views []ChatView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Chat.ID
	}
	return out
}

func TestLoad(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := e.ctrl.Status(); got != status.Ready {
		t.Errorf("Status() = %s, want READY", got)
	}

	convs := e.ctrl.Conversations()
	if got := fmt.Sprint(chatIDs(convs)); got != "[dm-alice grp]" {
		t.Errorf("Conversations() = %s, want [dm-alice grp]", got)
	}
	if convs[0].Title != "alice" || convs[0].Last == nil || convs[0].Last.ID != "a1" {
		t.Errorf("dm view = %+v", convs[0])
	}
	if got := fmt.Sprint(chatIDs(e.ctrl.Channels())); got != "[general random]" {
		t.Errorf("Channels() = %s, want [general random]", got)
	}

	for _, id := range []string{"dm-alice", "grp", "general", "random"} {
		if !e.transport.joined(id) {
			t.Errorf("chat %s not subscribed", id)
		}
	}

	friends := e.ctrl.People(relationship.Friends)
	if len(friends) != 1 || friends[0].ID != alice.ID || !friends[0].Known {
		t.Errorf("friends = %+v", friends)
	}
	if incoming := e.ctrl.People(relationship.Incoming); len(incoming) != 1 || incoming[0].ID != bob.ID {
		t.Errorf("incoming = %+v", incoming)
	}

	snap := e.ctrl.Snapshot()
	if snap.Username != "me" || snap.Chats != 4 || snap.Subscriptions != 4 || snap.Messages != 1 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestLoadWithoutSession(t *testing.T) {
	e := newEnv(t)
	e.backend.signedIn = false

	err := e.ctrl.Load(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("Load() error = %v, want ErrReauthRequired", err)
	}
	if got := e.ctrl.Status(); got != status.AuthRequired {
		t.Errorf("Status() = %s, want AUTH_REQUIRED", got)
	}
	if _, err := e.ctrl.Profile(); err == nil {
		t.Error("profile readable without a session")
	}
	if len(e.ctrl.Conversations()) != 0 {
		t.Error("chats loaded without a session")
	}
	if _, err := e.ctrl.SendMessage("dm-alice", "hi"); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("SendMessage() error = %v, want ErrReauthRequired", err)
	}
}

func TestLoadDegradedKeepsGoodData(t *testing.T) {
	e := newEnv(t)
	e.backend.chatErr[backend.Channels] = errors.New("503 service unavailable")
	errs, unsub := e.bus.Subscribe(bus.KindError, 8)
	defer unsub()

	err := e.ctrl.Load(context.Background())
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("Load() error = %v, want ErrDegraded", err)
	}
	if got := e.ctrl.Status(); got != status.Degraded {
		t.Errorf("Status() = %s, want DEGRADED", got)
	}
	select {
	case evt := <-errs:
		if p := evt.Payload.(bus.ErrorPayload); p.Op != "fetch_channels" {
			t.Errorf("error op = %q, want fetch_channels", p.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("no ui.error event")
	}
	if len(e.ctrl.Conversations()) != 2 || len(e.ctrl.Channels()) != 0 {
		t.Errorf("conversations=%d channels=%d", len(e.ctrl.Conversations()), len(e.ctrl.Channels()))
	}

	// A later successful load recovers.
	delete(e.backend.chatErr, backend.Channels)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if got := e.ctrl.Status(); got != status.Ready {
		t.Errorf("Status() = %s, want READY", got)
	}
}

func TestLoadRejectsInvalidRowsWholesale(t *testing.T) {
	e := newEnv(t)
	rows := e.backend.chats[backend.Channels]
	e.backend.chats[backend.Channels] = append(rows, backend.ChatRow{Chat: model.Chat{ID: "bad", Type: "voice"}})

	if err := e.ctrl.Load(context.Background()); !errors.Is(err, ErrDegraded) {
		t.Fatalf("Load() error = %v, want ErrDegraded", err)
	}
	if n := len(e.ctrl.Channels()); n != 0 {
		t.Errorf("Channels() = %d rows, want none from a rejected listing", n)
	}
}

func TestLoadUnauthorizedFetch(t *testing.T) {
	e := newEnv(t)
	e.backend.relErr = &backend.APIError{Status: 401, Message: "JWT expired"}

	if err := e.ctrl.Load(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("Load() error = %v, want ErrReauthRequired", err)
	}
	if got := e.ctrl.Status(); got != status.AuthRequired {
		t.Errorf("Status() = %s, want AUTH_REQUIRED", got)
	}
}

func TestChatInBothListingsHasOneEntry(t *testing.T) {
	e := newEnv(t)
	dup := e.backend.chats[backend.Conversations][1]
	e.backend.chats[backend.Channels] = append(e.backend.chats[backend.Channels], dup)

	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := e.ctrl.Snapshot(); snap.Chats != 4 {
		t.Errorf("chats = %d, want 4", snap.Chats)
	}
}

func TestRealtimeReordersConversations(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.transport.push(t, "grp", "message-create", model.Message{ID: "g1", ChatID: "grp", AuthorID: bob.ID, CreatedAt: ts("2024-02-01T00:00:00Z")})
	waitFor(t, "group to move to the top", func() bool {
		convs := e.ctrl.Conversations()
		return len(convs) == 2 && convs[0].Chat.ID == "grp"
	})

	// Deleting the message keeps the chat's recency.
	e.transport.push(t, "grp", "message-delete", model.Message{ID: "g1", ChatID: "grp"})
	waitFor(t, "delete to apply", func() bool {
		msgs, _ := e.ctrl.Messages("grp")
		return len(msgs) == 0
	})
	if convs := e.ctrl.Conversations(); convs[0].Chat.ID != "grp" {
		t.Errorf("order after delete = %v", chatIDs(convs))
	}
}

func TestOpenChatFetchesOnceAndPersistsSelection(t *testing.T) {
	e := newEnv(t)
	base := ts("2024-03-01T00:00:00Z")
	for i := 29; i >= 0; i-- {
		e.backend.messages["general"] = append(e.backend.messages["general"],
			model.Message{ID: fmt.Sprintf("m%02d", i), ChatID: "general", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	entry, err := e.ctrl.OpenChat(context.Background(), "general")
	if err != nil {
		t.Fatalf("OpenChat() error = %v", err)
	}
	if len(entry.Messages) != 25 || entry.LastFetchedAt == nil {
		t.Fatalf("entry: %d messages, fetched %v", len(entry.Messages), entry.LastFetchedAt)
	}
	if _, err := e.ctrl.OpenChat(context.Background(), "general"); err != nil {
		t.Fatal(err)
	}
	if e.backend.fetchMessageCalls != 1 {
		t.Errorf("fetch calls = %d, want 1", e.backend.fetchMessageCalls)
	}
	if e.ctrl.Focused() != "general" || e.state.selected != "general" {
		t.Errorf("focused=%q selected=%q", e.ctrl.Focused(), e.state.selected)
	}

	if _, err := e.ctrl.OpenChat(context.Background(), "nope"); !errors.Is(err, ErrUnknownChat) {
		t.Errorf("OpenChat(unknown) error = %v, want ErrUnknownChat", err)
	}

	// A fresh client restores the selection.
	next := e.build(t)
	if err := next.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if next.Focused() != "general" {
		t.Errorf("restored focus = %q, want general", next.Focused())
	}
	if msgs, _ := next.Messages("general"); len(msgs) != 25 {
		t.Errorf("restored chat has %d messages, want 25", len(msgs))
	}

	e.ctrl.CloseChat(context.Background())
	if e.ctrl.Focused() != "" || e.state.selected != "" {
		t.Error("CloseChat did not clear the selection")
	}
}

func TestSendMessageDedupsRealtimeEcho(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	acks, unsub := e.bus.Subscribe(bus.KindSendAck, 4)
	defer unsub()

	id, err := e.ctrl.SendMessage("dm-alice", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	select {
	case <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("no send ack")
	}

	msgs, _ := e.ctrl.Messages("dm-alice")
	e.transport.push(t, "dm-alice", "message-create", msgs[len(msgs)-1])
	time.Sleep(20 * time.Millisecond)

	msgs, _ = e.ctrl.Messages("dm-alice")
	if len(msgs) != 2 || msgs[1].ID != id {
		t.Errorf("messages = %+v, want a1 and %s once", msgs, id)
	}
}

func TestSendMessageFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.backend.mutationErr = errors.New("insert denied")
	failed, unsub := e.bus.Subscribe(bus.KindSendFailed, 4)
	defer unsub()

	if _, err := e.ctrl.SendMessage("grp", "hello"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("no send failure")
	}
	if msgs, _ := e.ctrl.Messages("grp"); len(msgs) != 0 {
		t.Errorf("messages = %+v, want rollback", msgs)
	}
}

func TestRelationshipActions(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.ctrl.Relationship(context.Background(), relationship.AcceptRequest, bob.ID); err != nil {
		t.Fatalf("accept error = %v", err)
	}
	if st := e.ctrl.RelationshipState(bob.ID); st != relationship.Friends {
		t.Errorf("bob = %s, want friends", st)
	}

	e.backend.mutationErr = errors.New("rpc failed")
	if err := e.ctrl.Relationship(context.Background(), relationship.RemoveFriend, alice.ID); err == nil {
		t.Fatal("remove expected error")
	}
	if st := e.ctrl.RelationshipState(alice.ID); st != relationship.Friends {
		t.Errorf("alice = %s after failed remove, want friends", st)
	}

	e.backend.mutationErr = nil
	if err := e.ctrl.Relationship(context.Background(), relationship.CancelRequest, alice.ID); !errors.Is(err, relationship.ErrInvalidTransition) {
		t.Errorf("cancel on a friend error = %v, want ErrInvalidTransition", err)
	}
}

func TestAddFriend(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		want     relationship.State
		wantErr  error
	}{
		{"unknown user", "nobody", relationship.None, ErrNoSuchUser},
		{"blank", "  ", relationship.None, ErrNoSuchUser},
		{"self", "me", relationship.None, relationship.ErrSelf},
		{"already friends", "alice", relationship.Friends, relationship.ErrAlreadyFriends},
		{"incoming accepts", "@Bob", relationship.Friends, nil},
		{"new request", "carol", relationship.Outgoing, nil},
		{"repeat request is a no-op", "carol", relationship.Outgoing, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ctrl.AddFriend(ctx, tt.username)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddFriend(%q) error = %v, want %v", tt.username, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AddFriend(%q) = %s, want %s", tt.username, got, tt.want)
			}
		})
	}
	if got := fmt.Sprint(e.backend.mutations); got != "[accept_friend_request:u3 request_friend:u4]" {
		t.Errorf("mutations = %s", got)
	}
}

func TestDirectChatLoadsNewChat(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.backend.dmID = "dm-carol"
	e.backend.chats[backend.Conversations] = append(e.backend.chats[backend.Conversations],
		backend.ChatRow{Chat: model.Chat{ID: "dm-carol", Type: model.Direct, Members: members(me, carol), UpdatedAt: ts("2024-04-01T00:00:00Z")}})

	id, err := e.ctrl.DirectChat(context.Background(), carol.ID)
	if err != nil || id != "dm-carol" {
		t.Fatalf("DirectChat() = %q, %v", id, err)
	}
	if _, ok := e.ctrl.Chat(id); !ok {
		t.Error("new chat not cached")
	}
	if !e.transport.joined(id) {
		t.Error("new chat not subscribed")
	}
	if convs := e.ctrl.Conversations(); convs[0].Chat.ID != "dm-carol" || convs[0].Title != "carol" {
		t.Errorf("conversations = %v", chatIDs(convs))
	}
}

func TestSignOutAndSignIn(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.ctrl.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.ctrl.Status(); got != status.AuthRequired {
		t.Errorf("Status() = %s, want AUTH_REQUIRED", got)
	}
	if _, err := e.ctrl.OpenChat(context.Background(), "general"); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("OpenChat() after sign out error = %v", err)
	}

	var apiErr *backend.APIError
	if err := e.ctrl.SignIn(context.Background(), "me@example.com", "wrong"); !errors.As(err, &apiErr) {
		t.Errorf("SignIn(wrong) error = %v, want APIError", err)
	}
	if err := e.ctrl.SignIn(context.Background(), "me@example.com", "secret"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if got := e.ctrl.Status(); got != status.Ready {
		t.Errorf("Status() = %s, want READY", got)
	}
}

func TestUserSwitchDropsRelationships(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.ctrl.RelationshipState(alice.ID); got != relationship.Friends {
		t.Fatalf("RelationshipState(alice) = %s, want friends", got)
	}

	e.backend.mu.Lock()
	e.backend.userID = carol.ID
	e.backend.relErr = errors.New("connection reset")
	e.backend.mu.Unlock()

	if err := e.ctrl.Load(context.Background()); !errors.Is(err, ErrDegraded) {
		t.Fatalf("Load() error = %v, want ErrDegraded", err)
	}
	if friends := e.ctrl.People(relationship.Friends); len(friends) != 0 {
		t.Errorf("friends after user switch = %+v, want none", friends)
	}
	if incoming := e.ctrl.People(relationship.Incoming); len(incoming) != 0 {
		t.Errorf("incoming after user switch = %+v, want none", incoming)
	}
	if got := e.ctrl.RelationshipState(alice.ID); got != relationship.None {
		t.Errorf("RelationshipState(alice) = %s, want none", got)
	}
}

func TestSignOutDropsRelationships(t *testing.T) {
	e := newEnv(t)
	if err := e.ctrl.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.ctrl.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if friends := e.ctrl.People(relationship.Friends); len(friends) != 0 {
		t.Errorf("friends after sign out = %+v, want none", friends)
	}
	if got := e.ctrl.RelationshipState(bob.ID); got != relationship.None {
		t.Errorf("RelationshipState(bob) = %s, want none", got)
	}
}
