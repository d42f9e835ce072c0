package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/ui"
	"go.uber.org/zap"
)

// fakeTransport records joins and lets tests push events into a topic.
type fakeTransport struct {
	mu       gosync.Mutex
	handlers map[string]realtime.Handler
	joins    int
	err      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]realtime.Handler)}
}

func (f *fakeTransport) Join(_ context.Context, topic string, h realtime.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	if f.err != nil {
		return f.err
	}
	f.handlers[topic] = h
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) push(t *testing.T, chatID, event string, m model.Message) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[realtime.ChatTopic(chatID)]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", chatID)
	}
	payload, err := json.Marshal(map[string]any{"message": m})
	if err != nil {
		t.Fatal(err)
	}
	h(event, payload)
}

type harness struct {
	transport *fakeTransport
	cache     *cache.Cache
	focus     *ui.Focus
	bus       *bus.Bus
	events    <-chan bus.Event
	router    *Router
}

func newHarness(t *testing.T, buf int) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		cache:     cache.New(zap.NewNop(), nil),
		focus:     &ui.Focus{},
		bus:       bus.New(),
	}
	ch, unsub := h.bus.Subscribe("ui.", 64)
	t.Cleanup(unsub)
	h.events = ch
	n := ui.NewNotifier(h.bus, h.focus, zap.NewNop())
	h.router = NewRouter(h.transport, h.cache, n, buf, zap.NewNop(), nil)
	return h
}

func (h *harness) waitEvent(t *testing.T, kind string) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func ts(s string) time.Time {
	v, _ := time.Parse(time.RFC3339, s)
	return v
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t, 8)
	for range 3 {
		if err := h.router.Subscribe(context.Background(), "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if h.transport.joins != 1 {
		t.Errorf("transport joins = %d, want 1", h.transport.joins)
	}
	if !h.router.Subscribed("c1") || h.router.Subscriptions() != 1 {
		t.Error("c1 not tracked as subscribed")
	}
}

func TestSubscribeFailureCanRetry(t *testing.T) {
	h := newHarness(t, 8)
	h.transport.err = errors.New("socket down")
	if err := h.router.Subscribe(context.Background(), "c1"); err == nil {
		t.Fatal("Subscribe() expected error")
	}
	if h.router.Subscribed("c1") {
		t.Error("failed subscription tracked")
	}
	h.transport.err = nil
	if err := h.router.Subscribe(context.Background(), "c1"); err != nil {
		t.Fatalf("retry Subscribe() error = %v", err)
	}
}

// TestCreateThenDelete is the realtime end-to-end scenario: a create event
// sets the recency timestamps, the matching delete empties the chat but
// keeps UpdatedAt.
func TestCreateThenDelete(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "C1", Type: model.Direct, UpdatedAt: ts("2024-01-01T00:00:00Z")})
	h.focus.Set("C1")
	h.router.Start(context.Background())
	defer h.router.Stop()
	if err := h.router.Subscribe(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	m1 := model.Message{ID: "m1", ChatID: "C1", AuthorID: "u2", Content: "hi", CreatedAt: ts("2024-01-02T00:00:00Z")}
	h.transport.push(t, "C1", EventMessageCreate, m1)
	h.waitEvent(t, bus.KindChatMessagesChanged)
	h.waitEvent(t, bus.KindConversationsChanged)

	e, _ := h.cache.Get("C1")
	if e.LatestMessageAt == nil || !e.LatestMessageAt.Equal(m1.CreatedAt) || !e.UpdatedAt.Equal(m1.CreatedAt) {
		t.Fatalf("after create: latest=%v updated=%v", e.LatestMessageAt, e.UpdatedAt)
	}

	h.transport.push(t, "C1", EventMessageDelete, model.Message{ID: "m1", ChatID: "C1"})
	h.waitEvent(t, bus.KindChatMessagesChanged)

	e, _ = h.cache.Get("C1")
	if len(e.Messages) != 0 || e.LatestMessageAt != nil {
		t.Errorf("after delete: messages=%d latest=%v", len(e.Messages), e.LatestMessageAt)
	}
	if !e.UpdatedAt.Equal(m1.CreatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", e.UpdatedAt, m1.CreatedAt)
	}
}

func TestChannelEventDoesNotTouchConversations(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "general", Type: model.Public})
	h.cache.CreateEntry(model.Chat{ID: "marker", Type: model.Group})
	h.router.Start(context.Background())
	defer h.router.Stop()
	_ = h.router.Subscribe(context.Background(), "general")
	_ = h.router.Subscribe(context.Background(), "marker")

	h.transport.push(t, "general", EventMessageCreate, model.Message{ID: "m1", ChatID: "general", CreatedAt: time.Now()})
	h.transport.push(t, "marker", EventMessageCreate, model.Message{ID: "m2", ChatID: "marker", CreatedAt: time.Now()})

	// Events are dispatched in order, so the first ui event must be the
	// group chat's conversation signal.
	e := <-h.events
	if e.Kind != bus.KindConversationsChanged {
		t.Errorf("first event = %s, want %s", e.Kind, bus.KindConversationsChanged)
	}
	if entry, _ := h.cache.Get("general"); len(entry.Messages) != 1 {
		t.Errorf("channel message not cached")
	}
}

func TestUnknownChatDropped(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "known", Type: model.Direct})
	h.router.Start(context.Background())
	defer h.router.Stop()
	_ = h.router.Subscribe(context.Background(), "ghost")
	_ = h.router.Subscribe(context.Background(), "known")

	h.transport.push(t, "ghost", EventMessageCreate, model.Message{ID: "m1", ChatID: "ghost", CreatedAt: time.Now()})
	h.transport.push(t, "known", EventMessageCreate, model.Message{ID: "m2", ChatID: "known", CreatedAt: time.Now()})
	h.waitEvent(t, bus.KindConversationsChanged)

	if _, ok := h.cache.Get("ghost"); ok {
		t.Error("event for unknown chat created an entry")
	}
	if n, _ := h.cache.Stats(); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestMalformedEventsDropped(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Direct})
	h.router.Start(context.Background())
	defer h.router.Stop()
	_ = h.router.Subscribe(context.Background(), "c1")

	h.transport.push(t, "c1", "typing", model.Message{ID: "x", ChatID: "c1", CreatedAt: time.Now()})
	h.transport.push(t, "c1", EventMessageCreate, model.Message{ID: "no-time", ChatID: "c1"})
	h.transport.push(t, "c1", EventMessageCreate, model.Message{ID: "elsewhere", ChatID: "c2", CreatedAt: time.Now()})
	h.transport.push(t, "c1", EventMessageCreate, model.Message{ID: "ok", CreatedAt: time.Now()})
	h.waitEvent(t, bus.KindConversationsChanged)

	e, _ := h.cache.Get("c1")
	if len(e.Messages) != 1 || e.Messages[0].ID != "ok" || e.Messages[0].ChatID != "c1" {
		t.Errorf("messages = %+v, want only ok", e.Messages)
	}
}

func TestFullQueueDrops(t *testing.T) {
	h := newHarness(t, 2)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Group})
	_ = h.router.Subscribe(context.Background(), "c1")

	// Dispatcher not started: the queue fills and the rest are dropped.
	for i := range 5 {
		h.transport.push(t, "c1", EventMessageCreate, model.Message{ID: fmt.Sprintf("m%d", i), ChatID: "c1", CreatedAt: time.Now()})
	}
	h.router.Start(context.Background())
	defer h.router.Stop()
	h.waitEvent(t, bus.KindConversationsChanged)
	h.waitEvent(t, bus.KindConversationsChanged)

	e, _ := h.cache.Get("c1")
	if len(e.Messages) != 2 {
		t.Errorf("cached %d messages, want 2 (rest dropped)", len(e.Messages))
	}
}

type fakeFetcher struct {
	mu    gosync.Mutex
	pages map[string][]model.Message
	err   error
	calls []*time.Time
}

func (f *fakeFetcher) FetchMessages(_ context.Context, chatID string, after *time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, after)
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[chatID]
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// descendingPage builds n messages newest first, one minute apart from base.
func descendingPage(chatID string, base time.Time, n int) []model.Message {
	out := make([]model.Message, n)
	for i := range out {
		k := n - 1 - i
		out[i] = model.Message{ID: fmt.Sprintf("m%02d", k), ChatID: chatID, CreatedAt: base.Add(time.Duration(k) * time.Minute)}
	}
	return out
}

func newReconciler(h *harness, f MessageFetcher) *Reconciler {
	r := NewReconciler(f, h.cache, ui.NewNotifier(h.bus, h.focus, nil), 25, zap.NewNop(), nil)
	r.now = func() time.Time { return ts("2024-03-01T00:00:00Z") }
	return r
}

func TestEnsureFetchedPagedMerge(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Public})
	h.focus.Set("c1")
	base := ts("2024-02-01T00:00:00Z")
	f := &fakeFetcher{pages: map[string][]model.Message{"c1": descendingPage("c1", base, 30)}}
	r := newReconciler(h, f)

	ran, err := r.EnsureFetched(context.Background(), "c1")
	if err != nil || !ran {
		t.Fatalf("EnsureFetched() = %v, %v", ran, err)
	}
	h.waitEvent(t, bus.KindChatMessagesChanged)

	e, _ := h.cache.Get("c1")
	if len(e.Messages) != 25 {
		t.Fatalf("cached %d messages, want 25", len(e.Messages))
	}
	if e.LastFetchedAt == nil || !e.LastFetchedAt.Equal(ts("2024-03-01T00:00:00Z")) {
		t.Errorf("LastFetchedAt = %v", e.LastFetchedAt)
	}
	if want := base.Add(5 * time.Minute); !e.OldestMessageAt.Equal(want) {
		t.Errorf("OldestMessageAt = %v, want %v", e.OldestMessageAt, want)
	}
	if want := base.Add(29 * time.Minute); !e.LatestMessageAt.Equal(want) {
		t.Errorf("LatestMessageAt = %v, want %v", e.LatestMessageAt, want)
	}

	ran, err = r.EnsureFetched(context.Background(), "c1")
	if err != nil || ran {
		t.Errorf("second EnsureFetched() = %v, %v; want no fetch", ran, err)
	}
	if len(f.calls) != 1 || f.calls[0] != nil {
		t.Errorf("fetch calls = %v", f.calls)
	}
}

func TestEnsureFetchedErrorLeavesCache(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Direct})
	r := newReconciler(h, &fakeFetcher{err: errors.New("503")})

	if _, err := r.EnsureFetched(context.Background(), "c1"); err == nil {
		t.Fatal("EnsureFetched() expected error")
	}
	e, _ := h.cache.Get("c1")
	if e.LastFetchedAt != nil || len(e.Messages) != 0 {
		t.Errorf("cache mutated after failed fetch: %+v", e)
	}
}

func TestFetchRejectsForeignMessages(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Direct})
	f := &fakeFetcher{pages: map[string][]model.Message{"c1": {{ID: "x", ChatID: "c2", CreatedAt: time.Now()}}}}
	r := newReconciler(h, f)

	if _, err := r.EnsureFetched(context.Background(), "c1"); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("EnsureFetched() error = %v, want ErrInvalid", err)
	}
	if e, _ := h.cache.Get("c1"); len(e.Messages) != 0 {
		t.Error("foreign message cached")
	}
}

// TestStaleFetchMergesSilently: the user navigated away before the fetch
// returned. The result is cached but the message view is not repainted.
func TestStaleFetchMergesSilently(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Public})
	h.focus.Set("elsewhere")
	f := &fakeFetcher{pages: map[string][]model.Message{"c1": descendingPage("c1", time.Now(), 3)}}
	r := newReconciler(h, f)

	if _, err := r.EnsureFetched(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-h.events:
		t.Errorf("unexpected event %s for unfocused channel", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	if e, _ := h.cache.Get("c1"); len(e.Messages) != 3 {
		t.Errorf("cached %d messages, want 3", len(e.Messages))
	}
}

func TestRefreshIsIncremental(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Direct})
	latest := ts("2024-02-01T00:00:00Z")
	h.cache.AddMessages("c1", model.Message{ID: "old", ChatID: "c1", CreatedAt: latest})
	f := &fakeFetcher{pages: map[string][]model.Message{"c1": {{ID: "new", ChatID: "c1", CreatedAt: latest.Add(time.Hour)}}}}
	r := newReconciler(h, f)

	if err := r.Refresh(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || f.calls[0] == nil || !f.calls[0].Equal(latest) {
		t.Errorf("fetch after = %v, want %v", f.calls, latest)
	}
	if e, _ := h.cache.Get("c1"); len(e.Messages) != 2 {
		t.Errorf("cached %d messages, want 2", len(e.Messages))
	}
	if err := r.Refresh(context.Background(), "missing"); err == nil {
		t.Error("Refresh() of unknown chat expected error")
	}
}

// restFetcher answers like the REST endpoint: rows newer than after, newest
// first, at most limit of them.
type restFetcher struct {
	all []model.Message // ascending
}

func (f *restFetcher) FetchMessages(_ context.Context, _ string, after *time.Time, limit int) ([]model.Message, error) {
	var out []model.Message
	for i := len(f.all) - 1; i >= 0 && len(out) < limit; i-- {
		if after != nil && !f.all[i].CreatedAt.After(*after) {
			break
		}
		out = append(out, f.all[i])
	}
	return out, nil
}

func TestRefreshOverFullPageLeavesNoGap(t *testing.T) {
	h := newHarness(t, 8)
	h.cache.CreateEntry(model.Chat{ID: "c1", Type: model.Direct})
	base := ts("2024-02-01T00:00:00Z")
	old := model.Message{ID: "n00", ChatID: "c1", CreatedAt: base}
	h.cache.AddMessages("c1", old)

	f := &restFetcher{all: []model.Message{old}}
	for i := 1; i <= 30; i++ {
		f.all = append(f.all, model.Message{ID: fmt.Sprintf("n%02d", i), ChatID: "c1", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	m := metrics.New()
	r := NewReconciler(f, h.cache, ui.NewNotifier(h.bus, h.focus, nil), 25, zap.NewNop(), m)

	if err := r.Refresh(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	e, _ := h.cache.Get("c1")
	if len(e.Messages) != 25 {
		t.Fatalf("cached %d messages, want the latest 25", len(e.Messages))
	}
	// The cached window must be contiguous: n06..n30 with nothing older.
	for i, msg := range e.Messages {
		if want := fmt.Sprintf("n%02d", i+6); msg.ID != want {
			t.Fatalf("message %d = %s, want %s", i, msg.ID, want)
		}
	}
	if want := base.Add(30 * time.Minute); !e.LatestMessageAt.Equal(want) {
		t.Errorf("LatestMessageAt = %v, want %v", e.LatestMessageAt, want)
	}

	// A following refresh with a short page merges normally.
	f.all = append(f.all, model.Message{ID: "n31", ChatID: "c1", CreatedAt: base.Add(31 * time.Minute)})
	if err := r.Refresh(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if e, _ := h.cache.Get("c1"); len(e.Messages) != 26 || e.Messages[0].ID != "n06" {
		t.Errorf("after short refresh: %d messages, first %s", len(e.Messages), e.Messages[0].ID)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if want := `chatsync_backend_fetches_total{op="merge_messages",result="ok"} 2`; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("metrics output missing %q", want)
	}
}
