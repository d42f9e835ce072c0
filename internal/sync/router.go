package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/ui"
	"go.uber.org/zap"
)

// Realtime event names broadcast on chat topics.
const (
	EventMessageCreate = "message-create"
	EventMessageDelete = "message-delete"
)

type inbound struct {
	chatID  string
	event   string
	payload json.RawMessage
}

// Router feeds realtime chat events into the cache. Transport callbacks only
// enqueue; one dispatcher goroutine applies events in arrival order. A full
// queue drops the event: delivery is at-most-once and the next fetch of the
// chat repairs the gap.
type Router struct {
	transport realtime.Transport
	cache     *cache.Cache
	notifier  *ui.Notifier
	logger    *zap.Logger
	metrics   *metrics.Metrics

	queue chan inbound

	mu         gosync.Mutex
	subscribed map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a router with a queue of bufSize events.
func NewRouter(t realtime.Transport, c *cache.Cache, n *ui.Notifier, bufSize int, logger *zap.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufSize < 1 {
		bufSize = 1
	}
	return &Router{
		transport:  t,
		cache:      c,
		notifier:   n,
		logger:     logger,
		metrics:    m,
		queue:      make(chan inbound, bufSize),
		subscribed: make(map[string]struct{}),
	}
}

// Start runs the dispatcher until ctx is done or Stop is called.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			select {
			case in := <-r.queue:
				r.dispatch(in)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the dispatcher and waits for it to exit. Subscriptions stay
// open until the transport is closed.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Subscribe opens the chat's realtime subscription. Subscribing to a chat
// twice is a no-op; a failed subscription may be retried.
func (r *Router) Subscribe(ctx context.Context, chatID string) error {
	r.mu.Lock()
	if _, ok := r.subscribed[chatID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.subscribed[chatID] = struct{}{}
	r.mu.Unlock()

	err := r.transport.Join(ctx, realtime.ChatTopic(chatID), func(event string, payload json.RawMessage) {
		r.enqueue(inbound{chatID: chatID, event: event, payload: payload})
	})
	if err != nil {
		r.mu.Lock()
		delete(r.subscribed, chatID)
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", chatID, err)
	}
	r.metrics.Subscribed()
	return nil
}

// Subscribed reports whether chatID has a realtime subscription.
func (r *Router) Subscribed(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscribed[chatID]
	return ok
}

// Subscriptions returns the number of subscribed chats.
func (r *Router) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribed)
}

func (r *Router) enqueue(in inbound) {
	select {
	case r.queue <- in:
	default:
		r.metrics.RealtimeDropped("queue_full")
		r.logger.Warn("realtime queue full, dropping event",
			zap.String("chat_id", in.chatID), zap.String("event", in.event))
	}
}

type messagePayload struct {
	Message model.Message `json:"message"`
}

func (r *Router) dispatch(in inbound) {
	if in.event != EventMessageCreate && in.event != EventMessageDelete {
		r.drop(in, "unknown_event", nil)
		return
	}

	var p messagePayload
	if err := json.Unmarshal(in.payload, &p); err != nil {
		r.drop(in, "undecodable", err)
		return
	}
	msg := p.Message
	if msg.ChatID == "" {
		msg.ChatID = in.chatID
	}
	if msg.ChatID != in.chatID {
		r.drop(in, "wrong_chat", fmt.Errorf("payload chat %s", msg.ChatID))
		return
	}

	var applied bool
	switch in.event {
	case EventMessageCreate:
		if err := msg.Validate(); err != nil {
			r.drop(in, "invalid", err)
			return
		}
		applied = r.cache.AddMessages(in.chatID, msg)
	case EventMessageDelete:
		if msg.ID == "" {
			r.drop(in, "invalid", fmt.Errorf("%w: delete without message id", model.ErrInvalid))
			return
		}
		applied = r.cache.RemoveMessages(in.chatID, msg)
	}
	if !applied {
		r.drop(in, "unknown_chat", nil)
		return
	}

	r.metrics.RealtimeEvent(in.event)
	entry, _ := r.cache.Get(in.chatID)
	r.notifier.ChatTouched(in.chatID, entry.Details.Type)
	r.logger.Debug("realtime event applied",
		zap.String("chat_id", in.chatID), zap.String("event", in.event), zap.String("msg_id", msg.ID))
}

func (r *Router) drop(in inbound, reason string, err error) {
	r.metrics.RealtimeDropped(reason)
	r.logger.Debug("realtime event dropped",
		zap.String("chat_id", in.chatID), zap.String("event", in.event), zap.String("reason", reason), zap.Error(err))
}
