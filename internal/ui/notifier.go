// Package ui carries the re-render signals for presentation collaborators:
// which chat is focused, and bus events when what they show changed.
package ui

import (
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Focus is the chat currently on screen. Last writer wins.
type Focus struct {
	id atomic.Pointer[string]
}

// Set focuses chatID; "" clears focus.
func (f *Focus) Set(chatID string) {
	f.id.Store(&chatID)
}

// Current returns the focused chat id or "".
func (f *Focus) Current() string {
	if p := f.id.Load(); p != nil {
		return *p
	}
	return ""
}

// Is reports whether chatID is focused.
func (f *Focus) Is(chatID string) bool {
	return chatID != "" && f.Current() == chatID
}

// Notifier publishes ui.* events. Message-list signals for a chat that is
// not focused are dropped: a stale fetch completing after navigation still
// merges into the cache but does not repaint.
type Notifier struct {
	bus    *bus.Bus
	focus  *Focus
	logger *zap.Logger
}

func NewNotifier(b *bus.Bus, focus *Focus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{bus: b, focus: focus, logger: logger}
}

// MessagesChanged signals that chatID's message list changed.
func (n *Notifier) MessagesChanged(chatID string) {
	if !n.focus.Is(chatID) {
		return
	}
	n.bus.Publish(bus.Event{Kind: bus.KindChatMessagesChanged, Payload: bus.ChatPayload{ChatID: chatID}})
}

// ConversationsChanged signals that the recency-ordered conversation list changed.
func (n *Notifier) ConversationsChanged() {
	n.bus.Publish(bus.Event{Kind: bus.KindConversationsChanged})
}

func (n *Notifier) RelationshipsChanged() {
	n.bus.Publish(bus.Event{Kind: bus.KindRelationshipsChanged})
}

// ChatTouched is the signal after a message mutation in a chat of type t.
func (n *Notifier) ChatTouched(chatID string, t model.ChatType) {
	n.MessagesChanged(chatID)
	if t.Conversation() {
		n.ConversationsChanged()
	}
}

// Error reports a failed operation on the visible error surface and the log.
func (n *Notifier) Error(op string, err error) {
	n.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
	n.bus.Publish(bus.Event{Kind: bus.KindError, Payload: bus.ErrorPayload{Op: op, Err: err.Error()}})
}
