// Package outbox sends chat messages optimistically: a queued message shows
// up in the cache at once under a client-generated id and is confirmed or
// rolled back when the backend answers.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/ui"
	"go.uber.org/zap"
)

var (
	ErrEmpty   = errors.New("outbox: empty message")
	ErrFull    = errors.New("outbox: queue full")
	ErrUnknown = errors.New("outbox: chat not loaded")
)

// MessageSender is the backend call that stores a message.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, id, content string) (model.Message, error)
}

// AckPayload is carried by message.send_ack.
type AckPayload struct {
	ChatID      string
	ClientMsgID string
}

// FailedPayload is carried by message.send_failed.
type FailedPayload struct {
	ChatID      string
	ClientMsgID string
	Error       string
}

type pending struct {
	msg model.Message
}

// Sender drains queued messages one at a time.
type Sender struct {
	backend  MessageSender
	cache    *cache.Cache
	notifier *ui.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
	author   func() string
	now      func() time.Time

	queue  chan pending
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a sender. author returns the signed-in user id stamped
// on optimistic messages.
func NewSender(backend MessageSender, c *cache.Cache, n *ui.Notifier, b *bus.Bus, author func() string, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		backend:  backend,
		cache:    c,
		notifier: n,
		bus:      b,
		logger:   logger,
		author:   author,
		now:      time.Now,
		queue:    make(chan pending, 64),
	}
}

// Queue inserts the message into the chat optimistically and schedules the
// send. It returns the client message id.
func (s *Sender) Queue(chatID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmpty
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		AuthorID:  s.author(),
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	entry, ok := s.cache.Get(chatID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, chatID)
	}

	s.cache.AddMessages(chatID, msg)
	select {
	case s.queue <- pending{msg: msg}:
	default:
		s.cache.RemoveMessages(chatID, msg)
		return "", ErrFull
	}
	s.notifier.ChatTouched(chatID, entry.Details.Type)
	s.logger.Debug("message queued", zap.String("chat_id", chatID), zap.String("client_msg_id", msg.ID))
	return msg.ID, nil
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight send to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case p := <-s.queue:
			s.send(ctx, p.msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) send(ctx context.Context, msg model.Message) {
	confirmed, err := s.backend.SendMessage(ctx, msg.ChatID, msg.ID, msg.Content)
	if err == nil {
		err = confirmed.Validate()
	}
	if err == nil && confirmed.ID != msg.ID {
		err = fmt.Errorf("%w: confirmed id %s does not match %s", model.ErrInvalid, confirmed.ID, msg.ID)
	}

	entry, _ := s.cache.Get(msg.ChatID)
	if err != nil {
		s.cache.RemoveMessages(msg.ChatID, msg)
		s.notifier.ChatTouched(msg.ChatID, entry.Details.Type)
		s.notifier.Error("send_message", err)
		s.bus.Publish(bus.Event{
			Kind:    bus.KindSendFailed,
			Payload: FailedPayload{ChatID: msg.ChatID, ClientMsgID: msg.ID, Error: err.Error()},
		})
		return
	}

	// The confirmed row replaces the optimistic one; the realtime echo of
	// the same id dedups against it.
	s.cache.AddMessages(msg.ChatID, confirmed)
	s.notifier.ChatTouched(msg.ChatID, entry.Details.Type)
	s.logger.Info("message sent", zap.String("chat_id", msg.ChatID), zap.String("client_msg_id", msg.ID))
	s.bus.Publish(bus.Event{
		Kind:    bus.KindSendAck,
		Payload: AckPayload{ChatID: msg.ChatID, ClientMsgID: msg.ID},
	})
}
