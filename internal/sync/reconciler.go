package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/ui"
	"go.uber.org/zap"
)

// MessageFetcher is the paged message API.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, chatID string, after *time.Time, limit int) ([]model.Message, error)
}

// Reconciler fills chats from the paged fetch API. Results merge into the
// cache whenever they arrive; fetches are never cancelled by navigation.
type Reconciler struct {
	fetcher  MessageFetcher
	cache    *cache.Cache
	notifier *ui.Notifier
	pageSize int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(f MessageFetcher, c *cache.Cache, n *ui.Notifier, pageSize int, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		fetcher:  f,
		cache:    c,
		notifier: n,
		pageSize: pageSize,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// EnsureFetched loads the latest page for chatID when a fetch is due. It
// reports whether a fetch ran.
func (r *Reconciler) EnsureFetched(ctx context.Context, chatID string) (bool, error) {
	if !r.cache.FetchDue(chatID) {
		return false, nil
	}
	return true, r.fetch(ctx, chatID, nil)
}

// Refresh fetches what arrived after the newest cached message, or the
// latest page when the chat is empty. When more than a page arrived, the
// cache keeps only the latest page so it never holds a gap.
func (r *Reconciler) Refresh(ctx context.Context, chatID string) error {
	entry, ok := r.cache.Get(chatID)
	if !ok {
		return fmt.Errorf("refresh %s: chat not loaded", chatID)
	}
	return r.fetch(ctx, chatID, entry.LatestMessageAt)
}

func (r *Reconciler) fetch(ctx context.Context, chatID string, after *time.Time) (err error) {
	defer func() { r.metrics.Fetch("merge_messages", err) }()

	msgs, err := r.fetcher.FetchMessages(ctx, chatID, after, r.pageSize)
	if err != nil {
		return fmt.Errorf("fetch messages %s: %w", chatID, err)
	}
	for _, m := range msgs {
		if m.ChatID != chatID {
			return fmt.Errorf("fetch messages %s: %w: message %s belongs to %s", chatID, model.ErrInvalid, m.ID, m.ChatID)
		}
	}

	// A full page after the newest cached message only holds the newest
	// arrivals; older ones may sit between it and the cache. The page then
	// replaces the cached window.
	var stale []model.Message
	if after != nil && len(msgs) >= r.pageSize {
		entry, _ := r.cache.Get(chatID)
		for _, m := range entry.Messages {
			if !m.CreatedAt.After(*after) {
				stale = append(stale, m)
			}
		}
	}

	if len(msgs) > 0 && !r.cache.AddMessages(chatID, msgs...) {
		return fmt.Errorf("fetch messages %s: chat not loaded", chatID)
	}
	if len(stale) > 0 {
		r.cache.RemoveMessages(chatID, stale...)
		r.logger.Info("refresh page full, cached window replaced",
			zap.String("chat_id", chatID), zap.Int("dropped", len(stale)))
	}
	if !r.cache.MarkFetched(chatID, r.now()) {
		return fmt.Errorf("fetch messages %s: chat not loaded", chatID)
	}

	entry, _ := r.cache.Get(chatID)
	r.notifier.ChatTouched(chatID, entry.Details.Type)
	r.logger.Debug("chat fetched",
		zap.String("chat_id", chatID), zap.Int("count", len(msgs)), zap.Bool("incremental", after != nil))
	return nil
}
