// Package app is the client core: it owns every context object (session,
// entities, cache, relationships) and runs the load, navigation and
// mutation flows against the injected backend and realtime transport.
package app

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/relationship"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/ui"
	"go.uber.org/zap"
)

var (
	// ErrReauthRequired is returned when the user has to sign in again.
	ErrReauthRequired = session.ErrReauthRequired
	// ErrDegraded is returned by Load when the session is valid but part of
	// the initial data failed to load.
	ErrDegraded    = errors.New("app: loaded with errors")
	ErrUnknownChat = errors.New("app: chat not loaded")
	ErrNoSuchUser  = errors.New("app: no such user")
)

// UIState persists presentation state across restarts.
type UIState interface {
	SelectedChat(ctx context.Context) (string, error)
	SetSelectedChat(ctx context.Context, chatID string) error
}

// Deps are the collaborators a Controller is built from. State, Session,
// Logger and Metrics are optional.
type Deps struct {
	Backend   backend.Client
	Transport realtime.Transport
	State     UIState
	Bus       *bus.Bus
	Session   *session.Context
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Options tune the sync layer.
type Options struct {
	PageSize       int
	RealtimeBuffer int
}

// Controller is the application core.
type Controller struct {
	backend backend.Client
	state   UIState
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	session       *session.Context
	entities      *entity.Store
	cache         *cache.Cache
	relationships *relationship.Tracker
	status        *status.Machine
	focus         *ui.Focus
	notifier      *ui.Notifier
	router        *sync.Router
	reconciler    *sync.Reconciler
	outbox        *outbox.Sender

	loadMu     gosync.Mutex
	loadedUser string
}

// New wires a controller. Start must be called before realtime events and
// queued sends are processed.
func New(d Deps, opts Options) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 25
	}
	if opts.RealtimeBuffer <= 0 {
		opts.RealtimeBuffer = 256
	}
	sess := d.Session
	if sess == nil {
		sess = session.New()
	}

	c := &Controller{
		backend:  d.Backend,
		state:    d.State,
		bus:      d.Bus,
		logger:   logger,
		metrics:  d.Metrics,
		session:  sess,
		entities: entity.New(),
		cache:    cache.New(logger.Named("cache"), d.Metrics),
		status:   status.NewMachine(d.Bus),
		focus:    &ui.Focus{},
	}
	c.notifier = ui.NewNotifier(d.Bus, c.focus, logger)
	c.relationships = relationship.New(d.Backend, c.entities, logger.Named("relationships"))
	c.router = sync.NewRouter(d.Transport, c.cache, c.notifier, opts.RealtimeBuffer, logger.Named("router"), d.Metrics)
	c.reconciler = sync.NewReconciler(d.Backend, c.cache, c.notifier, opts.PageSize, logger.Named("reconciler"), d.Metrics)
	c.outbox = outbox.NewSender(d.Backend, c.cache, c.notifier, d.Bus, sess.UserID, logger.Named("outbox"))
	return c
}

// Start runs the realtime dispatcher and the send queue.
func (c *Controller) Start(ctx context.Context) {
	c.router.Start(ctx)
	c.outbox.Start(ctx)
}

// Stop stops the loops started by Start.
func (c *Controller) Stop() {
	c.outbox.Stop()
	c.router.Stop()
}

// Load runs the full startup sequence: session init, bulk chat and
// relationship fetches, realtime subscriptions and restoring the selected
// chat. An auth failure returns an error wrapping ErrReauthRequired; other
// failures are reported, leave the status DEGRADED and return ErrDegraded.
func (c *Controller) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.transition(status.Authenticating, "")
	if err := session.Init(ctx, c.session, c.backend, c.logger.Named("session")); err != nil {
		c.transition(status.AuthRequired, err.Error())
		return err
	}
	selfID := c.session.UserID()
	if c.loadedUser != "" && c.loadedUser != selfID {
		c.logger.Info("signed in as a different user, dropping cached state",
			zap.String("previous_user_id", c.loadedUser), zap.String("user_id", selfID))
		c.entities.Reset()
		c.cache.Reset()
		c.relationships.Reset()
		c.focus.Set("")
	}
	c.loadedUser = selfID
	if p, err := c.session.Profile(); err == nil {
		c.entities.UpsertProfile(p)
	}

	c.transition(status.Loading, "")
	var errs []error
	for _, f := range []backend.ChatFilter{backend.Conversations, backend.Channels} {
		if err := c.loadChats(ctx, f); err != nil {
			c.notifier.Error("fetch_"+f.String(), err)
			errs = append(errs, err)
		}
	}
	if err := c.relationships.Sync(ctx, selfID); err != nil {
		c.notifier.Error("fetch_relationships", err)
		errs = append(errs, err)
	} else {
		c.notifier.RelationshipsChanged()
	}
	for _, chat := range c.entities.Chats() {
		if err := c.router.Subscribe(ctx, chat.ID); err != nil {
			c.logger.Warn("realtime subscribe failed", zap.String("chat_id", chat.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := c.restoreSelection(ctx); err != nil {
		c.notifier.Error("restore_selection", err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		if unauthorized(err) {
			c.session.Reset()
			c.transition(status.AuthRequired, err.Error())
			return fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
		c.transition(status.Degraded, err.Error())
		return fmt.Errorf("%w: %w", ErrDegraded, err)
	}
	c.transition(status.Ready, "")
	chats, _ := c.entities.Counts()
	c.logger.Info("client ready", zap.Int("chats", chats), zap.Int("subscriptions", c.router.Subscriptions()))
	return nil
}

// loadChats fetches one chat listing, validates every row and only then
// merges it into the entity store and cache.
func (c *Controller) loadChats(ctx context.Context, filter backend.ChatFilter) error {
	rows, err := c.backend.FetchChats(ctx, filter)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", filter, err)
	}
	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("fetch %s: %w", filter, err)
		}
	}

	for _, r := range rows {
		c.entities.UpsertChat(r.Chat)
		for _, m := range r.Members {
			c.entities.UpsertProfile(m.Profile)
		}
		c.cache.CreateEntry(r.Chat)
		if len(r.Messages) > 0 {
			c.cache.AddMessages(r.ID, r.Messages...)
		}
		for _, m := range r.Messages {
			if m.Author != nil {
				c.entities.UpsertProfile(*m.Author)
			}
		}
	}
	if filter == backend.Conversations {
		c.notifier.ConversationsChanged()
	}
	c.logger.Debug("chats loaded", zap.Stringer("filter", filter), zap.Int("count", len(rows)))
	return nil
}

func (c *Controller) restoreSelection(ctx context.Context) error {
	if c.state == nil {
		return nil
	}
	id, err := c.state.SelectedChat(ctx)
	if err != nil || id == "" {
		return err
	}
	if _, ok := c.cache.Get(id); !ok {
		c.logger.Info("selected chat no longer listed", zap.String("chat_id", id))
		return c.state.SetSelectedChat(ctx, "")
	}
	c.focus.Set(id)
	if _, err := c.reconciler.EnsureFetched(ctx, id); err != nil {
		return err
	}
	return nil
}

// SignIn authenticates with email and password, then loads.
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	if _, err := c.backend.SignIn(ctx, email, password); err != nil {
		c.notifier.Error("sign_in", err)
		return fmt.Errorf("sign in: %w", err)
	}
	return c.Load(ctx)
}

// SignOut forgets the credential and returns to AUTH_REQUIRED.
func (c *Controller) SignOut(ctx context.Context) error {
	err := c.backend.SignOut(ctx)
	c.session.Reset()
	c.relationships.Reset()
	c.focus.Set("")
	c.transition(status.AuthRequired, "signed out")
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// OpenChat focuses chatID, remembers it as the selected chat and fetches
// its latest page when due. The returned entry reflects the cache after the
// fetch.
func (c *Controller) OpenChat(ctx context.Context, chatID string) (cache.Entry, error) {
	if err := c.requireSession(); err != nil {
		return cache.Entry{}, err
	}
	if _, ok := c.cache.Get(chatID); !ok {
		return cache.Entry{}, fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}

	c.focus.Set(chatID)
	c.saveSelection(ctx, chatID)

	ran, err := c.reconciler.EnsureFetched(ctx, chatID)
	if err != nil {
		c.notifier.Error("fetch_messages", err)
	} else if !ran {
		c.notifier.MessagesChanged(chatID)
	}
	entry, _ := c.cache.Get(chatID)
	return entry, err
}

// CloseChat clears focus and the selected chat.
func (c *Controller) CloseChat(ctx context.Context) {
	c.focus.Set("")
	c.saveSelection(ctx, "")
}

// Focused returns the focused chat id or "".
func (c *Controller) Focused() string {
	return c.focus.Current()
}

// RefreshChat fetches the messages newer than the chat's latest cached one.
func (c *Controller) RefreshChat(ctx context.Context, chatID string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if err := c.reconciler.Refresh(ctx, chatID); err != nil {
		c.notifier.Error("fetch_messages", err)
		return err
	}
	return nil
}

func (c *Controller) saveSelection(ctx context.Context, chatID string) {
	if c.state == nil {
		return
	}
	if err := c.state.SetSelectedChat(ctx, chatID); err != nil {
		c.logger.Warn("persist selected chat", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// SendMessage queues content for chatID. The message is visible in the
// cache immediately; the outcome is published as message.send_ack or
// message.send_failed.
func (c *Controller) SendMessage(chatID, content string) (string, error) {
	if err := c.requireSession(); err != nil {
		return "", err
	}
	id, err := c.outbox.Queue(chatID, content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

// Relationship applies action to userID and signals the relationship views
// on success. Failures are reported and leave the sets unchanged.
func (c *Controller) Relationship(ctx context.Context, action relationship.Action, userID string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if err := c.relationships.Apply(ctx, action, userID); err != nil {
		c.notifier.Error(string(action), err)
		return err
	}
	c.notifier.RelationshipsChanged()
	return nil
}

// AddFriend looks username up and runs the add-friend flow against it. It
// returns the resulting relationship state.
func (c *Controller) AddFriend(ctx context.Context, username string) (relationship.State, error) {
	if err := c.requireSession(); err != nil {
		return relationship.None, err
	}
	p, err := c.LookupUser(ctx, username)
	if err != nil {
		return relationship.None, err
	}
	if p.ID == c.session.UserID() {
		return relationship.None, relationship.ErrSelf
	}

	st, err := c.relationships.Add(ctx, p.ID)
	switch {
	case errors.Is(err, relationship.ErrAlreadyFriends), errors.Is(err, relationship.ErrSelf):
		return st, err
	case err != nil:
		c.notifier.Error("add_friend", err)
		return st, err
	}
	c.notifier.RelationshipsChanged()
	return st, nil
}

// LookupUser resolves a username, from the entity store when loaded and
// from the backend otherwise.
func (c *Controller) LookupUser(ctx context.Context, username string) (model.Profile, error) {
	username = normalizeUsername(username)
	if username == "" {
		return model.Profile{}, fmt.Errorf("%w: empty username", ErrNoSuchUser)
	}
	if p, ok := c.entities.ProfileByUsername(username); ok {
		return p, nil
	}
	p, err := c.backend.FindProfileByUsername(ctx, username)
	if errors.Is(err, backend.ErrNotFound) {
		return model.Profile{}, fmt.Errorf("%w: %s", ErrNoSuchUser, username)
	}
	if err != nil {
		c.notifier.Error("lookup_user", err)
		return model.Profile{}, err
	}
	if err := p.Validate(); err != nil {
		return model.Profile{}, err
	}
	c.entities.UpsertProfile(p)
	return p, nil
}

// DirectChat returns the direct chat with userID, creating it remotely when
// needed. A chat the client has not seen yet is loaded and subscribed.
func (c *Controller) DirectChat(ctx context.Context, userID string) (string, error) {
	if err := c.requireSession(); err != nil {
		return "", err
	}
	id, err := c.backend.FindOrCreateDirectChat(ctx, userID)
	if err != nil {
		c.notifier.Error("direct_chat", err)
		return "", fmt.Errorf("direct chat: %w", err)
	}
	if _, ok := c.cache.Get(id); !ok {
		if err := c.loadChats(ctx, backend.Conversations); err != nil {
			c.notifier.Error("fetch_conversations", err)
			return id, err
		}
	}
	if err := c.router.Subscribe(ctx, id); err != nil {
		c.logger.Warn("realtime subscribe failed", zap.String("chat_id", id), zap.Error(err))
	}
	return id, nil
}

func (c *Controller) requireSession() error {
	if !c.session.Authenticated() {
		return fmt.Errorf("%w: %w", ErrReauthRequired, session.ErrNotInitialized)
	}
	return nil
}

func (c *Controller) transition(to status.State, reason string) {
	from := c.status.Current()
	if from == to {
		return
	}
	if err := c.status.TransitionWithReason(to, reason); err != nil {
		c.logger.Warn("status transition rejected", zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
		return
	}
	c.logger.Info("status changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
}

func unauthorized(err error) bool {
	var apiErr *backend.APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}
