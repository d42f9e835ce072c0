// Package api serves the account daemon's control API over gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/app"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/relationship"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Core is the part of the controller the control API drives.
type Core interface {
	Snapshot() app.Snapshot
	Load(ctx context.Context) error
	SignIn(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error

	Conversations() []app.ChatView
	Channels() []app.ChatView
	OpenChat(ctx context.Context, chatID string) (cache.Entry, error)
	CloseChat(ctx context.Context)
	RefreshChat(ctx context.Context, chatID string) error
	Chat(chatID string) (cache.Entry, bool)
	AuthorName(m model.Message) string
	SendMessage(chatID, content string) (string, error)

	People(state relationship.State) []app.Person
	LookupUser(ctx context.Context, username string) (model.Profile, error)
	Relationship(ctx context.Context, action relationship.Action, userID string) error
	RelationshipState(userID string) relationship.State
	AddFriend(ctx context.Context, username string) (relationship.State, error)
	DirectChat(ctx context.Context, userID string) (string, error)
}

var _ Core = (*app.Controller)(nil)

var actions = map[string]relationship.Action{
	string(relationship.SendRequest):   relationship.SendRequest,
	string(relationship.CancelRequest): relationship.CancelRequest,
	string(relationship.AcceptRequest): relationship.AcceptRequest,
	string(relationship.IgnoreRequest): relationship.IgnoreRequest,
	string(relationship.RemoveFriend):  relationship.RemoveFriend,
}

// Service implements ChatsyncServer.
type Service struct {
	account   string
	startedAt time.Time
	core      Core
	bus       *bus.Bus
	logger    *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ ChatsyncServer = (*Service)(nil)

func NewService(account string, core Core, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		account:   account,
		startedAt: time.Now(),
		core:      core,
		bus:       b,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends every open Watch stream so a graceful server stop can finish.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Service) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	return s.status(), nil
}

func (s *Service) status() *StatusResponse {
	snap := s.core.Snapshot()
	return &StatusResponse{
		Account:       s.account,
		State:         string(snap.State),
		Reason:        snap.Reason,
		UserID:        snap.UserID,
		Username:      snap.Username,
		Chats:         snap.Chats,
		Profiles:      snap.Profiles,
		Messages:      snap.Messages,
		Subscriptions: snap.Subscriptions,
		Friends:       snap.Friends,
		Incoming:      snap.Incoming,
		Outgoing:      snap.Outgoing,
		Focused:       snap.Focused,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
	}
}

func (s *Service) SignIn(ctx context.Context, req *SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "email and password are required")
	}
	err := s.core.SignIn(ctx, req.Email, req.Password)
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return nil, grpcstatus.Errorf(codes.Unauthenticated, "sign in rejected: %s", apiErr.Message)
	}
	if err != nil && !errors.Is(err, app.ErrDegraded) {
		return nil, s.toStatus("sign_in", err)
	}
	resp := &SignInResponse{State: string(s.core.Snapshot().State)}
	if err != nil {
		resp.Warning = err.Error()
	}
	return resp, nil
}

func (s *Service) SignOut(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.core.SignOut(ctx); err != nil {
		s.logger.Warn("remote sign out failed", zap.Error(err))
	}
	return &Empty{}, nil
}

func (s *Service) Reload(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	if err := s.core.Load(ctx); err != nil && !errors.Is(err, app.ErrDegraded) {
		return nil, s.toStatus("reload", err)
	}
	return s.status(), nil
}

func (s *Service) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	var views []app.ChatView
	switch req.Kind {
	case "", "conversations":
		views = s.core.Conversations()
	case "channels":
		views = s.core.Channels()
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown chat kind %q", req.Kind)
	}
	resp := &ListChatsResponse{Chats: make([]Chat, 0, len(views))}
	for _, v := range views {
		c := Chat{
			ID:        v.Chat.ID,
			Type:      string(v.Chat.Type),
			Title:     v.Title,
			UpdatedAt: v.UpdatedAt,
			Focused:   v.Focused,
		}
		if v.Last != nil {
			m := s.message(*v.Last)
			c.LastMessage = &m
		}
		resp.Chats = append(resp.Chats, c)
	}
	return resp, nil
}

func (s *Service) OpenChat(ctx context.Context, req *ChatRequest) (*ChatMessagesResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "chat_id is required")
	}
	entry, err := s.core.OpenChat(ctx, req.ChatID)
	if err != nil {
		return nil, s.toStatus("open_chat", err)
	}
	return s.chatMessages(entry), nil
}

func (s *Service) CloseChat(ctx context.Context, _ *Empty) (*Empty, error) {
	s.core.CloseChat(ctx)
	return &Empty{}, nil
}

func (s *Service) RefreshChat(ctx context.Context, req *ChatRequest) (*ChatMessagesResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "chat_id is required")
	}
	if err := s.core.RefreshChat(ctx, req.ChatID); err != nil {
		return nil, s.toStatus("refresh_chat", err)
	}
	entry, ok := s.core.Chat(req.ChatID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "chat %s not loaded", req.ChatID)
	}
	return s.chatMessages(entry), nil
}

func (s *Service) chatMessages(e cache.Entry) *ChatMessagesResponse {
	snap := s.core.Snapshot()
	resp := &ChatMessagesResponse{
		Chat: Chat{
			ID:        e.ID,
			Type:      string(e.Details.Type),
			Title:     e.Details.Title(snap.UserID),
			UpdatedAt: e.UpdatedAt,
			Focused:   snap.Focused == e.ID,
		},
		Messages:      make([]Message, 0, len(e.Messages)),
		LastFetchedAt: e.LastFetchedAt,
	}
	for _, m := range e.Messages {
		resp.Messages = append(resp.Messages, s.message(m))
	}
	return resp
}

func (s *Service) message(m model.Message) Message {
	return Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		AuthorID:  m.AuthorID,
		Author:    s.core.AuthorName(m),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func (s *Service) SendMessage(_ context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "chat_id is required")
	}
	id, err := s.core.SendMessage(req.ChatID, req.Content)
	if err != nil {
		return nil, s.toStatus("send_message", err)
	}
	return &SendMessageResponse{ClientMsgID: id}, nil
}

func (s *Service) ListPeople(_ context.Context, req *ListPeopleRequest) (*ListPeopleResponse, error) {
	var state relationship.State
	switch req.State {
	case "", string(relationship.Friends):
		state = relationship.Friends
	case string(relationship.Incoming):
		state = relationship.Incoming
	case string(relationship.Outgoing):
		state = relationship.Outgoing
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown relationship state %q", req.State)
	}
	people := s.core.People(state)
	resp := &ListPeopleResponse{People: make([]Person, 0, len(people))}
	for _, p := range people {
		resp.People = append(resp.People, Person{
			ID:          p.ID,
			Username:    p.Profile.Username,
			DisplayName: p.Profile.DisplayName,
			State:       string(p.State),
		})
	}
	return resp, nil
}

func (s *Service) Relationship(ctx context.Context, req *RelationshipRequest) (*RelationshipResponse, error) {
	action, ok := actions[req.Action]
	if !ok {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown action %q", req.Action)
	}
	p, err := s.core.LookupUser(ctx, req.Username)
	if err != nil {
		return nil, s.toStatus(req.Action, err)
	}
	if err := s.core.Relationship(ctx, action, p.ID); err != nil {
		return nil, s.toStatus(req.Action, err)
	}
	return &RelationshipResponse{UserID: p.ID, State: string(s.core.RelationshipState(p.ID))}, nil
}

func (s *Service) AddFriend(ctx context.Context, req *AddFriendRequest) (*RelationshipResponse, error) {
	st, err := s.core.AddFriend(ctx, req.Username)
	if err != nil {
		return nil, s.toStatus("add_friend", err)
	}
	p, err := s.core.LookupUser(ctx, req.Username)
	if err != nil {
		return nil, s.toStatus("add_friend", err)
	}
	return &RelationshipResponse{UserID: p.ID, State: string(st)}, nil
}

func (s *Service) DirectChat(ctx context.Context, req *DirectChatRequest) (*DirectChatResponse, error) {
	p, err := s.core.LookupUser(ctx, req.Username)
	if err != nil {
		return nil, s.toStatus("direct_chat", err)
	}
	id, err := s.core.DirectChat(ctx, p.ID)
	if err != nil {
		return nil, s.toStatus("direct_chat", err)
	}
	return &DirectChatResponse{ChatID: id}, nil
}

func (s *Service) Watch(req *WatchRequest, stream grpc.ServerStreamingServer[Event]) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&Event{
				ID:               evt.ID,
				Account:          s.account,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

// toStatus maps domain errors onto gRPC codes.
func (s *Service) toStatus(op string, err error) error {
	code := codes.Internal
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, app.ErrReauthRequired):
		code = codes.Unauthenticated
	case errors.As(err, &apiErr) && apiErr.Unauthorized():
		code = codes.Unauthenticated
	case errors.Is(err, app.ErrUnknownChat), errors.Is(err, app.ErrNoSuchUser),
		errors.Is(err, outbox.ErrUnknown), errors.Is(err, backend.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, relationship.ErrInvalidTransition), errors.Is(err, relationship.ErrAlreadyFriends),
		errors.Is(err, relationship.ErrSelf), errors.Is(err, relationship.ErrNoSelf):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrEmpty), errors.Is(err, model.ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrFull):
		code = codes.ResourceExhausted
	case errors.Is(err, app.ErrDegraded), errors.As(err, &apiErr):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	if code == codes.Internal {
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	return grpcstatus.Error(code, strings.TrimSpace(op+": "+err.Error()))
}
