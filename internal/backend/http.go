package backend

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

const (
	conversationSelect = "*,chat_members(profiles(*)),messages(*,author:profiles(*))"
	channelSelect      = "*,chat_members(profiles(*))"
	messageSelect      = "*,author:profiles(*)"
	relationshipSelect = "status,user_1:profiles!relationships_user_1_fkey(*),user_2:profiles!relationships_user_2_fkey(*)"

	deviceSessionHeader = "X-Device-Session"
)

// HTTPConfig configures HTTP.
type HTTPConfig struct {
	BaseURL string
	AnonKey string
	Timeout time.Duration
}

// HTTP implements Client against a Supabase-compatible REST, RPC and auth API.
type HTTP struct {
	base    *url.URL
	anonKey string
	hc      *http.Client
	store   CredentialStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	auth *AuthState
}

// NewHTTP creates an HTTP client. m may be nil.
func NewHTTP(cfg HTTPConfig, store CredentialStore, logger *zap.Logger, m *metrics.Metrics) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q: missing scheme or host", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTP{
		base:    base,
		anonKey: cfg.AnonKey,
		hc:      &http.Client{Timeout: timeout},
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

// BaseURL returns the service root, used to derive the realtime endpoint.
func (c *HTTP) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// AnonKey returns the public api key.
func (c *HTTP) AnonKey() string { return c.anonKey }

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	User         model.User `json:"user"`
}

func (t tokenResponse) credential(now time.Time) model.Credential {
	cred := model.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		UserID:       t.User.ID,
	}
	switch {
	case t.ExpiresAt > 0:
		cred.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		cred.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	return cred
}

// SignIn exchanges email and password for a credential, registers a device
// session and persists both.
func (c *HTTP) SignIn(ctx context.Context, email, password string) (*model.Credential, error) {
	var tok tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "sign_in", http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"password"}}, body, "", nil, &tok); err != nil {
		return nil, err
	}
	cred := tok.credential(c.now())

	var device string
	if err := c.do(ctx, "create_device_session", http.MethodPost, "/rest/v1/rpc/create_device_session", nil, struct{}{}, cred.AccessToken, nil, &device); err != nil {
		return nil, err
	}
	st := AuthState{Credential: cred, DeviceToken: device}
	if err := c.store.SaveAuth(ctx, st); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}

	c.mu.Lock()
	c.auth = &st
	c.mu.Unlock()
	c.logger.Info("signed in", zap.String("user_id", cred.UserID))
	return &cred, nil
}

// SignOut revokes the credential remotely when possible and always forgets
// it locally, device token included.
func (c *HTTP) SignOut(ctx context.Context) error {
	st, err := c.loadAuth(ctx)
	if err != nil {
		return err
	}
	if st != nil {
		if err := c.do(ctx, "sign_out", http.MethodPost, "/auth/v1/logout", nil, nil, st.Credential.AccessToken, nil, nil); err != nil {
			c.logger.Warn("remote sign out failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.auth = nil
	c.mu.Unlock()
	if err := c.store.ClearAuth(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (c *HTTP) GetSession(ctx context.Context) (*model.Credential, error) {
	st, err := c.loadAuth(ctx)
	if err != nil || st == nil {
		return nil, err
	}
	if !st.Credential.Expired(c.now()) {
		cred := st.Credential
		return &cred, nil
	}
	if st.Credential.RefreshToken == "" {
		return nil, nil
	}

	var tok tokenResponse
	body := map[string]string{"refresh_token": st.Credential.RefreshToken}
	if err := c.do(ctx, "refresh", http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"refresh_token"}}, body, "", nil, &tok); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			// Refresh token revoked or expired: the user has to sign in again.
			c.logger.Info("refresh rejected", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	next := AuthState{Credential: tok.credential(c.now()), DeviceToken: st.DeviceToken}
	if next.Credential.UserID == "" {
		next.Credential.UserID = st.Credential.UserID
	}
	if err := c.store.SaveAuth(ctx, next); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	c.mu.Lock()
	c.auth = &next
	c.mu.Unlock()
	c.logger.Debug("credential refreshed", zap.Time("expires_at", next.Credential.ExpiresAt))
	cred := next.Credential
	return &cred, nil
}

func (c *HTTP) GetUser(ctx context.Context) (model.User, error) {
	var u model.User
	err := c.authed(ctx, "get_user", http.MethodGet, "/auth/v1/user", nil, nil, &u)
	if err == nil && u.ID == "" {
		err = fmt.Errorf("get_user: %w: user without id", model.ErrInvalid)
	}
	return u, err
}

func (c *HTTP) ValidateDeviceSession(ctx context.Context) (bool, error) {
	st, err := c.loadAuth(ctx)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, ErrNoSession
	}
	if st.DeviceToken == "" {
		return false, nil
	}
	var ok bool
	hdr := http.Header{deviceSessionHeader: {st.DeviceToken}}
	if err := c.authedWith(ctx, "valid_device_session", http.MethodPost, "/rest/v1/rpc/valid_device_session", nil, struct{}{}, hdr, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *HTTP) FetchProfile(ctx context.Context, userID string) (model.Profile, error) {
	return c.profileBy(ctx, "fetch_profile", "id", userID)
}

func (c *HTTP) FindProfileByUsername(ctx context.Context, username string) (model.Profile, error) {
	return c.profileBy(ctx, "find_profile", "username", username)
}

func (c *HTTP) profileBy(ctx context.Context, op, column, value string) (model.Profile, error) {
	var rows []model.Profile
	q := url.Values{"select": {"*"}, column: {"eq." + value}, "limit": {"1"}}
	if err := c.authed(ctx, op, http.MethodGet, "/rest/v1/profiles", q, nil, &rows); err != nil {
		return model.Profile{}, err
	}
	if len(rows) == 0 {
		return model.Profile{}, fmt.Errorf("%s %s=%s: %w", op, column, value, ErrNotFound)
	}
	if err := rows[0].Validate(); err != nil {
		return model.Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	return rows[0], nil
}

func (c *HTTP) FetchChats(ctx context.Context, filter ChatFilter) ([]ChatRow, error) {
	types := make([]string, 0, 2)
	for _, t := range filter.Types() {
		types = append(types, string(t))
	}
	q := url.Values{"type": {"in.(" + strings.Join(types, ",") + ")"}}
	if filter == Conversations {
		q.Set("select", conversationSelect)
		q.Set("messages.order", "created_at.desc")
		q.Set("messages.limit", "1")
		q.Set("order", "updated_at.desc")
	} else {
		q.Set("select", channelSelect)
	}

	op := "fetch_" + filter.String()
	var rows []ChatRow
	if err := c.authed(ctx, op, http.MethodGet, "/rest/v1/chats", q, nil, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return rows, nil
}

func (c *HTTP) FetchMessages(ctx context.Context, chatID string, after *time.Time, limit int) ([]model.Message, error) {
	q := url.Values{
		"select":  {messageSelect},
		"chat_id": {"eq." + chatID},
		"order":   {"created_at.desc"},
		"limit":   {strconv.Itoa(limit)},
	}
	if after != nil {
		q.Set("created_at", "gt."+after.UTC().Format(time.RFC3339Nano))
	}
	var rows []model.Message
	if err := c.authed(ctx, "fetch_messages", http.MethodGet, "/rest/v1/messages", q, nil, &rows); err != nil {
		return nil, err
	}
	for _, m := range rows {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("fetch_messages: %w", err)
		}
	}
	return rows, nil
}

// SendMessage inserts a message with a client-chosen id so the realtime
// echo of the insert deduplicates against the optimistic copy.
func (c *HTTP) SendMessage(ctx context.Context, chatID, id, content string) (model.Message, error) {
	body := map[string]string{"id": id, "chat_id": chatID, "content": content}
	hdr := http.Header{"Prefer": {"return=representation"}}
	q := url.Values{"select": {messageSelect}}

	var rows []model.Message
	if err := c.authedWith(ctx, "send_message", http.MethodPost, "/rest/v1/messages", q, body, hdr, &rows); err != nil {
		return model.Message{}, err
	}
	if len(rows) == 0 {
		return model.Message{}, fmt.Errorf("send_message: empty representation")
	}
	if err := rows[0].Validate(); err != nil {
		return model.Message{}, fmt.Errorf("send_message: %w", err)
	}
	return rows[0], nil
}

func (c *HTTP) FetchRelationships(ctx context.Context) ([]model.RelationshipRow, error) {
	var rows []model.RelationshipRow
	q := url.Values{"select": {relationshipSelect}}
	if err := c.authed(ctx, "fetch_relationships", http.MethodGet, "/rest/v1/relationships", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTP) RequestFriend(ctx context.Context, targetID string) error {
	return c.rpc(ctx, "request_friend", map[string]string{"target_id": targetID}, nil)
}

func (c *HTTP) AcceptFriendRequest(ctx context.Context, targetID string) error {
	return c.rpc(ctx, "accept_friend_request", map[string]string{"target_id": targetID}, nil)
}

func (c *HTTP) RemoveRelationship(ctx context.Context, targetID string) error {
	return c.rpc(ctx, "remove_relationship", map[string]string{"target_id": targetID}, nil)
}

func (c *HTTP) FindOrCreateDirectChat(ctx context.Context, targetID string) (string, error) {
	var chatID string
	if err := c.rpc(ctx, "select_or_create_dm", map[string]string{"recipient_id": targetID}, &chatID); err != nil {
		return "", err
	}
	if chatID == "" {
		return "", fmt.Errorf("select_or_create_dm: %w: empty chat id", model.ErrInvalid)
	}
	return chatID, nil
}

func (c *HTTP) rpc(ctx context.Context, name string, args, out any) error {
	return c.authed(ctx, name, http.MethodPost, "/rest/v1/rpc/"+name, nil, args, out)
}

func (c *HTTP) loadAuth(ctx context.Context) (*AuthState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != nil {
		st := *c.auth
		return &st, nil
	}
	st, err := c.store.LoadAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	c.auth = st
	if st == nil {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// authed runs a request with the current, possibly refreshed, credential.
func (c *HTTP) authed(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	return c.authedWith(ctx, op, method, path, q, body, nil, out)
}

func (c *HTTP) authedWith(ctx context.Context, op, method, path string, q url.Values, body any, hdr http.Header, out any) error {
	cred, err := c.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if cred == nil {
		return fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	return c.do(ctx, op, method, path, q, body, cred.AccessToken, hdr, out)
}

func (c *HTTP) do(ctx context.Context, op, method, path string, q url.Values, body any, token string, hdr http.Header, out any) (err error) {
	defer func() { c.metrics.Fetch(op, err) }()

	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.anonKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}

	start := c.now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("backend call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", c.now().Sub(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %w", op, decodeAPIError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// decodeAPIError reads the error shapes of both the REST and the auth API.
func decodeAPIError(resp *http.Response) *APIError {
	var body struct {
		Code        any    `json:"code"`
		ErrorCode   string `json:"error_code"`
		Message     string `json:"message"`
		Msg         string `json:"msg"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	if json.Unmarshal(raw, &body) != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	switch v := body.Code.(type) {
	case string:
		apiErr.Code = v
	case float64:
		apiErr.Code = strconv.Itoa(int(v))
	}
	if apiErr.Code == "" {
		apiErr.Code = cmp.Or(body.ErrorCode, body.Error)
	}
	apiErr.Message = cmp.Or(body.Message, body.Msg, body.Description, body.Error, http.StatusText(resp.StatusCode))
	return apiErr
}
