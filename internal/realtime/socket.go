package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	topicPrefix    = "realtime:"
	phoenixTopic   = "phoenix"
	writeTimeout   = 10 * time.Second
	joinTimeout    = 10 * time.Second
	reconnectFloor = time.Second
	reconnectCeil  = 30 * time.Second
)

// frame is a Phoenix channel message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// broadcast is the payload of a "broadcast" frame.
type broadcast struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// SocketConfig configures Socket.
type SocketConfig struct {
	URL       string
	Heartbeat time.Duration
	// Token returns the access token sent with every join. May be nil.
	Token func() string
}

// Socket is a Transport over a single websocket. It heartbeats, and after a
// dropped connection it reconnects with backoff and rejoins every topic.
// Events published while disconnected are lost.
type Socket struct {
	cfg    SocketConfig
	logger *zap.Logger
	dialer *websocket.Dialer
	ref    atomic.Uint64

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	topics       map[string]Handler
	pending      map[string]chan reply
	closed       bool
	reconnecting bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSocket creates a disconnected socket.
func NewSocket(cfg SocketConfig, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	return &Socket{
		cfg:     cfg,
		logger:  logger.Named("realtime"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		topics:  make(map[string]Handler),
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
}

// Connect dials the endpoint. On failure it returns the error and keeps
// retrying in the background; topics joined meanwhile are sent once a
// connection is up.
func (s *Socket) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		s.scheduleReconnect()
		return err
	}
	s.rejoin()
	return nil
}

func (s *Socket) dial(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.conn != nil {
		closed := s.closed
		s.mu.Unlock()
		_ = conn.Close()
		if closed {
			return ErrClosed
		}
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	stop := make(chan struct{})
	s.wg.Add(2)
	go s.readLoop(conn, stop)
	go s.heartbeat(conn, stop)
	s.logger.Info("realtime connected")
	return nil
}

// Join subscribes h to topic and waits for the server to accept the join.
// When the socket is not connected the topic is recorded and joined on the
// next connection.
func (s *Socket) Join(ctx context.Context, topic string, h Handler) error {
	key := topicPrefix + topic

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.topics[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.topics[key] = h
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := s.join(ctx, conn, key); err != nil {
		s.mu.Lock()
		delete(s.topics, key)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Socket) join(ctx context.Context, conn *websocket.Conn, key string) error {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]bool{"self": false, "ack": false},
		},
	}
	if s.cfg.Token != nil {
		if tok := s.cfg.Token(); tok != "" {
			payload["access_token"] = tok
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ref := s.nextRef()
	ch := make(chan reply, 1)
	s.mu.Lock()
	s.pending[ref] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
	}()

	if err := s.write(conn, frame{Topic: key, Event: "phx_join", Payload: raw, Ref: ref, JoinRef: ref}); err != nil {
		return fmt.Errorf("join %s: %w", key, err)
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.Status != "ok" {
			return fmt.Errorf("join %s: server replied %s: %s", key, r.Status, string(r.Response))
		}
		s.logger.Debug("joined", zap.String("topic", key))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("join %s: timed out", key)
	case <-s.done:
		return ErrClosed
	}
}

// Close leaves every topic and closes the connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	var err error
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Socket) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer s.wg.Done()
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.disconnected(conn, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("drop undecodable frame", zap.Error(err))
			continue
		}
		s.dispatch(f)
	}
}

func (s *Socket) dispatch(f frame) {
	switch f.Event {
	case "phx_reply":
		var r reply
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			s.logger.Debug("drop undecodable reply", zap.Error(err))
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[f.Ref]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- r:
			default:
			}
		}
		return
	case "phx_error", "phx_close":
		s.logger.Warn("channel closed by server", zap.String("topic", f.Topic), zap.String("event", f.Event))
		return
	}

	s.mu.Lock()
	h, ok := s.topics[f.Topic]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("event for topic not joined", zap.String("topic", f.Topic), zap.String("event", f.Event))
		return
	}

	if f.Event != "broadcast" {
		h(f.Event, f.Payload)
		return
	}
	var b broadcast
	if err := json.Unmarshal(f.Payload, &b); err != nil {
		s.logger.Debug("drop undecodable broadcast", zap.String("topic", f.Topic), zap.Error(err))
		return
	}
	h(b.Event, b.Payload)
}

func (s *Socket) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			hb := frame{Topic: phoenixTopic, Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
			if err := s.write(conn, hb); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Socket) disconnected(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.Warn("realtime disconnected", zap.Error(cause))
	s.scheduleReconnect()
}

func (s *Socket) scheduleReconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reconnect()
}

func (s *Socket) reconnect() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	backoff := reconnectFloor
	for {
		select {
		case <-s.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.dial(ctx)
		cancel()
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Debug("reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
			backoff = min(backoff*2, reconnectCeil)
			continue
		}
		s.rejoin()
		return
	}
}

func (s *Socket) rejoin() {
	s.mu.Lock()
	conn := s.conn
	keys := make([]string, 0, len(s.topics))
	for k := range s.topics {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for _, k := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		if err := s.join(ctx, conn, k); err != nil {
			s.logger.Warn("rejoin failed", zap.String("topic", k), zap.Error(err))
		}
		cancel()
	}
	s.logger.Info("realtime rejoined", zap.Int("topics", len(keys)))
}

func (s *Socket) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}
