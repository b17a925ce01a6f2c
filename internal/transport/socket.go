// Package transport owns the realtime WebSocket connection for a single
// conversation. A Socket dials, reads inbound frames, writes outbound
// payloads, and reconnects with exponential backoff after an abnormal
// closure. Exactly one Socket exists per selected conversation; a Socket
// that has been Disconnected is finished and must not be reused.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/models"
)

const (
	// Time allowed to complete the websocket handshake.
	handshakeTimeout = 10 * time.Second

	// Time allowed to write a close frame to the peer.
	writeWait = 10 * time.Second

	defaultMaxReconnectAttempts = 5
	defaultReconnectBaseDelay   = time.Second
)

// ErrNotConnected is returned by Send when the socket is not open. Outbound
// payloads are never buffered while disconnected.
var ErrNotConnected = errors.New("websocket not connected")

// ConnectError wraps a dial that failed before the connection opened.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("websocket connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// State describes the socket lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Socket is a client connection to one conversation's realtime channel.
type Socket struct {
	url string
	log *slog.Logger

	mu          sync.Mutex
	writeMu     sync.Mutex
	conn        *websocket.Conn
	state       State
	closing     bool
	attempts    int
	maxAttempts int
	baseDelay   time.Duration
	retryTimer  *time.Timer

	subs subscribers
}

// URL builds the realtime endpoint for a conversation:
// <wsBase>/chat/<id>/?key=<token>.
func URL(wsBase string, conversationID uint, token string) string {
	return fmt.Sprintf("%s/chat/%d/?key=%s", wsBase, conversationID, url.QueryEscape(token))
}

// New creates a Socket for the given endpoint. The socket does not dial
// until Connect is called.
func New(endpoint string, log *slog.Logger) *Socket {
	if log == nil {
		log = slog.Default()
	}
	return &Socket{
		url:         endpoint,
		log:         log,
		maxAttempts: defaultMaxReconnectAttempts,
		baseDelay:   defaultReconnectBaseDelay,
	}
}

// SetRetryPolicy overrides the reconnect schedule. Intended for tests.
func (s *Socket) SetRetryPolicy(base time.Duration, maxAttempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseDelay = base
	s.maxAttempts = maxAttempts
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket is open.
func (s *Socket) Connected() bool {
	return s.State() == StateOpen
}

// Connect dials the endpoint and resolves once the connection is open. A
// dial that fails before open returns a ConnectError. On success the
// reconnect attempt counter resets and connection subscribers are notified.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if s.closing {
		s.mu.Unlock()
		return &ConnectError{Err: errors.New("socket already closed")}
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return &ConnectError{Err: err}
	}

	s.mu.Lock()
	if s.closing {
		// Disconnect raced the dial.
		s.mu.Unlock()
		_ = conn.Close()
		return &ConnectError{Err: errors.New("socket closed during connect")}
	}
	s.conn = conn
	s.state = StateOpen
	s.attempts = 0
	s.mu.Unlock()

	s.log.Info("websocket connected", slog.String("url", s.url))
	s.subs.notifyState(true)
	go s.readLoop(conn)
	return nil
}

// Send writes an outbound payload. It fails with ErrNotConnected unless the
// socket is open.
func (s *Socket) Send(msg Outbound) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	if msg.Files == nil {
		msg.Files = []models.Attachment{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Disconnect closes the connection with a normal closure (1000) and
// deterministically suppresses any pending reconnect, including one already
// scheduled.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.closing = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn := s.conn
	s.conn = nil
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		_ = conn.Close()
	}
	if wasOpen {
		s.subs.notifyState(false)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		s.dispatch(data)
	}
}

// handleClose runs when the read loop ends. An abnormal closure (anything
// other than code 1000) schedules a reconnect while attempts remain.
func (s *Socket) handleClose(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Superseded by Disconnect or a newer connection.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateClosed

	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	normal := s.closing || code == websocket.CloseNormalClosure
	retry := !normal && s.attempts < s.maxAttempts
	var delay time.Duration
	if retry {
		s.attempts++
		delay = s.baseDelay << (s.attempts - 1)
		s.retryTimer = time.AfterFunc(delay, s.retryConnect)
	}
	attempt, limit := s.attempts, s.maxAttempts
	s.mu.Unlock()

	s.log.Info("websocket closed",
		slog.Int("code", code), slog.String("error", err.Error()))
	s.subs.notifyState(false)

	switch {
	case retry:
		s.log.Info("reconnect scheduled",
			slog.Int("attempt", attempt), slog.Int("max", limit),
			slog.Duration("delay", delay))
	case !normal:
		s.log.Warn("reconnect attempts exhausted", slog.Int("max", limit))
	}
}

// retryConnect is the scheduled reconnect task. A dial that fails before
// open never reaches handleClose, so the next attempt is scheduled here.
func (s *Socket) retryConnect() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	attempt, limit := s.attempts, s.maxAttempts
	s.mu.Unlock()

	s.log.Info("reconnecting", slog.Int("attempt", attempt), slog.Int("max", limit))
	if err := s.Connect(context.Background()); err == nil {
		return
	}

	s.mu.Lock()
	if !s.closing && s.attempts < s.maxAttempts {
		s.attempts++
		delay := s.baseDelay << (s.attempts - 1)
		s.retryTimer = time.AfterFunc(delay, s.retryConnect)
		s.mu.Unlock()
		return
	}
	exhausted := !s.closing
	s.mu.Unlock()

	if exhausted {
		s.log.Warn("reconnect attempts exhausted", slog.Int("max", limit))
	}
}
