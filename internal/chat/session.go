// Package chat holds the client-side orchestration core: the Session
// controller that a UI surface drives, plus the conversation list store. The
// Session coordinates REST pagination with transport push and keeps one
// consistent view of state across concurrent operations.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"courier/internal/api"
	"courier/internal/models"
	"courier/internal/transport"
	"courier/internal/upload"
)

// meetingURLBase prefixes generated meeting links.
const meetingURLBase = "https://meet.jit.si/"

// API is the REST surface the session depends on. *api.Client satisfies it.
type API interface {
	CurrentUser(ctx context.Context) (*models.User, error)
	Conversations(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error)
	ConversationsPage(ctx context.Context, pageURL string) (*models.Page[models.Conversation], error)
	Messages(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error)
	MarkSeen(ctx context.Context, conversationID uint) error
	DeleteConversation(ctx context.Context, id uint) error
}

// Transport is the realtime surface the session depends on.
// *transport.Socket satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(msg transport.Outbound) error
	OnMessage(fn transport.MessageFunc) func()
	OnState(fn transport.StateFunc) func()
	Connected() bool
}

// Dialer builds the Transport for one conversation. The session owns the
// returned transport exclusively until the next selection tears it down.
type Dialer func(conversationID uint) Transport

// Session is the chat controller. All state behind it is guarded by one
// mutex; accessors hand out copies.
type Session struct {
	api   API
	dial  Dialer
	queue *upload.Queue
	convs *ConversationList
	log   *slog.Logger

	mu         sync.Mutex
	pageSize   int
	ready      bool
	user       *models.User
	selected   *models.Conversation
	messages   []models.Message
	socket     Transport
	connected  bool
	gen        uint64
	sending    bool
	unsubMsg   func()
	unsubState func()
	uploadCb   upload.Callbacks
}

// NewSession wires a controller from its collaborators. The auth token and
// URLs live inside the injected api client and dialer; the session itself
// reads no ambient state.
func NewSession(a API, dial Dialer, queue *upload.Queue, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		api:   a,
		dial:  dial,
		queue: queue,
		convs: NewConversationList(a),
		log:   log,
	}
}

// SetPageSize sets the message page size requested from the backend. Zero
// leaves the backend default in place.
func (s *Session) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetUploadCallbacks installs per-task upload progress reporting for
// subsequent sends.
func (s *Session) SetUploadCallbacks(cb upload.Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCb = cb
}

// Initialize fetches the current user and the first conversation page. Any
// failure wraps as InitError and is surfaced, not retried.
func (s *Session) Initialize(ctx context.Context) error {
	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		return &InitError{Err: err}
	}
	if err := s.convs.Load(ctx, Filter{}); err != nil {
		return &InitError{Err: err}
	}

	s.mu.Lock()
	s.user = user
	s.ready = true
	s.mu.Unlock()
	s.log.Info("chat session ready", slog.String("user", user.Username))
	return nil
}

// Ready reports whether initialization has succeeded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// CurrentUser returns a copy of the authenticated user, or nil before
// initialization.
func (s *Session) CurrentUser() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Conversations exposes the conversation list store.
func (s *Session) Conversations() *ConversationList {
	return s.convs
}

// LoadConversations replaces the conversation list with the REST result for
// the filter.
func (s *Session) LoadConversations(ctx context.Context, f Filter) error {
	return s.convs.Load(ctx, f)
}

// Select makes a conversation current: the previous transport is torn down
// first, the first message page is loaded, and a new transport scoped to the
// conversation is opened. Safe to call while an earlier selection's load is
// still in flight — the most recent call wins and superseded results are
// discarded on arrival.
func (s *Session) Select(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	pageSize := s.pageSize
	s.teardownLocked()
	c := conv
	s.selected = &c
	s.messages = nil
	s.mu.Unlock()

	page, loadErr := s.api.Messages(ctx, conv.ID, 0, pageSize)

	s.mu.Lock()
	if s.gen != gen {
		// A newer selection won while this load was in flight.
		s.mu.Unlock()
		return nil
	}
	if loadErr == nil {
		s.messages = append([]models.Message(nil), page.Results...)
	}
	s.mu.Unlock()

	sock := s.dial(conv.ID)
	unsubMsg := sock.OnMessage(func(m models.Message) { s.handleIncoming(gen, conv.ID, m) })
	unsubState := sock.OnState(func(connected bool) { s.handleState(gen, connected) })

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		unsubMsg()
		unsubState()
		sock.Disconnect()
		return nil
	}
	s.socket = sock
	s.unsubMsg = unsubMsg
	s.unsubState = unsubState
	s.mu.Unlock()

	connectErr := sock.Connect(ctx)
	if loadErr != nil {
		return loadErr
	}
	return connectErr
}

// LoadMessages fetches the first message page for a conversation and
// replaces the message list. A selection made after this call started takes
// precedence over its result.
func (s *Session) LoadMessages(ctx context.Context, conversationID uint) error {
	s.mu.Lock()
	gen := s.gen
	pageSize := s.pageSize
	s.mu.Unlock()

	page, err := s.api.Messages(ctx, conversationID, 0, pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.messages = append([]models.Message(nil), page.Results...)
	return nil
}

// SendMessage uploads any attachments, waits for every upload to settle, and
// transmits the text plus the successfully uploaded files through the
// transport. The upload queue is cleared afterward no matter what, so no
// attachment leaks into a later send. It fails with upload.ErrQueueFull when
// the files exceed capacity and transport.ErrNotConnected when the socket is
// not open.
func (s *Session) SendMessage(ctx context.Context, text string, files ...upload.File) error {
	s.mu.Lock()
	sock := s.socket
	if sock == nil {
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	if s.sending {
		s.mu.Unlock()
		return ErrSendInProgress
	}
	s.sending = true
	cb := s.uploadCb
	s.mu.Unlock()

	defer func() {
		s.queue.Clear()
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	if !sock.Connected() {
		return transport.ErrNotConnected
	}

	var ready []models.Attachment
	if len(files) > 0 {
		if _, err := s.queue.Add(files...); err != nil {
			return err
		}
		if err := s.queue.UploadAll(ctx, cb); err != nil {
			return err
		}
		ready = s.queue.Ready()
	}

	if text == "" && len(ready) > 0 {
		names := make([]string, len(ready))
		for i, f := range ready {
			names[i] = f.Filename
		}
		text = strings.Join(names, ", ")
	}

	return sock.Send(transport.Outbound{Text: text, Files: ready})
}

// AddMeeting generates a unique meeting URL and sends it as a text-only
// message. Returns the URL so the caller can surface it.
func (s *Session) AddMeeting() (string, error) {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()

	if sock == nil || !sock.Connected() {
		return "", transport.ErrNotConnected
	}
	link := meetingURLBase + uuid.NewString()
	if err := sock.Send(transport.Outbound{Text: link}); err != nil {
		return "", err
	}
	return link, nil
}

// MarkAsSeen marks a conversation read. Best-effort: a REST failure is
// logged and swallowed and the local seen flag flips regardless. A
// conversation already seen locally is a no-op with no network call.
func (s *Session) MarkAsSeen(ctx context.Context, conversationID uint) {
	if c, ok := s.convs.Get(conversationID); ok && c.HasSeen {
		return
	}
	if err := s.api.MarkSeen(ctx, conversationID); err != nil {
		s.log.Warn("mark seen failed, applying locally anyway",
			slog.Uint64("conversation", uint64(conversationID)),
			slog.String("error", err.Error()))
	}
	s.convs.MarkSeen(conversationID)

	s.mu.Lock()
	if s.selected != nil && s.selected.ID == conversationID {
		s.selected.HasSeen = true
	}
	s.mu.Unlock()
}

// DeleteConversation removes a conversation on the backend, then locally. A
// REST failure surfaces and leaves all state unchanged. Deleting the
// selected conversation clears the selection, the message list, and the
// transport.
func (s *Session) DeleteConversation(ctx context.Context, conversationID uint) error {
	if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.convs.Remove(conversationID)

	s.mu.Lock()
	if s.selected != nil && s.selected.ID == conversationID {
		s.gen++
		s.teardownLocked()
		s.selected = nil
		s.messages = nil
	}
	s.mu.Unlock()
	return nil
}

// Selected returns a copy of the current conversation, or nil.
func (s *Session) Selected() *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	c := *s.selected
	return &c
}

// Messages returns a copy of the message list, newest first (storage
// order).
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Transcript returns the message list oldest first, the order a rendered
// transcript presents.
func (s *Session) Transcript() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[len(s.messages)-1-i] = m
	}
	return out
}

// Connected reports the transport state for the current selection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// handleIncoming is the transport push path. Only events for the currently
// selected conversation are applied; everything else is dropped at this
// boundary.
func (s *Session) handleIncoming(gen uint64, conversationID uint, msg models.Message) {
	s.mu.Lock()
	if s.gen != gen || s.selected == nil || s.selected.ID != conversationID {
		s.mu.Unlock()
		return
	}
	s.messages = append([]models.Message{msg}, s.messages...)
	m := msg
	s.selected.LastMessage = &m
	s.mu.Unlock()

	s.convs.SetLastMessage(conversationID, msg)
}

func (s *Session) handleState(gen uint64, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.connected = connected
}

// teardownLocked releases the current transport. Callers hold s.mu; the
// session's subscriptions are removed first so the disconnect cannot call
// back into us.
func (s *Session) teardownLocked() {
	if s.unsubMsg != nil {
		s.unsubMsg()
		s.unsubMsg = nil
	}
	if s.unsubState != nil {
		s.unsubState()
		s.unsubState = nil
	}
	if s.socket != nil {
		s.socket.Disconnect()
		s.socket = nil
	}
	s.connected = false
}
