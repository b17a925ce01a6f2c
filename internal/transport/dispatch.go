package transport

import (
	"encoding/json"
	"log/slog"
	"sync"

	"courier/internal/models"
)

// frameTypeMessage is the only inbound frame type the client acts on.
const frameTypeMessage = "chat.message"

// frame is the envelope of every inbound websocket payload.
type frame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Outbound is the payload of a client-sent message.
type Outbound struct {
	Text  string              `json:"text"`
	Files []models.Attachment `json:"files"`
}

// MessageFunc receives each inbound chat message.
type MessageFunc func(models.Message)

// StateFunc receives connection-state transitions.
type StateFunc func(connected bool)

type msgSub struct {
	id uint64
	fn MessageFunc
}

type stateSub struct {
	id uint64
	fn StateFunc
}

// subscribers is an ordered subscription registry. Handlers fire in
// registration order; unsubscribing is done through the cancel func returned
// at registration.
type subscribers struct {
	mu     sync.Mutex
	nextID uint64
	msgs   []msgSub
	states []stateSub
}

func (r *subscribers) addMessage(fn MessageFunc) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.msgs = append(r.msgs, msgSub{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.msgs {
			if s.id == id {
				r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
				return
			}
		}
	}
}

func (r *subscribers) addState(fn StateFunc) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.states = append(r.states, stateSub{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.states {
			if s.id == id {
				r.states = append(r.states[:i], r.states[i+1:]...)
				return
			}
		}
	}
}

func (r *subscribers) notifyMessage(msg models.Message) {
	r.mu.Lock()
	snapshot := make([]msgSub, len(r.msgs))
	copy(snapshot, r.msgs)
	r.mu.Unlock()

	for _, s := range snapshot {
		s.fn(msg)
	}
}

func (r *subscribers) notifyState(connected bool) {
	r.mu.Lock()
	snapshot := make([]stateSub, len(r.states))
	copy(snapshot, r.states)
	r.mu.Unlock()

	for _, s := range snapshot {
		s.fn(connected)
	}
}

// OnMessage registers a handler for inbound chat messages and returns its
// unsubscribe func.
func (s *Socket) OnMessage(fn MessageFunc) func() {
	return s.subs.addMessage(fn)
}

// OnState registers a handler for connection-state transitions and returns
// its unsubscribe func. Transitions are delivered synchronously at the point
// they happen.
func (s *Socket) OnState(fn StateFunc) func() {
	return s.subs.addState(fn)
}

// dispatch parses one inbound frame. Unknown types and malformed payloads
// are logged and dropped, never fatal.
func (s *Socket) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
		return
	}
	if f.Type != frameTypeMessage {
		s.log.Debug("ignoring frame", slog.String("type", f.Type))
		return
	}
	var msg models.Message
	if err := json.Unmarshal(f.Content, &msg); err != nil {
		s.log.Warn("dropping unreadable chat message", slog.String("error", err.Error()))
		return
	}
	s.subs.notifyMessage(msg)
}
