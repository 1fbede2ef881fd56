package comm

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherim/tether/internal/comm/pending"
)

// ErrChatClosed is returned by SendMessage after a chat session terminated.
var ErrChatClosed = errors.New("chat session is closed")

// ChatSessionState is the lifecycle state of a ChatSession. Transitions are
// monotonic; Closed and Error are terminal.
type ChatSessionState int

const (
	ChatInitializing ChatSessionState = iota
	ChatOpen
	ChatClosed
	ChatError
)

// String returns the string representation of the state
func (s ChatSessionState) String() string {
	switch s {
	case ChatInitializing:
		return "initializing"
	case ChatOpen:
		return "open"
	case ChatClosed:
		return "closed"
	case ChatError:
		return "error"
	default:
		return "unknown"
	}
}

// ChatSession is a text conversation, either 1:1 with a contact or inside a
// named room. Messages sent before the underlying channel is ready are
// buffered and flushed in order once the session opens.
type ChatSession struct {
	mu     sync.RWMutex
	conn   *Connection
	state  ChatSessionState
	reason string

	roomID   string
	incoming bool
	peer     *Contact

	participants []*Contact
	history      []ChatMessage
	buffer       []string
	channel      TextChannel

	onState   func(ChatSessionState, string)
	onMessage func(ChatMessage)
}

func newPrivateChatSession(c *Connection, contact *Contact) *ChatSession {
	s := &ChatSession{
		conn:         c,
		state:        ChatInitializing,
		peer:         contact,
		participants: []*Contact{contact},
	}
	op := c.linkSnapshot().RequestTextChannel(contact.ID())
	op.OnFinished(func(op *pending.Operation) {
		c.post(chatChannelCreated{s, op})
	})
	return s
}

func newRoomChatSession(c *Connection, roomID string) *ChatSession {
	s := &ChatSession{
		conn:   c,
		state:  ChatInitializing,
		roomID: roomID,
	}
	op := c.linkSnapshot().RequestRoomChannel(roomID)
	op.OnFinished(func(op *pending.Operation) {
		c.post(chatChannelCreated{s, op})
	})
	return s
}

// newIncomingChatSession wraps a text channel offered by the remote side.
// Runs on the connection loop.
func newIncomingChatSession(c *Connection, channel TextChannel) *ChatSession {
	s := &ChatSession{
		conn:     c,
		state:    ChatInitializing,
		incoming: true,
	}
	s.adoptChannel(channel)
	ready := channel.BecomeReady()
	ready.OnFinished(func(op *pending.Operation) {
		c.post(chatChannelReady{s, op})
	})
	return s
}

func (s *ChatSession) adoptChannel(channel TextChannel) {
	s.mu.Lock()
	s.channel = channel
	if s.peer == nil && s.roomID == "" {
		s.peer = s.conn.roster.Resolve(channel.Target())
		s.participants = append(s.participants, s.peer)
	}
	s.mu.Unlock()

	channel.SetMessageHandler(func(m InboundMessage) {
		s.conn.post(chatMessageReceived{s, m})
	})
}

func (s *ChatSession) channelCreated(op *pending.Operation) {
	if op.Failed() {
		s.fail(op.Reason())
		return
	}
	s.adoptChannel(op.Result().(TextChannel))

	ready := s.channel.BecomeReady()
	ready.OnFinished(func(op *pending.Operation) {
		s.conn.post(chatChannelReady{s, op})
	})
}

func (s *ChatSession) channelReady(op *pending.Operation) {
	if op.Failed() {
		s.fail(op.Reason())
		return
	}

	drain := s.channel.DrainPending()
	drain.OnFinished(func(op *pending.Operation) {
		s.conn.post(chatDrained{s, op})
	})
}

func (s *ChatSession) drained(op *pending.Operation) {
	s.mu.RLock()
	terminal := s.state == ChatClosed || s.state == ChatError
	s.mu.RUnlock()
	if terminal {
		return
	}

	if op.Failed() {
		s.conn.log.Error("draining pending messages failed: %s", op.Reason())
	} else if backlog, ok := op.Result().([]InboundMessage); ok {
		for _, m := range backlog {
			s.messageReceived(m)
		}
	}

	if !s.transition(ChatOpen, "") {
		return
	}

	s.mu.Lock()
	queued := s.buffer
	s.buffer = nil
	channel := s.channel
	s.mu.Unlock()
	for _, text := range queued {
		s.send(channel, text)
	}

	if s.incoming {
		s.conn.notifyChatSession(s)
	}
}

func (s *ChatSession) messageReceived(m InboundMessage) {
	s.mu.RLock()
	terminal := s.state == ChatClosed || s.state == ChatError
	s.mu.RUnlock()
	if terminal {
		return
	}
	// Delivery reports and other non-content kinds are dropped.
	if m.Kind != MessageNormal {
		return
	}

	msg := ChatMessage{
		ID:         uuid.NewString(),
		Originator: s.participant(m.From),
		Timestamp:  m.Timestamp,
		Text:       m.Text,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.history = append(s.history, msg)
	fn := s.onMessage
	s.mu.Unlock()

	s.conn.persistMessage(s.peerID(), msg, false)
	if fn != nil {
		fn(msg)
	}
	s.conn.notifyMessage(s, msg)
}

// participant returns the session participant for an identity, resolving new
// room speakers through the connection roster so every identity maps to one
// Contact.
func (s *ChatSession) participant(id Identity) *Contact {
	s.mu.Lock()
	for _, p := range s.participants {
		if p.ID() == id.ID {
			s.mu.Unlock()
			return p
		}
	}
	s.mu.Unlock()

	ct := s.conn.roster.Resolve(id)
	s.mu.Lock()
	s.participants = append(s.participants, ct)
	s.mu.Unlock()
	return ct
}

// SendMessage queues or sends a message. Before the session is open the text
// is buffered; queued messages are flushed in submission order when the
// session opens.
func (s *ChatSession) SendMessage(text string) error {
	s.mu.Lock()
	switch s.state {
	case ChatClosed, ChatError:
		s.mu.Unlock()
		return ErrChatClosed
	case ChatInitializing:
		s.buffer = append(s.buffer, text)
		s.mu.Unlock()
		return nil
	}
	channel := s.channel
	s.mu.Unlock()

	s.send(channel, text)
	return nil
}

func (s *ChatSession) send(channel TextChannel, text string) {
	s.conn.watch(channel.Send(text), "send message")

	msg := ChatMessage{
		ID:         uuid.NewString(),
		Originator: s.conn.Self(),
		Timestamp:  time.Now(),
		Text:       text,
	}
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
	s.conn.persistMessage(s.peerID(), msg, true)
}

func (s *ChatSession) peerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.roomID != "" {
		return s.roomID
	}
	if s.peer != nil {
		return s.peer.ID()
	}
	return ""
}

// Close requests channel teardown. A session that never obtained a channel
// closes immediately. Close is idempotent.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.state == ChatClosed || s.state == ChatError {
		s.mu.Unlock()
		return
	}
	channel := s.channel
	s.mu.Unlock()

	if channel == nil {
		if s.transition(ChatClosed, "") {
			s.notifyState()
		}
		return
	}

	op := channel.RequestClose()
	op.OnFinished(func(*pending.Operation) {
		s.conn.post(chatCloseFinished{s})
	})
}

func (s *ChatSession) closeFinished() {
	if s.transition(ChatClosed, "") {
		s.notifyState()
	}
}

func (s *ChatSession) fail(reason string) {
	if s.transition(ChatError, reason) {
		s.conn.log.Error("chat session failed: %s", reason)
		s.notifyState()
	}
}

// transition moves to a later lifecycle state. Terminal states absorb every
// further transition.
func (s *ChatSession) transition(st ChatSessionState, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ChatClosed || s.state == ChatError || st == s.state {
		return false
	}
	s.state = st
	s.reason = reason
	return true
}

func (s *ChatSession) notifyState() {
	s.mu.RLock()
	state, reason, fn := s.state, s.reason, s.onState
	s.mu.RUnlock()
	if fn != nil {
		fn(state, reason)
	}
}

// State returns the session state.
func (s *ChatSession) State() ChatSessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason returns the failure reason, set only in the Error state.
func (s *ChatSession) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != ChatError {
		return ""
	}
	return s.reason
}

// RoomID returns the room identifier, empty for private sessions.
func (s *ChatSession) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// Peer returns the remote contact of a private session, nil for rooms.
func (s *ChatSession) Peer() *Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Incoming reports whether the session was initiated by the remote side.
func (s *ChatSession) Incoming() bool {
	return s.incoming
}

// Participants returns a snapshot of the session participants, the local
// user excluded.
func (s *ChatSession) Participants() []*Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Contact, len(s.participants))
	copy(out, s.participants)
	return out
}

// Participant returns the session participant with the given identifier.
func (s *ChatSession) Participant(id string) *Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// History returns a snapshot of every message seen this session, sent and
// received, oldest first.
func (s *ChatSession) History() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// SetStateHandler registers the lifecycle callback.
func (s *ChatSession) SetStateHandler(fn func(ChatSessionState, string)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// SetMessageReceivedHandler registers the received-message callback.
func (s *ChatSession) SetMessageReceivedHandler(fn func(ChatMessage)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}
