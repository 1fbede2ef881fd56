package memory

import (
	"sync"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/comm/pending"
)

// TextChannel implements comm.TextChannel in memory.
type TextChannel struct {
	mu     sync.Mutex
	target comm.Identity

	// ReadyFailure, SendFailure and DrainFailure script the corresponding
	// calls to fail. Set them before the call.
	ReadyFailure string
	SendFailure  string
	DrainFailure string

	// Backlog is returned by DrainPending.
	Backlog []comm.InboundMessage

	deferReady bool
	signaled   bool
	readyOp    *pending.Operation

	sent          []string
	closeRequests int
	onMessage     func(comm.InboundMessage)
}

// NewTextChannel returns a channel whose readiness completes immediately.
func NewTextChannel(target comm.Identity) *TextChannel {
	return &TextChannel{target: target}
}

// DeferReady makes BecomeReady hang until SignalReady is called.
func (ch *TextChannel) DeferReady() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.deferReady = true
}

// SignalReady completes a deferred BecomeReady.
func (ch *TextChannel) SignalReady() {
	ch.mu.Lock()
	ch.signaled = true
	op := ch.readyOp
	ch.mu.Unlock()
	if op != nil {
		op.Succeed(nil)
	}
}

// BecomeReady implements comm.TextChannel.
func (ch *TextChannel) BecomeReady() *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.ReadyFailure != "" {
		return pending.Failed(ch.ReadyFailure)
	}
	if ch.deferReady {
		if ch.signaled {
			return pending.Succeeded(nil)
		}
		ch.readyOp = pending.New()
		return ch.readyOp
	}
	return pending.Succeeded(nil)
}

// Target implements comm.TextChannel.
func (ch *TextChannel) Target() comm.Identity {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.target
}

// Send implements comm.TextChannel.
func (ch *TextChannel) Send(text string) *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.SendFailure != "" {
		return pending.Failed(ch.SendFailure)
	}
	ch.sent = append(ch.sent, text)
	return pending.Succeeded(nil)
}

// Sent returns every message sent through this channel, in order.
func (ch *TextChannel) Sent() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string{}, ch.sent...)
}

// DrainPending implements comm.TextChannel.
func (ch *TextChannel) DrainPending() *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.DrainFailure != "" {
		return pending.Failed(ch.DrainFailure)
	}
	backlog := ch.Backlog
	ch.Backlog = nil
	return pending.Succeeded(backlog)
}

// SetMessageHandler implements comm.TextChannel.
func (ch *TextChannel) SetMessageHandler(fn func(comm.InboundMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = fn
}

// Deliver pushes one incoming message to the registered handler.
func (ch *TextChannel) Deliver(m comm.InboundMessage) {
	ch.mu.Lock()
	fn := ch.onMessage
	ch.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// RequestClose implements comm.TextChannel.
func (ch *TextChannel) RequestClose() *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeRequests++
	return pending.Succeeded(nil)
}

// CloseRequests returns how many times the channel close was requested.
func (ch *TextChannel) CloseRequests() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeRequests
}

// Stream implements comm.MediaStream in memory.
type Stream struct {
	mu      sync.Mutex
	channel *MediaChannel
	kind    comm.StreamKind
	dir     comm.StreamDirection
	state   comm.StreamState
}

// Kind implements comm.MediaStream.
func (s *Stream) Kind() comm.StreamKind {
	return s.kind
}

// Direction implements comm.MediaStream.
func (s *Stream) Direction() comm.StreamDirection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// State implements comm.MediaStream.
func (s *Stream) State() comm.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestDirection implements comm.MediaStream. The change is applied
// immediately and reported through the channel's stream handler.
func (s *Stream) RequestDirection(d comm.StreamDirection) *pending.Operation {
	s.mu.Lock()
	s.dir = d
	s.mu.Unlock()
	s.channel.emit(comm.StreamEvent{Stream: s, Change: comm.StreamDirectionChanged})
	return pending.Succeeded(nil)
}

// SetState scripts a connectivity change and reports it.
func (s *Stream) SetState(st comm.StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.channel.emit(comm.StreamEvent{Stream: s, Change: comm.StreamStateChanged})
}

// SetDirection scripts a remote-initiated direction change and reports it.
func (s *Stream) SetDirection(d comm.StreamDirection) {
	s.mu.Lock()
	s.dir = d
	s.mu.Unlock()
	s.channel.emit(comm.StreamEvent{Stream: s, Change: comm.StreamDirectionChanged})
}

// MediaChannel implements comm.MediaChannel in memory.
type MediaChannel struct {
	mu        sync.Mutex
	initiator comm.Identity

	// ReadyFailure and StreamFailure script the corresponding calls to fail.
	ReadyFailure  string
	StreamFailure string

	streams       []*Stream
	acceptCalls   int
	closeRequests int
	onStream      func(comm.StreamEvent)
	onPipeline    func(comm.PipelineStatus)
	onAudio       func(comm.AudioFrame)
}

// NewMediaChannel returns a media channel with no streams.
func NewMediaChannel(initiator comm.Identity) *MediaChannel {
	return &MediaChannel{initiator: initiator}
}

// BecomeReady implements comm.MediaChannel.
func (ch *MediaChannel) BecomeReady() *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.ReadyFailure != "" {
		return pending.Failed(ch.ReadyFailure)
	}
	return pending.Succeeded(nil)
}

// Initiator implements comm.MediaChannel.
func (ch *MediaChannel) Initiator() comm.Identity {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.initiator
}

// AcceptCall implements comm.MediaChannel.
func (ch *MediaChannel) AcceptCall() *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acceptCalls++
	return pending.Succeeded(nil)
}

// AcceptCalls returns how many times the call was accepted.
func (ch *MediaChannel) AcceptCalls() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.acceptCalls
}

// RequestStream implements comm.MediaChannel. The new stream starts
// connecting with a send+receive direction.
func (ch *MediaChannel) RequestStream(kind comm.StreamKind) *pending.Operation {
	ch.mu.Lock()
	if ch.StreamFailure != "" {
		failure := ch.StreamFailure
		ch.mu.Unlock()
		return pending.Failed(failure)
	}
	s := &Stream{
		channel: ch,
		kind:    kind,
		dir:     comm.DirectionSend | comm.DirectionReceive,
		state:   comm.StreamConnecting,
	}
	ch.streams = append(ch.streams, s)
	ch.mu.Unlock()

	ch.emit(comm.StreamEvent{Stream: s, Change: comm.StreamAdded})
	return pending.Succeeded(comm.MediaStream(s))
}

// AddStream scripts a remotely negotiated stream.
func (ch *MediaChannel) AddStream(kind comm.StreamKind, dir comm.StreamDirection, state comm.StreamState) *Stream {
	s := &Stream{channel: ch, kind: kind, dir: dir, state: state}
	ch.mu.Lock()
	ch.streams = append(ch.streams, s)
	ch.mu.Unlock()
	ch.emit(comm.StreamEvent{Stream: s, Change: comm.StreamAdded})
	return s
}

// Streams implements comm.MediaChannel.
func (ch *MediaChannel) Streams() []comm.MediaStream {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]comm.MediaStream, len(ch.streams))
	for i, s := range ch.streams {
		out[i] = s
	}
	return out
}

// SetStreamHandler implements comm.MediaChannel.
func (ch *MediaChannel) SetStreamHandler(fn func(comm.StreamEvent)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onStream = fn
}

// SetPipelineHandler implements comm.MediaChannel.
func (ch *MediaChannel) SetPipelineHandler(fn func(comm.PipelineStatus)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onPipeline = fn
}

// SetAudioHandler implements comm.MediaChannel.
func (ch *MediaChannel) SetAudioHandler(fn func(comm.AudioFrame)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onAudio = fn
}

// SetPipeline scripts a media pipeline status change.
func (ch *MediaChannel) SetPipeline(status comm.PipelineStatus) {
	ch.mu.Lock()
	fn := ch.onPipeline
	ch.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// EmitAudio scripts one decoded audio frame.
func (ch *MediaChannel) EmitAudio(frame comm.AudioFrame) {
	ch.mu.Lock()
	fn := ch.onAudio
	ch.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// RequestClose implements comm.MediaChannel.
func (ch *MediaChannel) RequestClose() *pending.Operation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeRequests++
	return pending.Succeeded(nil)
}

// CloseRequests returns how many times the channel close was requested.
func (ch *MediaChannel) CloseRequests() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeRequests
}

func (ch *MediaChannel) emit(ev comm.StreamEvent) {
	ch.mu.Lock()
	fn := ch.onStream
	ch.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
