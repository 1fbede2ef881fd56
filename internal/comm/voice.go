package comm

import (
	"sync"

	"github.com/tetherim/tether/internal/comm/pending"
)

// VoiceSessionState is the lifecycle state of a VoiceSession.
type VoiceSessionState int

const (
	VoiceInitializing VoiceSessionState = iota
	VoiceRingingLocal
	VoiceRingingRemote
	VoiceOpen
	VoiceClosed
	VoiceError
)

// String returns the string representation of the state
func (s VoiceSessionState) String() string {
	switch s {
	case VoiceInitializing:
		return "initializing"
	case VoiceRingingLocal:
		return "ringing local"
	case VoiceRingingRemote:
		return "ringing remote"
	case VoiceOpen:
		return "open"
	case VoiceClosed:
		return "closed"
	case VoiceError:
		return "error"
	default:
		return "unknown"
	}
}

// rejectReason is the synthesized close reason reported when the local user
// rejects an incoming call.
const rejectReason = "User rejected incoming call."

// MediaDirection identifies one of the four live media facts a voice
// session tracks.
type MediaDirection int

const (
	SendingAudio MediaDirection = iota
	SendingVideo
	ReceivingAudio
	ReceivingVideo
)

// String returns the string representation of the direction
func (d MediaDirection) String() string {
	switch d {
	case SendingAudio:
		return "sending audio"
	case SendingVideo:
		return "sending video"
	case ReceivingAudio:
		return "receiving audio"
	case ReceivingVideo:
		return "receiving video"
	default:
		return "unknown"
	}
}

// VoiceSession is a two-party audio/video call. Incoming calls ring locally
// until accepted or rejected; outgoing calls ring remotely until the callee
// answers. Decoded audio received while the call is open is accumulated and
// handed to the connection's audio sink.
type VoiceSession struct {
	mu     sync.RWMutex
	conn   *Connection
	state  VoiceSessionState
	reason string

	incoming bool
	peer     *Contact
	channel  MediaChannel

	pendingAudio bool
	pendingVideo bool
	wantVideo    bool
	muted        bool
	pipeline     PipelineStatus
	closeSent    bool

	sendingAudio   bool
	sendingVideo   bool
	receivingAudio bool
	receivingVideo bool

	feed *audioFeed

	onState func(VoiceSessionState, string)
	onMedia func(MediaDirection, bool)
}

func newVoiceSession(c *Connection, incoming bool) *VoiceSession {
	v := &VoiceSession{
		conn:     c,
		state:    VoiceInitializing,
		incoming: incoming,
		pipeline: PipelineConnecting,
	}
	if c.audio != nil {
		v.feed = newAudioFeed(c.audio, "voice", c.audioBufMin, c.spatial)
	}
	return v
}

func newOutgoingVoiceSession(c *Connection, contact *Contact) *VoiceSession {
	v := newVoiceSession(c, false)
	v.peer = contact

	link := c.linkSnapshot()
	if link == nil {
		v.state = VoiceError
		v.reason = "connection is not open"
		return v
	}

	op := link.RequestMediaChannel(contact.ID())
	op.OnFinished(func(op *pending.Operation) {
		c.post(voiceChannelCreated{v, op})
	})
	return v
}

// newIncomingVoiceSession wraps a media channel offered by the remote side.
// Runs on the connection loop.
func newIncomingVoiceSession(c *Connection, channel MediaChannel) *VoiceSession {
	v := newVoiceSession(c, true)
	v.adoptChannel(channel)

	ready := channel.BecomeReady()
	ready.OnFinished(func(op *pending.Operation) {
		c.post(voiceChannelReady{v, op})
	})
	return v
}

func (v *VoiceSession) adoptChannel(channel MediaChannel) {
	v.mu.Lock()
	v.channel = channel
	v.mu.Unlock()

	channel.SetStreamHandler(func(ev StreamEvent) {
		v.conn.post(voiceStreamEvent{v, ev})
	})
	channel.SetPipelineHandler(func(status PipelineStatus) {
		v.conn.post(voicePipelineStatus{v, status})
	})
	channel.SetAudioHandler(func(frame AudioFrame) {
		v.conn.post(voiceAudioReceived{v, frame})
	})
}

// channelCreated finishes outgoing channel creation.
func (v *VoiceSession) channelCreated(op *pending.Operation) {
	if op.Failed() {
		v.fail("Cannot create connection: " + op.Reason())
		return
	}
	v.adoptChannel(op.Result().(MediaChannel))
	if v.transition(VoiceRingingRemote, "") {
		v.notifyState()
	}

	ready := v.channel.BecomeReady()
	ready.OnFinished(func(op *pending.Operation) {
		v.conn.post(voiceChannelReady{v, op})
	})
}

func (v *VoiceSession) channelReady(op *pending.Operation) {
	if op.Failed() {
		v.fail("Stream feature cannot become ready: " + op.Reason())
		return
	}

	if v.incoming {
		v.mu.Lock()
		v.peer = v.conn.roster.Resolve(v.channel.Initiator())
		v.mu.Unlock()
		if v.transition(VoiceRingingLocal, "") {
			v.notifyState()
		}
		v.conn.notifyVoiceSession(v)
		return
	}

	v.negotiateStreams()
}

// negotiateStreams enumerates the channel's streams and makes sure an audio
// stream exists, then opens the session. Stream creation completes
// asynchronously; the session does not wait for it.
func (v *VoiceSession) negotiateStreams() {
	hasAudio := false
	hasVideo := false
	for _, st := range v.channel.Streams() {
		switch st.Kind() {
		case StreamAudio:
			hasAudio = true
		case StreamVideo:
			hasVideo = true
		}
	}

	v.mu.Lock()
	requestAudio := !hasAudio && !v.pendingAudio
	if requestAudio {
		v.pendingAudio = true
	}
	requestVideo := v.wantVideo && !hasVideo && !v.pendingVideo
	if requestVideo {
		v.pendingVideo = true
	}
	v.mu.Unlock()

	if requestAudio {
		op := v.channel.RequestStream(StreamAudio)
		op.OnFinished(func(op *pending.Operation) {
			v.conn.post(voiceStreamCreated{v, StreamAudio, op})
		})
	}
	if requestVideo {
		op := v.channel.RequestStream(StreamVideo)
		op.OnFinished(func(op *pending.Operation) {
			v.conn.post(voiceStreamCreated{v, StreamVideo, op})
		})
	}

	if v.transition(VoiceOpen, "") {
		v.notifyState()
	}
	v.recomputeDirections()
}

func (v *VoiceSession) streamCreated(kind StreamKind, op *pending.Operation) {
	v.mu.Lock()
	switch kind {
	case StreamAudio:
		v.pendingAudio = false
	case StreamVideo:
		v.pendingVideo = false
	}
	v.mu.Unlock()

	if op.Failed() {
		if kind == StreamAudio {
			v.fail("Cannot create audio stream: " + op.Reason())
			return
		}
		v.conn.log.Error("cannot create video stream: %s", op.Reason())
		return
	}
	v.recomputeDirections()
}

// Accept answers an incoming call. Valid only while ringing locally;
// anything else is logged and ignored.
func (v *VoiceSession) Accept() {
	if v.State() != VoiceRingingLocal {
		v.conn.log.Warn("voice session state doesn't allow accept")
		return
	}
	v.conn.post(voiceAccepted{v})
}

func (v *VoiceSession) accepted() {
	if v.State() != VoiceRingingLocal {
		return
	}
	v.conn.watch(v.channel.AcceptCall(), "accept call")
	v.negotiateStreams()
}

// Reject declines an incoming call. Valid only while ringing locally. The
// channel close is requested exactly once and the session closes with a
// synthesized reason.
func (v *VoiceSession) Reject() {
	if v.State() != VoiceRingingLocal {
		v.conn.log.Warn("voice session state doesn't allow reject")
		return
	}
	v.closeChannel()
	if v.transition(VoiceClosed, rejectReason) {
		v.stopFeed()
		v.notifyState()
	}
}

// Close hangs up. It is valid in every state and idempotent; the underlying
// channel close is requested at most once.
func (v *VoiceSession) Close() {
	v.closeChannel()
	if v.transition(VoiceClosed, "") {
		v.stopFeed()
		v.notifyState()
	}
}

// closeChannel requests channel teardown at most once.
func (v *VoiceSession) closeChannel() {
	v.mu.Lock()
	channel := v.channel
	sent := v.closeSent
	v.closeSent = true
	v.mu.Unlock()

	if channel != nil && !sent {
		v.conn.watch(channel.RequestClose(), "close media channel")
	}
}

func (v *VoiceSession) streamEvent(ev StreamEvent) {
	switch ev.Change {
	case StreamAdded:
		v.conn.log.Debug("media stream added: %s", ev.Stream.Kind())
	case StreamRemoved:
		v.conn.log.Debug("media stream removed: %s", ev.Stream.Kind())
	}
	v.recomputeDirections()
}

func (v *VoiceSession) pipelineStatus(status PipelineStatus) {
	v.mu.Lock()
	v.pipeline = status
	v.mu.Unlock()

	switch status {
	case PipelineFailed:
		v.fail("Media pipeline failed.")
		return
	case PipelineDisconnected:
		v.conn.log.Debug("media pipeline disconnected, call terminated")
		v.Close()
		return
	}
	v.recomputeDirections()
}

func (v *VoiceSession) audioReceived(frame AudioFrame) {
	v.mu.RLock()
	open := v.state == VoiceOpen
	feed := v.feed
	v.mu.RUnlock()
	if !open || feed == nil {
		return
	}
	feed.push(frame)
}

// SendVideoData enables or disables sending local video.
func (v *VoiceSession) SendVideoData(enable bool) {
	v.conn.post(voiceSetVideo{v, enable})
}

func (v *VoiceSession) setVideo(enable bool) {
	v.mu.Lock()
	v.wantVideo = enable
	open := v.state == VoiceOpen
	channel := v.channel
	v.mu.Unlock()
	if !open || channel == nil {
		return
	}

	var video MediaStream
	for _, st := range channel.Streams() {
		if st.Kind() == StreamVideo {
			video = st
			break
		}
	}

	if enable {
		if video == nil {
			v.mu.Lock()
			request := !v.pendingVideo
			if request {
				v.pendingVideo = true
			}
			v.mu.Unlock()
			if request {
				op := channel.RequestStream(StreamVideo)
				op.OnFinished(func(op *pending.Operation) {
					v.conn.post(voiceStreamCreated{v, StreamVideo, op})
				})
			}
			return
		}
		v.conn.watch(video.RequestDirection(video.Direction()|DirectionSend), "enable video sending")
		return
	}
	if video != nil {
		v.conn.watch(video.RequestDirection(video.Direction()&^DirectionSend), "disable video sending")
	}
}

// SetMuted stops or resumes sending local audio without tearing the stream
// down.
func (v *VoiceSession) SetMuted(mute bool) {
	v.conn.post(voiceSetMute{v, mute})
}

func (v *VoiceSession) setMute(mute bool) {
	v.mu.Lock()
	v.muted = mute
	channel := v.channel
	v.mu.Unlock()
	if channel == nil {
		return
	}
	for _, st := range channel.Streams() {
		if st.Kind() != StreamAudio {
			continue
		}
		dir := st.Direction()
		if mute {
			dir &^= DirectionSend
		} else {
			dir |= DirectionSend
		}
		v.conn.watch(st.RequestDirection(dir), "update audio direction")
	}
}

// Muted reports whether local audio sending is muted.
func (v *VoiceSession) Muted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.muted
}

// SetPlaybackPosition places the remote party's audio in 3D space for
// spatial playback.
func (v *VoiceSession) SetPlaybackPosition(pos Vector3) {
	v.conn.post(voicePlaybackPosition{v, pos})
}

func (v *VoiceSession) setPlaybackPosition(pos Vector3) {
	if v.feed != nil {
		v.feed.setPosition(pos)
	}
}

// recomputeDirections derives the four media facts from the channel's
// streams and reports each change. Receiving is only reported while the
// session is open, the pipeline is connected, and the stream itself is
// connected with a receive direction.
func (v *VoiceSession) recomputeDirections() {
	var sa, sv, ra, rv bool

	v.mu.Lock()
	if v.channel != nil {
		for _, st := range v.channel.Streams() {
			send := st.Direction()&DirectionSend != 0
			recv := st.Direction()&DirectionReceive != 0 && st.State() == StreamConnected
			switch st.Kind() {
			case StreamAudio:
				sa = sa || send
				ra = ra || recv
			case StreamVideo:
				sv = sv || send
				rv = rv || recv
			}
		}
	}
	if v.state == VoiceClosed || v.state == VoiceError {
		sa, sv, ra, rv = false, false, false, false
	}
	live := v.state == VoiceOpen && v.pipeline == PipelineConnected
	ra = ra && live
	rv = rv && live

	type change struct {
		d      MediaDirection
		active bool
	}
	var changes []change
	if sa != v.sendingAudio {
		v.sendingAudio = sa
		changes = append(changes, change{SendingAudio, sa})
	}
	if sv != v.sendingVideo {
		v.sendingVideo = sv
		changes = append(changes, change{SendingVideo, sv})
	}
	if ra != v.receivingAudio {
		v.receivingAudio = ra
		changes = append(changes, change{ReceivingAudio, ra})
	}
	if rv != v.receivingVideo {
		v.receivingVideo = rv
		changes = append(changes, change{ReceivingVideo, rv})
	}
	fn := v.onMedia
	v.mu.Unlock()

	if fn != nil {
		for _, ch := range changes {
			fn(ch.d, ch.active)
		}
	}
}

func (v *VoiceSession) stopFeed() {
	if v.feed != nil {
		v.feed.stop()
	}
	v.recomputeDirections()
}

func (v *VoiceSession) fail(reason string) {
	if v.transition(VoiceError, reason) {
		v.conn.log.Error("voice session failed: %s", reason)
		v.stopFeed()
		v.notifyState()
	}
}

// transition moves to a later lifecycle state. Closed and Error absorb every
// further transition.
func (v *VoiceSession) transition(st VoiceSessionState, reason string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == VoiceClosed || v.state == VoiceError || st == v.state {
		return false
	}
	v.state = st
	v.reason = reason
	return true
}

func (v *VoiceSession) notifyState() {
	v.mu.RLock()
	state, reason, fn := v.state, v.reason, v.onState
	v.mu.RUnlock()
	if fn != nil {
		fn(state, reason)
	}
}

// State returns the session state.
func (v *VoiceSession) State() VoiceSessionState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Reason returns why the session closed or failed.
func (v *VoiceSession) Reason() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.reason
}

// Peer returns the remote party.
func (v *VoiceSession) Peer() *Contact {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.peer
}

// Incoming reports whether the call was initiated by the remote side.
func (v *VoiceSession) Incoming() bool {
	return v.incoming
}

// SendingAudio reports whether local audio is flowing out.
func (v *VoiceSession) SendingAudio() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sendingAudio
}

// SendingVideo reports whether local video is flowing out.
func (v *VoiceSession) SendingVideo() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sendingVideo
}

// ReceivingAudio reports whether remote audio is flowing in.
func (v *VoiceSession) ReceivingAudio() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.receivingAudio
}

// ReceivingVideo reports whether remote video is flowing in.
func (v *VoiceSession) ReceivingVideo() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.receivingVideo
}

// SetStateHandler registers the lifecycle callback.
func (v *VoiceSession) SetStateHandler(fn func(VoiceSessionState, string)) {
	v.mu.Lock()
	v.onState = fn
	v.mu.Unlock()
}

// SetMediaStateHandler registers the callback reporting changes to the four
// media facts.
func (v *VoiceSession) SetMediaStateHandler(fn func(MediaDirection, bool)) {
	v.mu.Lock()
	v.onMedia = fn
	v.mu.Unlock()
}
