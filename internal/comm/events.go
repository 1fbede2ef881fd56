package comm

import "github.com/tetherim/tether/internal/comm/pending"

// Connection lifecycle events.

type connectionCreated struct{ op *pending.Operation }

func (e connectionCreated) apply(c *Connection) { c.connectionCreated(e.op) }

type connectionConnected struct{ op *pending.Operation }

func (e connectionConnected) apply(c *Connection) { c.connectionConnected(e.op) }

type connectionReady struct{ op *pending.Operation }

func (e connectionReady) apply(c *Connection) { c.connectionReady(e.op) }

// Transport pushes.

type channelOffered struct{ offer ChannelOffer }

func (e channelOffered) apply(c *Connection) { c.channelOffered(e.offer) }

type presenceChanged struct{ info ContactInfo }

func (e presenceChanged) apply(c *Connection) { c.presenceChanged(e.info) }

type publicationRequested struct{ info ContactInfo }

func (e publicationRequested) apply(c *Connection) { c.publicationRequested(e.info) }

// Chat session events.

type chatChannelCreated struct {
	session *ChatSession
	op      *pending.Operation
}

func (e chatChannelCreated) apply(*Connection) { e.session.channelCreated(e.op) }

type chatChannelReady struct {
	session *ChatSession
	op      *pending.Operation
}

func (e chatChannelReady) apply(*Connection) { e.session.channelReady(e.op) }

type chatDrained struct {
	session *ChatSession
	op      *pending.Operation
}

func (e chatDrained) apply(*Connection) { e.session.drained(e.op) }

type chatMessageReceived struct {
	session *ChatSession
	message InboundMessage
}

func (e chatMessageReceived) apply(*Connection) { e.session.messageReceived(e.message) }

type chatCloseFinished struct{ session *ChatSession }

func (e chatCloseFinished) apply(*Connection) { e.session.closeFinished() }

// Voice session events.

type voiceChannelCreated struct {
	session *VoiceSession
	op      *pending.Operation
}

func (e voiceChannelCreated) apply(*Connection) { e.session.channelCreated(e.op) }

type voiceChannelReady struct {
	session *VoiceSession
	op      *pending.Operation
}

func (e voiceChannelReady) apply(*Connection) { e.session.channelReady(e.op) }

type voiceAccepted struct{ session *VoiceSession }

func (e voiceAccepted) apply(*Connection) { e.session.accepted() }

type voiceStreamCreated struct {
	session *VoiceSession
	kind    StreamKind
	op      *pending.Operation
}

func (e voiceStreamCreated) apply(*Connection) { e.session.streamCreated(e.kind, e.op) }

type voiceStreamEvent struct {
	session *VoiceSession
	event   StreamEvent
}

func (e voiceStreamEvent) apply(*Connection) { e.session.streamEvent(e.event) }

type voicePipelineStatus struct {
	session *VoiceSession
	status  PipelineStatus
}

func (e voicePipelineStatus) apply(*Connection) { e.session.pipelineStatus(e.status) }

type voiceAudioReceived struct {
	session *VoiceSession
	frame   AudioFrame
}

func (e voiceAudioReceived) apply(*Connection) { e.session.audioReceived(e.frame) }

type voiceSetVideo struct {
	session *VoiceSession
	enable  bool
}

func (e voiceSetVideo) apply(*Connection) { e.session.setVideo(e.enable) }

type voiceSetMute struct {
	session *VoiceSession
	mute    bool
}

func (e voiceSetMute) apply(*Connection) { e.session.setMute(e.mute) }

type voicePlaybackPosition struct {
	session  *VoiceSession
	position Vector3
}

func (e voicePlaybackPosition) apply(*Connection) { e.session.setPlaybackPosition(e.position) }

// Outgoing friend request events.

type friendResolveFinished struct {
	request *OutgoingFriendRequest
	op      *pending.Operation
}

func (e friendResolveFinished) apply(*Connection) { e.request.resolveFinished(e.op) }

type friendSubscribeFinished struct {
	request *OutgoingFriendRequest
	op      *pending.Operation
}

func (e friendSubscribeFinished) apply(*Connection) { e.request.subscribeFinished(e.op) }
