package comm

import (
	"github.com/tetherim/tether/internal/comm/pending"
)

// Transport is the entry point to a remote messaging/presence service.
// Every asynchronous call in these interfaces returns a *pending.Operation
// that completes exactly once; the transport supplies its own per-operation
// timeouts and failure reasons.
type Transport interface {
	// RequestConnection builds a transport-level connection from the given
	// credentials. The operation's result is a Link.
	RequestConnection(creds Credentials) *pending.Operation
}

// Feature is a capability a Link must provide before a Connection
// considers it usable.
type Feature int

const (
	FeatureCore Feature = iota
	FeatureSelfIdentity
	FeatureRoster
	FeatureSimplePresence
)

// String returns the string representation of the feature
func (f Feature) String() string {
	switch f {
	case FeatureCore:
		return "core"
	case FeatureSelfIdentity:
		return "self-identity"
	case FeatureRoster:
		return "roster"
	case FeatureSimplePresence:
		return "simple-presence"
	default:
		return "unknown"
	}
}

// Link is one live transport connection. Handlers must be registered before
// Connect; the transport may deliver pushes from any goroutine.
type Link interface {
	// Connect establishes the underlying connection.
	Connect() *pending.Operation

	// BecomeReady waits for the listed features to be available.
	BecomeReady(features ...Feature) *pending.Operation

	// HasFeature reports whether a feature is ready.
	HasFeature(f Feature) bool

	// SelfInfo returns the authenticated account's own contact info.
	// Valid only after BecomeReady succeeded.
	SelfInfo() ContactInfo

	// KnownContacts enumerates every remote identity the service knows
	// about for this account, with subscription/publication states.
	KnownContacts() []ContactInfo

	// AllowedStatuses returns the presence status values the service accepts.
	AllowedStatuses() []string

	// SelfStatusRestricted reports whether the service is known to
	// misbehave when the self presence is set to offline/unknown/error.
	SelfStatusRestricted() bool

	// SetPresence publishes our own presence status and message.
	SetPresence(status, message string) *pending.Operation

	// ResolveIdentity looks up a raw identifier. The result is an Identity.
	ResolveIdentity(id string) *pending.Operation

	// AuthorizePublication allows the given identity to see our presence.
	AuthorizePublication(id string) *pending.Operation

	// WithdrawPublication revokes the given identity's view of our presence.
	WithdrawPublication(id string) *pending.Operation

	// RequestSubscription asks to see the given identity's presence.
	RequestSubscription(id, message string) *pending.Operation

	// WithdrawSubscription stops watching the given identity's presence.
	WithdrawSubscription(id string) *pending.Operation

	// RequestTextChannel opens a 1:1 text channel. The result is a TextChannel.
	RequestTextChannel(target string) *pending.Operation

	// RequestRoomChannel joins a named room. The result is a TextChannel.
	RequestRoomChannel(room string) *pending.Operation

	// RequestMediaChannel opens a real-time media channel to a target
	// identity. The result is a MediaChannel.
	RequestMediaChannel(target string) *pending.Operation

	// SetOfferHandler registers the callback for server-pushed channels.
	SetOfferHandler(fn func(ChannelOffer))

	// SetPresenceHandler registers the callback for presence changes of
	// known contacts.
	SetPresenceHandler(fn func(ContactInfo))

	// SetPublicationRequestHandler registers the callback for contacts
	// asking to see our presence.
	SetPublicationRequestHandler(fn func(ContactInfo))

	// Disconnect tears the connection down.
	Disconnect() *pending.Operation
}

// ChannelKind classifies a transport channel.
type ChannelKind int

const (
	ChannelText ChannelKind = iota
	ChannelMedia
	ChannelContactList
)

// ChannelOffer is a channel the transport reports as newly available.
// Requested marks channels we asked for ourselves; those are already
// tracked by the pending operation that requested them.
type ChannelOffer struct {
	Kind      ChannelKind
	Requested bool
	Text      TextChannel
	Media     MediaChannel
}

// TextChannel is a transport-level text conversation, 1:1 or room.
type TextChannel interface {
	// BecomeReady waits for the channel's message queue to be usable.
	BecomeReady() *pending.Operation

	// Target returns the remote party (1:1) or the room identity.
	Target() Identity

	// Send transmits one message.
	Send(text string) *pending.Operation

	// DrainPending fetches messages queued before the channel became
	// ready. The result is []InboundMessage. Called at most once.
	DrainPending() *pending.Operation

	// SetMessageHandler registers the callback for incoming messages.
	SetMessageHandler(fn func(InboundMessage))

	// RequestClose releases the channel.
	RequestClose() *pending.Operation
}

// StreamKind is the media type of one stream.
type StreamKind int

const (
	StreamAudio StreamKind = iota
	StreamVideo
)

// String returns the string representation of the stream kind
func (k StreamKind) String() string {
	switch k {
	case StreamAudio:
		return "audio"
	case StreamVideo:
		return "video"
	default:
		return "unknown"
	}
}

// StreamDirection is a bitmask of the directions a stream carries media in.
type StreamDirection int

const (
	DirectionNone    StreamDirection = 0
	DirectionSend    StreamDirection = 1 << 0
	DirectionReceive StreamDirection = 1 << 1
)

// StreamState is the connectivity of one stream.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
)

// MediaStream is one negotiated audio or video stream.
type MediaStream interface {
	Kind() StreamKind
	Direction() StreamDirection
	State() StreamState

	// RequestDirection asks the transport to change the stream direction.
	RequestDirection(d StreamDirection) *pending.Operation
}

// StreamChange is what happened to a stream.
type StreamChange int

const (
	StreamAdded StreamChange = iota
	StreamRemoved
	StreamDirectionChanged
	StreamStateChanged
)

// StreamEvent reports a stream change on a media channel.
type StreamEvent struct {
	Stream MediaStream
	Change StreamChange
}

// PipelineStatus is the state of the media pipeline behind a channel.
type PipelineStatus int

const (
	PipelineConnecting PipelineStatus = iota
	PipelineConnected
	PipelineDisconnected
	PipelineFailed
)

// AudioFrame is a chunk of decoded audio from a media channel.
type AudioFrame struct {
	Data        []byte
	SampleRate  int
	SampleWidth int
	Channels    int
}

// MediaChannel is a transport-level real-time media conversation.
type MediaChannel interface {
	// BecomeReady waits for the channel's streams feature.
	BecomeReady() *pending.Operation

	// Initiator returns the identity that started the call.
	Initiator() Identity

	// AcceptCall signals the transport to accept an incoming call.
	AcceptCall() *pending.Operation

	// RequestStream asks for a new stream. The result is a MediaStream.
	RequestStream(kind StreamKind) *pending.Operation

	// Streams returns the currently negotiated streams.
	Streams() []MediaStream

	// SetStreamHandler registers the callback for stream changes.
	SetStreamHandler(fn func(StreamEvent))

	// SetPipelineHandler registers the callback for pipeline status changes.
	SetPipelineHandler(fn func(PipelineStatus))

	// SetAudioHandler registers the callback for decoded audio.
	SetAudioHandler(fn func(AudioFrame))

	// RequestClose releases the channel.
	RequestClose() *pending.Operation
}
