package comm

import (
	"errors"
	"sync"

	"github.com/tetherim/tether/internal/comm/pending"
	"github.com/tetherim/tether/internal/logging"
)

// ErrNotOpen is returned when an operation requires an open connection.
// Callers are expected to check connection state first; this is a contract
// violation, not a transient fault.
var ErrNotOpen = errors.New("connection is not open")

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	ConnectionInitializing ConnectionState = iota
	ConnectionOpen
	ConnectionClosed
	ConnectionError
)

// String returns the string representation of the state
func (s ConnectionState) String() string {
	switch s {
	case ConnectionInitializing:
		return "initializing"
	case ConnectionOpen:
		return "open"
	case ConnectionClosed:
		return "closed"
	case ConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

// selfStatusBlacklist holds the presence values a user must not select for
// themselves on restricted transports; setting them is known to destabilize
// some backends.
var selfStatusBlacklist = map[string]bool{
	"offline": true,
	"unknown": true,
	"error":   true,
}

// Options configures a Connection.
type Options struct {
	Transport Transport
	Log       *logging.Logger

	// Audio receives decoded call audio. May be nil; playback is skipped.
	Audio AudioSink

	// Store persists history and roster state. May be nil.
	Store MessageStore

	// Policy controls roster reconciliation of asymmetric relationships.
	Policy ReciprocityPolicy

	// SpatialAudio routes call audio as 3D positional playback.
	SpatialAudio bool

	// AudioBufferBytes is the minimum decoded audio accumulated before a
	// buffer is handed to the sink.
	AudioBufferBytes int
}

// Connection is the root of the session layer: it drives the transport link
// through connect and capability negotiation, owns the roster, and is the
// factory for chat sessions, voice sessions and friend requests.
//
// All transport completions and pushes are delivered as typed events into a
// single per-connection loop goroutine; nothing in this package blocks
// waiting for a transport reply.
type Connection struct {
	mu     sync.RWMutex
	state  ConnectionState
	reason string

	transport Transport
	link      Link
	creds     Credentials

	roster *Roster
	self   *Contact

	presenceStatus  string
	presenceMessage string

	privateChats []*ChatSession
	roomChats    []*ChatSession
	voices       []*VoiceSession
	received     []*FriendRequest
	sent         []*OutgoingFriendRequest

	policy      ReciprocityPolicy
	store       MessageStore
	audio       AudioSink
	spatial     bool
	audioBufMin int
	log         *logging.Logger

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	loopDone chan struct{}

	onReady         func()
	onError         func(reason string)
	onClosed        func()
	onRosterChanged func([]*Contact)
	onPresence      func(*Contact)
	onChatSession   func(*ChatSession)
	onVoiceSession  func(*VoiceSession)
	onFriendRequest func(*FriendRequest)
	onMessage       func(*ChatSession, ChatMessage)
}

// event is one unit of work applied on the connection's loop goroutine.
type event interface {
	apply(c *Connection)
}

// NewConnection creates a connection in the Initializing state and starts
// its event loop. Call Open to establish the link.
func NewConnection(opts Options) *Connection {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}

	c := &Connection{
		state:       ConnectionInitializing,
		transport:   opts.Transport,
		roster:      NewRoster(),
		policy:      opts.Policy,
		store:       opts.Store,
		audio:       opts.Audio,
		spatial:     opts.SpatialAudio,
		audioBufMin: opts.AudioBufferBytes,
		log:         log.With("conn"),
		events:      make(chan event, 64),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Connection) loop() {
	defer close(c.loopDone)
	for {
		select {
		case ev := <-c.events:
			ev.apply(c)
		case <-c.quit:
			return
		}
	}
}

// post queues an event for the loop. Events posted after Close are dropped;
// late completions are tolerated, not errors.
func (c *Connection) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

// watch registers a log-only completion callback for a fire-and-forget
// operation, so no operation is abandoned silently.
func (c *Connection) watch(op *pending.Operation, what string) {
	op.OnFinished(func(op *pending.Operation) {
		if op.Failed() {
			c.log.Error("%s failed: %s", what, op.Reason())
		} else {
			c.log.Debug("%s finished", what)
		}
	})
}

func (c *Connection) linkSnapshot() Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

// State returns the connection state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Reason returns the failure reason. It is only available while the
// connection is in the Error state.
func (c *Connection) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != ConnectionError {
		return ""
	}
	return c.reason
}

// Account returns the account identifier the connection was opened with.
func (c *Connection) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds.Account
}

// Self returns the authenticated account's own contact, nil before Open.
func (c *Connection) Self() *Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Open starts establishing the connection: transport connection request,
// connect, then capability negotiation. Completion is reported through the
// ready/error handlers.
func (c *Connection) Open(creds Credentials) {
	c.mu.Lock()
	if c.state != ConnectionInitializing {
		c.mu.Unlock()
		c.log.Warn("Open called on %s connection, ignored", c.state)
		return
	}
	c.creds = creds
	c.mu.Unlock()

	op := c.transport.RequestConnection(creds)
	op.OnFinished(func(op *pending.Operation) {
		c.post(connectionCreated{op})
	})
}

func (c *Connection) connectionCreated(op *pending.Operation) {
	if c.State() != ConnectionInitializing {
		return
	}
	if op.Failed() {
		c.fail(op.Reason())
		return
	}

	link := op.Result().(Link)
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	link.SetOfferHandler(func(offer ChannelOffer) {
		c.post(channelOffered{offer})
	})
	link.SetPresenceHandler(func(info ContactInfo) {
		c.post(presenceChanged{info})
	})
	link.SetPublicationRequestHandler(func(info ContactInfo) {
		c.post(publicationRequested{info})
	})

	connect := link.Connect()
	connect.OnFinished(func(op *pending.Operation) {
		c.post(connectionConnected{op})
	})
}

var requiredFeatures = []Feature{
	FeatureCore,
	FeatureSelfIdentity,
	FeatureRoster,
	FeatureSimplePresence,
}

func (c *Connection) connectionConnected(op *pending.Operation) {
	if c.State() != ConnectionInitializing {
		return
	}
	if op.Failed() {
		c.fail("Cannot establish connection to IM server: " + op.Reason())
		return
	}
	c.log.Debug("connection to IM server established")

	for _, f := range requiredFeatures {
		if !c.link.HasFeature(f) {
			c.log.Debug("waiting for feature: %s", f)
		}
	}

	ready := c.link.BecomeReady(requiredFeatures...)
	ready.OnFinished(func(op *pending.Operation) {
		c.post(connectionReady{op})
	})
}

func (c *Connection) connectionReady(op *pending.Operation) {
	if c.State() != ConnectionInitializing {
		return
	}
	if op.Failed() {
		c.fail("Connection establishment failed: " + op.Reason())
		return
	}

	for _, f := range requiredFeatures {
		if !c.link.HasFeature(f) {
			c.fail("Cannot get all requested connection features.")
			return
		}
	}

	self := c.link.SelfInfo()
	c.mu.Lock()
	c.self = newContact(self.Identity)
	c.self.setPresence(self.Status, self.StatusMessage)
	c.presenceStatus = self.Status
	c.presenceMessage = self.StatusMessage
	c.mu.Unlock()

	fresh := c.reconcileContacts()
	added := c.roster.AddBatch(fresh)

	c.mu.Lock()
	c.state = ConnectionOpen
	c.mu.Unlock()
	c.log.Info("login succeeded, roster has %d contacts", c.roster.Len())

	if len(added) > 0 {
		c.persistRoster(added)
		c.notifyRosterChanged(added)
	}
	if c.onReady != nil {
		c.onReady()
	}
}

// reconcileContacts classifies every identity the service knows about by its
// (subscription, publish) pair and returns the contacts that belong in the
// roster. Additions are batched by the caller so the roster changes once.
func (c *Connection) reconcileContacts() []*Contact {
	var fresh []*Contact
	for _, info := range c.link.KnownContacts() {
		switch info.Subscription {
		case PresenceNo:
			// The user previously declined this contact; it never enters
			// the roster. An outstanding ask is an incoming request.
			if info.Publish == PresenceAsk {
				c.materializeFriendRequest(info)
			}

		case PresenceYes:
			switch info.Publish {
			case PresenceNo:
				// We see them but they don't see us.
				if c.policy == ForceSymmetry {
					c.watch(c.link.WithdrawSubscription(info.Identity.ID), "withdraw asymmetric subscription")
				}

			case PresenceYes:
				if c.roster.Find(info.Identity.ID) == nil {
					fresh = append(fresh, contactFromInfo(info))
				}

			case PresenceAsk:
				// They asked to see us while we already see them. The
				// contact is visible either way; only the corrective
				// authorization depends on the policy.
				if c.policy == ForceSymmetry {
					c.watch(c.link.AuthorizePublication(info.Identity.ID), "authorize presence publication")
				}
				if c.roster.Find(info.Identity.ID) == nil {
					fresh = append(fresh, contactFromInfo(info))
				}
			}

		case PresenceAsk:
			// The user has not decided yet; surface it as a request.
			c.materializeFriendRequest(info)
		}
	}
	return fresh
}

func contactFromInfo(info ContactInfo) *Contact {
	ct := newContact(info.Identity)
	ct.setPresence(info.Status, info.StatusMessage)
	return ct
}

// materializeFriendRequest creates an incoming friend request unless one for
// the same requester already exists.
func (c *Connection) materializeFriendRequest(info ContactInfo) {
	c.mu.Lock()
	for _, r := range c.received {
		if r.From().ID == info.Identity.ID {
			c.mu.Unlock()
			return
		}
	}
	req := newFriendRequest(c, info.Identity, info.StatusMessage)
	c.received = append(c.received, req)
	c.mu.Unlock()

	c.log.Debug("friend request received from %s", info.Identity.ID)
	if c.onFriendRequest != nil {
		c.onFriendRequest(req)
	}
}

func (c *Connection) channelOffered(offer ChannelOffer) {
	if c.State() != ConnectionOpen {
		return
	}
	// Channels we requested ourselves are already tracked by the pending
	// operation of the session that asked for them.
	if offer.Requested {
		return
	}

	switch offer.Kind {
	case ChannelText:
		c.log.Debug("text chat request received")
		s := newIncomingChatSession(c, offer.Text)
		c.mu.Lock()
		c.privateChats = append(c.privateChats, s)
		c.mu.Unlock()

	case ChannelMedia:
		c.log.Debug("voice chat request received")
		v := newIncomingVoiceSession(c, offer.Media)
		c.mu.Lock()
		c.voices = append(c.voices, v)
		c.mu.Unlock()

	case ChannelContactList:
		c.log.Debug("contact list channel acknowledged")
	}
}

func (c *Connection) presenceChanged(info ContactInfo) {
	if ct := c.roster.Find(info.Identity.ID); ct != nil {
		ct.setPresence(info.Status, info.StatusMessage)
		c.persistPresence(ct)
		if c.onPresence != nil {
			c.onPresence(ct)
		}
	}

	// Subscription answers for outgoing friend requests arrive as
	// presence pushes.
	c.mu.Lock()
	var decided *OutgoingFriendRequest
	for _, r := range c.sent {
		if r.TargetID() == info.Identity.ID && r.State() == OutgoingRequestSent {
			decided = r
			break
		}
	}
	c.mu.Unlock()

	if decided == nil {
		return
	}
	switch info.Subscription {
	case PresenceYes:
		decided.markAccepted()
		ct := contactFromInfo(info)
		if c.roster.Add(ct) {
			c.persistRoster([]*Contact{ct})
			c.notifyRosterChanged([]*Contact{ct})
		}
	case PresenceNo:
		decided.markRejected()
	}
}

func (c *Connection) publicationRequested(info ContactInfo) {
	c.log.Debug("presence publication request from %s", info.Identity.ID)

	switch {
	case info.Subscription == PresenceNo || info.Subscription == PresenceAsk:
		c.materializeFriendRequest(info)

	case info.Subscription == PresenceYes && info.Publish == PresenceAsk:
		// We already see them; restore symmetry and add them directly.
		c.watch(c.link.AuthorizePublication(info.Identity.ID), "authorize presence publication")
		ct := contactFromInfo(info)
		if c.roster.Add(ct) {
			c.persistRoster([]*Contact{ct})
			c.notifyRosterChanged([]*Contact{ct})
		}

	case info.Subscription == PresenceYes && info.Publish == PresenceNo:
		c.log.Debug("publication request from already rejected contact ignored")
	}
}

func (c *Connection) fail(reason string) {
	c.mu.Lock()
	if c.state == ConnectionClosed || c.state == ConnectionError {
		c.mu.Unlock()
		return
	}
	c.state = ConnectionError
	c.reason = reason
	c.mu.Unlock()

	c.log.Error("connection failed: %s", reason)
	if c.onError != nil {
		c.onError(reason)
	}
}

// Close tears the connection down: every session is closed, all friend
// requests and contacts are released eagerly, and the link is disconnected.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == ConnectionClosed {
		c.mu.Unlock()
		return
	}
	c.state = ConnectionClosed
	chats := append(append([]*ChatSession{}, c.privateChats...), c.roomChats...)
	voices := append([]*VoiceSession{}, c.voices...)
	link := c.link
	c.privateChats = nil
	c.roomChats = nil
	c.voices = nil
	c.received = nil
	c.sent = nil
	c.self = nil
	c.mu.Unlock()

	for _, s := range chats {
		s.Close()
	}
	for _, v := range voices {
		v.Close()
	}
	c.roster.Clear()

	if link != nil {
		c.watch(link.Disconnect(), "disconnect")
	}

	c.quitOnce.Do(func() { close(c.quit) })
	c.log.Info("connection closed")
	if c.onClosed != nil {
		c.onClosed()
	}
}

// Contacts returns the roster. It fails when the connection is not open.
func (c *Connection) Contacts() ([]*Contact, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	return c.roster.All(), nil
}

// Roster returns the contact tracker itself. Sessions resolve participants
// through it so contacts are never duplicated.
func (c *Connection) Roster() *Roster {
	return c.roster
}

// PresenceStatusOptionsForContact returns every status value the service
// accepts for a contact.
func (c *Connection) PresenceStatusOptionsForContact() ([]string, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	return c.linkSnapshot().AllowedStatuses(), nil
}

// PresenceStatusOptionsForSelf returns the status values the user may select
// for themselves. On restricted transports the values known to destabilize
// the backend are excluded.
func (c *Connection) PresenceStatusOptionsForSelf() ([]string, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	link := c.linkSnapshot()
	all := link.AllowedStatuses()
	if !link.SelfStatusRestricted() {
		return all, nil
	}
	options := make([]string, 0, len(all))
	for _, o := range all {
		if selfStatusBlacklist[o] {
			continue
		}
		options = append(options, o)
	}
	return options, nil
}

// SetPresenceStatus publishes a new presence status. Fire-and-forget; the
// completion is only logged.
func (c *Connection) SetPresenceStatus(status string) error {
	if c.State() != ConnectionOpen {
		return ErrNotOpen
	}
	c.mu.Lock()
	c.presenceStatus = status
	message := c.presenceMessage
	c.mu.Unlock()

	c.watch(c.linkSnapshot().SetPresence(status, message), "set presence status")
	return nil
}

// SetPresenceMessage publishes a new presence message.
func (c *Connection) SetPresenceMessage(message string) error {
	if c.State() != ConnectionOpen {
		return ErrNotOpen
	}
	c.mu.Lock()
	c.presenceMessage = message
	status := c.presenceStatus
	c.mu.Unlock()

	c.watch(c.linkSnapshot().SetPresence(status, message), "set presence message")
	return nil
}

// PresenceStatus returns our own current presence status.
func (c *Connection) PresenceStatus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presenceStatus
}

// PresenceMessage returns our own current presence message.
func (c *Connection) PresenceMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presenceMessage
}

// OpenPrivateChatSession opens a 1:1 text conversation with a contact.
func (c *Connection) OpenPrivateChatSession(contact *Contact) (*ChatSession, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	s := newPrivateChatSession(c, contact)
	c.mu.Lock()
	c.privateChats = append(c.privateChats, s)
	c.mu.Unlock()
	return s, nil
}

// OpenChatSession joins a named room.
func (c *Connection) OpenChatSession(roomID string) (*ChatSession, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	s := newRoomChatSession(c, roomID)
	c.mu.Lock()
	c.roomChats = append(c.roomChats, s)
	c.mu.Unlock()
	return s, nil
}

// OpenVoiceSession starts an outgoing call to a contact.
func (c *Connection) OpenVoiceSession(contact *Contact) *VoiceSession {
	v := newOutgoingVoiceSession(c, contact)
	c.mu.Lock()
	c.voices = append(c.voices, v)
	c.mu.Unlock()
	return v
}

// SendFriendRequest starts an outgoing friend request toward a raw
// identifier. The target identity is resolved first, then a presence
// subscription is requested; the two steps are strictly sequential.
func (c *Connection) SendFriendRequest(target, message string) (*OutgoingFriendRequest, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	r := newOutgoingFriendRequest(c, target, message)
	c.mu.Lock()
	c.sent = append(c.sent, r)
	c.mu.Unlock()
	return r, nil
}

// FriendRequests returns the received friend requests. It fails when the
// connection is not open.
func (c *Connection) FriendRequests() ([]*FriendRequest, error) {
	if c.State() != ConnectionOpen {
		return nil, ErrNotOpen
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*FriendRequest, len(c.received))
	copy(out, c.received)
	return out, nil
}

// ChatSessions returns every live chat session, private and room.
func (c *Connection) ChatSessions() []*ChatSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append(append([]*ChatSession{}, c.privateChats...), c.roomChats...)
}

// VoiceSessions returns every live voice session.
func (c *Connection) VoiceSessions() []*VoiceSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*VoiceSession{}, c.voices...)
}

func (c *Connection) notifyRosterChanged(added []*Contact) {
	if c.onRosterChanged != nil {
		c.onRosterChanged(added)
	}
}

func (c *Connection) notifyChatSession(s *ChatSession) {
	if c.onChatSession != nil {
		c.onChatSession(s)
	}
}

func (c *Connection) notifyVoiceSession(v *VoiceSession) {
	if c.onVoiceSession != nil {
		c.onVoiceSession(v)
	}
}

func (c *Connection) notifyMessage(s *ChatSession, msg ChatMessage) {
	if c.onMessage != nil {
		c.onMessage(s, msg)
	}
}

func (c *Connection) persistRoster(contacts []*Contact) {
	if c.store == nil {
		return
	}
	for _, ct := range contacts {
		info := ContactInfo{
			Identity:      ct.Identity(),
			Subscription:  PresenceYes,
			Publish:       PresenceYes,
			Status:        ct.Status(),
			StatusMessage: ct.StatusMessage(),
		}
		if err := c.store.SaveContact(c.Account(), info); err != nil {
			c.log.Error("saving contact %s failed: %v", ct.ID(), err)
		}
	}
}

func (c *Connection) persistPresence(ct *Contact) {
	if c.store == nil {
		return
	}
	if err := c.store.SavePresence(c.Account(), ct.ID(), ct.Status(), ct.StatusMessage()); err != nil {
		c.log.Error("saving presence for %s failed: %v", ct.ID(), err)
	}
}

func (c *Connection) persistMessage(peer string, msg ChatMessage, outgoing bool) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveMessage(c.Account(), peer, msg.ID, msg.Text, msg.Timestamp, outgoing); err != nil {
		c.log.Error("saving message for %s failed: %v", peer, err)
	}
}

// SetReadyHandler registers the connection-ready callback.
func (c *Connection) SetReadyHandler(fn func()) { c.onReady = fn }

// SetErrorHandler registers the connection-error callback.
func (c *Connection) SetErrorHandler(fn func(reason string)) { c.onError = fn }

// SetClosedHandler registers the connection-closed callback.
func (c *Connection) SetClosedHandler(fn func()) { c.onClosed = fn }

// SetRosterChangedHandler registers the callback for batched roster additions.
func (c *Connection) SetRosterChangedHandler(fn func(added []*Contact)) { c.onRosterChanged = fn }

// SetPresenceChangedHandler registers the callback for contact presence changes.
func (c *Connection) SetPresenceChangedHandler(fn func(*Contact)) { c.onPresence = fn }

// SetChatSessionHandler registers the callback for incoming chat sessions
// that became ready.
func (c *Connection) SetChatSessionHandler(fn func(*ChatSession)) { c.onChatSession = fn }

// SetVoiceSessionHandler registers the callback for incoming voice sessions
// that started ringing.
func (c *Connection) SetVoiceSessionHandler(fn func(*VoiceSession)) { c.onVoiceSession = fn }

// SetFriendRequestHandler registers the callback for received friend requests.
func (c *Connection) SetFriendRequestHandler(fn func(*FriendRequest)) { c.onFriendRequest = fn }

// SetMessageHandler registers the callback for received chat messages.
func (c *Connection) SetMessageHandler(fn func(*ChatSession, ChatMessage)) { c.onMessage = fn }
