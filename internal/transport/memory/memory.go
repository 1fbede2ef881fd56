// Package memory provides an in-memory transport. It backs the comm tests
// and the offline "memory" protocol: every operation completes locally and
// the server side is scripted through push helpers.
package memory

import (
	"sync"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/comm/pending"
)

// Transport implements comm.Transport without any network.
type Transport struct {
	mu             sync.Mutex
	connectFailure string
	self           comm.ContactInfo
	contacts       []comm.ContactInfo
	statuses       []string
	restricted     bool
	resolver       map[string]comm.Identity
	resolveFailure map[string]string
	linkSetup      func(*Link)
	links          []*Link
}

// New returns a transport with an empty roster and the default status set.
func New() *Transport {
	return &Transport{
		statuses:       []string{"available", "away", "xa", "dnd", "hidden", "offline", "unknown", "error"},
		restricted:     true,
		resolver:       map[string]comm.Identity{},
		resolveFailure: map[string]string{},
	}
}

// SetSelf scripts the account's own contact info.
func (t *Transport) SetSelf(info comm.ContactInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = info
}

// AddContact scripts one server-side roster entry.
func (t *Transport) AddContact(info comm.ContactInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contacts = append(t.contacts, info)
}

// SetRestricted controls whether the link reports the self-status
// restriction.
func (t *Transport) SetRestricted(restricted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restricted = restricted
}

// SetLinkSetup installs a hook that scripts every new link before it is
// handed to the caller.
func (t *Transport) SetLinkSetup(fn func(*Link)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkSetup = fn
}

// FailConnect makes RequestConnection fail with the given reason.
func (t *Transport) FailConnect(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectFailure = reason
}

// Resolve scripts an identity lookup result.
func (t *Transport) Resolve(raw string, id comm.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolver[raw] = id
}

// FailResolve scripts an identity lookup failure.
func (t *Transport) FailResolve(raw, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolveFailure[raw] = reason
}

// RequestConnection implements comm.Transport.
func (t *Transport) RequestConnection(creds comm.Credentials) *pending.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectFailure != "" {
		return pending.Failed(t.connectFailure)
	}
	link := newLink(t, creds)
	if t.linkSetup != nil {
		t.linkSetup(link)
	}
	t.links = append(t.links, link)
	return pending.Succeeded(link)
}

// Links returns every link handed out so far, oldest first.
func (t *Transport) Links() []*Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Link{}, t.links...)
}

// LastLink returns the most recently handed out link, nil if none.
func (t *Transport) LastLink() *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// SubscriptionRequest records one RequestSubscription call.
type SubscriptionRequest struct {
	ID      string
	Message string
}

// Link implements comm.Link in memory. Failure fields, when set before the
// corresponding call, make that call fail.
type Link struct {
	mu        sync.Mutex
	transport *Transport
	creds     comm.Credentials
	features  map[comm.Feature]bool

	// Failure scripting.
	ConnectFailure   string
	ReadyFailure     string
	MissingFeatures  []comm.Feature
	TextFailure      string
	RoomFailure      string
	MediaFailure     string
	SubscribeFailure string

	// DeferTextReady makes text channels handed out by this link hang in
	// BecomeReady until SignalReady is called on them.
	DeferTextReady bool

	textChannels  []*TextChannel
	mediaChannels []*MediaChannel

	presence             [][2]string
	authorized           []string
	withdrawnPubs        []string
	subscriptions        []SubscriptionRequest
	withdrawnSubs        []string
	disconnects          int
	onOffer              func(comm.ChannelOffer)
	onPresence           func(comm.ContactInfo)
	onPublicationRequest func(comm.ContactInfo)
}

func newLink(t *Transport, creds comm.Credentials) *Link {
	return &Link{
		transport: t,
		creds:     creds,
		features:  map[comm.Feature]bool{},
	}
}

// Connect implements comm.Link.
func (l *Link) Connect() *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ConnectFailure != "" {
		return pending.Failed(l.ConnectFailure)
	}
	return pending.Succeeded(nil)
}

// BecomeReady implements comm.Link.
func (l *Link) BecomeReady(features ...comm.Feature) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadyFailure != "" {
		return pending.Failed(l.ReadyFailure)
	}
	for _, f := range features {
		missing := false
		for _, m := range l.MissingFeatures {
			if f == m {
				missing = true
				break
			}
		}
		if !missing {
			l.features[f] = true
		}
	}
	return pending.Succeeded(nil)
}

// HasFeature implements comm.Link.
func (l *Link) HasFeature(f comm.Feature) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.features[f]
}

// SelfInfo implements comm.Link.
func (l *Link) SelfInfo() comm.ContactInfo {
	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()
	self := l.transport.self
	if self.Identity.ID == "" {
		self.Identity = comm.Identity{ID: l.creds.Account}
	}
	return self
}

// KnownContacts implements comm.Link.
func (l *Link) KnownContacts() []comm.ContactInfo {
	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()
	return append([]comm.ContactInfo{}, l.transport.contacts...)
}

// AllowedStatuses implements comm.Link.
func (l *Link) AllowedStatuses() []string {
	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()
	return append([]string{}, l.transport.statuses...)
}

// SelfStatusRestricted implements comm.Link.
func (l *Link) SelfStatusRestricted() bool {
	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()
	return l.transport.restricted
}

// SetPresence implements comm.Link.
func (l *Link) SetPresence(status, message string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.presence = append(l.presence, [2]string{status, message})
	return pending.Succeeded(nil)
}

// PresenceUpdates returns every (status, message) pair published so far.
func (l *Link) PresenceUpdates() [][2]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]string{}, l.presence...)
}

// ResolveIdentity implements comm.Link.
func (l *Link) ResolveIdentity(id string) *pending.Operation {
	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()
	if reason, ok := l.transport.resolveFailure[id]; ok {
		return pending.Failed(reason)
	}
	if resolved, ok := l.transport.resolver[id]; ok {
		return pending.Succeeded(resolved)
	}
	return pending.Succeeded(comm.Identity{ID: id})
}

// AuthorizePublication implements comm.Link.
func (l *Link) AuthorizePublication(id string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized = append(l.authorized, id)
	return pending.Succeeded(nil)
}

// Authorized returns every identity whose publication was authorized.
func (l *Link) Authorized() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.authorized...)
}

// WithdrawPublication implements comm.Link.
func (l *Link) WithdrawPublication(id string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withdrawnPubs = append(l.withdrawnPubs, id)
	return pending.Succeeded(nil)
}

// WithdrawnPublications returns every identity whose publication was revoked.
func (l *Link) WithdrawnPublications() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.withdrawnPubs...)
}

// RequestSubscription implements comm.Link.
func (l *Link) RequestSubscription(id, message string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SubscribeFailure != "" {
		return pending.Failed(l.SubscribeFailure)
	}
	l.subscriptions = append(l.subscriptions, SubscriptionRequest{ID: id, Message: message})
	return pending.Succeeded(nil)
}

// Subscriptions returns every subscription request made.
func (l *Link) Subscriptions() []SubscriptionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SubscriptionRequest{}, l.subscriptions...)
}

// WithdrawSubscription implements comm.Link.
func (l *Link) WithdrawSubscription(id string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withdrawnSubs = append(l.withdrawnSubs, id)
	return pending.Succeeded(nil)
}

// WithdrawnSubscriptions returns every identity we stopped watching.
func (l *Link) WithdrawnSubscriptions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.withdrawnSubs...)
}

// RequestTextChannel implements comm.Link.
func (l *Link) RequestTextChannel(target string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.TextFailure != "" {
		return pending.Failed(l.TextFailure)
	}
	ch := NewTextChannel(comm.Identity{ID: target})
	if l.DeferTextReady {
		ch.DeferReady()
	}
	l.textChannels = append(l.textChannels, ch)
	return pending.Succeeded(comm.TextChannel(ch))
}

// RequestRoomChannel implements comm.Link.
func (l *Link) RequestRoomChannel(room string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RoomFailure != "" {
		return pending.Failed(l.RoomFailure)
	}
	ch := NewTextChannel(comm.Identity{ID: room})
	l.textChannels = append(l.textChannels, ch)
	return pending.Succeeded(comm.TextChannel(ch))
}

// RequestMediaChannel implements comm.Link.
func (l *Link) RequestMediaChannel(target string) *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.MediaFailure != "" {
		return pending.Failed(l.MediaFailure)
	}
	ch := NewMediaChannel(comm.Identity{ID: target})
	l.mediaChannels = append(l.mediaChannels, ch)
	return pending.Succeeded(comm.MediaChannel(ch))
}

// LastTextChannel returns the most recently created text channel, nil if none.
func (l *Link) LastTextChannel() *TextChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.textChannels) == 0 {
		return nil
	}
	return l.textChannels[len(l.textChannels)-1]
}

// LastMediaChannel returns the most recently created media channel, nil if none.
func (l *Link) LastMediaChannel() *MediaChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.mediaChannels) == 0 {
		return nil
	}
	return l.mediaChannels[len(l.mediaChannels)-1]
}

// SetOfferHandler implements comm.Link.
func (l *Link) SetOfferHandler(fn func(comm.ChannelOffer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onOffer = fn
}

// SetPresenceHandler implements comm.Link.
func (l *Link) SetPresenceHandler(fn func(comm.ContactInfo)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPresence = fn
}

// SetPublicationRequestHandler implements comm.Link.
func (l *Link) SetPublicationRequestHandler(fn func(comm.ContactInfo)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPublicationRequest = fn
}

// Disconnect implements comm.Link.
func (l *Link) Disconnect() *pending.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return pending.Succeeded(nil)
}

// Disconnects returns how many times Disconnect was called.
func (l *Link) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// OfferText pushes an incoming text channel to the offer handler.
func (l *Link) OfferText(ch *TextChannel) {
	l.mu.Lock()
	fn := l.onOffer
	l.mu.Unlock()
	if fn != nil {
		fn(comm.ChannelOffer{Kind: comm.ChannelText, Text: ch})
	}
}

// OfferMedia pushes an incoming media channel to the offer handler.
func (l *Link) OfferMedia(ch *MediaChannel) {
	l.mu.Lock()
	fn := l.onOffer
	l.mu.Unlock()
	if fn != nil {
		fn(comm.ChannelOffer{Kind: comm.ChannelMedia, Media: ch})
	}
}

// PushPresence delivers a presence change for a known contact.
func (l *Link) PushPresence(info comm.ContactInfo) {
	l.mu.Lock()
	fn := l.onPresence
	l.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// PushPublicationRequest delivers an incoming presence publication request.
func (l *Link) PushPublicationRequest(info comm.ContactInfo) {
	l.mu.Lock()
	fn := l.onPublicationRequest
	l.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}
