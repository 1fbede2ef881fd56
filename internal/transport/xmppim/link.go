package xmppim

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/comm/pending"
	"github.com/tetherim/tether/internal/logging"
)

var allowedStatuses = []string{"available", "chat", "away", "xa", "dnd", "offline", "unknown", "error"}

// Link implements comm.Link over one mellium XMPP session.
type Link struct {
	mu       sync.RWMutex
	log      *logging.Logger
	addr     jid.JID
	creds    comm.Credentials
	session  *xmpp.Session
	features map[comm.Feature]bool
	self     comm.ContactInfo
	contacts map[string]comm.ContactInfo
	channels map[string]*textChannel

	rosterOp        *pending.Operation
	rosterID        string
	pendingFeatures []comm.Feature

	onOffer              func(comm.ChannelOffer)
	onPresence           func(comm.ContactInfo)
	onPublicationRequest func(comm.ContactInfo)

	ctx    context.Context
	cancel context.CancelFunc
}

func newLink(log *logging.Logger, addr jid.JID, creds comm.Credentials) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		log:      log,
		addr:     addr,
		creds:    creds,
		features: map[comm.Feature]bool{},
		contacts: map[string]comm.ContactInfo{},
		channels: map[string]*textChannel{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect implements comm.Link. The TCP dial, TLS and SASL negotiation run
// in the background; the operation completes when the stream is bound.
func (l *Link) Connect() *pending.Operation {
	op := pending.New()
	go func() {
		if err := l.connect(); err != nil {
			op.Fail(err.Error())
			return
		}
		go l.readStanzas()
		op.Succeed(nil)
	}()
	return op
}

func (l *Link) connect() error {
	server := l.creds.Server
	if server == "" {
		server = l.addr.Domain().String()
	}
	port := l.creds.Port
	if port == 0 {
		port = 5222
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", server, port), 30*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: l.addr.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", l.creds.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(l.ctx, l.addr.Domain(), l.addr, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	l.mu.Lock()
	l.session = session
	l.addr = session.LocalAddr()
	l.self = comm.ContactInfo{
		Identity: comm.Identity{ID: l.addr.Bare().String()},
		Status:   "available",
	}
	l.mu.Unlock()
	return nil
}

// BecomeReady implements comm.Link. The negotiated session already carries
// presence and messaging; the roster capability requires fetching the
// server-side contact list first. The result stanza arrives on the read
// loop, which completes the operation.
func (l *Link) BecomeReady(features ...comm.Feature) *pending.Operation {
	session := l.sessionSnapshot()
	if session == nil {
		return pending.Failed("session is not connected")
	}

	op := pending.New()
	id := uuid.NewString()
	l.mu.Lock()
	l.rosterOp = op
	l.rosterID = id
	l.pendingFeatures = append([]comm.Feature{}, features...)
	l.mu.Unlock()

	iq := rosterIQ{IQ: stanza.IQ{ID: id, Type: stanza.GetIQ}}
	if err := session.Encode(l.ctx, iq); err != nil {
		l.mu.Lock()
		l.rosterOp, l.rosterID, l.pendingFeatures = nil, "", nil
		l.mu.Unlock()
		return pending.Failed(fmt.Sprintf("failed to request roster: %v", err))
	}
	return op
}

// handleIQ resolves the outstanding roster request. Unrelated IQs are
// dropped.
func (l *Link) handleIQ(iq rosterIQ) {
	l.mu.Lock()
	op := l.rosterOp
	if op == nil || iq.ID != l.rosterID {
		l.mu.Unlock()
		return
	}
	l.rosterOp, l.rosterID = nil, ""
	if iq.Type == stanza.ErrorIQ {
		l.pendingFeatures = nil
		l.mu.Unlock()
		op.Fail("roster request was rejected by the server")
		return
	}
	for _, item := range iq.Query.Items {
		info := contactFromRosterItem(item)
		l.contacts[info.Identity.ID] = info
	}
	for _, f := range l.pendingFeatures {
		l.features[f] = true
	}
	l.pendingFeatures = nil
	l.mu.Unlock()
	op.Succeed(nil)
}

// contactFromRosterItem maps a roster item's subscription attribute onto the
// two presence-visibility directions.
func contactFromRosterItem(item rosterItem) comm.ContactInfo {
	info := comm.ContactInfo{
		Identity: comm.Identity{ID: item.JID, Alias: item.Name},
		Status:   "offline",
	}
	switch item.Subscription {
	case "both":
		info.Subscription, info.Publish = comm.PresenceYes, comm.PresenceYes
	case "to":
		info.Subscription, info.Publish = comm.PresenceYes, comm.PresenceNo
	case "from":
		info.Subscription, info.Publish = comm.PresenceNo, comm.PresenceYes
	default:
		info.Subscription, info.Publish = comm.PresenceNo, comm.PresenceNo
	}
	return info
}

// HasFeature implements comm.Link.
func (l *Link) HasFeature(f comm.Feature) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.features[f]
}

// SelfInfo implements comm.Link.
func (l *Link) SelfInfo() comm.ContactInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.self
}

// KnownContacts implements comm.Link.
func (l *Link) KnownContacts() []comm.ContactInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]comm.ContactInfo, 0, len(l.contacts))
	for _, info := range l.contacts {
		out = append(out, info)
	}
	return out
}

// AllowedStatuses implements comm.Link.
func (l *Link) AllowedStatuses() []string {
	return append([]string{}, allowedStatuses...)
}

// SelfStatusRestricted implements comm.Link. Some servers drop the stream
// when a client publishes offline/unknown/error for itself.
func (l *Link) SelfStatusRestricted() bool {
	return true
}

// SetPresence implements comm.Link.
func (l *Link) SetPresence(status, message string) *pending.Operation {
	session := l.sessionSnapshot()
	if session == nil {
		return pending.Failed("session is not connected")
	}

	p := presenceStanza{Show: statusToShow(status), Status: message}
	if err := session.Encode(l.ctx, p); err != nil {
		return pending.Failed(err.Error())
	}

	l.mu.Lock()
	l.self.Status = status
	l.self.StatusMessage = message
	l.mu.Unlock()
	return pending.Succeeded(nil)
}

// ResolveIdentity implements comm.Link by normalizing to a bare JID.
func (l *Link) ResolveIdentity(id string) *pending.Operation {
	addr, err := jid.Parse(id)
	if err != nil {
		return pending.Failed(fmt.Sprintf("invalid JID %q: %v", id, err))
	}
	return pending.Succeeded(comm.Identity{ID: addr.Bare().String()})
}

// AuthorizePublication implements comm.Link.
func (l *Link) AuthorizePublication(id string) *pending.Operation {
	return l.sendSubscriptionPresence(id, stanza.SubscribedPresence, "")
}

// WithdrawPublication implements comm.Link.
func (l *Link) WithdrawPublication(id string) *pending.Operation {
	return l.sendSubscriptionPresence(id, stanza.UnsubscribedPresence, "")
}

// RequestSubscription implements comm.Link.
func (l *Link) RequestSubscription(id, message string) *pending.Operation {
	return l.sendSubscriptionPresence(id, stanza.SubscribePresence, message)
}

// WithdrawSubscription implements comm.Link.
func (l *Link) WithdrawSubscription(id string) *pending.Operation {
	return l.sendSubscriptionPresence(id, stanza.UnsubscribePresence, "")
}

func (l *Link) sendSubscriptionPresence(id string, typ stanza.PresenceType, message string) *pending.Operation {
	session := l.sessionSnapshot()
	if session == nil {
		return pending.Failed("session is not connected")
	}
	to, err := jid.Parse(id)
	if err != nil {
		return pending.Failed(fmt.Sprintf("invalid JID %q: %v", id, err))
	}

	p := presenceStanza{
		Presence: stanza.Presence{To: to.Bare(), Type: typ},
		Status:   message,
	}
	if err := session.Encode(l.ctx, p); err != nil {
		return pending.Failed(err.Error())
	}
	return pending.Succeeded(nil)
}

// RequestTextChannel implements comm.Link. Channels are keyed by bare JID;
// requesting the same peer twice returns the same channel.
func (l *Link) RequestTextChannel(target string) *pending.Operation {
	to, err := jid.Parse(target)
	if err != nil {
		return pending.Failed(fmt.Sprintf("invalid JID %q: %v", target, err))
	}
	return pending.Succeeded(comm.TextChannel(l.channelFor(to.Bare(), stanza.ChatMessage)))
}

// RequestRoomChannel implements comm.Link using groupchat messaging.
func (l *Link) RequestRoomChannel(room string) *pending.Operation {
	to, err := jid.Parse(room)
	if err != nil {
		return pending.Failed(fmt.Sprintf("invalid room JID %q: %v", room, err))
	}
	return pending.Succeeded(comm.TextChannel(l.channelFor(to.Bare(), stanza.GroupChatMessage)))
}

// RequestMediaChannel implements comm.Link. XMPP carries no media here.
func (l *Link) RequestMediaChannel(string) *pending.Operation {
	return pending.Failed("media channels not supported by the xmpp transport")
}

func (l *Link) channelFor(peer jid.JID, typ stanza.MessageType) *textChannel {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := peer.String()
	if ch, ok := l.channels[key]; ok {
		return ch
	}
	ch := newTextChannel(l, peer, typ)
	l.channels[key] = ch
	return ch
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
	session := l.session
	l.session = nil
	l.mu.Unlock()

	l.cancel()
	if session != nil {
		_ = session.Encode(context.Background(), stanza.Presence{Type: stanza.UnavailablePresence})
		if err := session.Close(); err != nil {
			return pending.Failed(err.Error())
		}
	}
	return pending.Succeeded(nil)
}

func (l *Link) sessionSnapshot() *xmpp.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session
}

// readStanzas pumps the session's token stream and dispatches message and
// presence stanzas until the session ends.
func (l *Link) readStanzas() {
	session := l.sessionSnapshot()
	if session == nil {
		return
	}
	decoder := xml.NewTokenDecoder(session.TokenReader())

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		tok, err := decoder.Token()
		if err != nil {
			if err != io.EOF {
				l.log.Error("stanza stream ended: %v", err)
			}
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			var msg messageStanza
			if err := decoder.DecodeElement(&msg, &start); err != nil {
				l.log.Warn("undecodable message stanza: %v", err)
				continue
			}
			l.dispatchMessage(msg)
		case "presence":
			var p presenceStanza
			if err := decoder.DecodeElement(&p, &start); err != nil {
				l.log.Warn("undecodable presence stanza: %v", err)
				continue
			}
			l.dispatchPresence(p)
		case "iq":
			var iq rosterIQ
			if err := decoder.DecodeElement(&iq, &start); err != nil {
				l.log.Warn("undecodable iq stanza: %v", err)
				continue
			}
			l.handleIQ(iq)
		default:
			if err := decoder.Skip(); err != nil {
				return
			}
		}
	}
}

func (l *Link) dispatchMessage(msg messageStanza) {
	if msg.Body == "" {
		return
	}
	peer := msg.From.Bare()

	l.mu.Lock()
	ch, known := l.channels[peer.String()]
	if !known {
		typ := stanza.ChatMessage
		if msg.Type == stanza.GroupChatMessage {
			typ = stanza.GroupChatMessage
		}
		ch = newTextChannel(l, peer, typ)
		l.channels[peer.String()] = ch
	}
	offer := l.onOffer
	l.mu.Unlock()

	if !known && offer != nil {
		offer(comm.ChannelOffer{Kind: comm.ChannelText, Text: ch})
	}

	ch.deliver(comm.InboundMessage{
		From:      comm.Identity{ID: identityFor(msg)},
		Kind:      messageKind(msg.Type),
		Text:      msg.Body,
		Timestamp: time.Now(),
	})
}

// identityFor attributes a message: room traffic is attributed per
// occupant, private chats to the bare peer JID.
func identityFor(msg messageStanza) string {
	if msg.Type == stanza.GroupChatMessage {
		return msg.From.String()
	}
	return msg.From.Bare().String()
}

func (l *Link) dispatchPresence(p presenceStanza) {
	from := p.From.Bare().String()

	switch p.Presence.Type {
	case stanza.SubscribePresence:
		info := comm.ContactInfo{
			Identity:      comm.Identity{ID: from},
			Subscription:  comm.PresenceNo,
			Publish:       comm.PresenceAsk,
			StatusMessage: p.Status,
		}
		l.mu.RLock()
		fn := l.onPublicationRequest
		l.mu.RUnlock()
		if fn != nil {
			fn(info)
		}

	case stanza.SubscribedPresence:
		l.updateContact(from, func(info *comm.ContactInfo) {
			info.Subscription = comm.PresenceYes
			if info.Publish == comm.PresenceNo {
				info.Publish = comm.PresenceYes
			}
		})

	case stanza.UnsubscribedPresence:
		l.updateContact(from, func(info *comm.ContactInfo) {
			info.Subscription = comm.PresenceNo
		})

	case stanza.UnavailablePresence:
		l.updateContact(from, func(info *comm.ContactInfo) {
			info.Status = "offline"
			info.StatusMessage = p.Status
		})

	case "":
		l.updateContact(from, func(info *comm.ContactInfo) {
			info.Status = showToStatus(p.Show)
			info.StatusMessage = p.Status
		})
	}
}

// updateContact mutates the cached view of a contact and reports the new
// state through the presence handler.
func (l *Link) updateContact(id string, mutate func(*comm.ContactInfo)) {
	l.mu.Lock()
	info, ok := l.contacts[id]
	if !ok {
		info = comm.ContactInfo{Identity: comm.Identity{ID: id}}
	}
	mutate(&info)
	l.contacts[id] = info
	fn := l.onPresence
	l.mu.Unlock()

	if fn != nil {
		fn(info)
	}
}
