package xmppim

import (
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/google/uuid"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/comm/pending"
)

// messageStanza is a message with its body decoded.
type messageStanza struct {
	stanza.Message
	Body string `xml:"body"`
}

// presenceStanza is a presence with show and status decoded.
type presenceStanza struct {
	stanza.Presence
	Show   string `xml:"show,omitempty"`
	Status string `xml:"status,omitempty"`
}

// rosterIQ is a jabber:iq:roster query, used both for the request and the
// decoded result.
type rosterIQ struct {
	stanza.IQ
	Query rosterQuery `xml:"jabber:iq:roster query"`
}

type rosterQuery struct {
	Items []rosterItem `xml:"item"`
}

type rosterItem struct {
	JID          string `xml:"jid,attr"`
	Name         string `xml:"name,attr,omitempty"`
	Subscription string `xml:"subscription,attr,omitempty"`
}

// textChannel implements comm.TextChannel over XMPP messages to one bare
// JID. Messages that arrive before a handler is registered are queued and
// handed out by DrainPending.
type textChannel struct {
	mu     sync.Mutex
	link   *Link
	peer   jid.JID
	typ    stanza.MessageType
	queued []comm.InboundMessage
	closed bool

	onMessage func(comm.InboundMessage)
}

func newTextChannel(l *Link, peer jid.JID, typ stanza.MessageType) *textChannel {
	return &textChannel{link: l, peer: peer, typ: typ}
}

// BecomeReady implements comm.TextChannel. XMPP message routing needs no
// further negotiation.
func (ch *textChannel) BecomeReady() *pending.Operation {
	return pending.Succeeded(nil)
}

// Target implements comm.TextChannel.
func (ch *textChannel) Target() comm.Identity {
	return comm.Identity{ID: ch.peer.String()}
}

// Send implements comm.TextChannel.
func (ch *textChannel) Send(text string) *pending.Operation {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return pending.Failed("channel is closed")
	}

	session := ch.link.sessionSnapshot()
	if session == nil {
		return pending.Failed("session is not connected")
	}

	msg := messageStanza{
		Message: stanza.Message{
			ID:   uuid.NewString(),
			To:   ch.peer,
			Type: ch.typ,
		},
		Body: text,
	}
	if err := session.Encode(ch.link.ctx, msg); err != nil {
		return pending.Failed(err.Error())
	}
	return pending.Succeeded(nil)
}

// DrainPending implements comm.TextChannel.
func (ch *textChannel) DrainPending() *pending.Operation {
	ch.mu.Lock()
	queued := ch.queued
	ch.queued = nil
	ch.mu.Unlock()
	return pending.Succeeded(queued)
}

// SetMessageHandler implements comm.TextChannel.
func (ch *textChannel) SetMessageHandler(fn func(comm.InboundMessage)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

func (ch *textChannel) deliver(m comm.InboundMessage) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	fn := ch.onMessage
	if fn == nil {
		ch.queued = append(ch.queued, m)
	}
	ch.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// RequestClose implements comm.TextChannel. The channel is forgotten so a
// later conversation with the same peer starts fresh.
func (ch *textChannel) RequestClose() *pending.Operation {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()

	ch.link.mu.Lock()
	delete(ch.link.channels, ch.peer.String())
	ch.link.mu.Unlock()
	return pending.Succeeded(nil)
}

func messageKind(typ stanza.MessageType) comm.MessageKind {
	switch typ {
	case stanza.HeadlineMessage:
		return comm.MessageNotice
	case stanza.ErrorMessage:
		return comm.MessageNotice
	default:
		return comm.MessageNormal
	}
}

func statusToShow(status string) string {
	switch status {
	case "away":
		return "away"
	case "xa":
		return "xa"
	case "dnd":
		return "dnd"
	case "chat":
		return "chat"
	default:
		return ""
	}
}

func showToStatus(show string) string {
	switch show {
	case "away":
		return "away"
	case "xa":
		return "xa"
	case "dnd":
		return "dnd"
	case "chat":
		return "chat"
	default:
		return "available"
	}
}
