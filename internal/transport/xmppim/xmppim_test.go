package xmppim

import (
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/comm/pending"
	"github.com/tetherim/tether/internal/logging"
)

func TestRequestConnectionRejectsBadJID(t *testing.T) {
	transport := New(logging.Discard())

	op := transport.RequestConnection(comm.Credentials{Account: "not a jid"})
	if !op.Failed() {
		t.Fatalf("expected failure for malformed JID")
	}
}

func TestResolveIdentityNormalizesToBareJID(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})

	op := l.ResolveIdentity("Alice@Example.com/phone")
	if op.Failed() {
		t.Fatalf("resolution failed: %s", op.Reason())
	}
	id := op.Result().(comm.Identity)
	if id.ID != "alice@example.com" {
		t.Fatalf("expected bare lowercase JID, got %q", id.ID)
	}

	op = l.ResolveIdentity("not a jid")
	if !op.Failed() {
		t.Fatalf("expected failure for malformed JID")
	}
}

func TestMediaChannelsUnsupported(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})

	op := l.RequestMediaChannel("alice@example.com")
	if !op.Failed() {
		t.Fatalf("expected media channel request to fail")
	}
	if op.Reason() != "media channels not supported by the xmpp transport" {
		t.Fatalf("unexpected reason %q", op.Reason())
	}
}

func TestTextChannelsAreSharedPerPeer(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})

	first := l.RequestTextChannel("alice@example.com/phone")
	second := l.RequestTextChannel("alice@example.com/laptop")
	if first.Failed() || second.Failed() {
		t.Fatalf("channel requests failed")
	}
	if first.Result() != second.Result() {
		t.Fatalf("same bare JID must share one channel")
	}
}

func TestChannelQueuesUntilHandlerRegistered(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})
	ch := l.channelFor(jid.MustParse("alice@example.com"), stanza.ChatMessage)

	ch.deliver(comm.InboundMessage{From: comm.Identity{ID: "alice@example.com"}, Text: "early"})

	op := ch.DrainPending()
	backlog := op.Result().([]comm.InboundMessage)
	if len(backlog) != 1 || backlog[0].Text != "early" {
		t.Fatalf("expected queued message in backlog, got %v", backlog)
	}

	var got []comm.InboundMessage
	ch.SetMessageHandler(func(m comm.InboundMessage) { got = append(got, m) })
	ch.deliver(comm.InboundMessage{From: comm.Identity{ID: "alice@example.com"}, Text: "live"})
	if len(got) != 1 || got[0].Text != "live" {
		t.Fatalf("expected direct delivery after handler registration, got %v", got)
	}

	ch.RequestClose()
	ch.deliver(comm.InboundMessage{Text: "late"})
	if len(got) != 1 {
		t.Fatalf("closed channel must drop deliveries")
	}
	if !ch.Send("x").Failed() {
		t.Fatalf("send on closed channel must fail")
	}
}

func TestDispatchPresenceUpdatesContacts(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})

	var presences []comm.ContactInfo
	l.SetPresenceHandler(func(info comm.ContactInfo) { presences = append(presences, info) })
	var requests []comm.ContactInfo
	l.SetPublicationRequestHandler(func(info comm.ContactInfo) { requests = append(requests, info) })

	from := jid.MustParse("alice@example.com/phone")
	l.dispatchPresence(presenceStanza{
		Presence: stanza.Presence{From: from},
		Show:     "away",
		Status:   "brb",
	})
	if len(presences) != 1 {
		t.Fatalf("expected 1 presence, got %d", len(presences))
	}
	if presences[0].Identity.ID != "alice@example.com" || presences[0].Status != "away" || presences[0].StatusMessage != "brb" {
		t.Fatalf("unexpected presence %v", presences[0])
	}

	l.dispatchPresence(presenceStanza{Presence: stanza.Presence{From: from, Type: stanza.SubscribedPresence}})
	if presences[1].Subscription != comm.PresenceYes {
		t.Fatalf("subscribed presence must mark the subscription established")
	}

	l.dispatchPresence(presenceStanza{
		Presence: stanza.Presence{From: jid.MustParse("carol@example.com"), Type: stanza.SubscribePresence},
		Status:   "please add me",
	})
	if len(requests) != 1 {
		t.Fatalf("expected 1 publication request, got %d", len(requests))
	}
	if requests[0].Publish != comm.PresenceAsk || requests[0].StatusMessage != "please add me" {
		t.Fatalf("unexpected publication request %v", requests[0])
	}
}

func TestRosterResultSeedsContacts(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})

	op := pending.New()
	l.rosterOp = op
	l.rosterID = "r1"
	l.pendingFeatures = []comm.Feature{comm.FeatureRoster}

	l.handleIQ(rosterIQ{
		IQ: stanza.IQ{ID: "r1", Type: stanza.ResultIQ},
		Query: rosterQuery{Items: []rosterItem{
			{JID: "alice@example.com", Name: "Alice", Subscription: "both"},
			{JID: "bob@example.com", Subscription: "to"},
			{JID: "carol@example.com", Subscription: "from"},
			{JID: "dan@example.com", Subscription: "none"},
		}},
	})

	if !op.Finished() || op.Failed() {
		t.Fatalf("roster result must complete the operation")
	}
	if !l.HasFeature(comm.FeatureRoster) {
		t.Fatalf("roster feature must be set once the roster arrived")
	}

	want := map[string][2]comm.PresenceState{
		"alice@example.com": {comm.PresenceYes, comm.PresenceYes},
		"bob@example.com":   {comm.PresenceYes, comm.PresenceNo},
		"carol@example.com": {comm.PresenceNo, comm.PresenceYes},
		"dan@example.com":   {comm.PresenceNo, comm.PresenceNo},
	}
	contacts := l.KnownContacts()
	if len(contacts) != len(want) {
		t.Fatalf("expected %d contacts, got %d", len(want), len(contacts))
	}
	for _, info := range contacts {
		states, ok := want[info.Identity.ID]
		if !ok {
			t.Fatalf("unexpected contact %q", info.Identity.ID)
		}
		if info.Subscription != states[0] || info.Publish != states[1] {
			t.Fatalf("wrong visibility for %q: %v/%v", info.Identity.ID, info.Subscription, info.Publish)
		}
		if info.Status != "offline" {
			t.Fatalf("seeded contacts start offline, got %q", info.Status)
		}
		if info.Identity.ID == "alice@example.com" && info.Identity.Alias != "Alice" {
			t.Fatalf("roster name must become the alias, got %q", info.Identity.Alias)
		}
	}
}

func TestRosterErrorFailsReadiness(t *testing.T) {
	l := newLink(logging.Discard(), jid.MustParse("self@example.com"), comm.Credentials{})

	op := pending.New()
	l.rosterOp = op
	l.rosterID = "r2"
	l.pendingFeatures = []comm.Feature{comm.FeatureRoster}

	l.handleIQ(rosterIQ{IQ: stanza.IQ{ID: "other", Type: stanza.ResultIQ}})
	if op.Finished() {
		t.Fatalf("unrelated iq must not resolve the roster request")
	}

	l.handleIQ(rosterIQ{IQ: stanza.IQ{ID: "r2", Type: stanza.ErrorIQ}})
	if !op.Failed() {
		t.Fatalf("error iq must fail the roster request")
	}
	if l.HasFeature(comm.FeatureRoster) {
		t.Fatalf("roster feature must not be set after a failed fetch")
	}
}

func TestStatusMapping(t *testing.T) {
	if statusToShow("available") != "" {
		t.Fatalf("available must map to an empty show element")
	}
	if statusToShow("dnd") != "dnd" {
		t.Fatalf("dnd must pass through")
	}
	if showToStatus("") != "available" {
		t.Fatalf("empty show must map to available")
	}
	if showToStatus("xa") != "xa" {
		t.Fatalf("xa must pass through")
	}
	if messageKind(stanza.HeadlineMessage) != comm.MessageNotice {
		t.Fatalf("headline messages are notices")
	}
	if messageKind(stanza.ChatMessage) != comm.MessageNormal {
		t.Fatalf("chat messages are normal")
	}
}

func TestGroupchatAttributionKeepsOccupant(t *testing.T) {
	msg := messageStanza{
		Message: stanza.Message{
			From: jid.MustParse("dev@rooms.example.com/alice"),
			Type: stanza.GroupChatMessage,
		},
		Body: "hi",
	}
	if identityFor(msg) != "dev@rooms.example.com/alice" {
		t.Fatalf("room messages must be attributed to the occupant")
	}

	msg.Type = stanza.ChatMessage
	msg.From = jid.MustParse("alice@example.com/phone")
	if identityFor(msg) != "alice@example.com" {
		t.Fatalf("private messages must be attributed to the bare JID")
	}
}
