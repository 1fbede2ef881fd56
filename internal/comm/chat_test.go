package comm_test

import (
	"errors"
	"testing"
	"time"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/transport/memory"
)

func inbound(from, text string) comm.InboundMessage {
	return comm.InboundMessage{
		From:      comm.Identity{ID: from},
		Kind:      comm.MessageNormal,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestPrivateChatBuffersUntilOpen(t *testing.T) {
	transport := memory.New()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	transport.SetLinkSetup(func(l *memory.Link) { l.DeferTextReady = true })
	conn := openConnection(t, transport, comm.Options{})
	link := transport.LastLink()

	alice := rosterContact(t, conn, "alice@example.com")
	session, err := conn.OpenPrivateChatSession(alice)
	if err != nil {
		t.Fatalf("OpenPrivateChatSession returned error: %v", err)
	}

	waitFor(t, "text channel", func() bool { return link.LastTextChannel() != nil })
	channel := link.LastTextChannel()

	if err := session.SendMessage("first"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if err := session.SendMessage("second"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if session.State() != comm.ChatInitializing {
		t.Fatalf("expected initializing session, got %s", session.State())
	}
	if len(channel.Sent()) != 0 {
		t.Fatalf("messages must not reach the channel before it is ready")
	}

	channel.SignalReady()
	waitFor(t, "session open", func() bool { return session.State() == comm.ChatOpen })
	waitFor(t, "buffer flushed", func() bool { return len(channel.Sent()) == 2 })

	sent := channel.Sent()
	if sent[0] != "first" || sent[1] != "second" {
		t.Fatalf("queued messages flushed out of order: %v", sent)
	}

	history := session.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Originator == nil || history[0].Originator.ID() != "self@example.com" {
		t.Fatalf("sent message must be attributed to self")
	}
}

func TestIncomingChatDrainsBacklog(t *testing.T) {
	transport := memory.New()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	conn := openConnection(t, transport, comm.Options{})
	link := transport.LastLink()
	alice := rosterContact(t, conn, "alice@example.com")

	channel := memory.NewTextChannel(comm.Identity{ID: "alice@example.com"})
	notice := inbound("alice@example.com", "delivery report")
	notice.Kind = comm.MessageNotice
	channel.Backlog = []comm.InboundMessage{
		inbound("alice@example.com", "queued while offline"),
		notice,
	}
	link.OfferText(channel)

	var session *comm.ChatSession
	waitFor(t, "incoming session open", func() bool {
		sessions := conn.ChatSessions()
		if len(sessions) == 0 {
			return false
		}
		session = sessions[0]
		return session.State() == comm.ChatOpen
	})

	if !session.Incoming() {
		t.Fatalf("session must be marked incoming")
	}
	if session.Peer() != alice {
		t.Fatalf("peer must resolve to the roster contact")
	}

	history := session.History()
	if len(history) != 1 {
		t.Fatalf("expected only the normal backlog message, got %d", len(history))
	}
	if history[0].Text != "queued while offline" {
		t.Fatalf("unexpected backlog text %q", history[0].Text)
	}
	if history[0].Originator != alice {
		t.Fatalf("backlog message must be attributed to the roster contact")
	}
}

func TestRoomChatResolvesParticipantsThroughRoster(t *testing.T) {
	transport := memory.New()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	conn := openConnection(t, transport, comm.Options{})
	link := transport.LastLink()
	alice := rosterContact(t, conn, "alice@example.com")

	session, err := conn.OpenChatSession("dev@rooms.example.com")
	if err != nil {
		t.Fatalf("OpenChatSession returned error: %v", err)
	}
	waitFor(t, "room open", func() bool { return session.State() == comm.ChatOpen })
	if session.RoomID() != "dev@rooms.example.com" {
		t.Fatalf("unexpected room id %q", session.RoomID())
	}

	channel := link.LastTextChannel()
	channel.Deliver(inbound("alice@example.com", "hello room"))
	channel.Deliver(inbound("stranger@example.com", "hi"))

	waitFor(t, "room history", func() bool { return len(session.History()) == 2 })

	if session.Participant("alice@example.com") != alice {
		t.Fatalf("known speaker must map to the existing roster contact")
	}
	if session.Participant("stranger@example.com") == nil {
		t.Fatalf("unknown speaker must still get a participant entry")
	}
	if len(session.Participants()) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(session.Participants()))
	}
}

func TestChatCloseIsIdempotentAndFinal(t *testing.T) {
	transport := memory.New()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	conn := openConnection(t, transport, comm.Options{})
	link := transport.LastLink()
	alice := rosterContact(t, conn, "alice@example.com")

	session, err := conn.OpenPrivateChatSession(alice)
	if err != nil {
		t.Fatalf("OpenPrivateChatSession returned error: %v", err)
	}
	waitFor(t, "session open", func() bool { return session.State() == comm.ChatOpen })
	channel := link.LastTextChannel()

	session.Close()
	waitFor(t, "session closed", func() bool { return session.State() == comm.ChatClosed })
	session.Close()
	if channel.CloseRequests() != 1 {
		t.Fatalf("expected 1 close request, got %d", channel.CloseRequests())
	}

	if err := session.SendMessage("too late"); !errors.Is(err, comm.ErrChatClosed) {
		t.Fatalf("expected ErrChatClosed, got %v", err)
	}

	channel.Deliver(inbound("alice@example.com", "late delivery"))
	time.Sleep(20 * time.Millisecond)
	if len(session.History()) != 0 {
		t.Fatalf("messages delivered after close must be ignored")
	}
	if session.State() != comm.ChatClosed {
		t.Fatalf("closed session must stay closed, got %s", session.State())
	}
}

func TestHandlerRegistrationDuringDelivery(t *testing.T) {
	transport := memory.New()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	conn := openConnection(t, transport, comm.Options{})
	link := transport.LastLink()
	alice := rosterContact(t, conn, "alice@example.com")

	session, err := conn.OpenPrivateChatSession(alice)
	if err != nil {
		t.Fatalf("OpenPrivateChatSession returned error: %v", err)
	}
	waitFor(t, "session open", func() bool { return session.State() == comm.ChatOpen })
	channel := link.LastTextChannel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			channel.Deliver(inbound("alice@example.com", "m"))
		}
	}()

	for i := 0; i < 200; i++ {
		session.SetMessageReceivedHandler(func(comm.ChatMessage) {})
		session.SetStateHandler(func(comm.ChatSessionState, string) {})
	}
	<-done

	waitFor(t, "history complete", func() bool { return len(session.History()) == 200 })
}

func TestChatChannelFailureReportsReason(t *testing.T) {
	transport := memory.New()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	transport.SetLinkSetup(func(l *memory.Link) { l.TextFailure = "service unavailable" })
	conn := openConnection(t, transport, comm.Options{})
	alice := rosterContact(t, conn, "alice@example.com")

	session, err := conn.OpenPrivateChatSession(alice)
	if err != nil {
		t.Fatalf("OpenPrivateChatSession returned error: %v", err)
	}

	waitFor(t, "session error", func() bool { return session.State() == comm.ChatError })
	if session.Reason() != "service unavailable" {
		t.Fatalf("expected verbatim reason, got %q", session.Reason())
	}
}

func TestConnectionMessageHandlerSeesRoomTraffic(t *testing.T) {
	transport := memory.New()

	type received struct {
		session *comm.ChatSession
		msg     comm.ChatMessage
	}
	got := make(chan received, 1)

	conn := comm.NewConnection(comm.Options{Transport: transport})
	t.Cleanup(conn.Close)
	conn.SetMessageHandler(func(s *comm.ChatSession, m comm.ChatMessage) {
		got <- received{s, m}
	})
	conn.Open(testCredentials())
	waitFor(t, "connection open", func() bool { return conn.State() == comm.ConnectionOpen })
	link := transport.LastLink()

	session, err := conn.OpenChatSession("dev@rooms.example.com")
	if err != nil {
		t.Fatalf("OpenChatSession returned error: %v", err)
	}
	waitFor(t, "room open", func() bool { return session.State() == comm.ChatOpen })
	link.LastTextChannel().Deliver(inbound("alice@example.com", "ping"))

	select {
	case r := <-got:
		if r.session != session || r.msg.Text != "ping" {
			t.Fatalf("unexpected delivery %v", r.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection-level message")
	}
}
