package app

import (
	"testing"
	"time"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/config"
	"github.com/tetherim/tether/internal/logging"
	"github.com/tetherim/tether/internal/transport/memory"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfg := config.DefaultConfig()
	cfg.General.DataDir = t.TempDir()
	cfg.Logging.Level = "error"

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestEventBusDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()

	got := make(chan EventMsg, 1)
	bus.Subscribe(EventMessage, func(ev EventMsg) { got <- ev })

	bus.Publish(EventMsg{Account: "a@x", Type: EventMessage, Data: "hi"})
	select {
	case ev := <-got:
		if ev.Account != "a@x" || ev.Data != "hi" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	bus.Unsubscribe(EventMessage)
	bus.Publish(EventMsg{Type: EventMessage})
	select {
	case <-got:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestParsePolicy(t *testing.T) {
	if parsePolicy("leave") != comm.LeaveAsymmetric {
		t.Fatalf("leave must map to LeaveAsymmetric")
	}
	if parsePolicy("force") != comm.ForceSymmetry {
		t.Fatalf("force must map to ForceSymmetry")
	}
	if parsePolicy("") != comm.ForceSymmetry {
		t.Fatalf("the default policy is ForceSymmetry")
	}
}

func TestProtocolOf(t *testing.T) {
	if protocolOf(&config.Account{}) != "xmpp" {
		t.Fatalf("empty protocol must default to xmpp")
	}
	if protocolOf(&config.Account{Protocol: "memory"}) != "memory" {
		t.Fatalf("explicit protocol must pass through")
	}
}

func TestConnectAndSendThroughMemoryTransport(t *testing.T) {
	a := testApp(t)

	transport := memory.New()
	transport.SetSelf(comm.ContactInfo{Identity: comm.Identity{ID: "self@example.com"}, Status: "available"})
	transport.AddContact(comm.ContactInfo{
		Identity:     comm.Identity{ID: "alice@example.com"},
		Subscription: comm.PresenceYes,
		Publish:      comm.PresenceYes,
		Status:       "available",
	})
	a.RegisterTransport("memory", func(*logging.Logger) comm.Transport { return transport })

	a.AddAccount(config.Account{Account: "self@example.com", Password: "pw", Protocol: "memory"})

	connected := make(chan struct{}, 1)
	a.Events().Subscribe(EventConnected, func(EventMsg) { connected <- struct{}{} })

	if err := a.Connect("self@example.com"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never saw a connected event")
	}
	waitFor(t, "open connection", func() bool { return a.Connected("self@example.com") })

	if a.CurrentAccount() != "self@example.com" {
		t.Fatalf("first connected account must become current")
	}

	if err := a.SendMessage("self@example.com", "alice@example.com", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	link := transport.LastLink()
	waitFor(t, "message on the wire", func() bool {
		ch := link.LastTextChannel()
		return ch != nil && len(ch.Sent()) == 1
	})

	// A second send reuses the open session instead of a new channel
	if err := a.SendMessage("self@example.com", "alice@example.com", "again"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "second message", func() bool {
		return len(link.LastTextChannel().Sent()) == 2
	})

	if err := a.SendMessage("self@example.com", "stranger@example.com", "x"); err == nil {
		t.Fatal("sending to an unknown contact must fail")
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	a := testApp(t)

	transport := memory.New()
	transport.SetSelf(comm.ContactInfo{Identity: comm.Identity{ID: "self@example.com"}})
	a.RegisterTransport("memory", func(*logging.Logger) comm.Transport { return transport })
	a.AddAccount(config.Account{Account: "self@example.com", Password: "pw", Protocol: "memory"})

	if err := a.Connect("self@example.com"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "open connection", func() bool { return a.Connected("self@example.com") })

	a.Disconnect("self@example.com")
	if a.Connection("self@example.com") != nil {
		t.Fatalf("connection must be forgotten after disconnect")
	}
	waitFor(t, "transport disconnect", func() bool {
		return transport.LastLink().Disconnects() == 1
	})

	if err := a.SendMessage("self@example.com", "alice@example.com", "x"); err == nil {
		t.Fatal("sending through a disconnected account must fail")
	}
}

func TestConnectUnknownAccountOrProtocol(t *testing.T) {
	a := testApp(t)

	if err := a.Connect("nobody@example.com"); err == nil {
		t.Fatal("connecting an unconfigured account must fail")
	}

	a.AddAccount(config.Account{Account: "odd@example.com", Password: "pw", Protocol: "telegraph"})
	if err := a.Connect("odd@example.com"); err == nil {
		t.Fatal("an unregistered protocol must fail")
	}
}

func TestFilteredStoreHonorsFlags(t *testing.T) {
	a := testApp(t)

	off := filteredStore{db: a.storage, saveMessages: false, cacheRoster: false}
	if err := off.SaveMessage("acc", "peer", "m1", "hi", time.Now(), true); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := off.SavePresence("acc", "peer", "away", ""); err != nil {
		t.Fatalf("SavePresence: %v", err)
	}
	count, err := a.storage.GetMessageCount()
	if err != nil {
		t.Fatalf("GetMessageCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("disabled store must not persist, found %d messages", count)
	}

	on := filteredStore{db: a.storage, saveMessages: true, cacheRoster: true}
	if err := on.SaveMessage("acc", "peer", "m1", "hi", time.Now(), true); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	count, err = a.storage.GetMessageCount()
	if err != nil {
		t.Fatalf("GetMessageCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted message, found %d", count)
	}
}
