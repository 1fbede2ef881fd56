package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/config"
	"github.com/tetherim/tether/internal/logging"
	"github.com/tetherim/tether/internal/storage/sqlite"
	"github.com/tetherim/tether/internal/transport/memory"
	"github.com/tetherim/tether/internal/transport/xmppim"
	pluginpkg "github.com/tetherim/tether/pkg/plugin"
	"github.com/tetherim/tether/pkg/plugin/api"
)

// TransportFactory builds a transport for one account's protocol.
type TransportFactory func(log *logging.Logger) comm.Transport

// App hosts the session layer: it owns the configuration, the storage, the
// plugin host, and one connection per configured account.
type App struct {
	cfg      *config.Config
	accounts *config.AccountsConfig
	log      *logging.Logger
	storage  *sqlite.DB
	bus      *EventBus

	pluginAPI  *api.PluginAPI
	pluginHost *pluginpkg.Host

	mu          sync.RWMutex
	connections map[string]*comm.Connection
	transports  map[string]TransportFactory
	current     string

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new App instance
func New(cfg *config.Config) (*App, error) {
	accounts, err := config.LoadAccounts()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	// Data directory from config or the XDG default
	dataDir := cfg.General.DataDir
	if dataDir == "" {
		paths, _ := config.GetPaths()
		if paths != nil {
			dataDir = paths.DataDir
		}
	}

	// Storage is optional; history and the roster cache are skipped
	// without it
	var storage *sqlite.DB
	if dataDir != "" {
		storage, err = sqlite.New(dataDir)
		if err != nil {
			logger.Warn("failed to initialize storage: %v", err)
			storage = nil
		}
	}

	app := &App{
		cfg:         cfg,
		accounts:    accounts,
		log:         logger,
		storage:     storage,
		bus:         NewEventBus(),
		connections: make(map[string]*comm.Connection),
		transports:  make(map[string]TransportFactory),
		quit:        make(chan struct{}),
	}

	app.RegisterTransport("xmpp", func(log *logging.Logger) comm.Transport {
		return xmppim.New(log)
	})
	app.RegisterTransport("memory", func(*logging.Logger) comm.Transport {
		return memory.New()
	})

	app.pluginAPI = app.buildPluginAPI()
	app.pluginHost = pluginpkg.NewHost(cfg.Plugins.PluginDir, app.pluginAPI, logger)
	if err := app.pluginHost.LoadAll(); err != nil {
		logger.Warn("failed to load plugins: %v", err)
	}
	for _, name := range cfg.Plugins.Enabled {
		if err := app.pluginHost.Start(name); err != nil {
			logger.Warn("failed to start plugin %s: %v", name, err)
		}
	}

	if storage != nil && cfg.Storage.MessageRetentionDays > 0 {
		app.wg.Add(1)
		go app.retentionLoop(cfg.Storage.MessageRetentionDays)
	}

	return app, nil
}

// Config returns the configuration
func (a *App) Config() *config.Config {
	return a.cfg
}

// Events returns the event bus
func (a *App) Events() *EventBus {
	return a.bus
}

// Storage returns the message store, or nil when storage is disabled
func (a *App) Storage() *sqlite.DB {
	return a.storage
}

// Plugins returns the plugin host
func (a *App) Plugins() *pluginpkg.Host {
	return a.pluginHost
}

// Accounts returns the account configurations
func (a *App) Accounts() []config.Account {
	return a.accounts.Accounts
}

// GetAccount returns an account by name
func (a *App) GetAccount(name string) *config.Account {
	for i := range a.accounts.Accounts {
		if a.accounts.Accounts[i].Account == name {
			return &a.accounts.Accounts[i]
		}
	}
	return nil
}

// AddAccount adds or replaces a persistent account
func (a *App) AddAccount(acc config.Account) {
	for i, existing := range a.accounts.Accounts {
		if existing.Account == acc.Account {
			a.accounts.Accounts[i] = acc
			_ = config.SaveAccounts(a.accounts)
			return
		}
	}
	a.accounts.Accounts = append(a.accounts.Accounts, acc)
	_ = config.SaveAccounts(a.accounts)
}

// RemoveAccount removes an account from the configuration
func (a *App) RemoveAccount(name string) {
	for i, acc := range a.accounts.Accounts {
		if acc.Account == name {
			a.accounts.Accounts = append(a.accounts.Accounts[:i], a.accounts.Accounts[i+1:]...)
			_ = config.SaveAccounts(a.accounts)
			break
		}
	}
}

// RegisterTransport registers a transport factory for a protocol name.
// Registering an existing protocol replaces the factory.
func (a *App) RegisterTransport(protocol string, factory TransportFactory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transports[protocol] = factory
}

// CurrentAccount returns the account whose connection answers the plugin
// API and single-account helpers
func (a *App) CurrentAccount() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// SwitchActiveAccount switches the current account
func (a *App) SwitchActiveAccount(name string) {
	a.mu.Lock()
	a.current = name
	a.mu.Unlock()
}

// Connection returns the live connection for an account, or nil
func (a *App) Connection(account string) *comm.Connection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connections[account]
}

// Connected reports whether an account's connection is open
func (a *App) Connected(account string) bool {
	conn := a.Connection(account)
	return conn != nil && conn.State() == comm.ConnectionOpen
}

func (a *App) currentConn() *comm.Connection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connections[a.current]
}

func protocolOf(acc *config.Account) string {
	if acc.Protocol == "" {
		return "xmpp"
	}
	return acc.Protocol
}

func parsePolicy(s string) comm.ReciprocityPolicy {
	if s == "leave" {
		return comm.LeaveAsymmetric
	}
	return comm.ForceSymmetry
}

// ConnectAll connects every account marked for auto-connect
func (a *App) ConnectAll() {
	for _, acc := range a.accounts.Accounts {
		if !acc.AutoConnect || acc.Password == "" {
			continue
		}
		if err := a.Connect(acc.Account); err != nil {
			a.log.Warn("failed to connect %s: %v", acc.Account, err)
		}
	}
}

// Connect opens a session for a configured account. A second call for an
// account that is already connecting or connected is a no-op.
func (a *App) Connect(account string) error {
	acc := a.GetAccount(account)
	if acc == nil {
		return fmt.Errorf("account not found: %s", account)
	}

	a.mu.Lock()
	if _, exists := a.connections[account]; exists {
		a.mu.Unlock()
		return nil
	}
	factory := a.transports[protocolOf(acc)]
	a.mu.Unlock()

	if factory == nil {
		return fmt.Errorf("unknown protocol %q for account %s", acc.Protocol, account)
	}

	conn := comm.NewConnection(comm.Options{
		Transport:        factory(a.log),
		Log:              a.log,
		Store:            a.storeFor(),
		Policy:           parsePolicy(a.cfg.Roster.Reciprocity),
		SpatialAudio:     a.cfg.Audio.Spatial,
		AudioBufferBytes: a.cfg.Audio.BufferBytes,
	})
	a.wireConnection(account, conn)

	a.mu.Lock()
	a.connections[account] = conn
	if a.current == "" {
		a.current = account
	}
	a.mu.Unlock()

	conn.Open(comm.Credentials{
		Account:  acc.Account,
		Password: acc.Password,
		Server:   acc.Server,
		Port:     acc.Port,
		Protocol: protocolOf(acc),
	})
	return nil
}

// Disconnect closes the connection for an account
func (a *App) Disconnect(account string) {
	a.mu.Lock()
	conn := a.connections[account]
	delete(a.connections, account)
	if a.current == account {
		a.current = ""
		for name := range a.connections {
			a.current = name
			break
		}
	}
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// storeFor returns the persistence hook for new connections, honoring the
// storage configuration flags
func (a *App) storeFor() comm.MessageStore {
	if a.storage == nil {
		return nil
	}
	return filteredStore{
		db:           a.storage,
		saveMessages: a.cfg.Storage.SaveMessages,
		cacheRoster:  a.cfg.Storage.CacheRoster,
	}
}

// filteredStore applies the storage config flags in front of the database.
type filteredStore struct {
	db           *sqlite.DB
	saveMessages bool
	cacheRoster  bool
}

func (s filteredStore) SaveMessage(account, peer, id, body string, timestamp time.Time, outgoing bool) error {
	if !s.saveMessages {
		return nil
	}
	return s.db.SaveMessage(account, peer, id, body, timestamp, outgoing)
}

func (s filteredStore) SaveContact(account string, info comm.ContactInfo) error {
	if !s.cacheRoster {
		return nil
	}
	return s.db.SaveContact(account, info)
}

func (s filteredStore) SavePresence(account, contact, status, message string) error {
	if !s.cacheRoster {
		return nil
	}
	return s.db.SavePresence(account, contact, status, message)
}

// wireConnection forwards session callbacks onto the event bus and the
// plugin API. Handlers are registered before Open so no event is missed.
func (a *App) wireConnection(account string, conn *comm.Connection) {
	conn.SetReadyHandler(func() {
		a.bus.Publish(EventMsg{Account: account, Type: EventConnected})
		a.pluginAPI.EmitConnect()
	})

	conn.SetErrorHandler(func(reason string) {
		a.log.Error("connection %s failed: %s", account, reason)
		a.bus.Publish(EventMsg{Account: account, Type: EventError, Data: reason})
	})

	conn.SetClosedHandler(func() {
		a.bus.Publish(EventMsg{Account: account, Type: EventDisconnected})
		a.pluginAPI.EmitDisconnect()
	})

	conn.SetRosterChangedHandler(func(added []*comm.Contact) {
		a.bus.Publish(EventMsg{Account: account, Type: EventRosterUpdate, Data: added})
	})

	conn.SetPresenceChangedHandler(func(ct *comm.Contact) {
		a.bus.Publish(EventMsg{Account: account, Type: EventPresence, Data: ct})
		a.pluginAPI.EmitPresence(ct.ID(), ct.Status())
	})

	conn.SetMessageHandler(func(s *comm.ChatSession, msg comm.ChatMessage) {
		a.bus.Publish(EventMsg{Account: account, Type: EventMessage, Data: msg})

		outgoing := msg.Originator != nil && msg.Originator == conn.Self()
		from, to := account, account
		if outgoing {
			if peer := s.Peer(); peer != nil {
				to = peer.ID()
			}
		} else if msg.Originator != nil {
			from = msg.Originator.ID()
		}
		a.pluginAPI.EmitMessage(api.CreateMessage(msg.ID, from, to, msg.Text, msg.Timestamp, outgoing))
	})

	conn.SetChatSessionHandler(func(s *comm.ChatSession) {
		a.bus.Publish(EventMsg{Account: account, Type: EventChatSession, Data: s})
	})

	conn.SetVoiceSessionHandler(func(v *comm.VoiceSession) {
		a.bus.Publish(EventMsg{Account: account, Type: EventCallRinging, Data: v})
		peer := ""
		if ct := v.Peer(); ct != nil {
			peer = ct.ID()
		}
		a.pluginAPI.EmitCallRinging(pluginpkg.Call{
			Account:  account,
			Peer:     peer,
			Incoming: v.Incoming(),
		})
	})

	conn.SetFriendRequestHandler(func(fr *comm.FriendRequest) {
		a.bus.Publish(EventMsg{Account: account, Type: EventFriendRequest, Data: fr})
	})
}

// SendMessage sends a private message from an account to a contact,
// reusing an open chat session with the peer when one exists
func (a *App) SendMessage(account, to, body string) error {
	conn := a.Connection(account)
	if conn == nil {
		return fmt.Errorf("account not connected: %s", account)
	}

	for _, s := range conn.ChatSessions() {
		if peer := s.Peer(); peer != nil && peer.ID() == to && s.RoomID() == "" {
			return s.SendMessage(body)
		}
	}

	ct := conn.Roster().Find(to)
	if ct == nil {
		return fmt.Errorf("unknown contact: %s", to)
	}
	session, err := conn.OpenPrivateChatSession(ct)
	if err != nil {
		return err
	}
	return session.SendMessage(body)
}

// SetStatus publishes presence for an account
func (a *App) SetStatus(account, status, message string) error {
	conn := a.Connection(account)
	if conn == nil {
		return fmt.Errorf("account not connected: %s", account)
	}
	if err := conn.SetPresenceStatus(status); err != nil {
		return err
	}
	return conn.SetPresenceMessage(message)
}

// buildPluginAPI wires the plugin-facing API onto the current connection
func (a *App) buildPluginAPI() *api.PluginAPI {
	p := api.NewPluginAPI()

	p.SetGetContacts(func() []pluginpkg.Contact {
		conn := a.currentConn()
		if conn == nil {
			return nil
		}
		contacts, err := conn.Contacts()
		if err != nil {
			return nil
		}
		out := make([]pluginpkg.Contact, 0, len(contacts))
		for _, ct := range contacts {
			out = append(out, pluginContact(ct))
		}
		return out
	})

	p.SetGetContact(func(id string) *pluginpkg.Contact {
		conn := a.currentConn()
		if conn == nil {
			return nil
		}
		ct := conn.Roster().Find(id)
		if ct == nil {
			return nil
		}
		out := pluginContact(ct)
		return &out
	})

	p.SetGetPresence(func(id string) string {
		conn := a.currentConn()
		if conn == nil {
			return ""
		}
		if ct := conn.Roster().Find(id); ct != nil {
			return ct.Status()
		}
		return ""
	})

	p.SetSendMessage(func(to, body string) error {
		return a.SendMessage(a.CurrentAccount(), to, body)
	})

	p.SetSendFriendRequest(func(id, message string) error {
		conn := a.currentConn()
		if conn == nil {
			return fmt.Errorf("not connected")
		}
		_, err := conn.SendFriendRequest(id, message)
		return err
	})

	p.SetSetStatus(func(status, message string) error {
		return a.SetStatus(a.CurrentAccount(), status, message)
	})

	p.SetGetHistory(func(id string, limit int) []pluginpkg.Message {
		if a.storage == nil {
			return nil
		}
		account := a.CurrentAccount()
		if account == "" {
			return nil
		}
		stored, err := a.storage.GetMessages(account, id, limit, 0)
		if err != nil {
			return nil
		}
		out := make([]pluginpkg.Message, 0, len(stored))
		for _, m := range stored {
			from, to := id, account
			if m.Outgoing {
				from, to = account, id
			}
			out = append(out, api.CreateMessage(m.ID, from, to, m.Body, m.Timestamp, m.Outgoing))
		}
		return out
	})

	return p
}

func pluginContact(ct *comm.Contact) pluginpkg.Contact {
	return pluginpkg.Contact{
		ID:        ct.ID(),
		Name:      ct.Name(),
		Status:    ct.Status(),
		StatusMsg: ct.StatusMessage(),
	}
}

// retentionLoop deletes expired messages on a fixed cadence
func (a *App) retentionLoop(days int) {
	defer a.wg.Done()

	a.cleanupOldMessages(days)
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.cleanupOldMessages(days)
		case <-a.quit:
			return
		}
	}
}

func (a *App) cleanupOldMessages(days int) {
	removed, err := a.storage.DeleteOldMessages(days)
	if err != nil {
		a.log.Warn("failed to delete expired messages: %v", err)
		return
	}
	if removed > 0 {
		a.log.Info("removed %d expired messages", removed)
	}
}

// Close shuts down every connection, the plugins and the storage
func (a *App) Close() {
	a.quitOnce.Do(func() { close(a.quit) })
	a.wg.Wait()

	a.pluginHost.UnloadAll()

	a.mu.Lock()
	conns := make([]*comm.Connection, 0, len(a.connections))
	for _, conn := range a.connections {
		conns = append(conns, conn)
	}
	a.connections = make(map[string]*comm.Connection)
	a.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	if a.storage != nil {
		_ = a.storage.Close()
	}
	_ = a.log.Close()
}
