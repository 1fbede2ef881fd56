package api

import (
	"sync"
	"time"

	"github.com/tetherim/tether/pkg/plugin"
)

// PluginAPI implements the plugin.API interface
type PluginAPI struct {
	mu sync.RWMutex

	// Callbacks to the main application
	sendMessage       func(to, body string) error
	getContacts       func() []plugin.Contact
	getContact        func(id string) *plugin.Contact
	getPresence       func(id string) string
	sendFriendRequest func(id, message string) error
	getHistory        func(id string, limit int) []plugin.Message
	setStatus         func(status, message string) error
	showNotification  func(title, body string) error

	// Event handlers
	messageHandlers    []func(msg plugin.Message)
	presenceHandlers   []func(id, status string)
	connectHandlers    []func()
	disconnectHandlers []func()
	callHandlers       []func(call plugin.Call)
}

// NewPluginAPI creates a new plugin API
func NewPluginAPI() *PluginAPI {
	return &PluginAPI{}
}

// SetSendMessage sets the send message callback
func (a *PluginAPI) SetSendMessage(f func(to, body string) error) {
	a.sendMessage = f
}

// SetGetContacts sets the get contacts callback
func (a *PluginAPI) SetGetContacts(f func() []plugin.Contact) {
	a.getContacts = f
}

// SetGetContact sets the get contact callback
func (a *PluginAPI) SetGetContact(f func(id string) *plugin.Contact) {
	a.getContact = f
}

// SetGetPresence sets the get presence callback
func (a *PluginAPI) SetGetPresence(f func(id string) string) {
	a.getPresence = f
}

// SetSendFriendRequest sets the friend request callback
func (a *PluginAPI) SetSendFriendRequest(f func(id, message string) error) {
	a.sendFriendRequest = f
}

// SetGetHistory sets the get history callback
func (a *PluginAPI) SetGetHistory(f func(id string, limit int) []plugin.Message) {
	a.getHistory = f
}

// SetSetStatus sets the set status callback
func (a *PluginAPI) SetSetStatus(f func(status, message string) error) {
	a.setStatus = f
}

// SetShowNotification sets the show notification callback
func (a *PluginAPI) SetShowNotification(f func(title, body string) error) {
	a.showNotification = f
}

// ContactsAPI implementation

// GetContacts returns all contacts
func (a *PluginAPI) GetContacts() []plugin.Contact {
	if a.getContacts != nil {
		return a.getContacts()
	}
	return nil
}

// GetContact returns a specific contact
func (a *PluginAPI) GetContact(id string) *plugin.Contact {
	if a.getContact != nil {
		return a.getContact(id)
	}
	return nil
}

// GetPresence returns the presence status for a contact
func (a *PluginAPI) GetPresence(id string) string {
	if a.getPresence != nil {
		return a.getPresence(id)
	}
	return ""
}

// SendFriendRequest asks a user for mutual presence visibility
func (a *PluginAPI) SendFriendRequest(id, message string) error {
	if a.sendFriendRequest != nil {
		return a.sendFriendRequest(id, message)
	}
	return nil
}

// ChatAPI implementation

// SendMessage sends a private message
func (a *PluginAPI) SendMessage(to, body string) error {
	if a.sendMessage != nil {
		return a.sendMessage(to, body)
	}
	return nil
}

// GetHistory returns stored chat history with a contact
func (a *PluginAPI) GetHistory(id string, limit int) []plugin.Message {
	if a.getHistory != nil {
		return a.getHistory(id, limit)
	}
	return nil
}

// PresenceAPI implementation

// SetStatus publishes the own presence status and message
func (a *PluginAPI) SetStatus(status, message string) error {
	if a.setStatus != nil {
		return a.setStatus(status, message)
	}
	return nil
}

// NotifyAPI implementation

// ShowNotification shows a desktop notification
func (a *PluginAPI) ShowNotification(title, body string) error {
	if a.showNotification != nil {
		return a.showNotification(title, body)
	}
	return nil
}

// EventsAPI implementation

// OnMessage registers a message handler
func (a *PluginAPI) OnMessage(handler func(msg plugin.Message)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.messageHandlers = append(a.messageHandlers, handler)

	// Return unsubscribe function
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		// Remove handler (simplified - in practice would track by ID)
	}
}

// OnPresence registers a presence handler
func (a *PluginAPI) OnPresence(handler func(id, status string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.presenceHandlers = append(a.presenceHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// OnConnect registers a connect handler
func (a *PluginAPI) OnConnect(handler func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connectHandlers = append(a.connectHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// OnDisconnect registers a disconnect handler
func (a *PluginAPI) OnDisconnect(handler func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disconnectHandlers = append(a.disconnectHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// OnCallRinging registers a handler for incoming calls
func (a *PluginAPI) OnCallRinging(handler func(call plugin.Call)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.callHandlers = append(a.callHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// EmitMessage emits a message event to all handlers
func (a *PluginAPI) EmitMessage(msg plugin.Message) {
	a.mu.RLock()
	handlers := make([]func(plugin.Message), len(a.messageHandlers))
	copy(handlers, a.messageHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler(msg)
	}
}

// EmitPresence emits a presence event to all handlers
func (a *PluginAPI) EmitPresence(id, status string) {
	a.mu.RLock()
	handlers := make([]func(string, string), len(a.presenceHandlers))
	copy(handlers, a.presenceHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler(id, status)
	}
}

// EmitConnect emits a connect event to all handlers
func (a *PluginAPI) EmitConnect() {
	a.mu.RLock()
	handlers := make([]func(), len(a.connectHandlers))
	copy(handlers, a.connectHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler()
	}
}

// EmitDisconnect emits a disconnect event to all handlers
func (a *PluginAPI) EmitDisconnect() {
	a.mu.RLock()
	handlers := make([]func(), len(a.disconnectHandlers))
	copy(handlers, a.disconnectHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler()
	}
}

// EmitCallRinging emits an incoming call event to all handlers
func (a *PluginAPI) EmitCallRinging(call plugin.Call) {
	a.mu.RLock()
	handlers := make([]func(plugin.Call), len(a.callHandlers))
	copy(handlers, a.callHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler(call)
	}
}

// CreateMessage creates a plugin message from session data
func CreateMessage(id, from, to, body string, ts time.Time, outgoing bool) plugin.Message {
	return plugin.Message{
		ID:        id,
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: ts,
		Outgoing:  outgoing,
	}
}
