package plugin

import (
	"context"
	"time"
)

// Plugin is the interface that all plugins must implement
type Plugin interface {
	// Name returns the plugin name
	Name() string

	// Version returns the plugin version
	Version() string

	// Description returns a short description
	Description() string

	// Init initializes the plugin with the API
	Init(ctx context.Context, api API) error

	// Start starts the plugin
	Start() error

	// Stop stops the plugin
	Stop() error
}

// API is the interface exposed to plugins
type API interface {
	ContactsAPI
	ChatAPI
	PresenceAPI
	EventsAPI
	NotifyAPI
}

// ContactsAPI provides access to the contact tracker
type ContactsAPI interface {
	// GetContacts returns all contacts
	GetContacts() []Contact

	// GetContact returns a specific contact
	GetContact(id string) *Contact

	// GetPresence returns the presence status for a contact
	GetPresence(id string) string

	// SendFriendRequest asks a user for mutual presence visibility
	SendFriendRequest(id, message string) error
}

// ChatAPI provides access to messaging
type ChatAPI interface {
	// SendMessage sends a private message
	SendMessage(to, body string) error

	// GetHistory returns stored chat history with a contact
	GetHistory(id string, limit int) []Message
}

// PresenceAPI provides access to the self presence
type PresenceAPI interface {
	// SetStatus publishes the own presence status and message
	SetStatus(status, message string) error
}

// EventsAPI provides access to event subscriptions
type EventsAPI interface {
	// OnMessage registers a message handler
	OnMessage(handler func(msg Message)) func()

	// OnPresence registers a presence handler
	OnPresence(handler func(id, status string)) func()

	// OnConnect registers a connect handler
	OnConnect(handler func()) func()

	// OnDisconnect registers a disconnect handler
	OnDisconnect(handler func()) func()

	// OnCallRinging registers a handler for incoming calls
	OnCallRinging(handler func(call Call)) func()
}

// NotifyAPI provides access to desktop notifications
type NotifyAPI interface {
	// ShowNotification shows a desktop notification
	ShowNotification(title, body string) error
}

// Contact represents a tracked contact
type Contact struct {
	ID        string
	Name      string
	Status    string
	StatusMsg string
}

// Message represents a chat message
type Message struct {
	ID        string
	From      string
	To        string
	Body      string
	Timestamp time.Time
	Outgoing  bool
}

// Call represents a voice session
type Call struct {
	Account  string
	Peer     string
	Incoming bool
}

// Metadata contains plugin metadata
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
	Homepage    string
	License     string
	MinVersion  string // Minimum tether version required
}

// Config contains plugin configuration
type Config struct {
	Enabled bool
	Options map[string]interface{}
}
