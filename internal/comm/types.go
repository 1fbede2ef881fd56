// Package comm implements the real-time communication session layer: a
// Connection state machine over an abstract messaging/presence transport,
// with chat sessions, voice sessions, friend-request workflows and a
// contact roster hanging off it.
package comm

import (
	"time"
)

// Identity is a service-scoped identifier plus a display alias.
// Immutable once resolved.
type Identity struct {
	ID    string
	Alias string
}

// DisplayName returns the alias when set, the raw identifier otherwise.
func (i Identity) DisplayName() string {
	if i.Alias != "" {
		return i.Alias
	}
	return i.ID
}

// PresenceState is one direction of a presence relationship.
type PresenceState int

const (
	// PresenceNo means the relationship was declined or never requested.
	PresenceNo PresenceState = iota
	// PresenceYes means the relationship is established.
	PresenceYes
	// PresenceAsk means the request is outstanding and undecided.
	PresenceAsk
)

// String returns the string representation of the state
func (p PresenceState) String() string {
	switch p {
	case PresenceNo:
		return "no"
	case PresenceYes:
		return "yes"
	case PresenceAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// ContactInfo is the transport's view of one known remote identity:
// who they are, whether we see their presence (Subscription) and whether
// they see ours (Publish), plus their current status.
type ContactInfo struct {
	Identity      Identity
	Subscription  PresenceState
	Publish       PresenceState
	Status        string
	StatusMessage string
}

// Credentials identify an account on the remote messaging service.
type Credentials struct {
	Account  string
	Password string
	Server   string
	Port     int
	Protocol string
}

// MessageKind classifies an inbound transport message.
type MessageKind int

const (
	// MessageNormal is ordinary user-visible chat text.
	MessageNormal MessageKind = iota
	// MessageNotice is server- or client-generated informational text.
	MessageNotice
	// MessageAutoReply is an automatic response (away messages and the like).
	MessageAutoReply
)

// InboundMessage is a message as delivered by a text channel.
type InboundMessage struct {
	From      Identity
	Kind      MessageKind
	Text      string
	Timestamp time.Time
}

// ChatMessage is an immutable history entry of a chat session.
type ChatMessage struct {
	ID         string
	Originator *Contact
	Timestamp  time.Time
	Text       string
}

// ReciprocityPolicy decides how roster reconciliation treats contacts whose
// subscription and publication states disagree.
type ReciprocityPolicy int

const (
	// ForceSymmetry restores symmetry: withdraws our subscription when the
	// contact does not see us, authorizes publication when they ask.
	ForceSymmetry ReciprocityPolicy = iota
	// LeaveAsymmetric keeps asymmetric relationships untouched.
	LeaveAsymmetric
)

// MessageStore persists chat history and roster state. Implementations are
// optional; all calls are best-effort and failures are only logged.
type MessageStore interface {
	SaveMessage(account, peer, id, text string, timestamp time.Time, outgoing bool) error
	SaveContact(account string, info ContactInfo) error
	SavePresence(account, contact, status, message string) error
}
