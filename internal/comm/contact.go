package comm

import (
	"sync"
)

// Contact wraps one Identity with live presence state. Contacts are owned
// by the Connection's roster; sessions hold references and resolve through
// the roster so no identity is ever duplicated.
type Contact struct {
	mu       sync.RWMutex
	identity Identity
	status   string
	message  string
}

func newContact(identity Identity) *Contact {
	return &Contact{identity: identity}
}

// Identity returns the contact's immutable identity.
func (c *Contact) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// ID returns the contact's raw identifier.
func (c *Contact) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.ID
}

// Name returns the contact's display name.
func (c *Contact) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.DisplayName()
}

// Status returns the contact's presence status tag.
func (c *Contact) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// StatusMessage returns the contact's free-text presence message.
func (c *Contact) StatusMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.message
}

func (c *Contact) setPresence(status, message string) {
	c.mu.Lock()
	c.status = status
	c.message = message
	c.mu.Unlock()
}

func (c *Contact) setAlias(alias string) {
	c.mu.Lock()
	if alias != "" {
		c.identity.Alias = alias
	}
	c.mu.Unlock()
}

// Roster tracks the set of known contacts, deduplicated by identifier.
// It is owned and mutated only by its Connection.
type Roster struct {
	mu       sync.RWMutex
	contacts []*Contact
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{}
}

// Find returns the contact with the given identifier, nil when unknown.
func (r *Roster) Find(id string) *Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(id)
}

func (r *Roster) find(id string) *Contact {
	for _, c := range r.contacts {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Resolve returns the contact for the given identity, inserting a new one
// when none exists yet. The scan-or-insert keeps identities unique.
func (r *Roster) Resolve(identity Identity) *Contact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.find(identity.ID); c != nil {
		c.setAlias(identity.Alias)
		return c
	}
	c := newContact(identity)
	r.contacts = append(r.contacts, c)
	return c
}

// Add inserts a contact unless one with the same identifier already exists.
// It reports whether the contact was inserted.
func (r *Roster) Add(c *Contact) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(c.ID()) != nil {
		return false
	}
	r.contacts = append(r.contacts, c)
	return true
}

// AddBatch inserts several contacts at once and returns those actually
// inserted, so the caller can emit a single roster-changed notification.
func (r *Roster) AddBatch(contacts []*Contact) []*Contact {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []*Contact
	for _, c := range contacts {
		if r.find(c.ID()) != nil {
			continue
		}
		r.contacts = append(r.contacts, c)
		added = append(added, c)
	}
	return added
}

// Remove drops the contact with the given identifier.
func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.contacts {
		if c.ID() == id {
			r.contacts = append(r.contacts[:i], r.contacts[i+1:]...)
			return
		}
	}
}

// All returns a snapshot of the roster.
func (r *Roster) All() []*Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Contact, len(r.contacts))
	copy(out, r.contacts)
	return out
}

// Len returns the number of contacts.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts)
}

// Clear drops every contact. Called on Connection teardown; contacts are
// released eagerly, nothing below the Connection outlives it.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.contacts = nil
	r.mu.Unlock()
}
