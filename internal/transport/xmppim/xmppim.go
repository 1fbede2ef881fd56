// Package xmppim adapts an XMPP connection to the comm transport
// interfaces. Identities are bare JIDs; presence subscription stanzas carry
// the friend-request workflow. XMPP has no media channels, so voice
// sessions over this transport fail at channel creation.
package xmppim

import (
	"fmt"

	"mellium.im/xmpp/jid"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/comm/pending"
	"github.com/tetherim/tether/internal/logging"
)

// Transport implements comm.Transport over XMPP.
type Transport struct {
	log *logging.Logger
}

// New returns an XMPP transport.
func New(log *logging.Logger) *Transport {
	if log == nil {
		log = logging.Discard()
	}
	return &Transport{log: log.With("xmpp")}
}

// RequestConnection implements comm.Transport. The credentials' account must
// be a bare JID; the server defaults to the JID's domain.
func (t *Transport) RequestConnection(creds comm.Credentials) *pending.Operation {
	addr, err := jid.Parse(creds.Account)
	if err != nil {
		return pending.Failed(fmt.Sprintf("invalid account JID: %v", err))
	}
	return pending.Succeeded(comm.Link(newLink(t.log, addr, creds)))
}
