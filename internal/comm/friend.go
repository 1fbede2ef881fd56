package comm

import (
	"errors"
	"sync"

	"github.com/tetherim/tether/internal/comm/pending"
)

// ErrRequestDecided is returned when an already decided friend request is
// accepted or rejected again.
var ErrRequestDecided = errors.New("friend request already decided")

// FriendRequestState is the state of a received friend request. Transitions
// out of Pending are one-way.
type FriendRequestState int

const (
	FriendRequestPending FriendRequestState = iota
	FriendRequestAccepted
	FriendRequestRejected
)

// String returns the string representation of the state
func (s FriendRequestState) String() string {
	switch s {
	case FriendRequestPending:
		return "pending"
	case FriendRequestAccepted:
		return "accepted"
	case FriendRequestRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FriendRequest is a presence publication request received from a remote
// identity, awaiting the local user's decision.
type FriendRequest struct {
	mu      sync.RWMutex
	conn    *Connection
	from    Identity
	message string
	state   FriendRequestState
}

func newFriendRequest(c *Connection, from Identity, message string) *FriendRequest {
	return &FriendRequest{
		conn:    c,
		from:    from,
		message: message,
		state:   FriendRequestPending,
	}
}

// From returns the requesting identity.
func (r *FriendRequest) From() Identity {
	return r.from
}

// Message returns the text the requester attached, if any.
func (r *FriendRequest) Message() string {
	return r.message
}

// State returns the request state.
func (r *FriendRequest) State() FriendRequestState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Accept authorizes the requester to see our presence and asks to see
// theirs in return, making the relationship symmetric. The state changes to
// Accepted immediately; both operations are fire-and-forget.
func (r *FriendRequest) Accept() error {
	r.mu.Lock()
	if r.state != FriendRequestPending {
		r.mu.Unlock()
		return ErrRequestDecided
	}
	r.state = FriendRequestAccepted
	r.mu.Unlock()

	link := r.conn.linkSnapshot()
	r.conn.watch(link.AuthorizePublication(r.from.ID), "authorize presence publication")
	r.conn.watch(link.RequestSubscription(r.from.ID, ""), "request presence subscription")
	r.conn.log.Debug("friend request from %s accepted", r.from.ID)
	return nil
}

// Reject withdraws the requester's pending publication. The requester never
// enters the roster.
func (r *FriendRequest) Reject() error {
	r.mu.Lock()
	if r.state != FriendRequestPending {
		r.mu.Unlock()
		return ErrRequestDecided
	}
	r.state = FriendRequestRejected
	r.mu.Unlock()

	r.conn.watch(r.conn.linkSnapshot().WithdrawPublication(r.from.ID), "withdraw presence publication")
	r.conn.log.Debug("friend request from %s rejected", r.from.ID)
	return nil
}

// OutgoingRequestState is the state of a friend request we sent.
type OutgoingRequestState int

const (
	OutgoingRequestPending OutgoingRequestState = iota
	OutgoingRequestSent
	OutgoingRequestAccepted
	OutgoingRequestRejected
	OutgoingRequestError
)

// String returns the string representation of the state
func (s OutgoingRequestState) String() string {
	switch s {
	case OutgoingRequestPending:
		return "pending"
	case OutgoingRequestSent:
		return "sent"
	case OutgoingRequestAccepted:
		return "accepted"
	case OutgoingRequestRejected:
		return "rejected"
	case OutgoingRequestError:
		return "error"
	default:
		return "unknown"
	}
}

// OutgoingFriendRequest tracks a friend request sent to a raw identifier.
// The target is resolved to a canonical identity first; only after that
// succeeds is a presence subscription requested.
type OutgoingFriendRequest struct {
	mu       sync.RWMutex
	conn     *Connection
	target   string
	message  string
	resolved Identity
	state    OutgoingRequestState
	reason   string

	onState func(OutgoingRequestState, string)
}

func newOutgoingFriendRequest(c *Connection, target, message string) *OutgoingFriendRequest {
	r := &OutgoingFriendRequest{
		conn:    c,
		target:  target,
		message: message,
		state:   OutgoingRequestPending,
	}

	op := c.linkSnapshot().ResolveIdentity(target)
	op.OnFinished(func(op *pending.Operation) {
		c.post(friendResolveFinished{r, op})
	})
	return r
}

func (r *OutgoingFriendRequest) resolveFinished(op *pending.Operation) {
	if op.Failed() {
		r.fail(op.Reason())
		return
	}
	resolved := op.Result().(Identity)
	r.mu.Lock()
	r.resolved = resolved
	r.mu.Unlock()

	sub := r.conn.linkSnapshot().RequestSubscription(resolved.ID, r.message)
	sub.OnFinished(func(op *pending.Operation) {
		r.conn.post(friendSubscribeFinished{r, op})
	})
}

func (r *OutgoingFriendRequest) subscribeFinished(op *pending.Operation) {
	if op.Failed() {
		r.fail(op.Reason())
		return
	}
	r.setState(OutgoingRequestSent, "")
	r.conn.log.Debug("friend request sent to %s", r.TargetID())
}

func (r *OutgoingFriendRequest) markAccepted() {
	r.setState(OutgoingRequestAccepted, "")
	r.conn.log.Debug("friend request to %s accepted", r.TargetID())
}

func (r *OutgoingFriendRequest) markRejected() {
	r.setState(OutgoingRequestRejected, "")
	r.conn.log.Debug("friend request to %s rejected", r.TargetID())
}

func (r *OutgoingFriendRequest) fail(reason string) {
	r.setState(OutgoingRequestError, reason)
	r.conn.log.Error("friend request to %s failed: %s", r.target, reason)
}

func (r *OutgoingFriendRequest) setState(st OutgoingRequestState, reason string) {
	r.mu.Lock()
	if r.state == OutgoingRequestError {
		r.mu.Unlock()
		return
	}
	r.state = st
	r.reason = reason
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(st, reason)
	}
}

// Target returns the raw identifier the request was addressed to.
func (r *OutgoingFriendRequest) Target() string {
	return r.target
}

// TargetID returns the resolved canonical identifier, or the raw target
// while resolution is still pending.
func (r *OutgoingFriendRequest) TargetID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.resolved.ID != "" {
		return r.resolved.ID
	}
	return r.target
}

// State returns the request state.
func (r *OutgoingFriendRequest) State() OutgoingRequestState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Reason returns the failure reason reported by the transport, verbatim.
func (r *OutgoingFriendRequest) Reason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

// SetStateHandler registers the state callback.
func (r *OutgoingFriendRequest) SetStateHandler(fn func(OutgoingRequestState, string)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}
