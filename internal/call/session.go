// Package call holds the in-memory call-session data model and the
// registry that owns it. The registry is the single source of truth for
// what call is currently foregrounded; everything else in DialCore
// mutates call state only through it.
package call

import (
	"strings"
	"time"
)

// Direction indicates which side initiated a call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status represents the lifecycle state of a call session.
// Muted is deliberately not a status: a call can be held and muted at
// the same time, so mute is an orthogonal flag on Session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusActive     Status = "active"
	StatusHeld       Status = "held"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Terminal returns true if no further transitions may leave the status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// ValidTransition reports whether a session may move from one status to
// another. Ended is reachable from any non-terminal state; Failed only
// from Connecting, Ringing and Active. Held and Active are mutually
// reachable while the call has not terminated.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusEnded:
		return true
	case StatusFailed:
		return from == StatusConnecting || from == StatusRinging || from == StatusActive
	case StatusRinging:
		return from == StatusConnecting
	case StatusActive:
		return from == StatusConnecting || from == StatusRinging || from == StatusHeld
	case StatusHeld:
		return from == StatusActive
	default:
		return false
	}
}

// Session is one call attempt. Identity is immutable after creation;
// status and flags are mutated only through Registry operations.
type Session struct {
	// ID is the opaque call identifier shared with the signaling
	// provider. Assigned by whichever side initiated the call.
	ID string

	// Direction is incoming or outgoing.
	Direction Direction

	// Status is the current lifecycle state.
	Status Status

	// Muted is the local microphone mute flag. Only meaningful while
	// the session is Active or Held; cleared on termination.
	Muted bool

	// CounterpartNumber is the remote phone number, stripped of any
	// signaling routing prefix.
	CounterpartNumber string

	// RelatedLeadID references the lead record matched against the
	// counterpart number, zero if unresolved. Lookup key only, the
	// session does not own the lead.
	RelatedLeadID int64

	// CustomRingback enables locally played ringback while the call is
	// ringing. Set only for locally originated outgoing calls, where
	// the signaling mode suppresses carrier ringback.
	CustomRingback bool

	// LocalHangup marks that the disconnect was user initiated, which
	// suppresses the duplicate call-ended report to the host when the
	// provider later confirms the disconnect.
	LocalHangup bool

	CreatedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

// Invite is a pre-session incoming-call announcement. It exists only
// between the provider announcing an incoming call and the host either
// surfacing it (promoting it into a Session) or it being canceled.
type Invite struct {
	ID         string
	FromNumber string
	ReceivedAt time.Time
}

// LeadLookup resolves a phone number to a lead record identifier.
// Implemented by the directory package.
type LeadLookup interface {
	MatchNumber(number string) (leadID int64, ok bool)
}

// NormalizeNumber reduces a phone number to its digits so that numbers
// from different origins ("+15551234567", "1-555-123-4567") compare
// equal. A leading "+" and all other non-digit characters are dropped.
func NormalizeNumber(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
