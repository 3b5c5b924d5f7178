package call

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// entry is the tagged union stored in the registry. Exactly one of
// invite or session is non-nil, so a given id can never exist as both a
// pending invite and a live session.
type entry struct {
	invite  *Invite
	session *Session
}

// Registry owns all in-flight invites and sessions plus the foreground
// pointer. It is NOT safe for concurrent use: every mutation must happen
// on the engine's owner goroutine, which serializes host actions,
// provider callbacks and push wake-ups. The atomic gauges exist only so
// the metrics collector can read counts from other goroutines.
type Registry struct {
	entries      map[string]entry
	foregroundID string
	logger       *slog.Logger

	activeSessions atomic.Int64
	pendingInvites atomic.Int64
}

// NewRegistry creates an empty call registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With("subsystem", "registry"),
	}
}

// AddInvite inserts a pending invite keyed by its id. Duplicate
// announcements are expected from redundant push delivery, so an id that
// already exists (as invite or session) is an idempotent no-op, logged
// rather than treated as an error. Returns false if nothing was added.
func (r *Registry) AddInvite(inv *Invite) bool {
	if _, exists := r.entries[inv.ID]; exists {
		r.logger.Info("duplicate invite announcement ignored",
			"call_id", inv.ID,
			"from", inv.FromNumber,
		)
		return false
	}

	r.entries[inv.ID] = entry{invite: inv}
	r.pendingInvites.Add(1)
	r.logger.Info("invite registered",
		"call_id", inv.ID,
		"from", inv.FromNumber,
	)
	return true
}

// PromoteInvite atomically removes the invite for id and inserts a
// session with status Connecting in its place. Returns nil if no invite
// exists for the id.
func (r *Registry) PromoteInvite(id string, dir Direction, counterpart string) *Session {
	e, ok := r.entries[id]
	if !ok || e.invite == nil {
		r.logger.Warn("cannot promote invite, none pending", "call_id", id)
		return nil
	}

	s := &Session{
		ID:                id,
		Direction:         dir,
		Status:            StatusConnecting,
		CounterpartNumber: counterpart,
		CreatedAt:         time.Now(),
	}
	r.entries[id] = entry{session: s}
	r.pendingInvites.Add(-1)
	r.activeSessions.Add(1)

	r.logger.Info("invite promoted to session",
		"call_id", id,
		"direction", dir,
		"counterpart", counterpart,
	)
	return s
}

// AddOutgoing allocates a fresh id, inserts a Connecting outgoing
// session and makes it the foreground call.
func (r *Registry) AddOutgoing(counterpart string) *Session {
	s := &Session{
		ID:                uuid.NewString(),
		Direction:         DirectionOutgoing,
		Status:            StatusConnecting,
		CounterpartNumber: counterpart,
		CreatedAt:         time.Now(),
	}
	r.entries[s.ID] = entry{session: s}
	r.activeSessions.Add(1)
	r.foregroundID = s.ID

	r.logger.Info("outgoing session created",
		"call_id", s.ID,
		"counterpart", counterpart,
	)
	return s
}

// Session returns the live session for id, or nil if the id is unknown
// or still a pending invite.
func (r *Registry) Session(id string) *Session {
	return r.entries[id].session
}

// Invite returns the pending invite for id, or nil.
func (r *Registry) Invite(id string) *Invite {
	return r.entries[id].invite
}

// UpdateStatus transitions a session to a new status. Transitions out of
// a terminal state, or transitions the state machine does not allow, are
// rejected with a log line and no mutation. Reaching Active records the
// answer time; reaching a terminal state records the end time, clears
// the mute flag and releases the foreground pointer if held.
func (r *Registry) UpdateStatus(id string, status Status) bool {
	s := r.entries[id].session
	if s == nil {
		r.logger.Warn("status update for unknown session", "call_id", id, "status", status)
		return false
	}
	if !ValidTransition(s.Status, status) {
		r.logger.Warn("rejected status transition",
			"call_id", id,
			"from", s.Status,
			"to", status,
		)
		return false
	}

	prev := s.Status
	s.Status = status
	now := time.Now()

	if status == StatusActive && s.AnsweredAt == nil {
		s.AnsweredAt = &now
	}
	if status.Terminal() {
		s.EndedAt = &now
		s.Muted = false
		if r.foregroundID == id {
			r.foregroundID = ""
		}
	}

	r.logger.Info("session status changed",
		"call_id", id,
		"from", prev,
		"to", status,
	)
	return true
}

// SetMuted flips the mute flag. Only meaningful while the session is
// Active or Held; any other state is rejected.
func (r *Registry) SetMuted(id string, muted bool) bool {
	s := r.entries[id].session
	if s == nil {
		return false
	}
	if s.Status != StatusActive && s.Status != StatusHeld {
		r.logger.Warn("mute ignored for session not active or held",
			"call_id", id,
			"status", s.Status,
		)
		return false
	}
	s.Muted = muted
	return true
}

// SetForeground designates the session as the one foreground call.
// Terminal sessions and pending invites cannot be foregrounded. Any
// previously foregrounded session simply loses the designation; it is
// not removed.
func (r *Registry) SetForeground(id string) bool {
	s := r.entries[id].session
	if s == nil || s.Status.Terminal() {
		r.logger.Warn("cannot foreground session", "call_id", id)
		return false
	}
	r.foregroundID = id
	return true
}

// ClearForeground drops the foreground designation without touching any
// session.
func (r *Registry) ClearForeground() {
	r.foregroundID = ""
}

// Foreground returns the current foreground session, or nil.
func (r *Registry) Foreground() *Session {
	if r.foregroundID == "" {
		return nil
	}
	return r.entries[r.foregroundID].session
}

// Remove deletes the session or invite for id. If the removed session
// was foregrounded the foreground pointer is cleared. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	if e.invite != nil {
		r.pendingInvites.Add(-1)
	} else {
		r.activeSessions.Add(-1)
	}
	if r.foregroundID == id {
		r.foregroundID = ""
	}
	r.logger.Info("registry entry removed", "call_id", id)
	return true
}

// RemoveAll ends every session locally and clears all invites and the
// foreground pointer. Used when the host signals total loss of call
// state (provider reset); no per-call renegotiation with the signaling
// provider happens here.
func (r *Registry) RemoveAll() {
	n := len(r.entries)
	for id, e := range r.entries {
		if e.session != nil && !e.session.Status.Terminal() {
			// Local bookkeeping only; the caller is responsible for
			// disconnecting provider-side sessions first.
			now := time.Now()
			e.session.Status = StatusEnded
			e.session.EndedAt = &now
			e.session.Muted = false
		}
		delete(r.entries, id)
	}
	r.activeSessions.Store(0)
	r.pendingInvites.Store(0)
	r.foregroundID = ""
	if n > 0 {
		r.logger.Info("registry cleared", "removed", n)
	}
}

// ResolveCallerIdentity matches the session's counterpart number against
// the lead directory and records the matched lead id on the session.
// Read-only with respect to the directory. Returns the lead id, or zero
// if the session is unknown or no lead matched.
func (r *Registry) ResolveCallerIdentity(id string, leads LeadLookup) int64 {
	s := r.entries[id].session
	if s == nil || leads == nil {
		return 0
	}
	leadID, ok := leads.MatchNumber(s.CounterpartNumber)
	if !ok {
		return 0
	}
	s.RelatedLeadID = leadID
	r.logger.Debug("caller identity resolved",
		"call_id", id,
		"lead_id", leadID,
	)
	return leadID
}

// Sessions returns a snapshot slice of all live sessions.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			out = append(out, e.session)
		}
	}
	return out
}

// PendingInvites returns a snapshot slice of all pending invites.
func (r *Registry) PendingInvites() []*Invite {
	out := make([]*Invite, 0, len(r.entries))
	for _, e := range r.entries {
		if e.invite != nil {
			out = append(out, e.invite)
		}
	}
	return out
}

// ActiveSessionCount reports the number of live sessions. Safe to call
// from any goroutine; used by the metrics collector.
func (r *Registry) ActiveSessionCount() int {
	return int(r.activeSessions.Load())
}

// PendingInviteCount reports the number of pending invites. Safe to call
// from any goroutine; used by the metrics collector.
func (r *Registry) PendingInviteCount() int {
	return int(r.pendingInvites.Load())
}
