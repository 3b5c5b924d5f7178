// Package engine is the call-session core: it reconciles host action
// requests and signaling provider callbacks into one consistent notion
// of the current call. All registry mutation happens on a single owner
// goroutine; host actions, provider events and push wake-ups are
// marshaled onto it, which is what makes the registry invariants
// enforceable without locks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialcore/dialcore/internal/audio"
	"github.com/dialcore/dialcore/internal/call"
	"github.com/dialcore/dialcore/internal/signaling"
	"github.com/dialcore/dialcore/internal/token"
)

// OutgoingState is the progress of an outgoing call as reported to the
// host.
type OutgoingState string

const (
	OutgoingConnecting OutgoingState = "connecting"
	OutgoingConnected  OutgoingState = "connected"
)

// EndReason explains to the host why a call ended without a local end
// action.
type EndReason string

const (
	// EndReasonRemoteEnded is a clean hangup or cancel by the remote
	// side.
	EndReasonRemoteEnded EndReason = "remote_ended"
	// EndReasonFailed is a signaling failure before or during the
	// call.
	EndReasonFailed EndReason = "failed"
)

// Host is the call-integration surface DialCore reports into: the
// front-end that renders incoming and in-call UI. ReportIncomingCall
// blocks until the host acknowledges or denies surfacing the call; the
// other reports are fire-and-forget.
type Host interface {
	ReportIncomingCall(ctx context.Context, inv call.Invite, displayName string) error
	ReportOutgoingCallState(callID string, state OutgoingState)
	ReportCallEnded(callID string, reason EndReason)
}

// TokenSource fetches signaling access tokens. Implemented by the token
// package; faked in tests.
type TokenSource interface {
	FetchAccessToken(ctx context.Context, deviceID string) (token.Credentials, error)
}

// LeadDirectory resolves counterpart numbers to lead records for caller
// identity. Implemented by the directory package.
type LeadDirectory interface {
	call.LeadLookup
	DisplayName(number string) (string, bool)
}

// Config carries the engine's runtime parameters.
type Config struct {
	// DeviceID is sent with token fetches so the backend can bind the
	// token to this device.
	DeviceID string
}

const (
	// connectTimeout bounds the token fetch plus connect handoff for
	// an outgoing call.
	connectTimeout = 30 * time.Second

	// inviteReportTimeout bounds how long the host may take to
	// acknowledge an incoming call announcement.
	inviteReportTimeout = 15 * time.Second
)

// Engine owns the call registry and is the only component that both
// receives host instructions and issues signaling operations, keeping
// the two in lockstep.
type Engine struct {
	cfg    Config
	reg    *call.Registry
	sig    signaling.Adapter
	host   Host
	audio  *audio.Controller
	tokens TokenSource
	leads  LeadDirectory
	logger *slog.Logger

	actions chan func()
	stopped chan struct{}

	// announcing tracks invite ids whose host round trip is still in
	// flight, so redundant wake-ups in that window collapse into one
	// announcement. Owner-loop state; no lock.
	announcing map[string]struct{}

	// onCredentialsInvalidated is invoked (on its own goroutine) when
	// the provider reports the push binding invalid. Wired to the
	// registration manager.
	onCredentialsInvalidated func()
}

// New creates an engine. leads may be nil if no directory is available;
// caller identity resolution is then skipped.
func New(cfg Config, reg *call.Registry, sig signaling.Adapter, host Host,
	audioCtl *audio.Controller, tokens TokenSource, leads LeadDirectory,
	logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		reg:        reg,
		sig:        sig,
		host:       host,
		audio:      audioCtl,
		tokens:     tokens,
		leads:      leads,
		logger:     logger.With("component", "engine"),
		actions:    make(chan func(), 64),
		stopped:    make(chan struct{}),
		announcing: make(map[string]struct{}),
	}
}

// OnCredentialsInvalidated registers the hook for provider-side push
// credential invalidation. Must be called before Run.
func (e *Engine) OnCredentialsInvalidated(fn func()) {
	e.onCredentialsInvalidated = fn
}

// Run executes the owner loop until the context is canceled. It must be
// called exactly once; every other method marshals its work onto this
// loop.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)

	events := e.sig.Events()
	e.logger.Info("engine loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine loop stopped")
			return
		case fn := <-e.actions:
			fn()
		case ev, ok := <-events:
			if !ok {
				// Adapter shut down; keep serving host actions so
				// Reset and snapshots still work.
				e.logger.Warn("signaling event stream closed")
				events = nil
				continue
			}
			e.handleEvent(ev)
		}
	}
}

// do runs fn on the owner loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	wrapped := func() { done <- fn() }

	select {
	case e.actions <- wrapped:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules fn on the owner loop without waiting. Used to
// marshal results of off-loop work (token fetches, host round trips)
// back into the serialized context.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.actions <- fn:
	case <-e.stopped:
	}
}

// Answer accepts the incoming call with the given id. A still-pending
// invite is first promoted into a Connecting session; a missing id is a
// stale or already-canceled invite and fails immediately. On adapter
// acceptance the session becomes Active and foreground; on adapter
// failure the session is left in place for cleanup via the End path.
func (e *Engine) Answer(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		s := e.reg.Session(id)
		if s == nil {
			if inv := e.reg.Invite(id); inv != nil {
				s = e.reg.PromoteInvite(id, call.DirectionIncoming, inv.FromNumber)
			}
		}
		if s == nil {
			return actionErr("answer", ErrNoSuchCall)
		}

		if err := e.sig.Accept(ctx, id); err != nil {
			return actionErr("answer", fmt.Errorf("signaling accept: %w", err))
		}

		e.reg.UpdateStatus(id, call.StatusActive)
		e.reg.SetForeground(id)
		if e.leads != nil {
			e.reg.ResolveCallerIdentity(id, e.leads)
		}
		return nil
	})
}

// Start originates an outgoing call to counterpart. The session is
// acknowledged to the host as connecting immediately; the access token
// fetch and the provider connect then proceed off-loop. If the token
// fetch fails after the acknowledgment, the attempt is abandoned and
// the host receives a call-ended(failed) report so the UI never shows a
// ringing call that silently went nowhere.
func (e *Engine) Start(ctx context.Context, counterpart string) (string, error) {
	var id string
	err := e.do(ctx, func() error {
		s := e.reg.AddOutgoing(counterpart)
		// Locally originated calls play their own ringback: the
		// bridged signaling mode suppresses carrier ringback.
		s.CustomRingback = true
		if e.leads != nil {
			e.reg.ResolveCallerIdentity(s.ID, e.leads)
		}
		id = s.ID

		e.host.ReportOutgoingCallState(s.ID, OutgoingConnecting)
		go e.connectOutgoing(s.ID, counterpart)
		return nil
	})
	return id, err
}

// connectOutgoing fetches the signaling access token off-loop, then
// marshals back to issue the provider connect. Runs on its own
// goroutine.
func (e *Engine) connectOutgoing(id, to string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	creds, fetchErr := e.tokens.FetchAccessToken(ctx, e.cfg.DeviceID)

	e.enqueue(func() {
		if s := e.reg.Session(id); s == nil || s.Status.Terminal() {
			// Ended while the token fetch was in flight.
			return
		}
		if fetchErr != nil {
			e.logger.Error("abandoning outgoing call, token fetch failed",
				"call_id", id,
				"error", fetchErr,
			)
			e.reg.UpdateStatus(id, call.StatusFailed)
			e.reg.Remove(id)
			e.host.ReportCallEnded(id, EndReasonFailed)
			return
		}
		if err := e.sig.Connect(ctx, creds.Token, id, to); err != nil {
			e.logger.Error("signaling connect failed", "call_id", id, "error", err)
			e.reg.UpdateStatus(id, call.StatusFailed)
			e.reg.Remove(id)
			e.host.ReportCallEnded(id, EndReasonFailed)
		}
	})
}

// End terminates the call with the given id. An unaccepted invite is
// rejected at the signaling layer; an established session is
// disconnected and kept, as Ended, until the provider confirms the
// disconnect, which lets the confirmation be recognized as our own
// hangup rather than reported back to the host. Ending an unknown or
// already-ended id fails the action but leaves no state behind, so End
// is idempotent with respect to registry state.
func (e *Engine) End(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		if inv := e.reg.Invite(id); inv != nil {
			if err := e.sig.Reject(ctx, id); err != nil {
				e.logger.Error("signaling reject failed", "call_id", id, "error", err)
			}
			e.reg.Remove(id)
			return nil
		}

		s := e.reg.Session(id)
		if s == nil || s.Status.Terminal() {
			return actionErr("end", ErrNoSuchCall)
		}

		// Suppress the duplicate call-ended report when the provider
		// confirms this locally initiated disconnect.
		s.LocalHangup = true
		e.reg.UpdateStatus(id, call.StatusEnded)
		if err := e.sig.Disconnect(ctx, id); err != nil {
			// No confirmation is coming; drop the entry now.
			e.logger.Error("signaling disconnect failed", "call_id", id, "error", err)
			e.teardown(id)
			return nil
		}

		if e.liveSessionCount() == 0 {
			e.audio.CallEnded()
		}
		return nil
	})
}

// liveSessionCount counts sessions not yet in a terminal state. Ended
// sessions awaiting the provider's disconnect confirmation do not keep
// the audio device engaged.
func (e *Engine) liveSessionCount() int {
	n := 0
	for _, s := range e.reg.Sessions() {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}

// SetHold places the foreground call on hold or resumes it. Hold is not
// addressed by id: it always applies to the foreground session.
func (e *Engine) SetHold(ctx context.Context, hold bool) error {
	return e.do(ctx, func() error {
		s := e.reg.Foreground()
		if s == nil {
			return actionErr("hold", ErrNoForegroundCall)
		}

		target := call.StatusActive
		if hold {
			target = call.StatusHeld
		}
		if s.Status == target {
			return nil
		}
		if !e.reg.UpdateStatus(s.ID, target) {
			return actionErr("hold", ErrInvalidCallState)
		}
		return nil
	})
}

// SetMuted flips the microphone mute flag on the foreground call.
func (e *Engine) SetMuted(ctx context.Context, muted bool) error {
	return e.do(ctx, func() error {
		s := e.reg.Foreground()
		if s == nil {
			return actionErr("mute", ErrNoForegroundCall)
		}
		if !e.reg.SetMuted(s.ID, muted) {
			return actionErr("mute", ErrInvalidCallState)
		}
		return nil
	})
}

// Reset handles total loss of host call state (for example a front-end
// relaunch mid-call): every provider-side session is disconnected, then
// the registry is cleared locally without per-call renegotiation.
func (e *Engine) Reset(ctx context.Context) error {
	return e.do(ctx, func() error {
		for _, s := range e.reg.Sessions() {
			if s.Status.Terminal() {
				continue
			}
			if err := e.sig.Disconnect(ctx, s.ID); err != nil {
				e.logger.Error("signaling disconnect failed during reset",
					"call_id", s.ID,
					"error", err,
				)
			}
		}
		e.reg.RemoveAll()
		e.audio.CallEnded()
		e.logger.Info("call state reset")
		return nil
	})
}

// HandleIncomingInvite feeds a push-announced invite into the engine.
// The push path and the provider event stream funnel into the same
// invite handling, so redundant delivery collapses into one invite.
func (e *Engine) HandleIncomingInvite(callID, from string) {
	from = signaling.StripRoutingPrefix(from)
	e.enqueue(func() {
		e.handleInvite(callID, from)
	})
}

// Snapshot is a point-in-time copy of the registry for the control API.
type Snapshot struct {
	Sessions     []call.Session
	Invites      []call.Invite
	ForegroundID string
}

// State returns a consistent snapshot of all sessions and invites,
// taken on the owner loop.
func (e *Engine) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() error {
		for _, s := range e.reg.Sessions() {
			snap.Sessions = append(snap.Sessions, *s)
		}
		for _, inv := range e.reg.PendingInvites() {
			snap.Invites = append(snap.Invites, *inv)
		}
		if fg := e.reg.Foreground(); fg != nil {
			snap.ForegroundID = fg.ID
		}
		return nil
	})
	return snap, err
}

// handleEvent routes one provider callback. Runs on the owner loop.
func (e *Engine) handleEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventRingingStarted:
		s := e.reg.Session(ev.CallID)
		if s != nil && s.CustomRingback {
			e.audio.StartRingback()
		}
		e.reg.UpdateStatus(ev.CallID, call.StatusRinging)

	case signaling.EventConnected:
		e.audio.CallConnected()
		e.reg.UpdateStatus(ev.CallID, call.StatusActive)
		if s := e.reg.Session(ev.CallID); s != nil && s.Direction == call.DirectionOutgoing {
			e.host.ReportOutgoingCallState(ev.CallID, OutgoingConnected)
		}

	case signaling.EventFailedToConnect:
		e.logger.Warn("call failed to connect",
			"call_id", ev.CallID,
			"reason", ev.Reason,
		)
		e.audio.StopRingback()
		e.host.ReportCallEnded(ev.CallID, EndReasonFailed)
		e.reg.UpdateStatus(ev.CallID, call.StatusFailed)
		e.teardown(ev.CallID)

	case signaling.EventDisconnected:
		e.audio.StopRingback()
		s := e.reg.Session(ev.CallID)
		if s != nil && !s.LocalHangup {
			reason := EndReasonRemoteEnded
			status := call.StatusEnded
			if ev.Erred() {
				reason = EndReasonFailed
				status = call.StatusFailed
				e.logger.Warn("call disconnected with error",
					"call_id", ev.CallID,
					"reason", ev.Reason,
				)
			}
			e.host.ReportCallEnded(ev.CallID, reason)
			e.reg.UpdateStatus(ev.CallID, status)
		}
		e.teardown(ev.CallID)

	case signaling.EventInviteReceived:
		e.handleInvite(ev.CallID, signaling.StripRoutingPrefix(ev.From))

	case signaling.EventInviteCanceled:
		e.handleInviteCanceled(ev.CallID)

	case signaling.EventAudioActivated:
		e.audio.Activate()

	case signaling.EventAudioDeactivated:
		e.audio.Deactivate()

	case signaling.EventCredentialsInvalidated:
		e.logger.Warn("push credentials invalidated by provider")
		if e.onCredentialsInvalidated != nil {
			go e.onCredentialsInvalidated()
		}
	}
}

// teardown is the common disconnect cleanup: drop the registry entry
// (which clears the foreground pointer if held) and release the audio
// device once no live session remains.
func (e *Engine) teardown(id string) {
	e.reg.Remove(id)
	if e.liveSessionCount() == 0 {
		e.audio.CallEnded()
	}
}

// handleInvite announces an incoming call to the host and registers the
// invite only once the host has acknowledged it, so the registry never
// carries a call the host refused to surface. Runs on the owner loop;
// the host round trip happens off-loop.
func (e *Engine) handleInvite(id, from string) {
	if _, inflight := e.announcing[id]; inflight ||
		e.reg.Invite(id) != nil || e.reg.Session(id) != nil {
		e.logger.Info("duplicate invite announcement ignored", "call_id", id)
		return
	}
	e.announcing[id] = struct{}{}

	inv := call.Invite{ID: id, FromNumber: from, ReceivedAt: time.Now()}

	display := ""
	if e.leads != nil {
		if name, ok := e.leads.DisplayName(from); ok {
			display = name
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), inviteReportTimeout)
		defer cancel()

		err := e.host.ReportIncomingCall(ctx, inv, display)

		e.enqueue(func() {
			if _, ok := e.announcing[id]; !ok {
				// Withdrawn while the host round trip was in flight.
				return
			}
			delete(e.announcing, id)
			if err != nil {
				e.logger.Warn("host denied incoming call, dropping invite",
					"call_id", id,
					"from", from,
					"error", err,
				)
				return
			}
			e.reg.AddInvite(&inv)
		})
	}()
}

// handleInviteCanceled withdraws a provider-canceled invite. It may
// find an announcement still awaiting the host's ack, a pending
// invite, or a session if the host already surfaced and promoted the
// call; in every case the host is told the remote side went away and
// the call never registers or is torn down.
func (e *Engine) handleInviteCanceled(id string) {
	if _, ok := e.announcing[id]; ok {
		delete(e.announcing, id)
		e.host.ReportCallEnded(id, EndReasonRemoteEnded)
		e.logger.Info("invite canceled during announcement", "call_id", id)
		return
	}
	if inv := e.reg.Invite(id); inv != nil {
		e.host.ReportCallEnded(id, EndReasonRemoteEnded)
		e.reg.Remove(id)
		return
	}
	if s := e.reg.Session(id); s != nil {
		e.host.ReportCallEnded(id, EndReasonRemoteEnded)
		e.reg.UpdateStatus(id, call.StatusEnded)
		e.teardown(id)
		return
	}
	e.logger.Debug("cancel for unknown invite ignored", "call_id", id)
}
