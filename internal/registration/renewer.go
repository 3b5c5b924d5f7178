package registration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialcore/dialcore/internal/signaling"
	"github.com/dialcore/dialcore/internal/token"
)

// TokenSource fetches signaling access tokens for the registration
// handshake.
type TokenSource interface {
	FetchAccessToken(ctx context.Context, deviceID string) (token.Credentials, error)
}

// Renewer performs the registration handshake with the signaling
// provider when the policy says a renewal is due. Renewal and
// unregistration are fire-and-forget: failures are logged, never
// retried synchronously. The next push wake-up or foreground action
// re-evaluates NeedsRenewal.
type Renewer struct {
	store    Store
	sig      signaling.Adapter
	tokens   TokenSource
	deviceID string
	logger   *slog.Logger
}

// NewRenewer creates a registration renewer.
func NewRenewer(store Store, sig signaling.Adapter, tokens TokenSource, deviceID string, logger *slog.Logger) *Renewer {
	return &Renewer{
		store:    store,
		sig:      sig,
		tokens:   tokens,
		deviceID: deviceID,
		logger:   logger.With("component", "registration"),
	}
}

// EnsureRegistered binds the current platform push token at the
// provider if the persisted binding is missing, past its renewal
// half-life, or bound to a different token. On success the new binding
// is persisted with the current time.
func (r *Renewer) EnsureRegistered(ctx context.Context, deviceToken []byte) error {
	if len(deviceToken) == 0 {
		return fmt.Errorf("registration: empty device token")
	}

	rec, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("registration: loading record: %w", err)
	}

	if !NeedsRenewal(rec, deviceToken, time.Now()) {
		r.logger.Debug("registration binding still valid",
			"bound_at", rec.LastBoundAt,
		)
		return nil
	}

	creds, err := r.tokens.FetchAccessToken(ctx, r.deviceID)
	if err != nil {
		return fmt.Errorf("registration: fetching access token: %w", err)
	}

	if err := r.sig.Register(ctx, creds.Token, deviceToken); err != nil {
		return fmt.Errorf("registration: provider register: %w", err)
	}

	rec = &Record{DeviceToken: deviceToken, LastBoundAt: time.Now()}
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("registration: persisting record: %w", err)
	}

	r.logger.Info("push registration renewed", "identity", creds.Identity)
	return nil
}

// EnsureStoredRegistration re-evaluates the persisted binding without a
// fresh platform token, renewing it when past the renewal half-life.
// Called at startup, where no push has delivered a token yet; a no-op
// when no binding exists.
func (r *Renewer) EnsureStoredRegistration(ctx context.Context) error {
	rec, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("registration: loading record: %w", err)
	}
	if rec == nil {
		r.logger.Debug("no persisted push binding to renew")
		return nil
	}
	return r.EnsureRegistered(ctx, rec.DeviceToken)
}

// Invalidate tears down the provider binding after the platform
// invalidated the push token, then clears the persisted record. Called
// from the engine's credentials-invalidated hook.
func (r *Renewer) Invalidate(ctx context.Context) {
	rec, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Error("failed to load registration record for invalidation", "error", err)
		return
	}
	if rec == nil {
		r.logger.Debug("no registration binding to invalidate")
		return
	}

	creds, err := r.tokens.FetchAccessToken(ctx, r.deviceID)
	if err != nil {
		r.logger.Error("failed to fetch access token for unregistration", "error", err)
	} else if err := r.sig.Unregister(ctx, creds.Token, rec.DeviceToken); err != nil {
		r.logger.Error("provider unregister failed", "error", err)
	}

	if err := r.store.Clear(ctx); err != nil {
		r.logger.Error("failed to clear registration record", "error", err)
		return
	}
	r.logger.Info("push registration cleared")
}

// Age returns how long ago the binding was last renewed, and whether a
// binding exists at all. Used by the metrics collector.
func (r *Renewer) Age(ctx context.Context) (time.Duration, bool) {
	rec, err := r.store.Load(ctx)
	if err != nil || rec == nil {
		return 0, false
	}
	return time.Since(rec.LastBoundAt), true
}
