// Package registration manages the device's push-registration binding
// with the signaling provider: deciding when the binding must be
// renewed, performing the renewal handshake, and persisting the single
// binding record.
package registration

import (
	"bytes"
	"time"
)

// TTL is the provider-side validity period of a push-registration
// binding.
const TTL = 365 * 24 * time.Hour

// RenewAfter is the conservative half-life after which a binding is
// renewed. Renewing at half the TTL avoids edge-of-expiry races where a
// push arrives just as the binding lapses.
const RenewAfter = TTL / 2

// Record is the persisted registration binding: the platform push token
// and when it was last successfully bound at the provider.
type Record struct {
	DeviceToken []byte
	LastBoundAt time.Time
}

// NeedsRenewal reports whether a fresh registration handshake is
// required: no prior binding exists, half the TTL has elapsed since the
// last binding, or the platform push token changed since it was bound.
func NeedsRenewal(rec *Record, currentToken []byte, now time.Time) bool {
	if rec == nil || len(rec.DeviceToken) == 0 {
		return true
	}
	if now.Sub(rec.LastBoundAt) >= RenewAfter {
		return true
	}
	return !bytes.Equal(rec.DeviceToken, currentToken)
}
