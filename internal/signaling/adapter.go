// Package signaling defines the boundary to the VoIP provider: the
// operations DialCore invokes on it and the callback events it delivers
// back. The concrete implementation speaks the provider's WebSocket
// protocol; tests substitute a fake.
package signaling

import (
	"context"
	"strings"
)

// EventKind identifies a provider-driven callback event.
type EventKind string

const (
	// EventRingingStarted reports the remote side is being alerted.
	EventRingingStarted EventKind = "ringing"
	// EventConnected reports the media session is established.
	EventConnected EventKind = "connected"
	// EventFailedToConnect reports the call could not be established.
	EventFailedToConnect EventKind = "connect_failed"
	// EventDisconnected reports the call has torn down, with an error
	// attached if the teardown was not a clean remote hangup.
	EventDisconnected EventKind = "disconnected"
	// EventInviteReceived announces a new incoming call.
	EventInviteReceived EventKind = "invite"
	// EventInviteCanceled withdraws a previously announced invite.
	EventInviteCanceled EventKind = "invite_canceled"
	// EventAudioActivated and EventAudioDeactivated track the
	// provider's audio session lifecycle.
	EventAudioActivated   EventKind = "audio_activated"
	EventAudioDeactivated EventKind = "audio_deactivated"
	// EventCredentialsInvalidated signals the push registration
	// binding is no longer valid and must be torn down.
	EventCredentialsInvalidated EventKind = "credentials_invalidated"
)

// Event is one provider callback. CallID is empty for events that are
// not scoped to a call (audio session, credentials).
type Event struct {
	Kind   EventKind
	CallID string
	// From is the announced caller number, set for invite events.
	From string
	// Reason carries the provider's failure description for
	// connect_failed and errored disconnects.
	Reason string
}

// Erred reports whether the event carries a provider failure.
func (e Event) Erred() bool {
	return e.Reason != ""
}

// Adapter is the set of operations DialCore issues against the
// signaling provider. All operations are asynchronous at the provider:
// a nil error means the request was handed to the provider, and the
// outcome arrives later as an Event.
type Adapter interface {
	// Connect originates an outgoing call to a number.
	Connect(ctx context.Context, accessToken, callID, to string) error

	// Accept answers a previously announced invite.
	Accept(ctx context.Context, callID string) error

	// Reject declines a pending invite.
	Reject(ctx context.Context, callID string) error

	// Disconnect tears down an established or connecting call.
	Disconnect(ctx context.Context, callID string) error

	// Register binds the device push token so the provider can deliver
	// call invites via push.
	Register(ctx context.Context, accessToken string, deviceToken []byte) error

	// Unregister removes the push token binding.
	Unregister(ctx context.Context, accessToken string, deviceToken []byte) error

	// Events delivers provider callbacks. The channel is closed when
	// the adapter shuts down.
	Events() <-chan Event
}

// routingPrefixes are the provider addressing schemes that may precede
// a plain phone number in invite announcements.
var routingPrefixes = []string{"client:", "sip:", "tel:"}

// StripRoutingPrefix removes the provider's routing scheme from an
// announced number, leaving the bare counterpart number. A SIP URI also
// has its host part dropped.
func StripRoutingPrefix(number string) string {
	for _, p := range routingPrefixes {
		if strings.HasPrefix(number, p) {
			number = strings.TrimPrefix(number, p)
			break
		}
	}
	if at := strings.IndexByte(number, '@'); at >= 0 {
		number = number[:at]
	}
	return number
}
