// Package push decodes incoming push wake-ups and dispatches them:
// call-invite payloads wake the call engine, credential payloads
// trigger a registration renewal. The payload itself is opaque to the
// platform; its JSON body is the provider's.
package push

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PayloadKind is the recognized category of a push wake-up.
type PayloadKind string

const (
	// KindCallInvite announces a new incoming call.
	KindCallInvite PayloadKind = "call_invite"
	// KindCredentialsUpdated carries a fresh platform push token that
	// must be (re)bound at the provider.
	KindCredentialsUpdated PayloadKind = "credentials_updated"
)

// Payload is a decoded push wake-up.
type Payload struct {
	Kind PayloadKind

	// CallID and From are set for call invites.
	CallID string
	From   string

	// DeviceToken is set for credential updates.
	DeviceToken []byte
}

// rawPayload is the provider's wire format.
type rawPayload struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id,omitempty"`
	From        string `json:"from,omitempty"`
	DeviceToken string `json:"device_token,omitempty"` // base64
}

// Decode parses an opaque push body into a Payload. Unrecognized types
// are an error; the caller logs and drops them.
func Decode(body []byte) (Payload, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("push: decoding payload: %w", err)
	}

	switch PayloadKind(raw.Type) {
	case KindCallInvite:
		if raw.CallID == "" {
			return Payload{}, fmt.Errorf("push: call invite without call_id")
		}
		return Payload{
			Kind:   KindCallInvite,
			CallID: raw.CallID,
			From:   raw.From,
		}, nil

	case KindCredentialsUpdated:
		tok, err := base64.StdEncoding.DecodeString(raw.DeviceToken)
		if err != nil {
			return Payload{}, fmt.Errorf("push: decoding device token: %w", err)
		}
		if len(tok) == 0 {
			return Payload{}, fmt.Errorf("push: credentials update without device token")
		}
		return Payload{Kind: KindCredentialsUpdated, DeviceToken: tok}, nil

	default:
		return Payload{}, fmt.Errorf("push: unrecognized payload type %q", raw.Type)
	}
}
