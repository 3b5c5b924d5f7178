package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the JSON message exchanged with the provider edge over the
// signaling WebSocket. Outbound frames carry commands; inbound frames
// carry callback events.
type frame struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id,omitempty"`
	To          string `json:"to,omitempty"`
	From        string `json:"from,omitempty"`
	Token       string `json:"token,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// WSClient is the WebSocket implementation of Adapter. A single read
// pump goroutine decodes inbound frames into Events; writes from the
// engine are serialized with a mutex since gorilla/websocket allows at
// most one concurrent writer.
type WSClient struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// writeWait bounds how long a single frame write may block.
const writeWait = 10 * time.Second

// DialWS connects to the provider's signaling endpoint and starts the
// read pump. The access token authenticates the WebSocket handshake.
func DialWS(ctx context.Context, url, accessToken string, logger *slog.Logger) (*WSClient, error) {
	header := http.Header{}
	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing signaling endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing signaling endpoint: %w", err)
	}

	c := &WSClient{
		conn:   conn,
		events: make(chan Event, 32),
		logger: logger.With("component", "signaling"),
		done:   make(chan struct{}),
	}

	go c.readPump()

	c.logger.Info("signaling connection established", "url", url)
	return c, nil
}

// readPump decodes inbound frames until the connection drops, then
// closes the event channel so the engine loop can observe shutdown.
func (c *WSClient) readPump() {
	defer close(c.events)

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				// Expected during Close.
			default:
				c.logger.Error("signaling read failed", "error", err)
			}
			return
		}

		ev, ok := c.decode(f)
		if !ok {
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// decode maps a provider frame onto an Event. Unknown frame types are
// logged and dropped so protocol additions do not break older agents.
func (c *WSClient) decode(f frame) (Event, bool) {
	kind := EventKind(f.Type)
	switch kind {
	case EventRingingStarted, EventConnected, EventFailedToConnect,
		EventDisconnected, EventInviteReceived, EventInviteCanceled,
		EventAudioActivated, EventAudioDeactivated, EventCredentialsInvalidated:
		return Event{
			Kind:   kind,
			CallID: f.CallID,
			From:   f.From,
			Reason: f.Reason,
		}, true
	default:
		c.logger.Debug("unknown signaling frame ignored", "type", f.Type)
		return Event{}, false
	}
}

// send writes one frame with the connection write deadline applied.
func (c *WSClient) send(ctx context.Context, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding signaling frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// Connect implements Adapter.
func (c *WSClient) Connect(ctx context.Context, accessToken, callID, to string) error {
	return c.send(ctx, frame{Type: "connect", CallID: callID, To: to, Token: accessToken})
}

// Accept implements Adapter.
func (c *WSClient) Accept(ctx context.Context, callID string) error {
	return c.send(ctx, frame{Type: "accept", CallID: callID})
}

// Reject implements Adapter.
func (c *WSClient) Reject(ctx context.Context, callID string) error {
	return c.send(ctx, frame{Type: "reject", CallID: callID})
}

// Disconnect implements Adapter.
func (c *WSClient) Disconnect(ctx context.Context, callID string) error {
	return c.send(ctx, frame{Type: "disconnect", CallID: callID})
}

// Register implements Adapter.
func (c *WSClient) Register(ctx context.Context, accessToken string, deviceToken []byte) error {
	return c.send(ctx, frame{
		Type:        "register",
		Token:       accessToken,
		DeviceToken: base64.StdEncoding.EncodeToString(deviceToken),
	})
}

// Unregister implements Adapter.
func (c *WSClient) Unregister(ctx context.Context, accessToken string, deviceToken []byte) error {
	return c.send(ctx, frame{
		Type:        "unregister",
		Token:       accessToken,
		DeviceToken: base64.StdEncoding.EncodeToString(deviceToken),
	})
}

// Events implements Adapter.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Close shuts down the signaling connection. Safe to call more than
// once.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Best effort close handshake before dropping the TCP
		// connection.
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
