package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialcore/dialcore/internal/call"
	"github.com/dialcore/dialcore/internal/engine"
)

// ErrNoFrontEnd means no front-end is attached to the event stream, so
// an incoming call cannot be surfaced.
var ErrNoFrontEnd = errors.New("no front-end connected")

// ErrInviteDenied means the front-end refused to surface an incoming
// call.
var ErrInviteDenied = errors.New("front-end denied incoming call")

// hostFrame is the JSON message exchanged with the front-end over the
// /v1/events WebSocket. Outbound frames are host reports; inbound
// frames acknowledge or deny incoming-call announcements.
type hostFrame struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id,omitempty"`
	From        string `json:"from,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	State       string `json:"state,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// hubWriteWait bounds a single frame write to the front-end.
const hubWriteWait = 5 * time.Second

// Hub implements engine.Host over a WebSocket connection to the
// attached front-end. At most one front-end is connected at a time; a
// new connection replaces the previous one. Incoming-call announcements
// block until the front-end acknowledges or denies them, mirroring the
// native call-integration contract.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error // invite acks keyed by call id
}

// NewHub creates a host bridge hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control listener binds to loopback; the front-end
			// runs on the same machine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "host"),
		pending: make(map[string]chan error),
	}
}

// ServeWS upgrades the request to the front-end event stream. A newly
// attached front-end displaces any previous connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("event stream upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.conn != nil {
		h.conn.Close()
	}
	h.conn = conn
	h.mu.Unlock()

	h.logger.Info("front-end attached", "remote_addr", conn.RemoteAddr().String())
	go h.readLoop(conn)
}

// readLoop consumes ack/deny frames from the front-end until the
// connection drops. Pending announcements are failed on detach so the
// engine never waits out its full timeout for a gone front-end.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
			for id, ch := range h.pending {
				ch <- fmt.Errorf("front-end detached")
				delete(h.pending, id)
			}
		}
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("front-end detached")
	}()

	for {
		var f hostFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case "ack", "deny":
			h.mu.Lock()
			ch, ok := h.pending[f.CallID]
			if ok {
				delete(h.pending, f.CallID)
			}
			h.mu.Unlock()
			if !ok {
				h.logger.Debug("ack for unknown announcement ignored", "call_id", f.CallID)
				continue
			}
			if f.Type == "deny" {
				ch <- fmt.Errorf("%w: %s", ErrInviteDenied, f.Reason)
			} else {
				ch <- nil
			}
		default:
			h.logger.Debug("unknown host frame ignored", "type", f.Type)
		}
	}
}

// send writes one frame to the attached front-end. The hub mutex
// serializes writers, as gorilla/websocket allows only one at a time.
func (h *Hub) send(f hostFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn := h.conn
	if conn == nil {
		return ErrNoFrontEnd
	}

	if err := conn.SetWriteDeadline(time.Now().Add(hubWriteWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// ReportIncomingCall implements engine.Host. It announces the call and
// blocks until the front-end acknowledges, denies, detaches, or the
// context expires.
func (h *Hub) ReportIncomingCall(ctx context.Context, inv call.Invite, displayName string) error {
	ack := make(chan error, 1)

	h.mu.Lock()
	if h.conn == nil {
		h.mu.Unlock()
		return ErrNoFrontEnd
	}
	if _, exists := h.pending[inv.ID]; exists {
		// A second announcement for the same call must not displace
		// the first waiter's ack channel.
		h.mu.Unlock()
		return fmt.Errorf("announcement already pending for call %s", inv.ID)
	}
	h.pending[inv.ID] = ack
	h.mu.Unlock()

	err := h.send(hostFrame{
		Type:        "incoming_call",
		CallID:      inv.ID,
		From:        inv.FromNumber,
		DisplayName: displayName,
	})
	if err != nil {
		h.mu.Lock()
		delete(h.pending, inv.ID)
		h.mu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, inv.ID)
		h.mu.Unlock()
		return fmt.Errorf("awaiting incoming call ack: %w", ctx.Err())
	}
}

// ReportOutgoingCallState implements engine.Host.
func (h *Hub) ReportOutgoingCallState(callID string, state engine.OutgoingState) {
	if err := h.send(hostFrame{
		Type:   "outgoing_state",
		CallID: callID,
		State:  string(state),
	}); err != nil && !errors.Is(err, ErrNoFrontEnd) {
		h.logger.Error("failed to report outgoing call state", "call_id", callID, "error", err)
	}
}

// ReportCallEnded implements engine.Host.
func (h *Hub) ReportCallEnded(callID string, reason engine.EndReason) {
	if err := h.send(hostFrame{
		Type:   "call_ended",
		CallID: callID,
		Reason: string(reason),
	}); err != nil && !errors.Is(err, ErrNoFrontEnd) {
		h.logger.Error("failed to report call ended", "call_id", callID, "error", err)
	}
}
