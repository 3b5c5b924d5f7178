package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialcore/dialcore/internal/call"
	"github.com/dialcore/dialcore/internal/engine"
)

func newTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// The dial may return before ServeWS has stored the connection.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		attached := hub.conn != nil
		hub.mu.Unlock()
		if attached {
			return hub, conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("front-end never attached")
	return nil, nil
}

func TestReportIncomingCallAcked(t *testing.T) {
	hub, conn := newTestHub(t)

	inv := call.Invite{ID: "call-1", FromNumber: "5551234567", ReceivedAt: time.Now()}

	// The front-end side: read the announcement, then acknowledge it.
	go func() {
		var f hostFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		conn.WriteJSON(hostFrame{Type: "ack", CallID: f.CallID})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.ReportIncomingCall(ctx, inv, "Ada Lovelace"); err != nil {
		t.Fatalf("ReportIncomingCall: %v", err)
	}
}

func TestReportIncomingCallDenied(t *testing.T) {
	hub, conn := newTestHub(t)

	go func() {
		var f hostFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		conn.WriteJSON(hostFrame{Type: "deny", CallID: f.CallID, Reason: "busy"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := hub.ReportIncomingCall(ctx, call.Invite{ID: "call-1"}, "")
	if !errors.Is(err, ErrInviteDenied) {
		t.Fatalf("ReportIncomingCall = %v, want ErrInviteDenied", err)
	}
}

func TestReportIncomingCallDuplicateRejected(t *testing.T) {
	hub, conn := newTestHub(t)

	inv := call.Invite{ID: "call-1", FromNumber: "5551234567"}

	firstDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		firstDone <- hub.ReportIncomingCall(ctx, inv, "")
	}()

	// Wait until the first announcement is awaiting its ack.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		_, pending := hub.pending[inv.ID]
		hub.mu.Unlock()
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first announcement never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second announcement for the same call must fail instead of
	// displacing the first waiter.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.ReportIncomingCall(ctx, inv, ""); err == nil {
		t.Fatal("duplicate announcement should fail")
	}

	// The first waiter still receives its ack.
	var f hostFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading announcement frame: %v", err)
	}
	conn.WriteJSON(hostFrame{Type: "ack", CallID: f.CallID})

	if err := <-firstDone; err != nil {
		t.Fatalf("first announcement = %v, want nil", err)
	}
}

func TestReportIncomingCallWithoutFrontEnd(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := hub.ReportIncomingCall(context.Background(), call.Invite{ID: "call-1"}, "")
	if !errors.Is(err, ErrNoFrontEnd) {
		t.Fatalf("ReportIncomingCall = %v, want ErrNoFrontEnd", err)
	}
}

func TestReportIncomingCallFailsOnDetach(t *testing.T) {
	hub, conn := newTestHub(t)

	go func() {
		var f hostFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		// Drop the connection instead of answering.
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.ReportIncomingCall(ctx, call.Invite{ID: "call-1"}, ""); err == nil {
		t.Fatal("ReportIncomingCall should fail when the front-end detaches")
	}
}

func TestFireAndForgetReports(t *testing.T) {
	hub, conn := newTestHub(t)

	hub.ReportOutgoingCallState("call-1", engine.OutgoingConnecting)
	hub.ReportCallEnded("call-1", engine.EndReasonRemoteEnded)

	var f hostFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading outgoing_state frame: %v", err)
	}
	if f.Type != "outgoing_state" || f.State != "connecting" {
		t.Errorf("frame = %+v", f)
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading call_ended frame: %v", err)
	}
	if f.Type != "call_ended" || f.Reason != "remote_ended" {
		t.Errorf("frame = %+v", f)
	}
}

func TestFireAndForgetWithoutFrontEnd(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Must not panic or block.
	hub.ReportOutgoingCallState("call-1", engine.OutgoingConnected)
	hub.ReportCallEnded("call-1", engine.EndReasonFailed)
}
