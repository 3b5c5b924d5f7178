package api

import (
	"context"
	"encoding/json"
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

// stubController records the last action and returns canned results.
type stubController struct {
	startID  string
	err      error
	snapshot engine.Snapshot

	lastAction string
	lastID     string
	lastOn     bool
}

func (s *stubController) Start(_ context.Context, counterpart string) (string, error) {
	s.lastAction, s.lastID = "start", counterpart
	return s.startID, s.err
}

func (s *stubController) Answer(_ context.Context, id string) error {
	s.lastAction, s.lastID = "answer", id
	return s.err
}

func (s *stubController) End(_ context.Context, id string) error {
	s.lastAction, s.lastID = "end", id
	return s.err
}

func (s *stubController) SetHold(_ context.Context, hold bool) error {
	s.lastAction, s.lastOn = "hold", hold
	return s.err
}

func (s *stubController) SetMuted(_ context.Context, muted bool) error {
	s.lastAction, s.lastOn = "mute", muted
	return s.err
}

func (s *stubController) Reset(context.Context) error {
	s.lastAction = "reset"
	return s.err
}

func (s *stubController) State(context.Context) (engine.Snapshot, error) {
	s.lastAction = "state"
	return s.snapshot, s.err
}

func newTestServer(calls CallController) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(calls, NewHub(logger), nil, nil, nil, logger)
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHandleStart(t *testing.T) {
	calls := &stubController{startID: "call-1"}
	srv := newTestServer(calls)

	w := doRequest(t, srv, http.MethodPost, "/v1/calls", `{"counterpart":"5551234567"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if calls.lastAction != "start" || calls.lastID != "5551234567" {
		t.Errorf("controller saw %s/%s", calls.lastAction, calls.lastID)
	}

	var resp struct {
		Data startResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Data.CallID != "call-1" {
		t.Errorf("call_id = %q, want call-1", resp.Data.CallID)
	}
}

func TestHandleStartValidation(t *testing.T) {
	srv := newTestServer(&stubController{})

	tests := []struct {
		name string
		body string
	}{
		{"missing counterpart", `{}`},
		{"not json", `oops`},
		{"unknown field", `{"number":"555"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodPost, "/v1/calls", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandleAnswerAndEnd(t *testing.T) {
	calls := &stubController{}
	srv := newTestServer(calls)

	w := doRequest(t, srv, http.MethodPost, "/v1/calls/call-1/answer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("answer status = %d, want 200", w.Code)
	}
	if calls.lastAction != "answer" || calls.lastID != "call-1" {
		t.Errorf("controller saw %s/%s", calls.lastAction, calls.lastID)
	}

	w = doRequest(t, srv, http.MethodPost, "/v1/calls/call-1/end", "")
	if w.Code != http.StatusOK {
		t.Fatalf("end status = %d, want 200", w.Code)
	}
	if calls.lastAction != "end" {
		t.Errorf("controller saw %s", calls.lastAction)
	}
}

func TestHandleHoldAndMute(t *testing.T) {
	calls := &stubController{}
	srv := newTestServer(calls)

	w := doRequest(t, srv, http.MethodPut, "/v1/call/hold", `{"on":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("hold status = %d, want 200", w.Code)
	}
	if calls.lastAction != "hold" || !calls.lastOn {
		t.Errorf("controller saw %s on=%v", calls.lastAction, calls.lastOn)
	}

	w = doRequest(t, srv, http.MethodPut, "/v1/call/mute", `{"on":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("mute status = %d, want 200", w.Code)
	}
	if calls.lastAction != "mute" || calls.lastOn {
		t.Errorf("controller saw %s on=%v", calls.lastAction, calls.lastOn)
	}
}

func TestHandleReset(t *testing.T) {
	calls := &stubController{}
	srv := newTestServer(calls)

	w := doRequest(t, srv, http.MethodPost, "/v1/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", w.Code)
	}
	if calls.lastAction != "reset" {
		t.Errorf("controller saw %s", calls.lastAction)
	}
}

func TestHandleState(t *testing.T) {
	now := time.Now()
	calls := &stubController{snapshot: engine.Snapshot{
		Sessions: []call.Session{{
			ID:                "call-1",
			Direction:         call.DirectionOutgoing,
			Status:            call.StatusActive,
			CounterpartNumber: "5551234567",
			CreatedAt:         now,
		}},
		Invites: []call.Invite{{
			ID:         "call-2",
			FromNumber: "5559876543",
			ReceivedAt: now,
		}},
		ForegroundID: "call-1",
	}}
	srv := newTestServer(calls)

	w := doRequest(t, srv, http.MethodGet, "/v1/calls", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status = %d, want 200", w.Code)
	}

	var resp struct {
		Data stateResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data.Sessions) != 1 || len(resp.Data.Invites) != 1 {
		t.Fatalf("snapshot = %+v", resp.Data)
	}
	s := resp.Data.Sessions[0]
	if s.CallID != "call-1" || s.Status != "active" || !s.Foreground {
		t.Errorf("session view = %+v", s)
	}
	if resp.Data.Invites[0].CallID != "call-2" {
		t.Errorf("invite view = %+v", resp.Data.Invites[0])
	}
}

func TestEventStreamUpgradeThroughRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	srv := NewServer(&stubController{}, hub, nil, nil, nil, logger)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	// The upgrade must survive the logging and recovery middleware.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dialing /v1/events (status %d): %v", status, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		attached := hub.conn != nil
		hub.mu.Unlock()
		if attached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("front-end never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.ReportCallEnded("call-1", engine.EndReasonRemoteEnded)

	var f hostFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if f.Type != "call_ended" || f.CallID != "call-1" {
		t.Errorf("frame = %+v", f)
	}
}

func TestActionStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&engine.ActionError{Action: "answer", Err: engine.ErrNoSuchCall}, http.StatusNotFound},
		{&engine.ActionError{Action: "hold", Err: engine.ErrNoForegroundCall}, http.StatusConflict},
		{&engine.ActionError{Action: "hold", Err: engine.ErrInvalidCallState}, http.StatusConflict},
		{engine.ErrEngineStopped, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
	}

	for _, tt := range tests {
		if got := actionStatus(tt.err); got != tt.want {
			t.Errorf("actionStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestActionErrorsReachClient(t *testing.T) {
	calls := &stubController{err: &engine.ActionError{Action: "answer", Err: engine.ErrNoSuchCall}}
	srv := newTestServer(calls)

	w := doRequest(t, srv, http.MethodPost, "/v1/calls/ghost/answer", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var resp envelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error == "" {
		t.Error("error envelope should carry a message")
	}
}
