package push

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

type recordingAnnouncer struct {
	callID string
	from   string
}

func (r *recordingAnnouncer) HandleIncomingInvite(callID, from string) {
	r.callID = callID
	r.from = from
}

type recordingRegistrar struct {
	token []byte
	err   error
}

func (r *recordingRegistrar) EnsureRegistered(_ context.Context, deviceToken []byte) error {
	r.token = deviceToken
	return r.err
}

func newTestHandler() (*Handler, *recordingAnnouncer, *recordingRegistrar) {
	calls := &recordingAnnouncer{}
	reg := &recordingRegistrar{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(calls, reg, logger), calls, reg
}

func TestHandleCallInvite(t *testing.T) {
	h, calls, _ := newTestHandler()

	body := []byte(`{"type":"call_invite","call_id":"call-1","from":"5551234567"}`)
	if err := h.Handle(context.Background(), body); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls.callID != "call-1" || calls.from != "5551234567" {
		t.Errorf("announced %q/%q", calls.callID, calls.from)
	}
	if h.Handled() != 1 {
		t.Errorf("Handled = %d, want 1", h.Handled())
	}
}

func TestHandleCredentialsUpdated(t *testing.T) {
	h, _, reg := newTestHandler()

	tok := base64.StdEncoding.EncodeToString([]byte("push-token"))
	body := []byte(`{"type":"credentials_updated","device_token":"` + tok + `"}`)
	if err := h.Handle(context.Background(), body); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(reg.token) != "push-token" {
		t.Errorf("registrar received %q", reg.token)
	}
}

func TestHandleRegistrationFailureIsSwallowed(t *testing.T) {
	h, _, reg := newTestHandler()
	reg.err = errors.New("provider down")

	tok := base64.StdEncoding.EncodeToString([]byte("push-token"))
	body := []byte(`{"type":"credentials_updated","device_token":"` + tok + `"}`)

	// Renewal is fire-and-forget; the wake-up itself still succeeds.
	if err := h.Handle(context.Background(), body); err != nil {
		t.Errorf("Handle = %v, want nil despite renewal failure", err)
	}
}

func TestHandlePushEndpoint(t *testing.T) {
	h, calls, _ := newTestHandler()

	r := chi.NewRouter()
	h.Routes(r, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/push", "application/json",
		strings.NewReader(`{"type":"call_invite","call_id":"call-1","from":"555"}`))
	if err != nil {
		t.Fatalf("POST /v1/push: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if calls.callID != "call-1" {
		t.Errorf("invite not dispatched, got %q", calls.callID)
	}
}

func TestHandlePushEndpointRejectsGarbage(t *testing.T) {
	h, _, _ := newTestHandler()

	r := chi.NewRouter()
	h.Routes(r, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/push", "application/json",
		strings.NewReader(`{"type":"telemetry"}`))
	if err != nil {
		t.Fatalf("POST /v1/push: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
