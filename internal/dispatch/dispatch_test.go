package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []interface{}
	fail   error
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestWSRegistryReplacesAndRemoves(t *testing.T) {
	reg := NewWSRegistry()
	first := &fakeConn{}
	s1 := reg.add("d1", first)
	second := &fakeConn{}
	s2 := reg.add("d1", second)
	if !first.closed {
		t.Fatal("reconnect should close the previous session")
	}

	reg.Remove("d1", s1)
	if !reg.Connected("d1") {
		t.Fatal("removing a stale session must keep the live one")
	}
	if err := reg.Offer("d1", models.RideRequestView{RequestID: "rq1"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if len(second.frames) != 1 {
		t.Fatalf("expected one frame on the live session, got %d", len(second.frames))
	}
	if f := second.frames[0].(Offer); f.Type != offerFrame || f.Request.RequestID != "rq1" {
		t.Fatalf("unexpected frame %+v", f)
	}
	reg.Remove("d1", s2)
	if err := reg.Offer("d1", models.RideRequestView{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPushDispatcherFallsBackToWebhook(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ws := NewWSRegistry()
	live := &fakeConn{}
	ws.add("online", live)
	p := NewPushDispatcher(ws, NewWebhook(srv.URL), logging.Discard())
	ctx := context.Background()

	if err := p.OfferRequest(ctx, "online", models.RideRequestView{RequestID: "a"}); err != nil {
		t.Fatalf("ws offer: %v", err)
	}
	if len(live.frames) != 1 || got.DriverID != "" {
		t.Fatal("connected driver should be served over ws only")
	}
	if err := p.OfferRequest(ctx, "offline", models.RideRequestView{RequestID: "b"}); err != nil {
		t.Fatalf("webhook offer: %v", err)
	}
	if got.DriverID != "offline" || got.Request.RequestID != "b" {
		t.Fatalf("unexpected webhook payload %+v", got)
	}
}

func TestPushDispatcherWithoutWebhook(t *testing.T) {
	p := NewPushDispatcher(NewWSRegistry(), nil, logging.Discard())
	if err := p.OfferRequest(context.Background(), "d1", models.RideRequestView{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestWebhookReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhook(srv.URL).Offer(context.Background(), "d1", models.RideRequestView{}); err == nil {
		t.Fatal("expected error for 502")
	}
}
