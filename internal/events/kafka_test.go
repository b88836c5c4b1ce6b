package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByRide(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}
	ev := Event{Type: RideAssigned, RideID: "ride-1", DriverID: "d1", Status: models.RideAssigned, Handle: 7000, At: time.Now()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "ride-1" {
		t.Fatalf("key = %q", m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != string(RideAssigned) {
		t.Fatalf("unexpected headers %+v", m.Headers)
	}
	var got Event
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != RideAssigned || got.Handle != 7000 || got.DriverID != "d1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}
