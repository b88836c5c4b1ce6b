// Package events publishes ride lifecycle transitions.
package events

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Type string

const (
	RideBooked    Type = "ride.booked"
	RequestFanout Type = "ride.request_fanout"
	RideAssigned  Type = "ride.assigned"
	RideNoDrivers Type = "ride.no_drivers"
	RideCompleted Type = "ride.completed"
)

type Event struct {
	Type       Type              `json:"type"`
	RideID     string            `json:"ride_id"`
	DriverID   string            `json:"driver_id,omitempty"`
	Status     models.RideStatus `json:"status"`
	Handle     int               `json:"handle,omitempty"`
	Candidates int               `json:"candidates,omitempty"`
	At         time.Time         `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
