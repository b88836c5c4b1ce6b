package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// PushDispatcher tries the driver's websocket first and falls back to the
// webhook when the driver has no live session.
type PushDispatcher struct {
	WS      *WSRegistry
	Webhook *Webhook // optional
	logger  *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, webhook *Webhook, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{WS: ws, Webhook: webhook, logger: logger.With("component", "dispatch")}
}

func (p *PushDispatcher) OfferRequest(ctx context.Context, driverID string, view models.RideRequestView) error {
	if p.WS != nil {
		err := p.WS.Offer(driverID, view)
		if err == nil {
			observability.OfferDeliveries.WithLabelValues("ws", "ok").Inc()
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			observability.OfferDeliveries.WithLabelValues("ws", "error").Inc()
			p.logger.Warn("ws send failed", "driver_id", driverID, "request_id", view.RequestID, "error", err)
		}
	}
	if p.Webhook == nil || p.Webhook.Endpoint == "" {
		observability.OfferDeliveries.WithLabelValues("none", "skipped").Inc()
		return ErrNoSession
	}
	if err := p.Webhook.Offer(ctx, driverID, view); err != nil {
		observability.OfferDeliveries.WithLabelValues("webhook", "error").Inc()
		return err
	}
	observability.OfferDeliveries.WithLabelValues("webhook", "ok").Inc()
	return nil
}
