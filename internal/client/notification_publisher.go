// Package client holds integrations with external systems: the NATS
// notification bus and the accounting service.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// NotificationPublisher publishes order lifecycle events to NATS for
// consumption by the notification delivery service.
//
// Subject convention: notifications.po.<kind>
// Kinds: new, approved, disapproved, cancelled, commented
//
// All publish operations are non-fatal. Errors are logged but never
// propagated to the caller, so notification failures never interrupt order
// operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType   string         `json:"event_type"`
	HubID       int64          `json:"hub_id"`
	OrderID     int64          `json:"order_id"`
	OrderNumber string         `json:"order_number"`
	OrderStatus string         `json:"order_status"`
	OrderTotal  float64        `json:"order_total"`
	Recipients  []int64        `json:"recipients"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection yields a publisher that drops every event.
func NewNotificationPublisher(conn *nats.Conn, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// Notify publishes one order event. Subject: notifications.po.<kind>
func (p *NotificationPublisher) Notify(ctx context.Context, kind string, order *repository.Order, recipientIDs []int64, payload map[string]any) {
	if p.conn == nil {
		return
	}
	if len(recipientIDs) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:   kind,
		HubID:       order.HubID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		OrderStatus: string(order.Status),
		OrderTotal:  order.Total,
		Recipients:  recipientIDs,
		Payload:     payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", kind).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.po.%s", kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Int64("order_id", order.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("order_id", order.ID).
		Int("recipients", len(recipientIDs)).
		Msg("notification: event published")
}
