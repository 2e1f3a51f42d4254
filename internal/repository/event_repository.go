package repository

import (
	"context"

	"github.com/procurehub/be-po-orders/internal/errors"
)

// EventRepository appends and reads the immutable order audit log. Append is
// the only mutation exposed; rows are never updated or reordered.
type EventRepository struct {
	q Querier
}

// Append inserts one audit entry and stamps its id and timestamp.
func (r *EventRepository) Append(ctx context.Context, event *OrderEvent) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO order_event (order_id, user_id, type, data)
		VALUES ($1, $2, $3::order_event_type, $4)
		RETURNING id, timestamp`,
		event.OrderID, event.UserID, event.Type, event.Data,
	).Scan(&event.ID, &event.Timestamp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append order event")
	}
	return nil
}

// ListByOrder returns the order's full history, oldest first.
func (r *EventRepository) ListByOrder(ctx context.Context, orderID int64) ([]*OrderEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, user_id, type, data, timestamp
		FROM order_event
		WHERE order_id = $1
		ORDER BY timestamp ASC, id ASC`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list order events")
	}
	defer rows.Close()

	var events []*OrderEvent
	for rows.Next() {
		e := &OrderEvent{}
		if err := rows.Scan(&e.ID, &e.OrderID, &e.UserID, &e.Type, &e.Data, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan order event")
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
