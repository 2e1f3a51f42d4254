package repository

import (
	"context"

	"github.com/procurehub/be-po-orders/internal/errors"
)

// LimitRepository persists budget limits.
type LimitRepository struct {
	q Querier
}

// List returns the hub's limits, optionally narrowed to one
// project/cashflow pair.
func (r *LimitRepository) List(ctx context.Context, hubID int64, projectID, cashflowID *int64) ([]*OrderLimit, error) {
	query := `
		SELECT id, hub_id, project_id, cashflow_id, value, current, interval
		FROM order_limit
		WHERE hub_id = $1`
	args := []any{hubID}
	if projectID != nil && cashflowID != nil {
		query += ` AND project_id = $2 AND cashflow_id = $3`
		args = append(args, *projectID, *cashflowID)
	}
	query += ` ORDER BY id`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list order limits")
	}
	defer rows.Close()

	var limits []*OrderLimit
	for rows.Next() {
		l := &OrderLimit{}
		if err := rows.Scan(&l.ID, &l.HubID, &l.ProjectID, &l.CashflowID, &l.Value, &l.Current, &l.Interval); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan order limit")
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// SetCurrent writes the cached consumption figure.
func (r *LimitRepository) SetCurrent(ctx context.Context, id int64, current float64) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE order_limit SET current = $2 WHERE id = $1`, id, current)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update limit consumption")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("order limit", id)
	}
	return nil
}
