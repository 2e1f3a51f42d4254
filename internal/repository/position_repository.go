package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procurehub/be-po-orders/internal/errors"
)

// PositionRepository persists order-position responsibility bindings and
// runs the transitive responsibility join.
type PositionRepository struct {
	q Querier
}

// Bindings returns the order's current position bindings.
func (r *PositionRepository) Bindings(ctx context.Context, orderID int64) ([]*OrderPosition, error) {
	rows, err := r.q.Query(ctx, `
		SELECT op.order_id, op.position_id, p.name, op.approved, op.user_id, op.timestamp
		FROM order_position op
		JOIN position p ON p.id = op.position_id
		WHERE op.order_id = $1
		ORDER BY op.position_id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list position bindings")
	}
	defer rows.Close()

	var bindings []*OrderPosition
	for rows.Next() {
		b := &OrderPosition{}
		if err := rows.Scan(&b.OrderID, &b.PositionID, &b.PositionName, &b.Approved, &b.UserID, &b.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan position binding")
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// Replace swaps the order's full binding set.
func (r *PositionRepository) Replace(ctx context.Context, orderID int64, bindings []*OrderPosition) error {
	if _, err := r.q.Exec(ctx,
		`DELETE FROM order_position WHERE order_id = $1`, orderID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear position bindings")
	}
	for _, b := range bindings {
		if _, err := r.q.Exec(ctx, `
			INSERT INTO order_position (order_id, position_id, approved, user_id, timestamp)
			VALUES ($1, $2, $3, $4, $5)`,
			orderID, b.PositionID, b.Approved, b.UserID, b.Timestamp); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write position binding")
		}
	}
	return nil
}

// SetApproved records an action on behalf of the position.
func (r *PositionRepository) SetApproved(ctx context.Context, orderID, positionID int64, approved bool, userID *int64, ts time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE order_position
		SET approved = $3, user_id = $4, timestamp = $5
		WHERE order_id = $1 AND position_id = $2`,
		orderID, positionID, approved, userID, ts)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update position binding")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("order position", positionID)
	}
	return nil
}

// Responsible returns the distinct positions, scoped to the hub, that have
// at least one validator user bound to the project and to at least one of
// the categories.
func (r *PositionRepository) Responsible(ctx context.Context, hubID, projectID int64, categoryIDs []int64) ([]*Position, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT p.id, p.hub_id, p.name
		FROM position p
		JOIN users u ON u.position_id = p.id
		JOIN user_category uc ON uc.user_id = u.id
		JOIN user_project up ON up.user_id = u.id
		WHERE p.hub_id = $1
		  AND u.role = 'validator'
		  AND uc.category_id = ANY($2)
		  AND up.project_id = $3
		ORDER BY p.id`,
		hubID, categoryIDs, projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve responsible positions")
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p := &Position{}
		if err := rows.Scan(&p.ID, &p.HubID, &p.Name); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan position")
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// WholeOrderApprovalByPosition returns a whole-order approval placed by a
// validator holding the position, or nil when none exists.
func (r *PositionRepository) WholeOrderApprovalByPosition(ctx context.Context, orderID, positionID int64) (*OrderApproval, error) {
	a := &OrderApproval{}
	err := r.q.QueryRow(ctx, `
		SELECT a.id, a.order_id, a.user_id, a.product_id, a.remark
		FROM order_approval a
		JOIN users u ON u.id = a.user_id
		WHERE a.order_id = $1
		  AND a.product_id IS NULL
		  AND u.position_id = $2
		  AND u.role = 'validator'
		LIMIT 1`,
		orderID, positionID).Scan(&a.ID, &a.OrderID, &a.UserID, &a.ProductID, &a.Remark)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up position approval")
	}
	return a, nil
}
