package repository

import (
	"context"

	"github.com/procurehub/be-po-orders/internal/errors"
)

// ApprovalRepository persists per-user approval decisions. At most one
// whole-order record and one record per line item exist per user and order;
// the unique index on (order_id, user_id, product_id) backs the upsert.
type ApprovalRepository struct {
	q Querier
}

// ListByOrder returns every decision on record for the order.
func (r *ApprovalRepository) ListByOrder(ctx context.Context, orderID int64) ([]*OrderApproval, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, user_id, product_id, remark
		FROM order_approval
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	var approvals []*OrderApproval
	for rows.Next() {
		a := &OrderApproval{}
		if err := rows.Scan(&a.ID, &a.OrderID, &a.UserID, &a.ProductID, &a.Remark); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// Exists reports whether an identical (user, product scope, remark) decision
// is already recorded.
func (r *ApprovalRepository) Exists(ctx context.Context, orderID, userID int64, productID *int64, remark *string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM order_approval
			WHERE order_id = $1
			  AND user_id = $2
			  AND product_id IS NOT DISTINCT FROM $3
			  AND remark IS NOT DISTINCT FROM $4
		)`, orderID, userID, productID, remark).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check for duplicate approval")
	}
	return exists, nil
}

// Upsert inserts the decision, replacing the remark of an existing record
// with the same (order, user, product) scope.
func (r *ApprovalRepository) Upsert(ctx context.Context, approval *OrderApproval) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO order_approval (order_id, user_id, product_id, remark)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id, user_id, product_id)
		DO UPDATE SET remark = EXCLUDED.remark
		RETURNING id`,
		approval.OrderID, approval.UserID, approval.ProductID, approval.Remark,
	).Scan(&approval.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval")
	}
	return nil
}

// DeleteAllByUser removes every decision by the user on the order.
func (r *ApprovalRepository) DeleteAllByUser(ctx context.Context, orderID, userID int64) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM order_approval WHERE order_id = $1 AND user_id = $2`, orderID, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete user approvals")
	}
	return nil
}

// DeleteWholeOrderByUser removes only the user's whole-order approval.
func (r *ApprovalRepository) DeleteWholeOrderByUser(ctx context.Context, orderID, userID int64) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM order_approval WHERE order_id = $1 AND user_id = $2 AND product_id IS NULL`,
		orderID, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete whole-order approval")
	}
	return nil
}

// DeleteItemDisapprovalsByPosition removes item-scoped disapprovals raised
// by any user holding the given position.
func (r *ApprovalRepository) DeleteItemDisapprovalsByPosition(ctx context.Context, orderID, positionID int64) error {
	_, err := r.q.Exec(ctx, `
		DELETE FROM order_approval a
		USING users u
		WHERE a.user_id = u.id
		  AND a.order_id = $1
		  AND a.product_id IS NOT NULL
		  AND u.position_id = $2`,
		orderID, positionID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear position disapprovals")
	}
	return nil
}

// DeleteAllForOrder wipes every decision on the order, used when a quantity
// change invalidates all prior approvals.
func (r *ApprovalRepository) DeleteAllForOrder(ctx context.Context, orderID int64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM order_approval WHERE order_id = $1`, orderID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear order approvals")
	}
	return nil
}

// HasDisapprovals reports whether any disapproval (whole-order sentinel or
// item-scoped) is on record.
func (r *ApprovalRepository) HasDisapprovals(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM order_approval
			WHERE order_id = $1 AND product_id IS NOT NULL
		)`, orderID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check disapprovals")
	}
	return exists, nil
}
