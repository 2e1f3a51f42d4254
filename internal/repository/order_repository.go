package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/procurehub/be-po-orders/internal/errors"
)

// OrderRepository persists orders, their JSONB line items and the category,
// vendor and lineage link tables.
type OrderRepository struct {
	q Querier
}

const orderColumns = `
	o.id, o.number, o.hub_id, o.initiative_id, o.create_timestamp,
	o.products, o.total, o.status,
	o.project_id, o.site_id, o.income_id, o.cashflow_id,
	o.purchased, o.exported, o.dealdone, o.over_limit,
	o.created_at, o.updated_at`

// Create inserts the order row and its category/vendor/lineage links.
func (r *OrderRepository) Create(ctx context.Context, order *Order) error {
	productsJSON, err := json.Marshal(order.Products)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal order products")
	}

	query := `
		INSERT INTO orders (number, hub_id, initiative_id, create_timestamp,
		                    products, total, status,
		                    project_id, site_id, income_id, cashflow_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7::order_status, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	err = r.q.QueryRow(ctx, query,
		order.Number,
		order.HubID,
		order.InitiativeID,
		order.CreateTimestamp,
		productsJSON,
		order.Total,
		order.Status,
		order.ProjectID,
		order.SiteID,
		order.IncomeID,
		order.CashflowID,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create order")
	}

	if err := r.replaceLinks(ctx, "order_category", "category_id", order.ID, order.CategoryIDs); err != nil {
		return err
	}
	if err := r.replaceLinks(ctx, "order_vendor", "vendor_id", order.ID, order.VendorIDs); err != nil {
		return err
	}
	for _, parentID := range order.ParentIDs {
		if err := r.LinkParent(ctx, parentID, order.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetByID loads the full aggregate.
func (r *OrderRepository) GetByID(ctx context.Context, hubID, id int64) (*Order, error) {
	return r.get(ctx, hubID, id, false)
}

// GetForUpdate loads the aggregate with the order row locked for the rest
// of the transaction.
func (r *OrderRepository) GetForUpdate(ctx context.Context, hubID, id int64) (*Order, error) {
	return r.get(ctx, hubID, id, true)
}

func (r *OrderRepository) get(ctx context.Context, hubID, id int64, forUpdate bool) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1 AND o.hub_id = $2`
	if forUpdate {
		query += " FOR UPDATE OF o"
	}

	order, err := scanOrder(r.q.QueryRow(ctx, query, id, hubID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("order", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get order")
	}
	if err := r.loadLinks(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListByIDs loads multiple aggregates; missing ids are silently skipped.
func (r *OrderRepository) ListByIDs(ctx context.Context, hubID int64, ids []int64) ([]*Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.hub_id = $1 AND o.id = ANY($2)`
	return r.list(ctx, query, hubID, ids)
}

// Update writes the mutable aggregate fields and replaces the category and
// vendor sets.
func (r *OrderRepository) Update(ctx context.Context, order *Order) error {
	productsJSON, err := json.Marshal(order.Products)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal order products")
	}

	query := `
		UPDATE orders
		SET products    = $3,
		    total       = $4,
		    status      = $5::order_status,
		    project_id  = $6,
		    site_id     = $7,
		    income_id   = $8,
		    cashflow_id = $9,
		    purchased   = $10,
		    exported    = $11,
		    dealdone    = $12,
		    over_limit  = $13,
		    updated_at  = NOW()
		WHERE id = $1 AND hub_id = $2
		RETURNING id
	`
	var returnedID int64
	err = r.q.QueryRow(ctx, query,
		order.ID,
		order.HubID,
		productsJSON,
		order.Total,
		order.Status,
		order.ProjectID,
		order.SiteID,
		order.IncomeID,
		order.CashflowID,
		order.Purchased,
		order.Exported,
		order.DealDone,
		order.OverLimit,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("order", order.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update order")
	}

	if err := r.replaceLinks(ctx, "order_category", "category_id", order.ID, order.CategoryIDs); err != nil {
		return err
	}
	return r.replaceLinks(ctx, "order_vendor", "vendor_id", order.ID, order.VendorIDs)
}

// SetStatus updates only the lifecycle status.
func (r *OrderRepository) SetStatus(ctx context.Context, id int64, status OrderStatus) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE orders SET status = $2::order_status, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set order status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("order", id)
	}
	return nil
}

// SetOverLimit updates the budget warning flag.
func (r *OrderRepository) SetOverLimit(ctx context.Context, id int64, overLimit bool) error {
	_, err := r.q.Exec(ctx,
		`UPDATE orders SET over_limit = $2, updated_at = NOW() WHERE id = $1`, id, overLimit)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set over_limit flag")
	}
	return nil
}

// SetExported marks the order as exported to the accounting system.
func (r *OrderRepository) SetExported(ctx context.Context, id int64, exported bool) error {
	_, err := r.q.Exec(ctx,
		`UPDATE orders SET exported = $2, updated_at = NOW() WHERE id = $1`, id, exported)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set exported flag")
	}
	return nil
}

// LinkParent records a lineage edge from a source order to an order derived
// from it. Edges are only written at creation time of the derived order,
// which keeps the relation acyclic.
func (r *OrderRepository) LinkParent(ctx context.Context, parentID, childID int64) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO order_relationship (order_id, child_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		parentID, childID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to link orders")
	}
	return nil
}

// NextNumber returns the next human-facing order number for a hub: the hub's
// order count plus its configured bias.
func (r *OrderRepository) NextNumber(ctx context.Context, hubID int64) (string, error) {
	query := `
		SELECT COUNT(*) + COALESCE(
			(SELECT order_id_bias FROM app_settings WHERE hub_id = $1), 0)
		FROM orders
		WHERE hub_id = $1
	`
	var seq int64
	if err := r.q.QueryRow(ctx, query, hubID).Scan(&seq); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to compute order number")
	}
	return FormatNumber(seq + 1), nil
}

// ListForLimit returns the candidate orders for a budget limit: same hub,
// bound to the limit's project and cashflow statement, created at or after
// the window start.
func (r *OrderRepository) ListForLimit(ctx context.Context, hubID, projectID, cashflowID, since int64) ([]*Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders o
		WHERE o.hub_id = $1
		  AND o.project_id = $2
		  AND o.cashflow_id = $3
		  AND o.create_timestamp >= $4`
	return r.list(ctx, query, hubID, projectID, cashflowID, since)
}

// ListNonTerminal returns every order in the hub that can still change status.
func (r *OrderRepository) ListNonTerminal(ctx context.Context, hubID int64) ([]*Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders o
		WHERE o.hub_id = $1
		  AND o.status NOT IN ('approved', 'cancelled')`
	return r.list(ctx, query, hubID)
}

// ── internals ─────────────────────────────────────────────────────────────────

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list orders")
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan order")
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read orders")
	}
	for _, order := range orders {
		if err := r.loadLinks(ctx, order); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *OrderRepository) loadLinks(ctx context.Context, order *Order) error {
	var err error
	if order.CategoryIDs, err = r.linkedIDs(ctx,
		`SELECT category_id FROM order_category WHERE order_id = $1`, order.ID); err != nil {
		return err
	}
	if order.VendorIDs, err = r.linkedIDs(ctx,
		`SELECT vendor_id FROM order_vendor WHERE order_id = $1`, order.ID); err != nil {
		return err
	}
	if order.ParentIDs, err = r.linkedIDs(ctx,
		`SELECT order_id FROM order_relationship WHERE child_id = $1`, order.ID); err != nil {
		return err
	}
	if order.ChildIDs, err = r.linkedIDs(ctx,
		`SELECT child_id FROM order_relationship WHERE order_id = $1`, order.ID); err != nil {
		return err
	}
	return nil
}

func (r *OrderRepository) linkedIDs(ctx context.Context, query string, orderID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx, query, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load order links")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan order link")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *OrderRepository) replaceLinks(ctx context.Context, table, column string, orderID int64, ids []int64) error {
	if _, err := r.q.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE order_id = $1`, table), orderID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear order links")
	}
	for _, id := range ids {
		if _, err := r.q.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (order_id, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING`, table, column),
			orderID, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write order link")
		}
	}
	return nil
}

type orderScanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc orderScanner) (*Order, error) {
	order := &Order{}
	var productsJSON []byte
	err := sc.Scan(
		&order.ID,
		&order.Number,
		&order.HubID,
		&order.InitiativeID,
		&order.CreateTimestamp,
		&productsJSON,
		&order.Total,
		&order.Status,
		&order.ProjectID,
		&order.SiteID,
		&order.IncomeID,
		&order.CashflowID,
		&order.Purchased,
		&order.Exported,
		&order.DealDone,
		&order.OverLimit,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(productsJSON) > 0 {
		if err := json.Unmarshal(productsJSON, &order.Products); err != nil {
			return nil, err
		}
	}
	return order, nil
}
