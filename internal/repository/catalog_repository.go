package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/procurehub/be-po-orders/internal/errors"
)

// ProductRepository reads the vendor catalog. Catalog products belong to
// vendors scoped to the hub; orders snapshot them at checkout time.
type ProductRepository struct {
	q Querier
}

const catalogColumns = `
	pr.id, pr.vendor_id, v.name, pr.sku, pr.name, pr.price,
	pr.measurement, pr.category_id, pr.image_url, pr.options`

// GetByID returns one catalog product visible to the hub.
func (r *ProductRepository) GetByID(ctx context.Context, hubID, id int64) (*CatalogProduct, error) {
	query := `SELECT ` + catalogColumns + `
		FROM product pr
		JOIN vendor v ON v.id = pr.vendor_id
		WHERE pr.id = $1 AND (v.hub_id = $2 OR v.id = $2)`

	p, err := scanCatalogProduct(r.q.QueryRow(ctx, query, id, hubID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("product", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get product")
	}
	return p, nil
}

// ListByIDs returns the catalog products with the given ids.
func (r *ProductRepository) ListByIDs(ctx context.Context, hubID int64, ids []int64) ([]*CatalogProduct, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + catalogColumns + `
		FROM product pr
		JOIN vendor v ON v.id = pr.vendor_id
		WHERE pr.id = ANY($1) AND (v.hub_id = $2 OR v.id = $2)`

	rows, err := r.q.Query(ctx, query, ids, hubID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list products")
	}
	defer rows.Close()

	var products []*CatalogProduct
	for rows.Next() {
		p, err := scanCatalogProduct(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan product")
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// VendorIDsByName resolves vendor names from line items to vendor ids in
// the hub.
func (r *ProductRepository) VendorIDsByName(ctx context.Context, hubID int64, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT id FROM vendor WHERE hub_id = $1 AND name = ANY($2)`, hubID, names)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve vendors")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan vendor id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCatalogProduct(sc orderScanner) (*CatalogProduct, error) {
	p := &CatalogProduct{}
	var optionsJSON []byte
	err := sc.Scan(
		&p.ID,
		&p.VendorID,
		&p.VendorName,
		&p.SKU,
		&p.Name,
		&p.Price,
		&p.Measurement,
		&p.CategoryID,
		&p.ImageURL,
		&optionsJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &p.Options); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ProjectRepository reads projects.
type ProjectRepository struct {
	q Querier
}

// GetByID returns one project in the hub.
func (r *ProjectRepository) GetByID(ctx context.Context, hubID, id int64) (*Project, error) {
	p := &Project{}
	err := r.q.QueryRow(ctx,
		`SELECT id, hub_id, name, enabled FROM project WHERE id = $1 AND hub_id = $2`,
		id, hubID).Scan(&p.ID, &p.HubID, &p.Name, &p.Enabled)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get project")
	}
	return p, nil
}

// UserRepository reads hub members.
type UserRepository struct {
	q Querier
}

// GetByID returns one user.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	err := r.q.QueryRow(ctx,
		`SELECT id, hub_id, email, name, role, position_id FROM users WHERE id = $1`,
		id).Scan(&u.ID, &u.HubID, &u.Email, &u.Name, &u.Role, &u.PositionID)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ProjectIDs returns the projects the user is bound to.
func (r *UserRepository) ProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx,
		`SELECT project_id FROM user_project WHERE user_id = $1 ORDER BY project_id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list user projects")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan project id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reviewers returns the order's initiative plus the validators and
// purchasers bound to its project and categories, deduplicated.
func (r *UserRepository) Reviewers(ctx context.Context, order *Order) ([]*User, error) {
	var users []*User
	seen := make(map[int64]bool)

	if order.InitiativeID != nil {
		u, err := r.GetByID(ctx, *order.InitiativeID)
		if err == nil {
			users = append(users, u)
			seen[u.ID] = true
		} else if !errors.Is(err, errors.ErrCodeNotFound) {
			return nil, err
		}
	}

	if order.ProjectID == nil || len(order.CategoryIDs) == 0 {
		return users, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT u.id, u.hub_id, u.email, u.name, u.role, u.position_id
		FROM users u
		JOIN user_category uc ON uc.user_id = u.id
		JOIN user_project up ON up.user_id = u.id
		WHERE u.hub_id = $1
		  AND u.role IN ('validator', 'purchaser')
		  AND uc.category_id = ANY($2)
		  AND up.project_id = $3
		ORDER BY u.id`,
		order.HubID, order.CategoryIDs, *order.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reviewers")
	}
	defer rows.Close()

	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.HubID, &u.Email, &u.Name, &u.Role, &u.PositionID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reviewer")
		}
		if !seen[u.ID] {
			users = append(users, u)
			seen[u.ID] = true
		}
	}
	return users, rows.Err()
}
