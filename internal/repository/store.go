package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/procurehub/be-po-orders/internal/database"
)

// Querier is the query surface shared by the pool and an open transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistence gateway the services operate through. Every
// order-mutating operation runs its reads and writes inside a single
// InTransaction closure so concurrent submissions serialize on the store.
type Store interface {
	// InTransaction runs fn against a transaction-bound store; all calls on
	// that store commit or roll back together.
	InTransaction(ctx context.Context, fn func(Store) error) error

	Orders() OrderStore
	Approvals() ApprovalStore
	Positions() PositionStore
	Events() EventStore
	Limits() LimitStore
	Products() ProductStore
	Projects() ProjectStore
	Users() UserStore
}

// OrderStore persists the order aggregate and its link tables.
type OrderStore interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, hubID, id int64) (*Order, error)
	// GetForUpdate locks the order row for the rest of the transaction.
	GetForUpdate(ctx context.Context, hubID, id int64) (*Order, error)
	ListByIDs(ctx context.Context, hubID int64, ids []int64) ([]*Order, error)
	Update(ctx context.Context, order *Order) error
	SetStatus(ctx context.Context, id int64, status OrderStatus) error
	SetOverLimit(ctx context.Context, id int64, overLimit bool) error
	SetExported(ctx context.Context, id int64, exported bool) error
	LinkParent(ctx context.Context, parentID, childID int64) error
	NextNumber(ctx context.Context, hubID int64) (string, error)
	ListForLimit(ctx context.Context, hubID, projectID, cashflowID, since int64) ([]*Order, error)
	ListNonTerminal(ctx context.Context, hubID int64) ([]*Order, error)
}

// ApprovalStore persists per-user approval decisions.
type ApprovalStore interface {
	ListByOrder(ctx context.Context, orderID int64) ([]*OrderApproval, error)
	// Exists reports whether an identical decision is already on record.
	Exists(ctx context.Context, orderID, userID int64, productID *int64, remark *string) (bool, error)
	Upsert(ctx context.Context, approval *OrderApproval) error
	DeleteAllByUser(ctx context.Context, orderID, userID int64) error
	DeleteWholeOrderByUser(ctx context.Context, orderID, userID int64) error
	// DeleteItemDisapprovalsByPosition clears item-scoped objections raised
	// by any user holding the given position.
	DeleteItemDisapprovalsByPosition(ctx context.Context, orderID, positionID int64) error
	DeleteAllForOrder(ctx context.Context, orderID int64) error
	HasDisapprovals(ctx context.Context, orderID int64) (bool, error)
}

// PositionStore persists order-position responsibility bindings and answers
// the responsibility join.
type PositionStore interface {
	Bindings(ctx context.Context, orderID int64) ([]*OrderPosition, error)
	Replace(ctx context.Context, orderID int64, bindings []*OrderPosition) error
	SetApproved(ctx context.Context, orderID, positionID int64, approved bool, userID *int64, ts time.Time) error
	// Responsible returns the distinct positions whose validator users are
	// bound to the project and to at least one of the categories.
	Responsible(ctx context.Context, hubID, projectID int64, categoryIDs []int64) ([]*Position, error)
	// WholeOrderApprovalByPosition returns an existing whole-order approval
	// placed by a validator holding the position, or nil.
	WholeOrderApprovalByPosition(ctx context.Context, orderID, positionID int64) (*OrderApproval, error)
}

// EventStore is the append-only audit log.
type EventStore interface {
	Append(ctx context.Context, event *OrderEvent) error
	ListByOrder(ctx context.Context, orderID int64) ([]*OrderEvent, error)
}

// LimitStore persists budget limits.
type LimitStore interface {
	List(ctx context.Context, hubID int64, projectID, cashflowID *int64) ([]*OrderLimit, error)
	SetCurrent(ctx context.Context, id int64, current float64) error
}

// ProductStore reads the vendor catalog.
type ProductStore interface {
	GetByID(ctx context.Context, hubID, id int64) (*CatalogProduct, error)
	ListByIDs(ctx context.Context, hubID int64, ids []int64) ([]*CatalogProduct, error)
	VendorIDsByName(ctx context.Context, hubID int64, names []string) ([]int64, error)
}

// ProjectStore reads projects.
type ProjectStore interface {
	GetByID(ctx context.Context, hubID, id int64) (*Project, error)
}

// UserStore reads hub members.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	ProjectIDs(ctx context.Context, userID int64) ([]int64, error)
	// Reviewers returns the order's initiative plus the validators and
	// purchasers bound to its project and categories.
	Reviewers(ctx context.Context, order *Order) ([]*User, error)
}

// ── SQL implementation ────────────────────────────────────────────────────────

// SQLStore is the pgx-backed Store.
type SQLStore struct {
	db *database.DB
	q  Querier

	orders    *OrderRepository
	approvals *ApprovalRepository
	positions *PositionRepository
	events    *EventRepository
	limits    *LimitRepository
	products  *ProductRepository
	projects  *ProjectRepository
	users     *UserRepository
}

// NewStore creates a pool-backed store.
func NewStore(db *database.DB) *SQLStore {
	return newSQLStore(db, db)
}

func newSQLStore(db *database.DB, q Querier) *SQLStore {
	return &SQLStore{
		db:        db,
		q:         q,
		orders:    &OrderRepository{q: q},
		approvals: &ApprovalRepository{q: q},
		positions: &PositionRepository{q: q},
		events:    &EventRepository{q: q},
		limits:    &LimitRepository{q: q},
		products:  &ProductRepository{q: q},
		projects:  &ProjectRepository{q: q},
		users:     &UserRepository{q: q},
	}
}

// InTransaction runs fn against a transaction-bound copy of the store.
// Nested calls reuse the already-open transaction.
func (s *SQLStore) InTransaction(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(pgx.Tx); ok {
		return fn(s)
	}
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newSQLStore(s.db, tx))
	})
}

func (s *SQLStore) Orders() OrderStore       { return s.orders }
func (s *SQLStore) Approvals() ApprovalStore { return s.approvals }
func (s *SQLStore) Positions() PositionStore { return s.positions }
func (s *SQLStore) Events() EventStore       { return s.events }
func (s *SQLStore) Limits() LimitStore       { return s.limits }
func (s *SQLStore) Products() ProductStore   { return s.products }
func (s *SQLStore) Projects() ProjectStore   { return s.projects }
func (s *SQLStore) Users() UserStore         { return s.users }
