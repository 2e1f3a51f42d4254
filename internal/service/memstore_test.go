package service

import (
	"context"
	"fmt"
	"time"

	"github.com/procurehub/be-po-orders/internal/errors"
	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// memStore is an in-memory repository.Store for service tests. It mirrors
// the SQL store's visible behavior closely enough that the services cannot
// tell the difference; transactions are flattened since the tests exercise
// single-goroutine flows.
type memStore struct {
	seq int64

	orders        map[int64]*repository.Order
	approvals     []*repository.OrderApproval
	bindings      map[int64][]*repository.OrderPosition
	events        []*repository.OrderEvent
	limits        map[int64]*repository.OrderLimit
	products      map[int64]*repository.CatalogProduct
	projects      map[int64]*repository.Project
	users         map[int64]*repository.User
	positionsTbl  map[int64]*repository.Position
	userProjects  map[int64][]int64
	userCategorys map[int64][]int64
	vendors       map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		orders:        make(map[int64]*repository.Order),
		bindings:      make(map[int64][]*repository.OrderPosition),
		limits:        make(map[int64]*repository.OrderLimit),
		products:      make(map[int64]*repository.CatalogProduct),
		projects:      make(map[int64]*repository.Project),
		users:         make(map[int64]*repository.User),
		positionsTbl:  make(map[int64]*repository.Position),
		userProjects:  make(map[int64][]int64),
		userCategorys: make(map[int64][]int64),
		vendors:       make(map[string]int64),
	}
}

func (s *memStore) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *memStore) InTransaction(ctx context.Context, fn func(repository.Store) error) error {
	return fn(s)
}

func (s *memStore) Orders() repository.OrderStore       { return (*memOrders)(s) }
func (s *memStore) Approvals() repository.ApprovalStore { return (*memApprovals)(s) }
func (s *memStore) Positions() repository.PositionStore { return (*memPositions)(s) }
func (s *memStore) Events() repository.EventStore       { return (*memEvents)(s) }
func (s *memStore) Limits() repository.LimitStore       { return (*memLimits)(s) }
func (s *memStore) Products() repository.ProductStore   { return (*memProducts)(s) }
func (s *memStore) Projects() repository.ProjectStore   { return (*memProjects)(s) }
func (s *memStore) Users() repository.UserStore         { return (*memUsers)(s) }

// ── Seeding helpers ───────────────────────────────────────────────────────────

func (s *memStore) addUser(hubID int64, role repository.UserRole, positionID *int64, projectIDs, categoryIDs []int64) *repository.User {
	u := &repository.User{
		ID:         s.nextID(),
		HubID:      hubID,
		Email:      fmt.Sprintf("user%d@example.com", s.seq),
		Name:       fmt.Sprintf("User %d", s.seq),
		Role:       role,
		PositionID: positionID,
	}
	s.users[u.ID] = u
	s.userProjects[u.ID] = projectIDs
	s.userCategorys[u.ID] = categoryIDs
	return u
}

func (s *memStore) addPosition(hubID int64, name string) *repository.Position {
	p := &repository.Position{ID: s.nextID(), HubID: hubID, Name: name}
	s.positionsTbl[p.ID] = p
	return p
}

func (s *memStore) addProject(hubID int64, enabled bool) *repository.Project {
	p := &repository.Project{ID: s.nextID(), HubID: hubID, Name: fmt.Sprintf("Project %d", s.seq), Enabled: enabled}
	s.projects[p.ID] = p
	return p
}

func (s *memStore) addOrder(o *repository.Order) *repository.Order {
	o.ID = s.nextID()
	if o.Number == "" {
		o.Number = repository.FormatNumber(o.ID)
	}
	if o.Status == "" {
		o.Status = repository.StatusNew
	}
	s.orders[o.ID] = o
	return o
}

// ── OrderStore ────────────────────────────────────────────────────────────────

type memOrders memStore

func (s *memOrders) Create(ctx context.Context, order *repository.Order) error {
	order.ID = (*memStore)(s).nextID()
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = order
	return nil
}

func (s *memOrders) GetByID(ctx context.Context, hubID, id int64) (*repository.Order, error) {
	o, ok := s.orders[id]
	if !ok || o.HubID != hubID {
		return nil, errors.NotFound("order", id)
	}
	return o, nil
}

func (s *memOrders) GetForUpdate(ctx context.Context, hubID, id int64) (*repository.Order, error) {
	return s.GetByID(ctx, hubID, id)
}

func (s *memOrders) ListByIDs(ctx context.Context, hubID int64, ids []int64) ([]*repository.Order, error) {
	var orders []*repository.Order
	for _, id := range ids {
		if o, ok := s.orders[id]; ok && o.HubID == hubID {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (s *memOrders) Update(ctx context.Context, order *repository.Order) error {
	if _, ok := s.orders[order.ID]; !ok {
		return errors.NotFound("order", order.ID)
	}
	order.UpdatedAt = time.Now().UTC()
	s.orders[order.ID] = order
	return nil
}

func (s *memOrders) SetStatus(ctx context.Context, id int64, status repository.OrderStatus) error {
	o, ok := s.orders[id]
	if !ok {
		return errors.NotFound("order", id)
	}
	o.Status = status
	return nil
}

func (s *memOrders) SetOverLimit(ctx context.Context, id int64, overLimit bool) error {
	o, ok := s.orders[id]
	if !ok {
		return errors.NotFound("order", id)
	}
	o.OverLimit = overLimit
	return nil
}

func (s *memOrders) SetExported(ctx context.Context, id int64, exported bool) error {
	o, ok := s.orders[id]
	if !ok {
		return errors.NotFound("order", id)
	}
	o.Exported = exported
	return nil
}

func (s *memOrders) LinkParent(ctx context.Context, parentID, childID int64) error {
	parent, ok := s.orders[parentID]
	if !ok {
		return errors.NotFound("order", parentID)
	}
	child, ok := s.orders[childID]
	if !ok {
		return errors.NotFound("order", childID)
	}
	parent.ChildIDs = append(parent.ChildIDs, childID)
	child.ParentIDs = append(child.ParentIDs, parentID)
	return nil
}

func (s *memOrders) NextNumber(ctx context.Context, hubID int64) (string, error) {
	count := int64(0)
	for _, o := range s.orders {
		if o.HubID == hubID {
			count++
		}
	}
	return repository.FormatNumber(count + 1), nil
}

func (s *memOrders) ListForLimit(ctx context.Context, hubID, projectID, cashflowID, since int64) ([]*repository.Order, error) {
	var orders []*repository.Order
	for _, o := range s.orders {
		if o.HubID != hubID || o.ProjectID == nil || *o.ProjectID != projectID {
			continue
		}
		if o.CashflowID == nil || *o.CashflowID != cashflowID {
			continue
		}
		if o.CreateTimestamp < since {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *memOrders) ListNonTerminal(ctx context.Context, hubID int64) ([]*repository.Order, error) {
	var orders []*repository.Order
	for _, o := range s.orders {
		if o.HubID == hubID && !o.Status.Terminal() {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// ── ApprovalStore ─────────────────────────────────────────────────────────────

type memApprovals memStore

func sameProduct(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameRemark(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *memApprovals) ListByOrder(ctx context.Context, orderID int64) ([]*repository.OrderApproval, error) {
	var out []*repository.OrderApproval
	for _, a := range s.approvals {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memApprovals) Exists(ctx context.Context, orderID, userID int64, productID *int64, remark *string) (bool, error) {
	for _, a := range s.approvals {
		if a.OrderID == orderID && a.UserID == userID && sameProduct(a.ProductID, productID) && sameRemark(a.Remark, remark) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memApprovals) Upsert(ctx context.Context, approval *repository.OrderApproval) error {
	for _, a := range s.approvals {
		if a.OrderID == approval.OrderID && a.UserID == approval.UserID && sameProduct(a.ProductID, approval.ProductID) {
			a.Remark = approval.Remark
			return nil
		}
	}
	approval.ID = (*memStore)(s).nextID()
	s.approvals = append(s.approvals, approval)
	return nil
}

func (s *memApprovals) deleteWhere(keep func(*repository.OrderApproval) bool) {
	kept := s.approvals[:0]
	for _, a := range s.approvals {
		if keep(a) {
			kept = append(kept, a)
		}
	}
	s.approvals = kept
}

func (s *memApprovals) DeleteAllByUser(ctx context.Context, orderID, userID int64) error {
	s.deleteWhere(func(a *repository.OrderApproval) bool {
		return !(a.OrderID == orderID && a.UserID == userID)
	})
	return nil
}

func (s *memApprovals) DeleteWholeOrderByUser(ctx context.Context, orderID, userID int64) error {
	s.deleteWhere(func(a *repository.OrderApproval) bool {
		return !(a.OrderID == orderID && a.UserID == userID && a.ProductID == nil)
	})
	return nil
}

func (s *memApprovals) DeleteItemDisapprovalsByPosition(ctx context.Context, orderID, positionID int64) error {
	s.deleteWhere(func(a *repository.OrderApproval) bool {
		if a.OrderID != orderID || a.ProductID == nil {
			return true
		}
		u, ok := s.users[a.UserID]
		return !ok || u.PositionID == nil || *u.PositionID != positionID
	})
	return nil
}

func (s *memApprovals) DeleteAllForOrder(ctx context.Context, orderID int64) error {
	s.deleteWhere(func(a *repository.OrderApproval) bool { return a.OrderID != orderID })
	return nil
}

func (s *memApprovals) HasDisapprovals(ctx context.Context, orderID int64) (bool, error) {
	for _, a := range s.approvals {
		if a.OrderID == orderID && a.ProductID != nil {
			return true, nil
		}
	}
	return false, nil
}

// ── PositionStore ─────────────────────────────────────────────────────────────

type memPositions memStore

func (s *memPositions) Bindings(ctx context.Context, orderID int64) ([]*repository.OrderPosition, error) {
	return s.bindings[orderID], nil
}

func (s *memPositions) Replace(ctx context.Context, orderID int64, bindings []*repository.OrderPosition) error {
	if len(bindings) == 0 {
		delete(s.bindings, orderID)
		return nil
	}
	s.bindings[orderID] = bindings
	return nil
}

func (s *memPositions) SetApproved(ctx context.Context, orderID, positionID int64, approved bool, userID *int64, ts time.Time) error {
	for _, b := range s.bindings[orderID] {
		if b.PositionID == positionID {
			b.Approved = approved
			b.UserID = userID
			b.Timestamp = &ts
			return nil
		}
	}
	return nil
}

func (s *memPositions) Responsible(ctx context.Context, hubID, projectID int64, categoryIDs []int64) ([]*repository.Position, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}
	wanted := make(map[int64]bool, len(categoryIDs))
	for _, id := range categoryIDs {
		wanted[id] = true
	}
	seen := make(map[int64]bool)
	var positions []*repository.Position
	for _, u := range s.users {
		if u.HubID != hubID || u.Role != repository.RoleValidator || u.PositionID == nil {
			continue
		}
		if seen[*u.PositionID] {
			continue
		}
		inProject := false
		for _, pid := range s.userProjects[u.ID] {
			if pid == projectID {
				inProject = true
				break
			}
		}
		if !inProject {
			continue
		}
		inCategory := false
		for _, cid := range s.userCategorys[u.ID] {
			if wanted[cid] {
				inCategory = true
				break
			}
		}
		if !inCategory {
			continue
		}
		seen[*u.PositionID] = true
		positions = append(positions, s.positionsTbl[*u.PositionID])
	}
	return positions, nil
}

func (s *memPositions) WholeOrderApprovalByPosition(ctx context.Context, orderID, positionID int64) (*repository.OrderApproval, error) {
	for _, a := range s.approvals {
		if a.OrderID != orderID || a.ProductID != nil {
			continue
		}
		u, ok := s.users[a.UserID]
		if ok && u.Role == repository.RoleValidator && u.PositionID != nil && *u.PositionID == positionID {
			return a, nil
		}
	}
	return nil, nil
}

// ── EventStore ────────────────────────────────────────────────────────────────

type memEvents memStore

func (s *memEvents) Append(ctx context.Context, event *repository.OrderEvent) error {
	event.ID = (*memStore)(s).nextID()
	event.Timestamp = time.Now().UTC()
	s.events = append(s.events, event)
	return nil
}

func (s *memEvents) ListByOrder(ctx context.Context, orderID int64) ([]*repository.OrderEvent, error) {
	var out []*repository.OrderEvent
	for _, e := range s.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ── LimitStore ────────────────────────────────────────────────────────────────

type memLimits memStore

func (s *memLimits) List(ctx context.Context, hubID int64, projectID, cashflowID *int64) ([]*repository.OrderLimit, error) {
	var out []*repository.OrderLimit
	for _, l := range s.limits {
		if l.HubID != hubID {
			continue
		}
		if projectID != nil && cashflowID != nil && (l.ProjectID != *projectID || l.CashflowID != *cashflowID) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *memLimits) SetCurrent(ctx context.Context, id int64, current float64) error {
	l, ok := s.limits[id]
	if !ok {
		return errors.NotFound("limit", id)
	}
	l.Current = current
	return nil
}

// ── Catalog stores ────────────────────────────────────────────────────────────

type memProducts memStore

func (s *memProducts) GetByID(ctx context.Context, hubID, id int64) (*repository.CatalogProduct, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, errors.NotFound("product", id)
	}
	return p, nil
}

func (s *memProducts) ListByIDs(ctx context.Context, hubID int64, ids []int64) ([]*repository.CatalogProduct, error) {
	var out []*repository.CatalogProduct
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memProducts) VendorIDsByName(ctx context.Context, hubID int64, names []string) ([]int64, error) {
	var ids []int64
	for _, name := range names {
		if id, ok := s.vendors[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memProjects memStore

func (s *memProjects) GetByID(ctx context.Context, hubID, id int64) (*repository.Project, error) {
	p, ok := s.projects[id]
	if !ok || p.HubID != hubID {
		return nil, errors.NotFound("project", id)
	}
	return p, nil
}

type memUsers memStore

func (s *memUsers) GetByID(ctx context.Context, id int64) (*repository.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return u, nil
}

func (s *memUsers) ProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.userProjects[userID], nil
}

func (s *memUsers) Reviewers(ctx context.Context, order *repository.Order) ([]*repository.User, error) {
	var users []*repository.User
	seen := make(map[int64]bool)
	if order.InitiativeID != nil {
		if u, ok := s.users[*order.InitiativeID]; ok {
			users = append(users, u)
			seen[u.ID] = true
		}
	}
	if order.ProjectID == nil || len(order.CategoryIDs) == 0 {
		return users, nil
	}
	wanted := make(map[int64]bool, len(order.CategoryIDs))
	for _, id := range order.CategoryIDs {
		wanted[id] = true
	}
	for _, u := range s.users {
		if u.HubID != order.HubID || seen[u.ID] {
			continue
		}
		if u.Role != repository.RoleValidator && u.Role != repository.RolePurchaser {
			continue
		}
		inProject := false
		for _, pid := range s.userProjects[u.ID] {
			if pid == *order.ProjectID {
				inProject = true
				break
			}
		}
		inCategory := false
		for _, cid := range s.userCategorys[u.ID] {
			if wanted[cid] {
				inCategory = true
				break
			}
		}
		if inProject && inCategory {
			users = append(users, u)
			seen[u.ID] = true
		}
	}
	return users, nil
}

// ── Test harness ──────────────────────────────────────────────────────────────

type testEnv struct {
	store       *memStore
	resolver    *ResolverService
	limits      *LimitService
	orders      *OrderService
	approvals   *ApprovalService
	composition *CompositionService
	notifier    *recordingNotifier
	exporter    *fakeExporter
}

func newTestEnv() *testEnv {
	store := newMemStore()
	log := logger.New(logger.Config{Level: "error"})
	notifier := &recordingNotifier{}
	exporter := &fakeExporter{reference: "ACC-1"}
	resolver := NewResolverService(store, log)
	limits := NewLimitService(store, log)
	return &testEnv{
		store:       store,
		resolver:    resolver,
		limits:      limits,
		orders:      NewOrderService(store, resolver, limits, notifier, log),
		approvals:   NewApprovalService(store, resolver, limits, notifier, exporter, log),
		composition: NewCompositionService(store, resolver, limits, notifier, log),
		notifier:    notifier,
		exporter:    exporter,
	}
}

type notification struct {
	kind       string
	orderID    int64
	recipients []int64
}

type recordingNotifier struct {
	sent []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, kind string, order *repository.Order, recipientIDs []int64, payload map[string]any) {
	n.sent = append(n.sent, notification{kind: kind, orderID: order.ID, recipients: recipientIDs})
}

type fakeExporter struct {
	reference string
	calls     int
	fail      bool
}

func (e *fakeExporter) Export(ctx context.Context, order *repository.Order) (string, error) {
	e.calls++
	if e.fail {
		return "", errors.New(errors.ErrCodeInternal, "export unavailable")
	}
	return e.reference, nil
}
