package service

import (
	"context"
	"fmt"
	"time"

	"github.com/procurehub/be-po-orders/internal/errors"
	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// ApprovalService owns the order approval state machine: approval
// submissions, quantity changes, project/category and statement
// reassignment, comments and cancellation.
type ApprovalService struct {
	store    repository.Store
	resolver *ResolverService
	limits   *LimitService
	notifier Notifier
	exporter AccountingExporter
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	store repository.Store,
	resolver *ResolverService,
	limits *LimitService,
	notifier Notifier,
	exporter AccountingExporter,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		store:    store,
		resolver: resolver,
		limits:   limits,
		notifier: notifier,
		exporter: exporter,
		log:      log,
	}
}

// ── Approval submission ───────────────────────────────────────────────────────

// SubmitApproval records one reviewer decision on an order:
//
//   - productID nil: whole-order approval,
//   - productID zero: whole-order disapproval,
//   - any other productID: disapproval of that line item with a remark.
//
// Resubmitting an identical decision is rejected as a duplicate action. The
// order status is recomputed afterwards; a transition fires notifications,
// a budget recheck and the accounting export.
func (s *ApprovalService) SubmitApproval(ctx context.Context, actor Actor, orderID int64, productID *int64, remark string) (*repository.Order, error) {
	var (
		order      *repository.Order
		lastStatus repository.OrderStatus
	)

	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status == repository.StatusCancelled {
			return errors.Conflict("a cancelled order cannot be modified")
		}
		lastStatus = order.Status

		user, err := st.Users().GetByID(ctx, actor.ID)
		if err != nil {
			return err
		}

		var remarkPtr *string
		if remark != "" {
			remarkPtr = &remark
		}

		exists, err := st.Approvals().Exists(ctx, orderID, actor.ID, productID, remarkPtr)
		if err != nil {
			return err
		}
		if exists {
			return errors.Duplicate("you have already performed this action")
		}

		switch {
		case productID == nil:
			err = s.approveWholeOrder(ctx, st, order, user, remarkPtr)
		case *productID == repository.DisapproveAll:
			err = s.disapproveWholeOrder(ctx, st, order, user, remarkPtr)
		default:
			err = s.disapproveItem(ctx, st, order, user, *productID, remarkPtr)
		}
		if err != nil {
			return err
		}

		_, err = recomputeStatus(ctx, st, order)
		return err
	})
	if err != nil {
		return nil, err
	}

	if order.Status != lastStatus {
		s.onStatusChange(ctx, actor, order)
	}
	return order, nil
}

func (s *ApprovalService) approveWholeOrder(ctx context.Context, st repository.Store, order *repository.Order, user *repository.User, remark *string) error {
	if err := st.Approvals().DeleteAllByUser(ctx, order.ID, user.ID); err != nil {
		return err
	}
	if user.PositionID != nil {
		// An approval from one position holder clears the position's
		// outstanding item objections.
		if err := st.Approvals().DeleteItemDisapprovalsByPosition(ctx, order.ID, *user.PositionID); err != nil {
			return err
		}
	}
	if err := st.Approvals().Upsert(ctx, &repository.OrderApproval{
		OrderID: order.ID,
		UserID:  user.ID,
		Remark:  remark,
	}); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, st, order.ID, user.ID, repository.EventApproved, stringOrEmpty(remark)); err != nil {
		return err
	}
	if user.PositionID != nil {
		userID := user.ID
		if err := st.Positions().SetApproved(ctx, order.ID, *user.PositionID, true, &userID, time.Now().UTC()); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
			return err
		}
	}
	return nil
}

func (s *ApprovalService) disapproveWholeOrder(ctx context.Context, st repository.Store, order *repository.Order, user *repository.User, remark *string) error {
	if err := st.Approvals().DeleteWholeOrderByUser(ctx, order.ID, user.ID); err != nil {
		return err
	}
	sentinel := repository.DisapproveAll
	if err := st.Approvals().Upsert(ctx, &repository.OrderApproval{
		OrderID:   order.ID,
		UserID:    user.ID,
		ProductID: &sentinel,
		Remark:    remark,
	}); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, st, order.ID, user.ID, repository.EventDisapproved, stringOrEmpty(remark)); err != nil {
		return err
	}
	return s.markPositionDisapproved(ctx, st, order.ID, user)
}

func (s *ApprovalService) disapproveItem(ctx context.Context, st repository.Store, order *repository.Order, user *repository.User, productID int64, remark *string) error {
	product := order.FindProduct(productID)
	if product == nil {
		return errors.NotFound("order item", productID)
	}
	if err := st.Approvals().DeleteWholeOrderByUser(ctx, order.ID, user.ID); err != nil {
		return err
	}
	if err := st.Approvals().Upsert(ctx, &repository.OrderApproval{
		OrderID:   order.ID,
		UserID:    user.ID,
		ProductID: &productID,
		Remark:    remark,
	}); err != nil {
		return err
	}
	message := fmt.Sprintf("item %q: %s", product.Name, stringOrEmpty(remark))
	if err := s.appendEvent(ctx, st, order.ID, user.ID, repository.EventDisapproved, message); err != nil {
		return err
	}
	return s.markPositionDisapproved(ctx, st, order.ID, user)
}

func (s *ApprovalService) markPositionDisapproved(ctx context.Context, st repository.Store, orderID int64, user *repository.User) error {
	if user.PositionID == nil {
		return nil
	}
	userID := user.ID
	err := st.Positions().SetApproved(ctx, orderID, *user.PositionID, false, &userID, time.Now().UTC())
	if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		return err
	}
	return nil
}

// ── Quantity change ───────────────────────────────────────────────────────────

// ChangeQuantity updates a line item's quantity (zero removes the item; an
// id absent from the order adds it from the catalog). Any quantity change
// invalidates every approval on the order: the order must be re-approved
// from scratch. Forbidden on approved or cancelled orders and on orders
// that were already split or merged away.
func (s *ApprovalService) ChangeQuantity(ctx context.Context, actor Actor, orderID, productID int64, quantity float64) (*repository.Order, error) {
	if quantity < 0 {
		return nil, errors.InvalidInput("quantity", "must not be negative")
	}

	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return errors.Conflict("an approved or cancelled order cannot be modified")
		}
		if order.HasChildren() {
			return errors.Conflict("an order that was split or merged cannot be modified")
		}

		product := order.FindProduct(productID)
		if product == nil {
			catalog, err := st.Products().GetByID(ctx, actor.HubID, productID)
			if err != nil {
				return err
			}
			line := catalog.Line(0, "", nil)
			order.Products = append(order.Products, line)
			product = &order.Products[len(order.Products)-1]
		}

		if product.Quantity != quantity {
			message := fmt.Sprintf("%s: quantity %v changed to %v", product.SKU, product.Quantity, quantity)
			if err := s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventQuantity, message); err != nil {
				return err
			}
			product.Quantity = quantity
		}

		// A touched order must be re-approved from scratch by everyone, so
		// both the decisions and the position state are wiped.
		if err := st.Approvals().DeleteAllForOrder(ctx, order.ID); err != nil {
			return err
		}
		if err := st.Positions().Replace(ctx, order.ID, nil); err != nil {
			return err
		}

		order.RecomputeTotal()
		order.Status = repository.StatusNew
		if err := st.Orders().Update(ctx, order); err != nil {
			return err
		}

		// Status restarts at new; the next decision recomputes it.
		_, err = resolvePositions(ctx, st, order)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.limits.RecomputeAfterMutation(ctx, order)
	return order, nil
}

// ── Project / category reassignment ───────────────────────────────────────────

// ReassignProjectCategories rebinds the order's project and category set,
// invalidating all prior approvals and re-resolving responsibility.
func (s *ApprovalService) ReassignProjectCategories(ctx context.Context, actor Actor, orderID, projectID int64, categoryIDs []int64) (*repository.Order, error) {
	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return errors.Conflict("an approved or cancelled order cannot be modified")
		}

		project, err := st.Projects().GetByID(ctx, actor.HubID, projectID)
		if err != nil {
			return err
		}

		if order.ProjectID == nil || *order.ProjectID != project.ID {
			message := fmt.Sprintf("project changed to %q", project.Name)
			if err := s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventProjectChanged, message); err != nil {
				return err
			}
			order.ProjectID = &project.ID
		}
		order.CategoryIDs = categoryIDs

		if err := st.Approvals().DeleteAllForOrder(ctx, order.ID); err != nil {
			return err
		}
		if err := st.Positions().Replace(ctx, order.ID, nil); err != nil {
			return err
		}
		if err := st.Orders().Update(ctx, order); err != nil {
			return err
		}
		if _, err := resolvePositions(ctx, st, order); err != nil {
			return err
		}
		_, err = recomputeStatus(ctx, st, order)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// SetStatements rebinds the order's income and cashflow statements and
// triggers a budget recheck since the order may now consume another bucket.
func (s *ApprovalService) SetStatements(ctx context.Context, actor Actor, orderID int64, incomeID, cashflowID *int64) (*repository.Order, error) {
	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status == repository.StatusCancelled {
			return errors.Conflict("a cancelled order cannot be modified")
		}

		if incomeID != nil && !sameID(order.IncomeID, incomeID) {
			order.IncomeID = incomeID
			if err := s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventIncomeChanged, "income statement changed"); err != nil {
				return err
			}
		}
		if cashflowID != nil && !sameID(order.CashflowID, cashflowID) {
			order.CashflowID = cashflowID
			if err := s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventCashflowChanged, "cashflow statement changed"); err != nil {
				return err
			}
		}
		return st.Orders().Update(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.limits.RecomputeAfterMutation(ctx, order)
	return order, nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// Cancel transitions the order to the cancelled terminal status, zeroing its
// total. A comment is required; selected reviewers are notified.
func (s *ApprovalService) Cancel(ctx context.Context, actor Actor, orderID int64, comment string, notifyIDs []int64) (*repository.Order, error) {
	if comment == "" {
		return nil, errors.InvalidInput("comment", "a cancellation comment is required")
	}

	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status == repository.StatusCancelled {
			return errors.Conflict("the order is already cancelled")
		}

		order.Total = 0
		order.Status = repository.StatusCancelled
		if err := st.Orders().Update(ctx, order); err != nil {
			return err
		}
		return s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventCancelled, comment)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, NotifyCancelled, order, notifyIDs, map[string]any{"comment": comment})
	return order, nil
}

// ── Comments and operational marks ────────────────────────────────────────────

// LeaveComment appends a comment event and notifies the selected reviewers.
func (s *ApprovalService) LeaveComment(ctx context.Context, actor Actor, orderID int64, comment string, notifyIDs []int64) (*repository.Order, error) {
	if comment == "" {
		return nil, errors.InvalidInput("comment", "must not be empty")
	}
	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetByID(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventCommented, comment)
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, NotifyCommented, order, notifyIDs, map[string]any{"comment": comment})
	return order, nil
}

// MarkPurchased flags the order as sent to its vendors.
func (s *ApprovalService) MarkPurchased(ctx context.Context, actor Actor, orderID int64) (*repository.Order, error) {
	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status == repository.StatusCancelled {
			return errors.Conflict("a cancelled order cannot be sent to vendors")
		}
		order.Purchased = true
		if err := st.Orders().Update(ctx, order); err != nil {
			return err
		}
		return s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventPurchased, "order sent to vendors")
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// MarkDealDone records that the order was handed over, with a responsible
// name and comment kept in the event log.
func (s *ApprovalService) MarkDealDone(ctx context.Context, actor Actor, orderID int64, responsible, comment string) (*repository.Order, error) {
	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		order, err = st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if order.Status == repository.StatusCancelled {
			return errors.Conflict("a cancelled order cannot be marked as handed over")
		}
		order.DealDone = true
		if err := st.Orders().Update(ctx, order); err != nil {
			return err
		}
		message := fmt.Sprintf("handed over to %s: %s", responsible, comment)
		return s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventDealDone, message)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

// onStatusChange fires the side effects of a status transition, after the
// transaction committed. Failures here are logged and never surfaced: the
// state change already happened.
func (s *ApprovalService) onStatusChange(ctx context.Context, actor Actor, order *repository.Order) {
	recipients := s.reviewerIDs(ctx, order)

	switch order.Status {
	case repository.StatusApproved:
		s.notifier.Notify(ctx, NotifyApproved, order, initiativeOnly(order), nil)
		s.limits.RecomputeAfterMutation(ctx, order)
		s.exportOrder(ctx, actor, order)
	case repository.StatusNotApproved, repository.StatusCancelled:
		s.notifier.Notify(ctx, NotifyDisapproved, order, initiativeOnly(order), nil)
	default:
		s.notifier.Notify(ctx, NotifyNew, order, recipients, nil)
	}
}

// exportOrder pushes an approved order to the accounting system. Best
// effort: a failed export leaves the order unexported until retried.
func (s *ApprovalService) exportOrder(ctx context.Context, actor Actor, order *repository.Order) {
	if s.exporter == nil {
		return
	}
	reference, err := s.exporter.Export(ctx, order)
	if err != nil {
		s.log.Warn().Err(err).Int64("order_id", order.ID).Msg("accounting export failed")
		return
	}
	err = s.store.InTransaction(ctx, func(st repository.Store) error {
		if err := st.Orders().SetExported(ctx, order.ID, true); err != nil {
			return err
		}
		message := fmt.Sprintf("exported to accounting as %s", reference)
		return s.appendEvent(ctx, st, order.ID, actor.ID, repository.EventExported, message)
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("order_id", order.ID).Msg("failed to record accounting export")
		return
	}
	order.Exported = true
}

func (s *ApprovalService) appendEvent(ctx context.Context, st repository.Store, orderID, userID int64, eventType repository.EventType, data string) error {
	return st.Events().Append(ctx, &repository.OrderEvent{
		OrderID: orderID,
		UserID:  userID,
		Type:    eventType,
		Data:    data,
	})
}

func (s *ApprovalService) reviewerIDs(ctx context.Context, order *repository.Order) []int64 {
	reviewers, err := s.store.Users().Reviewers(ctx, order)
	if err != nil {
		s.log.Warn().Err(err).Int64("order_id", order.ID).Msg("failed to resolve reviewers")
		return initiativeOnly(order)
	}
	ids := make([]int64, 0, len(reviewers))
	for _, u := range reviewers {
		ids = append(ids, u.ID)
	}
	return ids
}

func initiativeOnly(order *repository.Order) []int64 {
	if order.InitiativeID == nil {
		return nil
	}
	return []int64{*order.InitiativeID}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
