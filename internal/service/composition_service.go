package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/procurehub/be-po-orders/internal/errors"
	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// CompositionService builds orders out of other orders: splitting one into
// parts, merging several into one and duplicating.
type CompositionService struct {
	store    repository.Store
	resolver *ResolverService
	limits   *LimitService
	notifier Notifier
	log      *logger.Logger
}

// NewCompositionService creates a new CompositionService.
func NewCompositionService(
	store repository.Store,
	resolver *ResolverService,
	limits *LimitService,
	notifier Notifier,
	log *logger.Logger,
) *CompositionService {
	return &CompositionService{
		store:    store,
		resolver: resolver,
		limits:   limits,
		notifier: notifier,
		log:      log,
	}
}

// ── Split ─────────────────────────────────────────────────────────────────────

// Split divides an order's line items into exactly two child orders. The
// partitions must be non-empty and cover every line item exactly once. The
// original keeps its row with a zeroed total and links to both children,
// each of which starts the approval cycle from scratch.
func (s *CompositionService) Split(ctx context.Context, actor Actor, orderID int64, partitions [][]int64) ([]*repository.Order, error) {
	if len(partitions) != 2 {
		return nil, errors.InvalidInput("partitions", "an order splits into exactly two parts")
	}

	var children []*repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		original, err := st.Orders().GetForUpdate(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}
		if original.Status == repository.StatusApproved || original.Status == repository.StatusCancelled {
			return errors.Conflict("an approved or cancelled order cannot be split")
		}
		if original.HasChildren() {
			return errors.Conflict("the order was already split or merged")
		}

		parts, err := partitionProducts(original.Products, partitions)
		if err != nil {
			return err
		}

		children = children[:0]
		for _, products := range parts {
			child, err := s.createChild(ctx, st, actor, original, products)
			if err != nil {
				return err
			}
			if err := st.Orders().LinkParent(ctx, original.ID, child.ID); err != nil {
				return err
			}
			if err := appendCompositionEvent(ctx, st, child.ID, actor.ID, repository.EventSplit,
				fmt.Sprintf("split from order %s", original.Number)); err != nil {
				return err
			}
			children = append(children, child)
		}

		original.Total = 0
		if err := st.Orders().Update(ctx, original); err != nil {
			return err
		}
		childNumbers := make([]string, len(children))
		for i, c := range children {
			childNumbers[i] = c.Number
		}
		return appendCompositionEvent(ctx, st, original.ID, actor.ID, repository.EventSplit,
			fmt.Sprintf("split into orders %s", strings.Join(childNumbers, ", ")))
	})
	if err != nil {
		return nil, err
	}

	for _, child := range children {
		s.afterCreate(ctx, child)
	}
	return children, nil
}

// partitionProducts maps two lists of line item ids back onto the order's
// products, requiring the lists to cover every item exactly once.
func partitionProducts(products []repository.OrderProduct, partitions [][]int64) ([2][]repository.OrderProduct, error) {
	var parts [2][]repository.OrderProduct

	byID := make(map[int64]repository.OrderProduct, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	assigned := make(map[int64]bool, len(products))
	for i, ids := range partitions {
		if len(ids) == 0 {
			return parts, errors.InvalidInput("partitions", "both parts must keep at least one item")
		}
		for _, id := range ids {
			p, ok := byID[id]
			if !ok {
				return parts, errors.NotFound("order item", id)
			}
			if assigned[id] {
				return parts, errors.InvalidInput("partitions", fmt.Sprintf("item %d assigned twice", id))
			}
			assigned[id] = true
			parts[i] = append(parts[i], p)
		}
	}
	if len(assigned) != len(products) {
		return parts, errors.InvalidInput("partitions", "every item must end up in one of the parts")
	}
	return parts, nil
}

// ── Merge ─────────────────────────────────────────────────────────────────────

// Merge combines two or more orders of the same project into one new order.
// Line items with the same merge key collapse into one line with summed
// quantity. The inputs keep their rows with zeroed totals and link to the
// merged order.
func (s *CompositionService) Merge(ctx context.Context, actor Actor, orderIDs []int64) (*repository.Order, error) {
	if len(orderIDs) < 2 {
		return nil, errors.InvalidInput("orders", "merging requires at least two orders")
	}

	var merged *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		inputs := make([]*repository.Order, 0, len(orderIDs))
		for _, id := range orderIDs {
			o, err := st.Orders().GetForUpdate(ctx, actor.HubID, id)
			if err != nil {
				return err
			}
			if o.Status == repository.StatusApproved || o.Status == repository.StatusCancelled {
				return errors.Conflict(fmt.Sprintf("order %s is approved or cancelled and cannot be merged", o.Number))
			}
			if o.HasChildren() {
				return errors.Conflict(fmt.Sprintf("order %s was already split or merged", o.Number))
			}
			inputs = append(inputs, o)
		}
		for _, o := range inputs[1:] {
			if !sameID(o.ProjectID, inputs[0].ProjectID) {
				return errors.InvalidInput("orders", "only orders of the same project can be merged")
			}
		}

		number, err := st.Orders().NextNumber(ctx, actor.HubID)
		if err != nil {
			return err
		}
		actorID := actor.ID
		merged = &repository.Order{
			Number:          number,
			HubID:           actor.HubID,
			InitiativeID:    &actorID,
			CreateTimestamp: time.Now().UTC().Unix(),
			Products:        mergeProducts(inputs),
			Status:          repository.StatusNew,
			ProjectID:       inputs[0].ProjectID,
			SiteID:          inputs[0].SiteID,
			IncomeID:        inputs[0].IncomeID,
			CashflowID:      inputs[0].CashflowID,
		}
		merged.RecomputeTotal()
		merged.CategoryIDs = repository.ProductCategoryIDs(merged.Products)
		merged.VendorIDs, err = st.Products().VendorIDsByName(ctx, actor.HubID, repository.ProductVendorNames(merged.Products))
		if err != nil {
			return err
		}
		if err := st.Orders().Create(ctx, merged); err != nil {
			return err
		}

		inputNumbers := make([]string, len(inputs))
		for i, o := range inputs {
			inputNumbers[i] = o.Number
			o.Total = 0
			if err := st.Orders().Update(ctx, o); err != nil {
				return err
			}
			if err := st.Orders().LinkParent(ctx, o.ID, merged.ID); err != nil {
				return err
			}
			if err := appendCompositionEvent(ctx, st, o.ID, actor.ID, repository.EventMerged,
				fmt.Sprintf("merged into order %s", merged.Number)); err != nil {
				return err
			}
		}
		return appendCompositionEvent(ctx, st, merged.ID, actor.ID, repository.EventMerged,
			fmt.Sprintf("merged from orders %s", strings.Join(inputNumbers, ", ")))
	})
	if err != nil {
		return nil, err
	}

	s.afterCreate(ctx, merged)
	return merged, nil
}

// mergeProducts collapses the inputs' line items by merge key, summing
// quantities and assigning each collapsed line a stable synthetic id.
func mergeProducts(inputs []*repository.Order) []repository.OrderProduct {
	byKey := make(map[string]*repository.OrderProduct)
	var keys []string
	for _, o := range inputs {
		for _, p := range o.Products {
			key := p.MergeKey()
			if existing, ok := byKey[key]; ok {
				existing.Quantity += p.Quantity
				continue
			}
			line := p
			line.ID = repository.MergedLineID(key)
			byKey[key] = &line
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	products := make([]repository.OrderProduct, 0, len(keys))
	for _, key := range keys {
		products = append(products, *byKey[key])
	}
	return products
}

// ── Duplicate ─────────────────────────────────────────────────────────────────

// Duplicate clones an order's line items and bindings into a fresh order
// owned by the actor, starting a new approval cycle. The source is left
// untouched apart from an audit entry.
func (s *CompositionService) Duplicate(ctx context.Context, actor Actor, orderID int64) (*repository.Order, error) {
	var clone *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		source, err := st.Orders().GetByID(ctx, actor.HubID, orderID)
		if err != nil {
			return err
		}

		number, err := st.Orders().NextNumber(ctx, actor.HubID)
		if err != nil {
			return err
		}
		actorID := actor.ID
		clone = &repository.Order{
			Number:          number,
			HubID:           actor.HubID,
			InitiativeID:    &actorID,
			CreateTimestamp: time.Now().UTC().Unix(),
			Products:        append([]repository.OrderProduct(nil), source.Products...),
			Total:           source.Total,
			Status:          repository.StatusNew,
			ProjectID:       source.ProjectID,
			SiteID:          source.SiteID,
			IncomeID:        source.IncomeID,
			CashflowID:      source.CashflowID,
			CategoryIDs:     append([]int64(nil), source.CategoryIDs...),
			VendorIDs:       append([]int64(nil), source.VendorIDs...),
		}
		if err := st.Orders().Create(ctx, clone); err != nil {
			return err
		}

		if err := appendCompositionEvent(ctx, st, clone.ID, actor.ID, repository.EventDuplicated,
			fmt.Sprintf("duplicated from order %s", source.Number)); err != nil {
			return err
		}
		return appendCompositionEvent(ctx, st, source.ID, actor.ID, repository.EventDuplicated,
			fmt.Sprintf("duplicated as order %s", clone.Number))
	})
	if err != nil {
		return nil, err
	}

	s.afterCreate(ctx, clone)
	return clone, nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (s *CompositionService) createChild(ctx context.Context, st repository.Store, actor Actor, parent *repository.Order, products []repository.OrderProduct) (*repository.Order, error) {
	number, err := st.Orders().NextNumber(ctx, actor.HubID)
	if err != nil {
		return nil, err
	}
	child := &repository.Order{
		Number:          number,
		HubID:           parent.HubID,
		InitiativeID:    parent.InitiativeID,
		CreateTimestamp: time.Now().UTC().Unix(),
		Products:        products,
		Status:          repository.StatusNew,
		ProjectID:       parent.ProjectID,
		SiteID:          parent.SiteID,
		IncomeID:        parent.IncomeID,
		CashflowID:      parent.CashflowID,
	}
	child.RecomputeTotal()
	child.CategoryIDs = repository.ProductCategoryIDs(child.Products)
	child.VendorIDs, err = st.Products().VendorIDsByName(ctx, parent.HubID, repository.ProductVendorNames(child.Products))
	if err != nil {
		return nil, err
	}
	if err := st.Orders().Create(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// afterCreate runs the post-commit side effects shared by all composition
// results: responsibility resolution, reviewer notification and a budget
// recheck. Failures only degrade freshness, never the committed orders.
func (s *CompositionService) afterCreate(ctx context.Context, order *repository.Order) {
	if _, err := s.resolver.Resolve(ctx, order, false); err != nil {
		s.log.Warn().Err(err).Int64("order_id", order.ID).Msg("position resolution failed for new order")
	}
	recipients, err := s.store.Users().Reviewers(ctx, order)
	if err != nil {
		s.log.Warn().Err(err).Int64("order_id", order.ID).Msg("failed to resolve reviewers")
	} else {
		ids := make([]int64, 0, len(recipients))
		for _, u := range recipients {
			ids = append(ids, u.ID)
		}
		s.notifier.Notify(ctx, NotifyNew, order, ids, nil)
	}
	s.limits.RecomputeAfterMutation(ctx, order)
}

func appendCompositionEvent(ctx context.Context, st repository.Store, orderID, userID int64, eventType repository.EventType, data string) error {
	return st.Events().Append(ctx, &repository.OrderEvent{
		OrderID: orderID,
		UserID:  userID,
		Type:    eventType,
		Data:    data,
	})
}
