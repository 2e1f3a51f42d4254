package service

import (
	"context"
	"time"

	"github.com/procurehub/be-po-orders/internal/errors"
	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// CartItem is one checkout request line.
type CartItem struct {
	ProductID int64             `json:"productId"`
	Quantity  float64           `json:"quantity"`
	Comment   string            `json:"comment,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// OrderService covers order creation and read paths.
type OrderService struct {
	store    repository.Store
	resolver *ResolverService
	limits   *LimitService
	notifier Notifier
	log      *logger.Logger
}

// NewOrderService creates a new OrderService.
func NewOrderService(
	store repository.Store,
	resolver *ResolverService,
	limits *LimitService,
	notifier Notifier,
	log *logger.Logger,
) *OrderService {
	return &OrderService{
		store:    store,
		resolver: resolver,
		limits:   limits,
		notifier: notifier,
		log:      log,
	}
}

// CreateFromCart snapshots the requested catalog products into a new order.
// When the actor is bound to exactly one project the order is pre-bound to
// it, which lets responsibility resolution start immediately.
func (s *OrderService) CreateFromCart(ctx context.Context, actor Actor, items []CartItem) (*repository.Order, error) {
	if len(items) == 0 {
		return nil, errors.InvalidInput("items", "the cart is empty")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, errors.InvalidInput("quantity", "must be positive")
		}
	}

	var order *repository.Order
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		ids := make([]int64, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}
		catalog, err := st.Products().ListByIDs(ctx, actor.HubID, ids)
		if err != nil {
			return err
		}
		byID := make(map[int64]*repository.CatalogProduct, len(catalog))
		for _, p := range catalog {
			byID[p.ID] = p
		}

		products := make([]repository.OrderProduct, 0, len(items))
		for _, item := range items {
			p, ok := byID[item.ProductID]
			if !ok {
				return errors.NotFound("product", item.ProductID)
			}
			products = append(products, p.Line(item.Quantity, item.Comment, item.Options))
		}

		number, err := st.Orders().NextNumber(ctx, actor.HubID)
		if err != nil {
			return err
		}
		actorID := actor.ID
		order = &repository.Order{
			Number:          number,
			HubID:           actor.HubID,
			InitiativeID:    &actorID,
			CreateTimestamp: time.Now().UTC().Unix(),
			Products:        products,
			Status:          repository.StatusNew,
			CategoryIDs:     repository.ProductCategoryIDs(products),
		}
		order.RecomputeTotal()

		// A user with exactly one project leaves no binding choice open.
		projectIDs, err := st.Users().ProjectIDs(ctx, actor.ID)
		if err != nil {
			return err
		}
		if len(projectIDs) == 1 {
			order.ProjectID = &projectIDs[0]
		}

		order.VendorIDs, err = st.Products().VendorIDsByName(ctx, actor.HubID, repository.ProductVendorNames(products))
		if err != nil {
			return err
		}
		if err := st.Orders().Create(ctx, order); err != nil {
			return err
		}
		_, err = resolvePositions(ctx, st, order)
		return err
	})
	if err != nil {
		return nil, err
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
	return order, nil
}

// GetOrder returns one order with its responsibility bindings.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID int64) (*repository.Order, []*repository.OrderPosition, error) {
	order, err := s.store.Orders().GetByID(ctx, actor.HubID, orderID)
	if err != nil {
		return nil, nil, err
	}
	bindings, err := s.store.Positions().Bindings(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, bindings, nil
}

// History returns the order's audit log in chronological order.
func (s *OrderService) History(ctx context.Context, actor Actor, orderID int64) ([]*repository.OrderEvent, error) {
	if _, err := s.store.Orders().GetByID(ctx, actor.HubID, orderID); err != nil {
		return nil, err
	}
	return s.store.Events().ListByOrder(ctx, orderID)
}
