package service

import (
	"context"
	"time"

	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// ResolverService computes which organizational positions must approve an
// order and reconciles the computed set against prior approval state.
type ResolverService struct {
	store repository.Store
	log   *logger.Logger
}

// NewResolverService creates a new ResolverService.
func NewResolverService(store repository.Store, log *logger.Logger) *ResolverService {
	return &ResolverService{store: store, log: log}
}

// Resolve recomputes the order's responsibility set inside one transaction
// and optionally recomputes the status afterwards. Calling it twice with no
// intervening binding changes yields the same set with the same approval
// state.
func (s *ResolverService) Resolve(ctx context.Context, order *repository.Order, updateStatus bool) ([]*repository.OrderPosition, error) {
	var bindings []*repository.OrderPosition
	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		bindings, err = resolvePositions(ctx, st, order)
		if err != nil {
			return err
		}
		if updateStatus {
			_, err = recomputeStatus(ctx, st, order)
		}
		return err
	})
	return bindings, err
}

// ResolveHub re-resolves every non-terminal order in the hub. Used after
// administrative changes to user, position, project or category bindings,
// which can orphan previously responsible positions.
func (s *ResolverService) ResolveHub(ctx context.Context, hubID int64) error {
	orders, err := s.store.Orders().ListNonTerminal(ctx, hubID)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if _, err := s.Resolve(ctx, order, true); err != nil {
			s.log.Warn().Err(err).
				Int64("order_id", order.ID).
				Msg("hub re-resolution failed for order")
		}
	}
	s.log.Info().Int64("hub_id", hubID).Int("orders", len(orders)).Msg("hub positions re-resolved")
	return nil
}

// resolvePositions runs the responsibility join and reconciliation against
// a transaction-bound store. An order with no project or no categories has
// no responsible positions at all: any existing bindings are cleared.
func resolvePositions(ctx context.Context, st repository.Store, order *repository.Order) ([]*repository.OrderPosition, error) {
	if order.ProjectID == nil || len(order.CategoryIDs) == 0 {
		return nil, st.Positions().Replace(ctx, order.ID, nil)
	}

	responsible, err := st.Positions().Responsible(ctx, order.HubID, *order.ProjectID, order.CategoryIDs)
	if err != nil {
		return nil, err
	}
	old, err := st.Positions().Bindings(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	oldByPosition := make(map[int64]*repository.OrderPosition, len(old))
	for _, b := range old {
		oldByPosition[b.PositionID] = b
	}

	bindings := make([]*repository.OrderPosition, 0, len(responsible))
	for _, position := range responsible {
		binding := &repository.OrderPosition{
			OrderID:      order.ID,
			PositionID:   position.ID,
			PositionName: position.Name,
		}
		if prior, ok := oldByPosition[position.ID]; ok {
			// Position stays responsible: carry its approval state forward.
			binding.Approved = prior.Approved
			binding.UserID = prior.UserID
			binding.Timestamp = prior.Timestamp
		} else {
			// Newly responsible position: seed from an existing whole-order
			// approval by one of its validators.
			seed, err := st.Positions().WholeOrderApprovalByPosition(ctx, order.ID, position.ID)
			if err != nil {
				return nil, err
			}
			if seed != nil {
				now := time.Now().UTC()
				binding.Approved = true
				binding.UserID = &seed.UserID
				binding.Timestamp = &now
			}
		}
		bindings = append(bindings, binding)
	}

	if err := st.Positions().Replace(ctx, order.ID, bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}
