package service

import (
	"context"
	"time"

	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// LimitService tracks budget limit consumption per project and cashflow
// statement and flags pending orders once a window nears its ceiling.
type LimitService struct {
	store repository.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewLimitService creates a new LimitService.
func NewLimitService(store repository.Store, log *logger.Logger) *LimitService {
	return &LimitService{store: store, log: log, now: time.Now}
}

// Recompute refreshes the cached consumption of every limit matching the
// hub and the optional (project, cashflow) pair. For each limit the current
// figure is the sum of approved order totals inside the limit's window; once
// consumption crosses the flag threshold, every not-yet-approved order in
// the window is flagged as over limit.
func (s *LimitService) Recompute(ctx context.Context, hubID int64, projectID, cashflowID *int64) error {
	limits, err := s.store.Limits().List(ctx, hubID, projectID, cashflowID)
	if err != nil {
		return err
	}

	for _, limit := range limits {
		if err := s.recomputeOne(ctx, limit); err != nil {
			return err
		}
	}
	return nil
}

func (s *LimitService) recomputeOne(ctx context.Context, limit *repository.OrderLimit) error {
	since := limit.Interval.WindowStart(s.now())

	orders, err := s.store.Orders().ListForLimit(ctx, limit.HubID, limit.ProjectID, limit.CashflowID, since)
	if err != nil {
		return err
	}

	var current float64
	for _, o := range orders {
		if o.Status == repository.StatusApproved {
			current += o.Total
		}
	}
	if err := s.store.Limits().SetCurrent(ctx, limit.ID, current); err != nil {
		return err
	}
	limit.Current = current

	if current <= repository.OverLimitThreshold*limit.Value {
		return nil
	}
	// The window is nearly exhausted: everything still pending in it gets
	// flagged so reviewers see the budget pressure.
	for _, o := range orders {
		flag := o.Status != repository.StatusApproved
		if o.OverLimit == flag {
			continue
		}
		if err := s.store.Orders().SetOverLimit(ctx, o.ID, flag); err != nil {
			return err
		}
		o.OverLimit = flag
	}
	return nil
}

// RecomputeAfterMutation refreshes the limits touched by the order's project
// and cashflow binding. Best effort: a refresh failure only goes stale until
// the next recompute, so it is logged and swallowed.
func (s *LimitService) RecomputeAfterMutation(ctx context.Context, order *repository.Order) {
	if order.ProjectID == nil || order.CashflowID == nil {
		return
	}
	if err := s.Recompute(ctx, order.HubID, order.ProjectID, order.CashflowID); err != nil {
		s.log.Warn().Err(err).
			Int64("order_id", order.ID).
			Msg("budget limit recompute failed")
	}
}
