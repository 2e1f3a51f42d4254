package service

import (
	"context"
	"testing"
	"time"

	"github.com/procurehub/be-po-orders/internal/repository"
)

func seedLimitFixture(env *testEnv, value float64, interval repository.LimitInterval) (*repository.Project, int64, *repository.OrderLimit) {
	project := env.store.addProject(testHub, true)
	cashflowID := env.store.nextID()
	limit := &repository.OrderLimit{
		ID:         env.store.nextID(),
		HubID:      testHub,
		ProjectID:  project.ID,
		CashflowID: cashflowID,
		Value:      value,
		Interval:   interval,
	}
	env.store.limits[limit.ID] = limit
	return project, cashflowID, limit
}

func addLimitOrder(env *testEnv, projectID, cashflowID int64, total float64, status repository.OrderStatus, age time.Duration) *repository.Order {
	return env.store.addOrder(&repository.Order{
		HubID:           testHub,
		ProjectID:       &projectID,
		CashflowID:      &cashflowID,
		Total:           total,
		Status:          status,
		CreateTimestamp: time.Now().UTC().Add(-age).Unix(),
	})
}

func TestRecomputeSumsApprovedOrders(t *testing.T) {
	env := newTestEnv()
	project, cashflowID, limit := seedLimitFixture(env, 1000, repository.IntervalAllTime)

	addLimitOrder(env, project.ID, cashflowID, 300, repository.StatusApproved, time.Hour)
	addLimitOrder(env, project.ID, cashflowID, 200, repository.StatusApproved, time.Hour)
	addLimitOrder(env, project.ID, cashflowID, 400, repository.StatusPartlyApproved, time.Hour)

	if err := env.limits.Recompute(context.Background(), testHub, &project.ID, &cashflowID); err != nil {
		t.Fatalf("Recompute() error: %v", err)
	}
	if limit.Current != 500 {
		t.Fatalf("current = %v, want 500: only approved orders consume the limit", limit.Current)
	}
}

func TestRecomputeFlagsPendingOrdersNearCeiling(t *testing.T) {
	env := newTestEnv()
	project, cashflowID, limit := seedLimitFixture(env, 1000, repository.IntervalAllTime)

	approved := addLimitOrder(env, project.ID, cashflowID, 960, repository.StatusApproved, time.Hour)
	pending := addLimitOrder(env, project.ID, cashflowID, 100, repository.StatusPartlyApproved, time.Hour)

	if err := env.limits.Recompute(context.Background(), testHub, &project.ID, &cashflowID); err != nil {
		t.Fatalf("Recompute() error: %v", err)
	}
	if limit.Current != 960 {
		t.Fatalf("current = %v, want 960", limit.Current)
	}
	if !pending.OverLimit {
		t.Fatal("pending order was not flagged above the threshold")
	}
	if approved.OverLimit {
		t.Fatal("approved orders must never carry the over-limit flag")
	}
}

func TestRecomputeBelowThresholdLeavesFlagsAlone(t *testing.T) {
	env := newTestEnv()
	project, cashflowID, limit := seedLimitFixture(env, 1000, repository.IntervalAllTime)

	addLimitOrder(env, project.ID, cashflowID, 900, repository.StatusApproved, time.Hour)
	pending := addLimitOrder(env, project.ID, cashflowID, 100, repository.StatusPartlyApproved, time.Hour)

	if err := env.limits.Recompute(context.Background(), testHub, &project.ID, &cashflowID); err != nil {
		t.Fatalf("Recompute() error: %v", err)
	}
	if limit.Current != 900 {
		t.Fatalf("current = %v, want 900", limit.Current)
	}
	if pending.OverLimit {
		t.Fatal("900 of 1000 is below the 95% threshold: no flag expected")
	}
}

func TestRecomputeIgnoresOrdersOutsideWindow(t *testing.T) {
	env := newTestEnv()
	project, cashflowID, limit := seedLimitFixture(env, 1000, repository.IntervalDaily)

	addLimitOrder(env, project.ID, cashflowID, 300, repository.StatusApproved, time.Hour)
	addLimitOrder(env, project.ID, cashflowID, 500, repository.StatusApproved, 72*time.Hour)

	if err := env.limits.Recompute(context.Background(), testHub, &project.ID, &cashflowID); err != nil {
		t.Fatalf("Recompute() error: %v", err)
	}
	if limit.Current != 300 {
		t.Fatalf("current = %v, want 300: orders before the window start must not count", limit.Current)
	}
}

func TestRecomputeClearsFlagOnApprovedOrder(t *testing.T) {
	env := newTestEnv()
	project, cashflowID, _ := seedLimitFixture(env, 1000, repository.IntervalAllTime)

	// The order was flagged while pending, then got approved.
	order := addLimitOrder(env, project.ID, cashflowID, 960, repository.StatusApproved, time.Hour)
	order.OverLimit = true

	if err := env.limits.Recompute(context.Background(), testHub, &project.ID, &cashflowID); err != nil {
		t.Fatalf("Recompute() error: %v", err)
	}
	if order.OverLimit {
		t.Fatal("the flag must be cleared once the order is approved")
	}
}
