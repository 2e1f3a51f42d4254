package service

import (
	"context"

	"github.com/procurehub/be-po-orders/internal/repository"
)

// deriveStatus computes the order status purely from the current
// position-approval set and disapproval records:
//
//  1. No bound project, disabled project or an already-cancelled order
//     freezes the status.
//  2. Every binding approved yields approved.
//  3. Any disapproval on record (whole-order sentinel or item-scoped)
//     yields not_approved.
//  4. Otherwise partly_approved.
func deriveStatus(current repository.OrderStatus, project *repository.Project, bindings []*repository.OrderPosition, hasDisapproval bool) repository.OrderStatus {
	if project == nil || !project.Enabled || current == repository.StatusCancelled {
		return current
	}
	allApproved := true
	for _, b := range bindings {
		if !b.Approved {
			allApproved = false
			break
		}
	}
	if allApproved {
		return repository.StatusApproved
	}
	if hasDisapproval {
		return repository.StatusNotApproved
	}
	return repository.StatusPartlyApproved
}

// recomputeStatus loads the approval state and rewrites the order's status
// when it changed. It returns the new status. Orders with no bound project
// or no categories cannot be routed to any position, so their status is
// left alone rather than vacuously approved.
func recomputeStatus(ctx context.Context, st repository.Store, order *repository.Order) (repository.OrderStatus, error) {
	if order.ProjectID == nil || len(order.CategoryIDs) == 0 {
		return order.Status, nil
	}

	var project *repository.Project
	if p, err := st.Projects().GetByID(ctx, order.HubID, *order.ProjectID); err == nil {
		project = p
	}

	bindings, err := st.Positions().Bindings(ctx, order.ID)
	if err != nil {
		return order.Status, err
	}
	hasDisapproval, err := st.Approvals().HasDisapprovals(ctx, order.ID)
	if err != nil {
		return order.Status, err
	}

	status := deriveStatus(order.Status, project, bindings, hasDisapproval)
	if status != order.Status {
		if err := st.Orders().SetStatus(ctx, order.ID, status); err != nil {
			return order.Status, err
		}
		order.Status = status
	}
	return status, nil
}
