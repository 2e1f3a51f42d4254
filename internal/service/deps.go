// Package service implements the order approval engine: responsibility
// resolution, the approval state machine, budget limit tracking and the
// split/merge/duplicate composition operations.
package service

import (
	"context"

	"github.com/procurehub/be-po-orders/internal/repository"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID    int64
	HubID int64
	Role  repository.UserRole
	Name  string
}

// Notification kinds published for external delivery.
const (
	NotifyNew         = "new"
	NotifyApproved    = "approved"
	NotifyDisapproved = "disapproved"
	NotifyCancelled   = "cancelled"
	NotifyCommented   = "commented"
)

// Notifier delivers order notifications to external consumers. Delivery is
// fire-and-forget; implementations must never fail the calling operation.
type Notifier interface {
	Notify(ctx context.Context, kind string, order *repository.Order, recipientIDs []int64, payload map[string]any)
}

// AccountingExporter pushes an approved order to the external accounting
// system and returns the remote document reference.
type AccountingExporter interface {
	Export(ctx context.Context, order *repository.Order) (string, error)
}

// NopNotifier discards notifications; used when no bus is configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, string, *repository.Order, []int64, map[string]any) {}
