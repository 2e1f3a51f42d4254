package repository

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// ── Enums ─────────────────────────────────────────────────────────────────────

// OrderStatus is the order lifecycle status.
type OrderStatus string

const (
	StatusNew            OrderStatus = "new"
	StatusNotApproved    OrderStatus = "not_approved"
	StatusPartlyApproved OrderStatus = "partly_approved"
	StatusApproved       OrderStatus = "approved"
	StatusCancelled      OrderStatus = "cancelled"
)

// Terminal reports whether no further status-changing mutation is permitted.
func (s OrderStatus) Terminal() bool {
	return s == StatusApproved || s == StatusCancelled
}

// EventType classifies audit log entries. The set is closed; history views
// and notification triggers switch on it.
type EventType string

const (
	EventCommented       EventType = "commented"
	EventApproved        EventType = "approved"
	EventDisapproved     EventType = "disapproved"
	EventQuantity        EventType = "quantity_changed"
	EventDuplicated      EventType = "duplicated"
	EventPurchased       EventType = "purchased"
	EventExported        EventType = "exported"
	EventMerged          EventType = "merged"
	EventSplit           EventType = "split"
	EventDealDone        EventType = "dealdone"
	EventIncomeChanged   EventType = "income_statement_changed"
	EventCashflowChanged EventType = "cashflow_statement_changed"
	EventProjectChanged  EventType = "project_changed"
	EventNotification    EventType = "notification_sent"
	EventCancelled       EventType = "cancelled"
)

// UserRole is the hub-scoped role of a user.
type UserRole string

const (
	RoleDefault    UserRole = "default"
	RoleAdmin      UserRole = "admin"
	RoleInitiative UserRole = "initiative"
	RoleValidator  UserRole = "validator"
	RolePurchaser  UserRole = "purchaser"
	RoleSupervisor UserRole = "supervisor"
	RoleVendor     UserRole = "vendor"
)

// LimitInterval is the rolling window of a budget limit.
type LimitInterval string

const (
	IntervalDaily     LimitInterval = "daily"
	IntervalWeekly    LimitInterval = "weekly"
	IntervalMonthly   LimitInterval = "monthly"
	IntervalQuarterly LimitInterval = "quarterly"
	IntervalAnnually  LimitInterval = "annually"
	IntervalAllTime   LimitInterval = "all_time"
)

// WindowStart returns the epoch-seconds start of the interval's current
// window, anchored in UTC: start of day, ISO week (Monday), month, quarter
// or year. All-time windows start at the epoch.
func (i LimitInterval) WindowStart(now time.Time) int64 {
	now = now.UTC()
	switch i {
	case IntervalDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Unix()
	case IntervalWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset).Unix()
	case IntervalMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
	case IntervalQuarterly:
		month := time.Month(3*((int(now.Month())-1)/3) + 1)
		return time.Date(now.Year(), month, 1, 0, 0, 0, 0, time.UTC).Unix()
	case IntervalAnnually:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	default:
		return 0
	}
}

// ── Order aggregate ───────────────────────────────────────────────────────────

// ProductOption is one selected option on an order line item.
type ProductOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OrderProduct is one line item, stored as JSONB on the order row.
type OrderProduct struct {
	ID              int64           `json:"id"`
	SKU             string          `json:"sku"`
	Name            string          `json:"name"`
	Price           float64         `json:"price"`
	Quantity        float64         `json:"quantity"`
	CategoryID      int64           `json:"categoryId"`
	Vendor          string          `json:"vendor"`
	ImageURL        string          `json:"imageUrl,omitempty"`
	SelectedOptions []ProductOption `json:"selectedOptions,omitempty"`
}

// MergeKey is the dedup key used when merging orders: the SKU, plus the
// sorted selected option values when more than one option is present, so
// the same SKU with different option selections stays distinct.
func (p OrderProduct) MergeKey() string {
	if len(p.SelectedOptions) <= 1 {
		return p.SKU
	}
	values := make([]string, 0, len(p.SelectedOptions))
	for _, opt := range p.SelectedOptions {
		values = append(values, opt.Value)
	}
	sort.Strings(values)
	return p.SKU + strings.Join(values, "")
}

// MergedLineID derives a stable synthetic line id from a merge key.
func MergedLineID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	id := int64(h.Sum64() & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id
}

// Order is the central aggregate.
type Order struct {
	ID              int64
	Number          string
	HubID           int64
	InitiativeID    *int64
	CreateTimestamp int64
	Products        []OrderProduct
	Total           float64
	Status          OrderStatus
	ProjectID       *int64
	SiteID          *int64
	IncomeID        *int64
	CashflowID      *int64
	Purchased       bool
	Exported        bool
	DealDone        bool
	OverLimit       bool
	CategoryIDs     []int64
	VendorIDs       []int64
	ParentIDs       []int64
	ChildIDs        []int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasChildren reports whether the order was already split or merged away.
func (o *Order) HasChildren() bool { return len(o.ChildIDs) > 0 }

// RecomputeTotal removes zero-quantity line items and recomputes the total
// as the sum of quantity times price over what remains.
func (o *Order) RecomputeTotal() {
	kept := o.Products[:0]
	var total float64
	for _, p := range o.Products {
		if p.Quantity <= 0 {
			continue
		}
		kept = append(kept, p)
		total += p.Quantity * p.Price
	}
	o.Products = kept
	o.Total = total
}

// FindProduct returns the line item with the given id, or nil.
func (o *Order) FindProduct(productID int64) *OrderProduct {
	for i := range o.Products {
		if o.Products[i].ID == productID {
			return &o.Products[i]
		}
	}
	return nil
}

// ProductCategoryIDs returns the distinct category ids of the line items.
func ProductCategoryIDs(products []OrderProduct) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range products {
		if p.CategoryID != 0 && !seen[p.CategoryID] {
			seen[p.CategoryID] = true
			ids = append(ids, p.CategoryID)
		}
	}
	return ids
}

// ProductVendorNames returns the distinct vendor names of the line items.
func ProductVendorNames(products []OrderProduct) []string {
	seen := make(map[string]bool)
	var names []string
	for _, p := range products {
		if p.Vendor != "" && !seen[p.Vendor] {
			seen[p.Vendor] = true
			names = append(names, p.Vendor)
		}
	}
	return names
}

// ── Approval state ────────────────────────────────────────────────────────────

// DisapproveAll is the reserved product id meaning the user disapproves the
// order as a whole, as opposed to a nil product id which is a whole-order
// approval.
const DisapproveAll int64 = 0

// OrderApproval is one decision by one user on an order. ProductID nil is a
// whole-order approval; ProductID zero is a whole-order disapproval; any
// other value is a disapproval scoped to that line item.
type OrderApproval struct {
	ID        int64
	OrderID   int64
	UserID    int64
	ProductID *int64
	Remark    *string
}

// IsApproval reports whether the record is a whole-order approval.
func (a *OrderApproval) IsApproval() bool { return a.ProductID == nil }

// OrderPosition binds an organizational position to an order as a required
// approver, tracking which user last acted on the position's behalf.
type OrderPosition struct {
	OrderID      int64
	PositionID   int64
	PositionName string
	Approved     bool
	UserID       *int64
	Timestamp    *time.Time
}

// OrderEvent is one immutable entry in the order's audit log.
type OrderEvent struct {
	ID        int64
	OrderID   int64
	UserID    int64
	Type      EventType
	Data      string
	Timestamp time.Time
}

// ── Budget limits ─────────────────────────────────────────────────────────────

// OverLimitThreshold is the consumed fraction of a limit's ceiling above
// which pending orders in the window are flagged.
const OverLimitThreshold = 0.95

// OrderLimit is one budget rule per (hub, project, cashflow, interval).
// Current is a cached consumption figure, not authoritative.
type OrderLimit struct {
	ID         int64
	HubID      int64
	ProjectID  int64
	CashflowID int64
	Value      float64
	Current    float64
	Interval   LimitInterval
}

// ── Reference entities ────────────────────────────────────────────────────────

// Position is an organizational role within a hub. Responsibility for an
// order is inferred through the users holding the position, not through any
// direct binding on the position itself.
type Position struct {
	ID    int64
	HubID int64
	Name  string
}

// Project is the client an order is placed on behalf of.
type Project struct {
	ID      int64
	HubID   int64
	Name    string
	Enabled bool
}

// Category is a node in the hub's category tree, materialized as a
// slash-delimited path name.
type Category struct {
	ID    int64
	HubID int64
	Name  string
}

// IsDescendantOf reports whether c is other or lives under other in the
// category tree.
func (c Category) IsDescendantOf(other Category) bool {
	return c.Name == other.Name || strings.HasPrefix(c.Name, other.Name+"/")
}

// User is a hub member.
type User struct {
	ID         int64
	HubID      int64
	Email      string
	Name       string
	Role       UserRole
	PositionID *int64
}

// CatalogProduct is a vendor catalog entry used to snapshot line items at
// checkout time.
type CatalogProduct struct {
	ID          int64
	VendorID    int64
	VendorName  string
	SKU         string
	Name        string
	Price       float64
	Measurement string
	CategoryID  int64
	ImageURL    string
	Options     map[string][]string
}

// Line builds an order line item snapshot of the catalog product. Only
// options the catalog actually offers are recorded.
func (p *CatalogProduct) Line(quantity float64, comment string, options map[string]string) OrderProduct {
	line := OrderProduct{
		ID:         p.ID,
		SKU:        p.SKU,
		Name:       p.Name,
		Price:      p.Price,
		Quantity:   quantity,
		CategoryID: p.CategoryID,
		Vendor:     p.VendorName,
		ImageURL:   p.ImageURL,
		SelectedOptions: []ProductOption{
			{Name: "Unit", Value: p.Measurement},
		},
	}
	if comment != "" {
		line.SelectedOptions = append(line.SelectedOptions, ProductOption{Name: "Comment", Value: comment})
	}
	for opt, value := range options {
		allowed, ok := p.Options[opt]
		if !ok {
			continue
		}
		for _, v := range allowed {
			if v == value {
				line.SelectedOptions = append(line.SelectedOptions, ProductOption{Name: opt, Value: value})
				break
			}
		}
	}
	return line
}

// FormatNumber renders a human-facing order number from a sequence value.
func FormatNumber(seq int64) string { return fmt.Sprintf("%d", seq) }
