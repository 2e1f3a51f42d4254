// Package handler exposes the order approval engine over HTTP.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/procurehub/be-po-orders/internal/errors"
	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/repository"
	"github.com/procurehub/be-po-orders/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	orders      *service.OrderService
	approvals   *service.ApprovalService
	composition *service.CompositionService
	resolver    *service.ResolverService
	limits      *service.LimitService
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	orders *service.OrderService,
	approvals *service.ApprovalService,
	composition *service.CompositionService,
	resolver *service.ResolverService,
	limits *service.LimitService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orders:      orders,
		approvals:   approvals,
		composition: composition,
		resolver:    resolver,
		limits:      limits,
		log:         log,
	}
}

// Register mounts all routes on the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.CreateOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("GET /api/orders/{id}/history", h.GetHistory)
	mux.HandleFunc("POST /api/orders/{id}/approvals", h.SubmitApproval)
	mux.HandleFunc("POST /api/orders/{id}/quantity", h.ChangeQuantity)
	mux.HandleFunc("POST /api/orders/{id}/project", h.ReassignProject)
	mux.HandleFunc("POST /api/orders/{id}/statements", h.SetStatements)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.CancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/comments", h.LeaveComment)
	mux.HandleFunc("POST /api/orders/{id}/purchased", h.MarkPurchased)
	mux.HandleFunc("POST /api/orders/{id}/dealdone", h.MarkDealDone)
	mux.HandleFunc("POST /api/orders/{id}/split", h.SplitOrder)
	mux.HandleFunc("POST /api/orders/{id}/duplicate", h.DuplicateOrder)
	mux.HandleFunc("POST /api/orders/merge", h.MergeOrders)
	mux.HandleFunc("POST /api/positions/resolve", h.ResolveHub)
	mux.HandleFunc("POST /api/limits/recompute", h.RecomputeLimits)
}

// CreateOrder checks out a cart into a new order.
func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	var req struct {
		Items []service.CartItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.orders.CreateFromCart(r.Context(), actor, req.Items)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(order, nil))
}

// GetOrder returns one order with its responsibility bindings.
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}
	order, bindings, err := h.orders.GetOrder(r.Context(), actor, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, bindings))
}

// GetHistory returns the order's audit log.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}
	events, err := h.orders.History(r.Context(), actor, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SubmitApproval records one reviewer decision. A null product_id approves
// the whole order, product_id 0 disapproves it, any other value disapproves
// that line item.
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		ProductID *int64 `json:"product_id"`
		Remark    string `json:"remark"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.SubmitApproval(r.Context(), actor, orderID, req.ProductID, req.Remark)
	if errors.Is(err, errors.ErrCodeDuplicateAction) {
		// Resubmitting the same decision is harmless, so answer with a
		// warning instead of an error status.
		writeJSON(w, http.StatusOK, map[string]any{"warning": errors.MessageOf(err)})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// ChangeQuantity updates one line item's quantity.
func (h *HTTPHandler) ChangeQuantity(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		ProductID int64   `json:"product_id"`
		Quantity  float64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.ChangeQuantity(r.Context(), actor, orderID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// ReassignProject rebinds the order's project and categories.
func (h *HTTPHandler) ReassignProject(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		ProjectID   int64   `json:"project_id"`
		CategoryIDs []int64 `json:"category_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.ReassignProjectCategories(r.Context(), actor, orderID, req.ProjectID, req.CategoryIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// SetStatements rebinds the order's income and cashflow statements.
func (h *HTTPHandler) SetStatements(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		IncomeID   *int64 `json:"income_statement_id"`
		CashflowID *int64 `json:"cashflow_statement_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.SetStatements(r.Context(), actor, orderID, req.IncomeID, req.CashflowID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// CancelOrder cancels the order with a mandatory comment.
func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Comment   string  `json:"comment"`
		NotifyIDs []int64 `json:"notify_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.Cancel(r.Context(), actor, orderID, req.Comment, req.NotifyIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// LeaveComment appends a comment to the order's audit log.
func (h *HTTPHandler) LeaveComment(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Comment   string  `json:"comment"`
		NotifyIDs []int64 `json:"notify_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.LeaveComment(r.Context(), actor, orderID, req.Comment, req.NotifyIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// MarkPurchased flags the order as sent to vendors.
func (h *HTTPHandler) MarkPurchased(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}
	order, err := h.approvals.MarkPurchased(r.Context(), actor, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// MarkDealDone flags the order as handed over.
func (h *HTTPHandler) MarkDealDone(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Responsible string `json:"responsible"`
		Comment     string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.approvals.MarkDealDone(r.Context(), actor, orderID, req.Responsible, req.Comment)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order, nil))
}

// SplitOrder divides the order into two child orders.
func (h *HTTPHandler) SplitOrder(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Partitions [][]int64 `json:"partitions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	children, err := h.composition.Split(r.Context(), actor, orderID, req.Partitions)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	payload := make([]map[string]any, len(children))
	for i, child := range children {
		payload[i] = orderResponse(child, nil)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"orders": payload})
}

// MergeOrders combines several orders into one.
func (h *HTTPHandler) MergeOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	var req struct {
		OrderIDs []int64 `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	order, err := h.composition.Merge(r.Context(), actor, req.OrderIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(order, nil))
}

// DuplicateOrder clones the order.
func (h *HTTPHandler) DuplicateOrder(w http.ResponseWriter, r *http.Request) {
	actor, orderID, ok := h.actorAndOrderID(w, r)
	if !ok {
		return
	}
	order, err := h.composition.Duplicate(r.Context(), actor, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(order, nil))
}

// ResolveHub re-resolves responsibility for every open order in the hub.
// Used after administrative changes to users, positions or bindings.
func (h *HTTPHandler) ResolveHub(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	if actor.Role != repository.RoleAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}
	if err := h.resolver.ResolveHub(r.Context(), actor.HubID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// RecomputeLimits refreshes the hub's budget limit consumption figures,
// optionally narrowed to one project/cashflow pair.
func (h *HTTPHandler) RecomputeLimits(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	var req struct {
		ProjectID  *int64 `json:"project_id"`
		CashflowID *int64 `json:"cashflow_statement_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	if err := h.limits.Recompute(r.Context(), actor.HubID, req.ProjectID, req.CashflowID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recomputed"})
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actorAndOrderID(w http.ResponseWriter, r *http.Request) (service.Actor, int64, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return service.Actor{}, 0, false
	}
	orderID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid order id")
		return service.Actor{}, 0, false
	}
	return actor, orderID, true
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeDuplicateAction:
		status = http.StatusConflict
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, errors.MessageOf(err))
}

func orderResponse(order *repository.Order, bindings []*repository.OrderPosition) map[string]any {
	resp := map[string]any{
		"id":                    order.ID,
		"number":                order.Number,
		"status":                order.Status,
		"total":                 order.Total,
		"create_timestamp":      order.CreateTimestamp,
		"initiative_id":         order.InitiativeID,
		"project_id":            order.ProjectID,
		"site_id":               order.SiteID,
		"income_statement_id":   order.IncomeID,
		"cashflow_statement_id": order.CashflowID,
		"products":              order.Products,
		"purchased":             order.Purchased,
		"exported":              order.Exported,
		"dealdone":              order.DealDone,
		"over_limit":            order.OverLimit,
		"category_ids":          order.CategoryIDs,
		"vendor_ids":            order.VendorIDs,
		"parent_ids":            order.ParentIDs,
		"child_ids":             order.ChildIDs,
	}
	if bindings != nil {
		positions := make([]map[string]any, len(bindings))
		for i, b := range bindings {
			positions[i] = map[string]any{
				"position_id":   b.PositionID,
				"position_name": b.PositionName,
				"approved":      b.Approved,
				"user_id":       b.UserID,
				"timestamp":     b.Timestamp,
			}
		}
		resp["positions"] = positions
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
