package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/procurehub/be-po-orders/internal/config"
	"github.com/procurehub/be-po-orders/internal/errors"
	"github.com/procurehub/be-po-orders/internal/repository"
)

// AccountingClient pushes approved orders to the external accounting system
// over its HTTP export endpoint.
type AccountingClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewAccountingClient creates an accounting export client. A nil client is
// returned when no export URL is configured.
func NewAccountingClient(cfg config.AccountingConfig) *AccountingClient {
	if cfg.URL == "" {
		return nil
	}
	return &AccountingClient{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type exportRequest struct {
	HubID       int64                     `json:"hub_id"`
	OrderNumber string                    `json:"order_number"`
	Total       float64                   `json:"total"`
	ProjectID   *int64                    `json:"project_id,omitempty"`
	IncomeID    *int64                    `json:"income_statement_id,omitempty"`
	CashflowID  *int64                    `json:"cashflow_statement_id,omitempty"`
	Products    []repository.OrderProduct `json:"products"`
}

type exportResponse struct {
	Reference string `json:"reference"`
}

// Export sends the order to accounting and returns the remote document
// reference.
func (c *AccountingClient) Export(ctx context.Context, order *repository.Order) (string, error) {
	body, err := json.Marshal(exportRequest{
		HubID:       order.HubID,
		OrderNumber: order.Number,
		Total:       order.Total,
		ProjectID:   order.ProjectID,
		IncomeID:    order.IncomeID,
		CashflowID:  order.CashflowID,
		Products:    order.Products,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal export request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to build export request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "accounting export request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("accounting export returned %d: %s", resp.StatusCode, string(payload)))
	}

	var parsed exportResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to decode export response")
	}
	return parsed.Reference, nil
}
