package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// BroadcastService is the external signing/broadcast collaborator. It accepts
// a prepared transaction and exposes confirmation-depth queries; signing
// itself happens on the far side.
type BroadcastService interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)
	GetConfirmations(ctx context.Context, txRef string) (*ConfirmationStatus, error)
}

type SubmitRequest struct {
	RequestID   string `json:"request_id"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	TxRef    string `json:"tx_ref,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ConfirmationStatus struct {
	TxRef         string `json:"tx_ref"`
	Confirmations int    `json:"confirmations"`
	Dropped       bool   `json:"dropped"`
	Reason        string `json:"reason,omitempty"`
}

type HTTPBroadcastService struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPBroadcastService(baseURL string) *HTTPBroadcastService {
	return &HTTPBroadcastService{
		Client:  &http.Client{},
		BaseURL: baseURL,
	}
}

func (c *HTTPBroadcastService) Submit(ctx context.Context, sub *SubmitRequest) (*SubmitResult, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &result, nil
}

func (c *HTTPBroadcastService) GetConfirmations(ctx context.Context, txRef string) (*ConfirmationStatus, error) {
	u := fmt.Sprintf("%s/api/transactions/%s/confirmations", c.BaseURL, url.PathEscape(txRef))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status ConfirmationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &status, nil
}
