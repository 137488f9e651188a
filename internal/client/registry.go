package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// AddressRegistry resolves whether a destination address is allow-listed for
// an account and asset, with per-address permission flags.
type AddressRegistry interface {
	IsWhitelisted(ctx context.Context, accountID, asset, address string) (*AddressEntry, error)
}

type AddressEntry struct {
	Whitelisted bool `json:"whitelisted"`
	CanWithdraw bool `json:"can_withdraw"`
}

type HTTPAddressRegistry struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPAddressRegistry(baseURL string) *HTTPAddressRegistry {
	return &HTTPAddressRegistry{
		Client:  &http.Client{},
		BaseURL: baseURL,
	}
}

func (c *HTTPAddressRegistry) IsWhitelisted(ctx context.Context, accountID, asset, address string) (*AddressEntry, error) {
	u := fmt.Sprintf("%s/api/whitelist/%s/%s/%s",
		c.BaseURL, url.PathEscape(accountID), url.PathEscape(asset), url.PathEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return &AddressEntry{}, nil
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var entry AddressEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &entry, nil
}
