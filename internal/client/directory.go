package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Directory resolves approver identities and their ordering eligibility for
// an organization.
type Directory interface {
	ResolveApprovers(ctx context.Context, orgRef string, approverIDs []string) ([]ApproverInfo, error)
}

type ApproverInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Eligible bool   `json:"eligible"`
}

type HTTPDirectory struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		Client:  &http.Client{},
		BaseURL: baseURL,
	}
}

func (c *HTTPDirectory) ResolveApprovers(ctx context.Context, orgRef string, approverIDs []string) ([]ApproverInfo, error) {
	q := url.Values{}
	for _, id := range approverIDs {
		q.Add("id", id)
	}
	u := fmt.Sprintf("%s/api/orgs/%s/approvers?%s", c.BaseURL, url.PathEscape(orgRef), q.Encode())

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

	var infos []ApproverInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return infos, nil
}
