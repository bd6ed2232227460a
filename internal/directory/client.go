// Package directory lists the counterparts a user can open a consultation
// with.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"consult-chat/internal/models"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// PathFor is the listing a caller of the given account type picks from:
// health seekers see doctors, everyone else sees health seekers.
func PathFor(accountType string) string {
	if accountType == models.AccountHealthSeeker {
		return "/doctors"
	}
	return "/users"
}

// List returns the counterparts for accountType in server order.
func (c *Client) List(ctx context.Context, accountType string) ([]models.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathFor(accountType), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list profiles: unexpected status %d", resp.StatusCode)
	}

	var profiles []models.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return profiles, nil
}
