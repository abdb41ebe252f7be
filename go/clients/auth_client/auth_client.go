package auth_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Role is the access level carried by a resolved identity.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleControl Role = "CONTROL"
	RoleViewer  Role = "VIEWER"
)

// Identity is who is calling, with what role. The scoreboard engine
// never issues or validates tokens itself; it only consumes this.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// CanControl reports whether the identity may issue mutating commands.
func (i Identity) CanControl() bool {
	return i.Role == RoleControl || i.Role == RoleAdmin
}

// Resolver resolves an opaque bearer token into an identity.
type Resolver interface {
	ResolveIdentity(ctx context.Context, bearerToken string) (Identity, error)
}

// Client talks to the auth service's token introspection endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an auth client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type introspectRequest struct {
	Token string `json:"token"`
}

// ResolveIdentity exchanges a bearer token for the identity it carries.
func (c *Client) ResolveIdentity(ctx context.Context, bearerToken string) (Identity, error) {
	body, err := json.Marshal(introspectRequest{Token: bearerToken})
	if err != nil {
		return Identity{}, fmt.Errorf("failed to marshal introspect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/introspect", bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Identity{}, fmt.Errorf("token rejected by auth service")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return Identity{}, fmt.Errorf("auth service returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("failed to decode identity: %w", err)
	}
	if identity.UserID == "" {
		return Identity{}, fmt.Errorf("auth service returned empty identity")
	}
	return identity, nil
}
