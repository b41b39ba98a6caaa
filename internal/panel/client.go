// Package panel talks to a 3x-ui management panel over its HTTP API.
// Authentication is cookie based: a login call establishes a session cookie
// kept in the client's jar, and every other call rides on it.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"grimm.is/gatekeep/internal/brand"
	"grimm.is/gatekeep/internal/config"
	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/metrics"
)

// ErrNotFound reports that an inbound or client does not exist on the
// panel. Callers match it with errors.Is.
var ErrNotFound = errors.New("not found")

// APIError is a panel response with success=false.
type APIError struct {
	Operation string
	Msg       string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("panel rejected %s request", e.Operation)
	}
	return fmt.Sprintf("panel rejected %s request: %s", e.Operation, e.Msg)
}

// AuthError means the panel refused our credentials.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "panel authentication failed"
	}
	return "panel authentication failed: " + e.Msg
}

// Client is a session-holding 3x-ui API client. Safe for concurrent use;
// login is serialized and performed lazily before the first request.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *logging.Logger

	mu       sync.Mutex
	loggedIn bool
}

// NewClient builds a panel client from configuration. The base URL is
// normalized to have no trailing slash.
func NewClient(cfg *config.PanelConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout(),
		},
		logger: logger.WithComponent("panel"),
	}
}

// Login authenticates against the panel and stores the session cookie.
// Newer panels take a JSON body; older ones only accept form encoding, so
// a failed JSON attempt falls back to a form post.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	resp, err := c.send(ctx, http.MethodPost, "/login", "application/json", bytes.NewReader(body))
	if err == nil && resp.Success {
		c.loggedIn = true
		c.logger.Debug("logged in to panel", "base_url", c.baseURL)
		metrics.Get().PanelRequests.WithLabelValues("login", "ok").Inc()
		return nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	resp, err = c.send(ctx, http.MethodPost, "/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		metrics.Get().PanelRequests.WithLabelValues("login", "error").Inc()
		return err
	}
	if !resp.Success {
		metrics.Get().PanelRequests.WithLabelValues("login", "denied").Inc()
		return &AuthError{Msg: resp.Msg}
	}
	c.loggedIn = true
	c.logger.Debug("logged in to panel", "base_url", c.baseURL)
	metrics.Get().PanelRequests.WithLabelValues("login", "ok").Inc()
	return nil
}

func (c *Client) ensureLoggedIn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.loginLocked(ctx)
}

// send performs one HTTP exchange and decodes the response envelope.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build panel request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", brand.UserAgent())

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("panel request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read panel response: %w", err)
	}
	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Msg: httpResp.Status}
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("panel returned %s for %s %s", httpResp.Status, method, path)
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode panel response: %w", err)
	}
	return &resp, nil
}

// call runs one authenticated API operation, decoding obj into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, operation, method, path string, payload, out any) error {
	if err := c.ensureLoggedIn(ctx); err != nil {
		return err
	}

	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", operation, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		metrics.Get().PanelRequests.WithLabelValues(operation, "error").Inc()
		return err
	}
	if !resp.Success {
		metrics.Get().PanelRequests.WithLabelValues(operation, "denied").Inc()
		return &APIError{Operation: operation, Msg: resp.Msg}
	}
	metrics.Get().PanelRequests.WithLabelValues(operation, "ok").Inc()

	if out != nil && len(resp.Obj) > 0 && string(resp.Obj) != "null" {
		if err := json.Unmarshal(resp.Obj, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", operation, err)
		}
	}
	return nil
}

// Inbounds lists all inbounds configured on the panel.
func (c *Client) Inbounds(ctx context.Context) ([]Inbound, error) {
	var inbounds []Inbound
	if err := c.call(ctx, "list_inbounds", http.MethodGet, "/panel/api/inbounds/list", nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

// Inbound fetches a single inbound by id.
func (c *Client) Inbound(ctx context.Context, id int) (*Inbound, error) {
	inbounds, err := c.Inbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].ID == id {
			return &inbounds[i], nil
		}
	}
	return nil, fmt.Errorf("inbound %d: %w", id, ErrNotFound)
}

// AddInbound creates a new inbound and returns the panel's record of it.
func (c *Client) AddInbound(ctx context.Context, in Inbound) (*Inbound, error) {
	var created Inbound
	if err := c.call(ctx, "add_inbound", http.MethodPost, "/panel/api/inbounds/add", in, &created); err != nil {
		return nil, err
	}
	c.logger.Info("created inbound", "port", in.Port, "protocol", in.Protocol, "remark", in.Remark)
	return &created, nil
}

// DeleteInbound removes an inbound by id. The inbound is looked up
// first so a missing id reports ErrNotFound instead of whatever the
// panel's delete endpoint says.
func (c *Client) DeleteInbound(ctx context.Context, id int) error {
	if _, err := c.Inbound(ctx, id); err != nil {
		return err
	}
	path := fmt.Sprintf("/panel/api/inbounds/del/%d", id)
	if err := c.call(ctx, "delete_inbound", http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	c.logger.Info("deleted inbound", "inbound_id", id)
	return nil
}

// updateInbound pushes a modified inbound back to the panel.
func (c *Client) updateInbound(ctx context.Context, in *Inbound) error {
	path := fmt.Sprintf("/panel/api/inbounds/update/%d", in.ID)
	return c.call(ctx, "update_inbound", http.MethodPost, path, in, nil)
}

// AddClient appends a client to the inbound's settings and writes the
// inbound back. The client keeps whatever id the caller supplied; use
// NewClientSettings to generate one.
func (c *Client) AddClient(ctx context.Context, inboundID int, client ClientSettings) (*ClientSettings, error) {
	in, err := c.Inbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	settings, err := in.DecodeSettings()
	if err != nil {
		return nil, err
	}
	for _, existing := range settings.Clients {
		if existing.ID == client.ID {
			return nil, fmt.Errorf("client %s already exists on inbound %d", client.ID, inboundID)
		}
	}
	settings.Clients = append(settings.Clients, client)
	if err := in.EncodeSettings(settings); err != nil {
		return nil, err
	}
	if err := c.updateInbound(ctx, in); err != nil {
		return nil, err
	}
	c.logger.Info("added client", "inbound_id", inboundID, "email", client.Email)
	return &client, nil
}

// RemoveClient drops a client from the inbound's settings by uuid.
func (c *Client) RemoveClient(ctx context.Context, inboundID int, clientID string) error {
	in, err := c.Inbound(ctx, inboundID)
	if err != nil {
		return err
	}
	settings, err := in.DecodeSettings()
	if err != nil {
		return err
	}
	kept := settings.Clients[:0]
	found := false
	for _, existing := range settings.Clients {
		if existing.ID == clientID {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return fmt.Errorf("client %s on inbound %d: %w", clientID, inboundID, ErrNotFound)
	}
	settings.Clients = kept
	if err := in.EncodeSettings(settings); err != nil {
		return err
	}
	if err := c.updateInbound(ctx, in); err != nil {
		return err
	}
	c.logger.Info("removed client", "inbound_id", inboundID, "client_id", clientID)
	return nil
}

// Status returns the panel's server status object.
func (c *Client) Status(ctx context.Context) (ServerStatus, error) {
	var status ServerStatus
	if err := c.call(ctx, "server_status", http.MethodGet, "/panel/api/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// TestConnection verifies reachability and credentials in one shot, and is
// what the connection-test endpoint exposes.
func (c *Client) TestConnection(ctx context.Context) error {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
	if err := c.Login(ctx); err != nil {
		return err
	}
	_, err := c.Inbounds(ctx)
	return err
}
