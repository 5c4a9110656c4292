// Package remote talks to the collaborator services over JSON/HTTP: content
// fetching, action execution, identity validation and address issuance.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"actionline/internal/domain"
	"actionline/internal/worker"
)

// Response statuses returned by collaborators.
const (
	StatusOK        = "ok"
	StatusNeedsCode = "needs_code"
	StatusRevoked   = "revoked"
	StatusFrozen    = "frozen"
)

// Client implements worker.Executor, worker.Fetcher, worker.Validator and
// quota.Provider. Requests share one rate limiter.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Limiter     *rate.Limiter
}

// New creates a client limited to perSecond requests with the given burst.
// perSecond <= 0 disables throttling.
func New(baseURL, token string, perSecond float64, burst int) *Client {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
		Limiter:     rate.NewLimiter(limit, burst),
	}
}

// APIError wraps non-2xx responses that carry no outcome status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("collaborator error: status=%d body=%s", e.StatusCode, e.Body)
}

type outcome struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// err maps a collaborator status onto the outcome taxonomy.
func (o outcome) err() error {
	var base error
	switch o.Status {
	case "", StatusOK:
		return nil
	case StatusNeedsCode:
		base = domain.ErrNeedsCode
	case StatusRevoked:
		base = domain.ErrRevoked
	case StatusFrozen:
		base = domain.ErrFrozen
	default:
		return fmt.Errorf("unexpected collaborator status %q: %s", o.Status, o.Message)
	}
	if o.Message != "" {
		return fmt.Errorf("%w: %s", base, o.Message)
	}
	return base
}

func (o outcome) refusal() bool {
	switch o.Status {
	case StatusNeedsCode, StatusRevoked, StatusFrozen:
		return true
	}
	return false
}

type post struct {
	ContentID        string         `json:"content_id"`
	PostedAt         time.Time      `json:"posted_at"`
	Payload          string         `json:"payload,omitempty"`
	ParameterWeights map[string]int `json:"parameter_weights,omitempty"`
}

// FetchRecent returns the newest posts of a channel.
func (c *Client) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.ContentItem, error) {
	endpoint := fmt.Sprintf("v1/channels/%s/posts", url.PathEscape(channelID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []post `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", channelID, err)
	}
	items := make([]domain.ContentItem, 0, len(resp.Items))
	for _, p := range resp.Items {
		it := domain.ContentItem{
			ChannelID:        channelID,
			ContentID:        p.ContentID,
			Payload:          p.Payload,
			ParameterWeights: p.ParameterWeights,
		}
		if !p.PostedAt.IsZero() {
			it.PostedAt = domain.FormatTime(p.PostedAt)
		}
		items = append(items, it)
	}
	return items, nil
}

// Perform executes one action.
func (c *Client) Perform(ctx context.Context, a worker.Action) error {
	body := map[string]any{
		"identity_id":      a.IdentityID,
		"address_id":       a.Address.AddressID,
		"external_address": a.Address.ExternalAddress,
		"channel_id":       a.Item.ChannelID,
		"content_id":       a.Item.ContentID,
		"parameter":        a.Parameter,
	}
	if a.Code != "" {
		body["code"] = a.Code
	}
	var resp outcome
	if err := c.do(ctx, http.MethodPost, "v1/actions", body, &resp); err != nil {
		return err
	}
	return resp.err()
}

// Validate checks that an identity can still sign in.
func (c *Client) Validate(ctx context.Context, identityID, code string) error {
	body := map[string]any{}
	if code != "" {
		body["code"] = code
	}
	var resp outcome
	endpoint := fmt.Sprintf("v1/identities/%s/validate", url.PathEscape(identityID))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return err
	}
	return resp.err()
}

// IssueOrRotate asks the address provider for a fresh external address.
func (c *Client) IssueOrRotate(ctx context.Context, addressID string) (string, error) {
	var resp struct {
		ExternalAddress string `json:"external_address"`
	}
	endpoint := fmt.Sprintf("v1/addresses/%s/rotate", url.PathEscape(addressID))
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &resp); err != nil {
		return "", err
	}
	if resp.ExternalAddress == "" {
		return "", errors.New("address provider returned an empty address")
	}
	return resp.ExternalAddress, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		// Refusals such as revoked sessions arrive as 4xx with a status body.
		var o outcome
		if json.Unmarshal(b, &o) == nil && o.refusal() {
			return o.err()
		}
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && len(b) > 0 {
		return json.Unmarshal(b, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
