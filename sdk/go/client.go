package certlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Certline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Certification represents the API certification model (partial).
type Certification struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Phase      string   `json:"phase"`
	Signed     string   `json:"signed,omitempty"`
	Certifiers []string `json:"certifiers"`
}

// Item represents a certification item (partial).
type Item struct {
	ID          string  `json:"id"`
	EntityID    string  `json:"entity_id"`
	Type        string  `json:"type"`
	TargetName  string  `json:"target_name,omitempty"`
	Application string  `json:"application,omitempty"`
	AccountName string  `json:"account_name,omitempty"`
	Action      *Action `json:"action,omitempty"`
}

// Action is the decision stored on an item.
type Action struct {
	Status    string `json:"status"`
	ActorName string `json:"actor_name,omitempty"`
	Comments  string `json:"comments,omitempty"`
	Reviewed  bool   `json:"reviewed,omitempty"`
}

// ItemView is what the acting identity may see and do on an item.
type ItemView struct {
	Item         Item     `json:"item"`
	Status       string   `json:"status,omitempty"`
	ReadOnly     bool     `json:"read_only"`
	ReadOnlyRule string   `json:"read_only_rule"`
	Choices      []string `json:"choices,omitempty"`
}

// WorkItem is a reviewer queue entry.
type WorkItem struct {
	ID              string `json:"id"`
	CertificationID string `json:"certification_id"`
	EntityID        string `json:"entity_id,omitempty"`
	ItemID          string `json:"item_id,omitempty"`
	Owner           string `json:"owner"`
	State           string `json:"state,omitempty"`
}

// Event represents a log entry. Payload is raw JSON.
type Event struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts"`
	Type            string `json:"type"`
	CertificationID string `json:"certification_id,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorName       string `json:"actor_name"`
	Payload         string `json:"payload_json"`
}

// SignResult reports a sign-off attempt. Warnings list the items whose
// delegations were voided during signing.
type SignResult struct {
	Signed   bool     `json:"signed"`
	Warnings []string `json:"warnings,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetCertification fetches a certification.
func (c *Client) GetCertification(ctx context.Context, id string) (Certification, error) {
	var resp Certification
	err := c.do(ctx, http.MethodGet, "v0/certifications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetPhase advances a certification's phase.
func (c *Client) SetPhase(ctx context.Context, id, phase string) (Certification, error) {
	var resp Certification
	endpoint := fmt.Sprintf("v0/certifications/%s/phase", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"phase": phase}, &resp)
	return resp, err
}

// Sign attempts sign-off on a certification.
func (c *Client) Sign(ctx context.Context, id string) (SignResult, error) {
	var resp SignResult
	endpoint := fmt.Sprintf("v0/certifications/%s/sign", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// View fetches an item as the authenticated identity sees it. workItemID may
// be empty for the certification-report view.
func (c *Client) View(ctx context.Context, itemID, workItemID string) (ItemView, error) {
	endpoint := fmt.Sprintf("v0/items/%s/view", url.PathEscape(itemID))
	if workItemID != "" {
		endpoint = fmt.Sprintf("%s?work_item=%s", endpoint, url.QueryEscape(workItemID))
	}
	var resp ItemView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide saves a decision on an item. extra carries optional fields such as
// comments, remediation_owner, or mitigation_expiration.
func (c *Client) Decide(ctx context.Context, itemID, status, workItemID string, extra map[string]any) (Item, error) {
	body := map[string]any{"status": status}
	if workItemID != "" {
		body["work_item"] = workItemID
	}
	for k, v := range extra {
		body[k] = v
	}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/decision", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Delegate hands an item's decision to another identity.
func (c *Client) Delegate(ctx context.Context, itemID, recipient, description string) (Item, error) {
	body := map[string]any{
		"recipient":   recipient,
		"description": description,
	}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/delegation", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RevokeDelegation cancels an item delegation.
func (c *Client) RevokeDelegation(ctx context.Context, itemID string) error {
	endpoint := fmt.Sprintf("v0/items/%s/delegation", url.PathEscape(itemID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Review marks a delegate's decision as reviewed by the certifier.
func (c *Client) Review(ctx context.Context, itemID string) (Item, error) {
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/review", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// WorkItems lists the queue for an owner; empty owner means the caller.
func (c *Client) WorkItems(ctx context.Context, owner string) ([]WorkItem, error) {
	endpoint := "v0/workitems"
	if owner != "" {
		endpoint = fmt.Sprintf("%s?owner=%s", endpoint, url.QueryEscape(owner))
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ForwardWorkItem reassigns a work item to a new owner.
func (c *Client) ForwardWorkItem(ctx context.Context, id, newOwner string) (WorkItem, error) {
	var resp WorkItem
	endpoint := fmt.Sprintf("v0/workitems/%s/forward", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"new_owner": newOwner}, &resp)
	return resp, err
}

// CompleteWorkItem finishes or returns a delegation work item.
func (c *Client) CompleteWorkItem(ctx context.Context, id, state string) error {
	endpoint := fmt.Sprintf("v0/workitems/%s/complete", url.PathEscape(id))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"state": state}, nil)
}

// Events returns recent events for a certification.
func (c *Client) Events(ctx context.Context, certificationID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/certifications/%s/events", url.PathEscape(certificationID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
