package treelinesdk

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

// Client is a minimal Treeline HTTP API client.
type Client struct {
	BaseURL     string
	ProductID   string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, productID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProductID: productID,
		Timeout:   10 * time.Second,
	}
}

// Product mirrors the nested hierarchy the API returns.
type Product struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Completion int      `json:"completion"`
	Domains    []Domain `json:"domains,omitempty"`
}

type Domain struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Completion int       `json:"completion"`
	Features   []Feature `json:"features,omitempty"`
}

type Feature struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Completion   int       `json:"completion"`
	Priority     string    `json:"priority"`
	Status       string    `json:"status"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Subtasks     []Subtask `json:"subtasks,omitempty"`
}

type Subtask struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Completion int    `json:"completion"`
	Status     string `json:"status"`
}

// LayoutNode is one positioned entity.
type LayoutNode struct {
	ID         string  `json:"id"`
	Level      string  `json:"level"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Completion int     `json:"completion"`
	Status     string  `json:"status,omitempty"`
	Priority   string  `json:"priority,omitempty"`
}

type LayoutEdge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

type Layout struct {
	Nodes []LayoutNode `json:"nodes"`
	Edges []LayoutEdge `json:"edges"`
}

// LayoutOptions select the visible portion of the tree.
type LayoutOptions struct {
	Expanded  []string
	ExpandAll bool
	Status    string
	Priority  string
	Name      string
}

type Score struct {
	ProductID string `json:"product_id"`
	Score     int    `json:"score"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UpsertDomain creates or updates a domain.
func (c *Client) UpsertDomain(ctx context.Context, id, name string, completion int) (Domain, error) {
	body := map[string]any{"name": name, "completion": completion}
	var resp Domain
	err := c.do(ctx, http.MethodPut, c.productPath("domains/"+url.PathEscape(id)), body, &resp)
	return resp, err
}

// UpsertFeature creates or updates a feature under a domain.
func (c *Client) UpsertFeature(ctx context.Context, domainID, id, name, priority string, completion int, dependencies []string) (Feature, error) {
	body := map[string]any{"name": name, "completion": completion}
	if priority != "" {
		body["priority"] = priority
	}
	if len(dependencies) > 0 {
		body["dependencies"] = dependencies
	}
	var resp Feature
	endpoint := c.productPath(fmt.Sprintf("domains/%s/features/%s", url.PathEscape(domainID), url.PathEscape(id)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// UpsertSubtask creates or updates a subtask under a feature.
func (c *Client) UpsertSubtask(ctx context.Context, featureID, id, name string, completion int) (Subtask, error) {
	body := map[string]any{"name": name, "completion": completion}
	var resp Subtask
	endpoint := c.productPath(fmt.Sprintf("features/%s/subtasks/%s", url.PathEscape(featureID), url.PathEscape(id)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Tree fetches the full hierarchy with derived completions.
func (c *Client) Tree(ctx context.Context) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodGet, c.productPath("tree"), nil, &resp)
	return resp, err
}

// Layout fetches positioned nodes and edges for the visible tree.
func (c *Client) Layout(ctx context.Context, opts LayoutOptions) (Layout, error) {
	q := url.Values{}
	if opts.ExpandAll {
		q.Set("all", "true")
	} else if len(opts.Expanded) > 0 {
		q.Set("expanded", strings.Join(opts.Expanded, ","))
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Priority != "" {
		q.Set("priority", opts.Priority)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	endpoint := c.productPath("layout")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Layout
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Score fetches the priority-weighted completion score.
func (c *Client) Score(ctx context.Context) (Score, error) {
	var resp Score
	err := c.do(ctx, http.MethodGet, c.productPath("score"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.productPath("events")
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) productPath(p string) string {
	product := url.PathEscape(c.ProductID)
	return fmt.Sprintf("v0/products/%s/%s", product, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
