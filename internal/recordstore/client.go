package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a record or collection lookup matches nothing.
var ErrNotFound = errors.New("record not found")

const listPageSize = 500

// Client is a typed accessor to the external record store. All fleet state
// (devices, tasks, run configs) lives there; fleet-core keeps no database of
// its own.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Quote escapes a value for use inside a filter expression.
func Quote(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("record store %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("record store %s %s: %s", method, path, resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

type listPage struct {
	Page       int               `json:"page"`
	TotalPages int               `json:"totalPages"`
	Items      []json.RawMessage `json:"items"`
}

// getFullList drains every page of a filtered collection listing.
func (c *Client) getFullList(ctx context.Context, collection, filter, expand string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("perPage", strconv.Itoa(listPageSize))
		if filter != "" {
			q.Set("filter", filter)
		}
		if expand != "" {
			q.Set("expand", expand)
		}

		var p listPage
		if err := c.do(ctx, http.MethodGet, "/api/collections/"+collection+"/records", q, nil, &p); err != nil {
			return nil, err
		}
		items = append(items, p.Items...)
		if p.TotalPages == 0 || page >= p.TotalPages {
			return items, nil
		}
	}
}

func (c *Client) getOne(ctx context.Context, collection, id string, out any) error {
	return c.do(ctx, http.MethodGet, "/api/collections/"+collection+"/records/"+id, nil, nil, out)
}

func (c *Client) create(ctx context.Context, collection string, data, out any) error {
	return c.do(ctx, http.MethodPost, "/api/collections/"+collection+"/records", nil, data, out)
}

func (c *Client) update(ctx context.Context, collection, id string, patch, out any) error {
	return c.do(ctx, http.MethodPatch, "/api/collections/"+collection+"/records/"+id, nil, patch, out)
}

func (c *Client) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	if err := c.getOne(ctx, CollectionDevices, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListDevices(ctx context.Context, filter string) ([]Device, error) {
	raw, err := c.getFullList(ctx, CollectionDevices, filter, "")
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(raw))
	for _, r := range raw {
		var d Device
		if err := json.Unmarshal(r, &d); err != nil {
			return nil, fmt.Errorf("decode device record: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) UpdateDevice(ctx context.Context, id string, patch map[string]any) (*Device, error) {
	var d Device
	if err := c.update(ctx, CollectionDevices, id, patch, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetRunConfig resolves the command template for an action on a device model.
func (c *Client) GetRunConfig(ctx context.Context, action, model string) (*RunConfig, error) {
	filter := fmt.Sprintf("name = %s && model = %s", Quote(action), Quote(model))
	raw, err := c.getFullList(ctx, CollectionRunConfigs, filter, "")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("run config %q for model %q: %w", action, model, ErrNotFound)
	}
	var rc RunConfig
	if err := json.Unmarshal(raw[0], &rc); err != nil {
		return nil, fmt.Errorf("decode run config record: %w", err)
	}
	return &rc, nil
}

func (c *Client) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	var out Task
	if err := c.create(ctx, CollectionTasks, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.getOne(ctx, CollectionTasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch map[string]any) (*Task, error) {
	var t Task
	if err := c.update(ctx, CollectionTasks, id, patch, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListTasks(ctx context.Context, filter string) ([]Task, error) {
	raw, err := c.getFullList(ctx, CollectionTasks, filter, "")
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(raw))
	for _, r := range raw {
		var t Task
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, fmt.Errorf("decode task record: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Ping verifies the record store is reachable. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("record store health: %s", resp.Status)
	}
	return nil
}
