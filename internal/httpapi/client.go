package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/history"
)

// Client reads a running daemon's status API.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts either a listen address (":8321", "127.0.0.1:8321") or a URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 3 * time.Second}}
}

func (c *Client) Status(ctx context.Context) (StatusSnapshot, error) {
	var s StatusSnapshot
	err := c.get(ctx, "/status", &s)
	return s, err
}

func (c *Client) Running(ctx context.Context) ([]execution.View, error) {
	var v []execution.View
	err := c.get(ctx, "/executions/running", &v)
	return v, err
}

func (c *Client) Recent(ctx context.Context, n int, agent string) ([]history.Entry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(n))
	if agent != "" {
		q.Set("agent", agent)
	}
	var e []history.Entry
	err := c.get(ctx, "/executions/recent?"+q.Encode(), &e)
	return e, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
