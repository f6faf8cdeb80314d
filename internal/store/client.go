package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const pageSize = 100
const readRetryDelay = 200 * time.Millisecond

type Config struct {
	BaseURL string
	APIKey  string
	BaseID  string
	Timeout time.Duration
	MaxConns int
}

// Client talks to the remote tabular record store. All operations are
// bounded by the configured timeout; reads get one automatic retry on
// retryable failures, writes never do.
type Client struct {
	config *Config
	client *fasthttp.Client
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" || config.BaseID == "" {
		return nil, errors.New("store base url and base id are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	maxConns := config.MaxConns
	if maxConns <= 0 {
		maxConns = 100
	}

	return &Client{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     maxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}, nil
}

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

type recordEnvelope struct {
	Fields map[string]any `json:"fields"`
}

// ListAll fetches every record of a table, following pagination
// cursors transparently.
func (c *Client) ListAll(ctx context.Context, table string) ([]Record, error) {
	var out []Record
	offset := ""
	for {
		query := fmt.Sprintf("pageSize=%d", pageSize)
		if offset != "" {
			query += "&offset=" + url.QueryEscape(offset)
		}

		body, err := c.doRead(ctx, c.tableURL(table)+"?"+query)
		if err != nil {
			return nil, err
		}

		var page listResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal list response: %w", err)
		}

		out = append(out, page.Records...)
		if page.Offset == "" {
			return out, nil
		}
		offset = page.Offset
	}
}

// Get fetches a single record by id.
func (c *Client) Get(ctx context.Context, table, id string) (*Record, error) {
	body, err := c.doRead(ctx, c.tableURL(table)+"/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// Query returns the records matching a filter formula.
func (c *Client) Query(ctx context.Context, table, formula string) ([]Record, error) {
	uri := c.tableURL(table) + "?filterByFormula=" + url.QueryEscape(formula)
	body, err := c.doRead(ctx, uri)
	if err != nil {
		return nil, err
	}

	var page listResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query response: %w", err)
	}
	return page.Records, nil
}

// Create inserts a record and returns it with its assigned id.
func (c *Client) Create(ctx context.Context, table string, fields map[string]any) (*Record, error) {
	payload, err := json.Marshal(recordEnvelope{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	body, err := c.doRequest(ctx, fasthttp.MethodPost, c.tableURL(table), payload)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal created record: %w", err)
	}
	return &rec, nil
}

// Update patches the given fields of an existing record.
func (c *Client) Update(ctx context.Context, table, id string, fields map[string]any) (*Record, error) {
	payload, err := json.Marshal(recordEnvelope{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	body, err := c.doRequest(ctx, fasthttp.MethodPatch, c.tableURL(table)+"/"+url.PathEscape(id), payload)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal updated record: %w", err)
	}
	return &rec, nil
}

func (c *Client) tableURL(table string) string {
	return c.config.BaseURL + "/" + c.config.BaseID + "/" + url.PathEscape(table)
}

// doRead performs a GET with one retry on retryable failures.
func (c *Client) doRead(ctx context.Context, uri string) ([]byte, error) {
	body, err := c.doRequest(ctx, fasthttp.MethodGet, uri, nil)
	if err == nil {
		return body, nil
	}

	var storeErr *Error
	if errors.As(err, &storeErr) && !storeErr.Retryable() {
		return nil, err
	}

	logger.Warn("store read failed, retrying once", "uri", uri, "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(readRetryDelay):
	}
	return c.doRequest(ctx, fasthttp.MethodGet, uri, nil)
}

func (c *Client) doRequest(ctx context.Context, method, uri string, payload []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("store request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode < 200 || statusCode > 299 {
		return nil, &Error{Status: statusCode, Body: string(resp.Body())}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}
