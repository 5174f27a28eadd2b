package recordstore

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

	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20
	bodySnippetLength     = 256
)

var errMissingBaseURL = errors.New("record store base url is required")

// Record is one row in a remote table. Field names are deployment
// configuration, so values stay in a generic map and readers go through
// the candidate-key tables in fields.go.
type Record struct {
	ID     string
	Fields map[string]any
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues REST record CRUD against the remote relational store.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("recordstore: %w", errMissingBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiToken:   cfg.APIToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// List queries a table with an optional filter expression.
func (c *Client) List(ctx context.Context, table, where string) ([]Record, error) {
	path := "/tables/" + url.PathEscape(table) + "/records"
	if where != "" {
		path += "?where=" + url.QueryEscape(where)
	}

	status, body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, faults.New(faults.CodeUpstreamUnavailable, "", err)
	}
	if status < 200 || status >= 300 {
		return nil, c.statusFault(status, body, "list "+table)
	}

	records, err := decodeRecordList(body)
	if err != nil {
		return nil, fmt.Errorf("recordstore: decode %s list: %w", table, err)
	}
	return records, nil
}

// Update partial-updates one record's fields.
func (c *Client) Update(ctx context.Context, table, recordID string, fields map[string]any) error {
	path := "/tables/" + url.PathEscape(table) + "/records/" + url.PathEscape(recordID)
	status, body, err := c.request(ctx, http.MethodPatch, path, fields)
	if err != nil {
		return faults.New(faults.CodeUpstreamUnavailable, "", err)
	}
	if status < 200 || status >= 300 {
		return c.statusFault(status, body, "update "+table)
	}
	return nil
}

// Create inserts one record with the given fields verbatim.
func (c *Client) Create(ctx context.Context, table string, fields map[string]any) (Record, error) {
	path := "/tables/" + url.PathEscape(table) + "/records"
	status, body, err := c.request(ctx, http.MethodPost, path, fields)
	if err != nil {
		return Record{}, faults.New(faults.CodeUpstreamUnavailable, "", err)
	}
	if status < 200 || status >= 300 {
		return Record{}, c.statusFault(status, body, "create "+table)
	}
	record, err := decodeRecord(body)
	if err != nil {
		return Record{}, fmt.Errorf("recordstore: decode created %s record: %w", table, err)
	}
	return record, nil
}

func (c *Client) request(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("recordstore: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("recordstore: build %s %s: %w", method, path, err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("recordstore: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("recordstore: read %s %s: %w", method, path, err)
	}
	return response.StatusCode, raw, nil
}

func (c *Client) statusFault(status int, body []byte, operation string) error {
	err := fmt.Errorf("recordstore: %s returned status %d: %s", operation, status, snippet(body))
	if status >= 500 {
		return faults.New(faults.CodeUpstreamUnavailable, "", err)
	}
	return err
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > bodySnippetLength {
		return text[:bodySnippetLength]
	}
	return text
}
