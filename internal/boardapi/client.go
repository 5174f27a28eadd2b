package boardapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20
	bodySnippetLength     = 256
)

var (
	// ErrUnauthorized signals an HTTP 401 from the board API; the token
	// store reacts to it with a single refresh-and-retry.
	ErrUnauthorized = errors.New("boardapi: unauthorized")
	// ErrNotFound signals an HTTP 404 or 410 for the requested resource.
	ErrNotFound = errors.New("boardapi: resource not found")
	// ErrDuplicateUnsupported signals that the deployment lacks the board
	// duplication endpoint; callers fall back to blank-board creation.
	ErrDuplicateUnsupported = errors.New("boardapi: duplicate endpoint unsupported")

	errMissingBaseURL = errors.New("board api base url is required")
)

// StatusError carries the upstream status and a truncated body for diagnostics.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("board api returned status %d: %s", e.Status, e.Body)
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL           string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client issues stateless REST requests against the remote board API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("boardapi: %w", errMissingBaseURL)
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
		baseURL:      baseURL,
		clientID:     cfg.OAuthClientID,
		clientSecret: cfg.OAuthClientSecret,
		redirectURL:  cfg.OAuthRedirectURL,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// do executes one JSON request and returns the response payload with any
// {value: ...} envelope removed. Status classification happens here so every
// wrapper shares the same 401/404 sentinels.
func (c *Client) do(ctx context.Context, method, path, accessToken string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("boardapi: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("boardapi: build %s %s: %w", method, path, err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("boardapi: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("boardapi: read %s %s: %w", method, path, err)
	}

	if err := classifyStatus(response.StatusCode, raw); err != nil {
		c.logger.Debug("board api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return nil, err
	}

	return unwrapEnvelope(raw), nil
}

func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	statusErr := &StatusError{Status: status, Body: snippet(body)}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrUnauthorized, statusErr)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: %v", ErrNotFound, statusErr)
	default:
		return statusErr
	}
}

// unwrapEnvelope tolerates payloads wrapped as {"value": ...}. Older API
// versions return the resource bare; newer ones wrap it.
func unwrapEnvelope(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Value) > 0 {
		return envelope.Value
	}
	return raw
}

// decodeList accepts either a bare JSON array or an object carrying the array
// under a known collection key.
func decodeList(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return err
	}
	for _, key := range listPayloadKeys {
		if nested, ok := object[key]; ok {
			return json.Unmarshal(nested, out)
		}
	}
	return fmt.Errorf("boardapi: no collection found in response")
}

// Collection payload keys observed across API versions, most recent first.
var listPayloadKeys = []string{"data", "items", "results"}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > bodySnippetLength {
		return text[:bodySnippetLength]
	}
	return text
}
