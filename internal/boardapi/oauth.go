package boardapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TokenGrant is the payload of a successful token exchange or refresh.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthorizeURL builds the authorization-code redirect carrying the signed
// state parameter.
func (c *Client) AuthorizeURL(state string) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", c.redirectURL)
	query.Set("state", state)
	return c.baseURL + "/oauth/authorize?" + query.Encode()
}

// ExchangeCode trades an authorization code for a token grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURL)
	return c.tokenRequest(ctx, form)
}

// Refresh trades a refresh token for a fresh grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (TokenGrant, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("boardapi: build token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("boardapi: token request: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("boardapi: read token response: %w", err)
	}
	if err := classifyStatus(response.StatusCode, raw); err != nil {
		return TokenGrant{}, err
	}

	var grant TokenGrant
	if err := json.Unmarshal(unwrapEnvelope(raw), &grant); err != nil {
		return TokenGrant{}, fmt.Errorf("boardapi: decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return TokenGrant{}, fmt.Errorf("boardapi: token response missing access token")
	}
	return grant, nil
}
