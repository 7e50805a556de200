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
	"time"

	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/logging"
	"github.com/sethvargo/go-retry"
)

// maxErrorBody bounds how much of an error response ends up in a message.
const maxErrorBody = 2048

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client performs authenticated JSON requests under a retry policy.
// Throttling (429), gateway errors and transport failures are retried;
// 401/403 map to common.ErrAuth; exhausted retries to common.ErrTransientRemote.
type Client struct {
	http   *http.Client
	tokens TokenProvider
	policy Policy
	log    logging.Logger
}

// NewClient builds a Client. tokens may be nil for unauthenticated sources.
func NewClient(hc *http.Client, tokens TokenProvider, policy Policy, log logging.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: hc, tokens: tokens, policy: policy, log: log}
}

type request struct {
	method  string
	url     string
	body    []byte
	headers map[string]string
}

// GetJSON decodes the response of a GET into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	data, err := c.do(ctx, request{method: http.MethodGet, url: rawURL, headers: headers})
	if err != nil {
		return err
	}
	return decode(rawURL, data, out)
}

// PostJSON sends in as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data, err := c.do(ctx, request{
		method:  http.MethodPost,
		url:     rawURL,
		body:    body,
		headers: map[string]string{"Content-Type": "application/json"},
	})
	if err != nil {
		return err
	}
	return decode(rawURL, data, out)
}

// GetBytes returns the raw body of a GET.
func (c *Client) GetBytes(ctx context.Context, rawURL string) ([]byte, error) {
	return c.do(ctx, request{method: http.MethodGet, url: rawURL})
}

func decode(rawURL string, data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", redactURL(rawURL), err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	b := c.policy.backoff()
	attempt := 0

	return retry.DoValue(ctx, b, func(ctx context.Context) ([]byte, error) {
		attempt++
		data, retryAfter, err := c.once(ctx, r)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, common.ErrTransientRemote) {
			return nil, err
		}
		b.Hint(retryAfter)
		c.log.Warn(ctx, "remote request failed, backing off",
			"method", r.method, "url", redactURL(r.url), "attempt", attempt, "retry_after", retryAfter.String(), "error", err)
		return nil, retry.RetryableError(err)
	})
}

// once performs a single attempt. Transient failures are wrapped in
// common.ErrTransientRemote together with the server's Retry-After hint.
func (c *Client) once(ctx context.Context, r request) ([]byte, time.Duration, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %s %s: %v", common.ErrTransientRemote, r.method, redactURL(r.url), err)
	}
	defer resp.Body.Close()

	switch {
	case retryableStatus(resp.StatusCode):
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			fmt.Errorf("%w: %s %s: status %d", common.ErrTransientRemote, r.method, redactURL(r.url), resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, 0, fmt.Errorf("%w: %s %s: status %d", common.ErrAuth, r.method, redactURL(r.url), resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, 0, &StatusError{Method: r.method, URL: redactURL(r.url), Code: resp.StatusCode, Body: string(msg)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read %s: %v", common.ErrTransientRemote, redactURL(r.url), err)
	}
	return data, 0, nil
}

// redactURL drops the query string, which may carry credentials for ICS feeds.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
