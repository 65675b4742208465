package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20 // 4 MB

// Client is the single choke point for calls to the marketplace API. Requests
// go out with the current access credential attached; successful responses
// are unwrapped from the transport envelope; failures are logged and
// returned unchanged in meaning.
type Client struct {
	baseURL        *url.URL
	http           *http.Client
	userAgent      string
	onUnauthorized func(context.Context)
}

type Option func(*Client)

// WithHTTPClient sets the client whose transport the authorizing stage wraps.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithUnauthorizedHook registers a function called whenever the API rejects
// a request with 401. The hook must not block.
func WithUnauthorizedHook(hook func(context.Context)) Option {
	return func(c *Client) {
		c.onUnauthorized = hook
	}
}

func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing API base URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("API base URL must be absolute: %s", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	// copy so that the caller's client is left untouched
	hc := *c.http
	hc.Transport = NewTransport(tokens, hc.Transport)
	c.http = &hc

	return c, nil
}

type skipUnauthorizedHookKey struct{}

// WithoutUnauthorizedHook marks requests made with ctx so that a 401 does not
// invoke the unauthorized hook. Renewal calls use this: a rejected renewal
// must not trigger another renewal.
func WithoutUnauthorizedHook(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipUnauthorizedHookKey{}, true)
}

func skipHook(ctx context.Context) bool {
	skip, _ := ctx.Value(skipUnauthorizedHookKey{}).(bool)
	return skip
}

// Do sends a request with an optional JSON body and decodes the unwrapped
// payload into out. A nil out discards the payload.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	payload, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if out == nil || len(payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}

	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing request path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encoding request: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: creating request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Msg("marketplace request failed")
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("marketplace response could not be read")
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       data,
		}

		log.Ctx(ctx).Warn().
			Err(statusErr).
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("marketplace request rejected")

		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil && !skipHook(ctx) {
			c.onUnauthorized(ctx)
		}

		return nil, statusErr
	}

	return Unwrap(data), nil
}

// Unwrap returns the domain payload of a successful response body. Bodies of
// the form {"data": ..., "error": null} yield the data member; anything else,
// including an envelope with a non-null error, is returned untouched for the
// caller to interpret.
func Unwrap(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return trimmed
	}

	data, hasData := envelope["data"]
	if !hasData {
		return trimmed
	}

	for k, v := range envelope {
		switch k {
		case "data":
		case "error":
			if !isNull(v) {
				return trimmed
			}
		default:
			// not an envelope, just a payload with a "data" field
			return trimmed
		}
	}

	return data
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
