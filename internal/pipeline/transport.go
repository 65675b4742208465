package pipeline

import (
	"net/http"

	"github.com/google/uuid"
)

// TokenSource supplies the access credential for outbound requests. An empty
// string means the caller is anonymous.
type TokenSource interface {
	AccessToken() string
}

// authorizingTransport is the outbound stage: every request leaving the
// client passes through it and picks up the access credential current at
// send time.
type authorizingTransport struct {
	tokens  TokenSource
	wrapped http.RoundTripper
}

// NewTransport wraps rt so that requests carry the current access credential
// as a bearer token, or no Authorization header at all when logged out.
func NewTransport(tokens TokenSource, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &authorizingTransport{
		tokens:  tokens,
		wrapped: rt,
	}
}

func (t *authorizingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrip must not modify the caller's request
	req = req.Clone(req.Context())

	req.Header.Del("Authorization")
	if token := t.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}

	return t.wrapped.RoundTrip(req)
}
