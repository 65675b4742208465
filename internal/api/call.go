package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/chinmina/marketplace-session/internal/pipeline"
)

// ErrForbidden is returned by admin operations when the signed-in subject
// does not hold the admin role. The request is never sent.
var ErrForbidden = errors.New("operation requires the admin role")

// DomainError is an application failure reported inside a successful
// response, as in {"error": "out of stock"}.
type DomainError struct {
	Path    string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// call sends a request and decodes the payload as T, mapping an embedded
// error member to a DomainError.
func call[T any](ctx context.Context, c *pipeline.Client, method, path string, body any) (T, error) {
	var out T

	var raw json.RawMessage
	if err := c.Do(ctx, method, path, body, &raw); err != nil {
		return out, err
	}

	if msg, ok := embeddedError(raw); ok {
		return out, &DomainError{Path: path, Message: msg}
	}

	if len(raw) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s %s: decoding payload: %w", method, path, err)
	}

	return out, nil
}

func get[T any](ctx context.Context, c *pipeline.Client, path string) (T, error) {
	return call[T](ctx, c, http.MethodGet, path, nil)
}

func embeddedError(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	var payload struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil || payload.Error == nil || *payload.Error == "" {
		return "", false
	}

	return *payload.Error, true
}
