package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/justinas/alice"
)

// RecordedRequest is what the mock API saw of one request.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Body          []byte
}

// MockAPI provides a configurable mock marketplace API server for testing.
// Routes are registered with Handle; every request is recorded, and requests
// bearing a rejected access credential are answered with 401 before reaching
// the route. Authentication endpoints (under /auth/) are exempt from
// rejection: they authenticate by their request body.
type MockAPI struct {
	Server *httptest.Server

	mux      *http.ServeMux
	mu       sync.Mutex
	requests []RecordedRequest
	rejected map[string]bool
}

// SetupMockAPI starts a mock API server that is closed when the test ends.
func SetupMockAPI(t *testing.T) *MockAPI {
	t.Helper()

	mock := &MockAPI{
		mux:      http.NewServeMux(),
		rejected: map[string]bool{},
	}

	chain := alice.New(mock.record, mock.rejectCredentials)
	mock.Server = httptest.NewServer(chain.Then(mock.mux))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the base URL of the server.
func (m *MockAPI) URL() string {
	return m.Server.URL
}

// Handle registers a route, using http.ServeMux patterns such as
// "GET /products/{id}".
func (m *MockAPI) Handle(pattern string, handler http.HandlerFunc) {
	m.mux.HandleFunc(pattern, handler)
}

// Reject makes the server answer 401 to any request carrying accessToken.
func (m *MockAPI) Reject(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[accessToken] = true
}

// Requests returns every request received so far, oldest first.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// Count returns the number of requests received for method and path.
func (m *MockAPI) Count(method, path string) int {
	n := 0
	for _, r := range m.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// LastAuthHeader returns the Authorization header of the most recent request.
func (m *MockAPI) LastAuthHeader() string {
	reqs := m.Requests()
	if len(reqs) == 0 {
		return ""
	}
	return reqs[len(reqs)-1].Authorization
}

func (m *MockAPI) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-Id"),
			Body:          body,
		})
		m.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (m *MockAPI) rejectCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/auth/") {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		m.mu.Lock()
		rejected := m.rejected[token]
		m.mu.Unlock()

		if rejected {
			w.WriteHeader(http.StatusUnauthorized)
			WriteJSON(w, map[string]string{"message": "access credential rejected"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

// WriteEnvelope writes payload wrapped as {"data": payload, "error": null}.
func WriteEnvelope(w http.ResponseWriter, payload any) {
	WriteJSON(w, map[string]any{
		"data":  payload,
		"error": nil,
	})
}
