package marketplace_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chinmina/marketplace-session"
	"github.com/chinmina/marketplace-session/internal/api"
	"github.com/chinmina/marketplace-session/internal/config"
	"github.com/chinmina/marketplace-session/internal/testhelpers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const accessLifetime = 15 * time.Minute

// harness runs a Client against a mock marketplace API. The mock issues
// credential set n as access token testhelpers.AccessTokenWithID(.., "n", ..)
// and renewal token "R<n>", for subject u1 unless a test routes otherwise.
// Renewal timers fire on their own goroutine, so tests wait for their effects.
type harness struct {
	t      *testing.T
	API    *testhelpers.MockAPI
	Clock  *clockwork.FakeClock
	Config config.Config
	Client *marketplace.Client

	mu          sync.Mutex
	issued      []string
	renewStatus int
	reviews     map[string][]api.Review
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:           t,
		API:         testhelpers.SetupMockAPI(t),
		Clock:       clockwork.NewFakeClockAt(epoch),
		renewStatus: http.StatusOK,
		reviews:     map[string][]api.Review{},
	}
	h.routes()
	h.Config = testConfig(h.API.URL())
	h.Client = h.newClient()

	return h
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		API: config.APIConfig{
			BaseURL:   baseURL,
			UserAgent: "marketplace-session-test",
		},
		Session: config.SessionConfig{
			RenewalSkewSeconds:                60,
			ReactiveRenewalEnabled:            true,
			ReactiveRenewalMinIntervalSeconds: 10,
		},
		Credential: config.CredentialStoreConfig{
			Type: "memory",
			Key:  "marketplace.session",
		},
		Cache: config.CacheConfig{
			TTLSeconds: 300,
			MaxSize:    1000,
		},
		HTTP: config.HTTPConfig{
			MaxIdleConns:    10,
			MaxConnsPerHost: 5,
		},
		Observe: config.ObserveConfig{
			Enabled: false, // Disable observability for tests
		},
	}
}

func (h *harness) newClient() *marketplace.Client {
	h.t.Helper()

	client, err := marketplace.New(context.Background(), h.Config, marketplace.WithClock(h.Clock))
	require.NoError(h.t, err)
	h.t.Cleanup(client.Close)

	return client
}

// access returns the access token of credential set n.
func (h *harness) access(n int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.issued[n-1]
}

func (h *harness) bearer(n int) string {
	return "Bearer " + h.access(n)
}

func (h *harness) failRenewals(status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renewStatus = status
}

func (h *harness) issue() map[string]string {
	return h.issueFor("u1", "user")
}

func (h *harness) issueFor(subject, role string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.issued) + 1
	token := testhelpers.AccessTokenWithID(h.t, subject, fmt.Sprint(n), h.Clock.Now().Add(accessLifetime))
	h.issued = append(h.issued, token)

	return map[string]string{
		"accessToken":  token,
		"renewalToken": fmt.Sprintf("R%d", n),
		"subjectId":    subject,
		"role":         role,
	}
}

// renewals waits until n renewals have been answered and the session is
// Authenticated again.
func (h *harness) renewals(n int) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return h.API.Count(http.MethodPost, "/auth/renew") == n &&
			h.Client.State() == marketplace.Authenticated
	}, time.Second, time.Millisecond)
}

// armed waits until n renewal timers are pending.
func (h *harness) armed(n int) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(h.t, h.Clock.BlockUntilContext(ctx, n), "waiting for %d renewal timers", n)
}

func (h *harness) routes() {
	h.API.Handle("POST /auth/signin", func(w http.ResponseWriter, r *http.Request) {
		testhelpers.WriteEnvelope(w, h.issue())
	})

	h.API.Handle("POST /auth/renew", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RenewalToken string `json:"renewalToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		h.mu.Lock()
		status := h.renewStatus
		current := fmt.Sprintf("R%d", len(h.issued))
		h.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if body.RenewalToken != current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		testhelpers.WriteEnvelope(w, h.issue())
	})

	h.API.Handle("POST /auth/signout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h.API.Handle("GET /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		testhelpers.WriteJSON(w, api.Product{ID: r.PathValue("id"), Name: "Product " + r.PathValue("id")})
	})

	h.API.Handle("GET /users/{id}/cart", func(w http.ResponseWriter, r *http.Request) {
		testhelpers.WriteEnvelope(w, api.Cart{UserID: r.PathValue("id")})
	})

	h.API.Handle("GET /products/{id}/reviews", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		list := append([]api.Review{}, h.reviews[r.PathValue("id")]...)
		h.mu.Unlock()
		testhelpers.WriteEnvelope(w, list)
	})

	h.API.Handle("POST /users/{id}/reviews", func(w http.ResponseWriter, r *http.Request) {
		var in api.NewReview
		_ = json.NewDecoder(r.Body).Decode(&in)

		h.mu.Lock()
		review := api.Review{
			ID:        fmt.Sprintf("rv%d", len(h.reviews[in.ProductID])+1),
			ProductID: in.ProductID,
			UserID:    r.PathValue("id"),
			Rating:    in.Rating,
			Comment:   in.Comment,
		}
		h.reviews[in.ProductID] = append(h.reviews[in.ProductID], review)
		h.mu.Unlock()

		testhelpers.WriteEnvelope(w, review)
	})
}
