// Package marketplace is the session and cache layer of the marketplace
// client. A Client attaches the signed-in access credential to every API
// request, renews credentials before they expire, and serves reads from a
// cache that writes keep consistent.
package marketplace

import (
	"context"
	"fmt"
	"net/http"

	"github.com/chinmina/marketplace-session/internal/api"
	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/config"
	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/mutation"
	"github.com/chinmina/marketplace-session/internal/observe"
	"github.com/chinmina/marketplace-session/internal/pipeline"
	"github.com/chinmina/marketplace-session/internal/session"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Client is the dependency-injected context shared by every consumer: one
// credential store, one session, one cache namespace.
type Client struct {
	Products  *api.Products
	Reviews   *api.Reviews
	Carts     *api.Carts
	Wishlists *api.Wishlists
	Stores    *api.Stores

	auth    *api.Auth
	store   *credential.Store
	session *session.Manager
	cache   *cache.Namespace
}

type options struct {
	clock      clockwork.Clock
	httpClient *http.Client
	persister  credential.Persister
}

type Option func(*options)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithHTTPClient replaces the HTTP client built from configuration.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithPersister replaces the credential persister selected by configuration.
func WithPersister(p credential.Persister) Option {
	return func(o *options) {
		o.persister = p
	}
}

// New wires a Client from configuration. A credential set persisted by an
// earlier process is restored and its renewal scheduled.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.persister == nil {
		p, err := credential.NewPersisterFromConfig(cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("credential store configuration failed: %w", err)
		}
		o.persister = p
	}

	if o.httpClient == nil {
		o.httpClient = &http.Client{
			Transport: observe.HTTPTransport(configureHTTPTransport(cfg.HTTP), cfg.Observe),
		}
	}

	store := credential.NewStore(ctx, o.persister, cfg.Credential.Key)

	// the pipeline reports rejected credentials to the session, which is
	// created after it
	var manager *session.Manager

	client, err := pipeline.New(cfg.API.BaseURL, store,
		pipeline.WithHTTPClient(o.httpClient),
		pipeline.WithUserAgent(cfg.API.UserAgent),
		pipeline.WithUnauthorizedHook(func(ctx context.Context) {
			manager.RenewReactive(ctx)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("API client configuration failed: %w", err)
	}

	ns, err := cache.NewFromConfig(cfg.Cache, o.clock)
	if err != nil {
		return nil, fmt.Errorf("cache configuration failed: %w", err)
	}

	bindings := api.New(client, ns, mutation.NewFactory(ns), store)

	sessionOpts := []session.Option{
		session.WithClock(o.clock),
		session.WithRenewalSkew(cfg.Session.RenewalSkew()),
		session.WithRetries(cfg.Session.RenewalRetryAttempts, nil),
	}
	if cfg.Session.ReactiveRenewalEnabled {
		sessionOpts = append(sessionOpts, session.WithReactiveRenewal(cfg.Session.ReactiveRenewalMinInterval()))
	}
	manager = session.NewManager(store, bindings.Auth, sessionOpts...)

	// cached reads may be scoped to the subject that made them; none survive
	// the session
	manager.OnChange(func(s session.State) {
		if s == session.Unauthenticated || s == session.Expired {
			ns.Reset(context.Background())
		}
	})

	if manager.Restore(ctx) {
		log.Info().Msg("restored persisted session")
	}

	return &Client{
		Products:  bindings.Products,
		Reviews:   bindings.Reviews,
		Carts:     bindings.Carts,
		Wishlists: bindings.Wishlists,
		Stores:    bindings.Stores,
		auth:      bindings.Auth,
		store:     store,
		session:   manager,
		cache:     ns,
	}, nil
}

func (c *Client) SignIn(ctx context.Context, req SignInRequest) error {
	return c.establish(ctx, func(ctx context.Context) (credential.Set, error) {
		return c.auth.SignIn(ctx, req)
	})
}

func (c *Client) SignUp(ctx context.Context, req SignUpRequest) error {
	return c.establish(ctx, func(ctx context.Context) (credential.Set, error) {
		return c.auth.SignUp(ctx, req)
	})
}

func (c *Client) SocialSignIn(ctx context.Context, req SocialSignInRequest) error {
	return c.establish(ctx, func(ctx context.Context) (credential.Set, error) {
		return c.auth.SocialSignIn(ctx, req)
	})
}

func (c *Client) establish(ctx context.Context, issue func(context.Context) (credential.Set, error)) error {
	set, err := issue(ctx)
	if err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}

	previous, signedIn := c.store.Current()

	if err := c.session.SignIn(ctx, set); err != nil {
		return err
	}

	// no state change when already signed in, so the listener does not see
	// this; reads cached for another subject or role are dropped here
	if signedIn && (previous.SubjectID != set.SubjectID || previous.Role != set.Role) {
		log.Info().
			Str("previous_subject", previous.SubjectID).
			Str("subject", set.SubjectID).
			Msg("signed in as a different subject, resetting cache")
		c.cache.Reset(ctx)
	}

	return nil
}

// SignOut ends the session on the server and locally. The local session is
// cleared even if the server cannot be reached.
func (c *Client) SignOut(ctx context.Context) error {
	return c.session.SignOut(ctx)
}

// Reset acknowledges an expired session, returning it to Unauthenticated.
func (c *Client) Reset(ctx context.Context) error {
	return c.session.Reset(ctx)
}

// Renew renews the credential set immediately.
func (c *Client) Renew(ctx context.Context) error {
	_, err := c.session.Renew(ctx)
	return err
}

func (c *Client) State() SessionState {
	return c.session.State()
}

// OnStateChange registers fn to be called after every session transition.
func (c *Client) OnStateChange(fn func(SessionState)) {
	c.session.OnChange(fn)
}

// Subject returns the signed-in subject and role.
func (c *Client) Subject() (string, Role, bool) {
	set, ok := c.store.Current()
	if !ok {
		return "", "", false
	}
	return set.SubjectID, set.Role, true
}

// CacheStatus reports the state of the cache entry under key.
func (c *Client) CacheStatus(key CacheKey) (CacheSnapshot, bool) {
	return c.cache.Peek(key)
}

// Invalidate marks every cache entry under prefix stale.
func (c *Client) Invalidate(ctx context.Context, prefix CacheKey) int {
	return c.cache.Invalidate(ctx, prefix)
}

// Close stops the renewal timer. The persisted session is kept.
func (c *Client) Close() {
	c.session.Stop()
}

func configureHTTPTransport(cfg config.HTTPConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost

	return transport
}
