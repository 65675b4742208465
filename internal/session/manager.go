package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const DefaultRenewalSkew = 60 * time.Second

// minRenewalDelay is the shortest time a renewed set is kept before it is
// renewed again.
const minRenewalDelay = 10 * time.Second

// ErrNotAuthenticated is returned when an operation needs a credential set
// and the session holds none.
var ErrNotAuthenticated = errors.New("session is not authenticated")

// Renewer exchanges the renewal credential of the current set for a new set.
type Renewer interface {
	Renew(ctx context.Context, current credential.Set) (credential.Set, error)
}

// Revoker is optionally implemented by a Renewer that can tell the server the
// session is ending.
type Revoker interface {
	SignOut(ctx context.Context, current credential.Set) error
}

// Manager drives the session lifecycle: it arms a renewal timer ahead of
// access credential expiry, performs at most one renewal per credential set at
// a time, and tears the session down when renewal fails.
type Manager struct {
	store   *credential.Store
	renewer Renewer
	clock   clockwork.Clock
	skew    time.Duration

	retries    int
	newBackOff func() backoff.BackOff
	reactive   *rate.Limiter

	flight singleflight.Group

	mu        sync.Mutex
	state     State
	timer     clockwork.Timer
	listeners []func(State)
}

type Option func(*Manager)

// WithClock replaces the wall clock used for expiry arithmetic and timers.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithRenewalSkew sets how long before access credential expiry renewal
// starts.
func WithRenewalSkew(skew time.Duration) Option {
	return func(m *Manager) {
		m.skew = skew
	}
}

// WithRetries allows a failed renewal to be retried up to attempts times
// when the failure is transient. Zero makes the first failure terminal.
func WithRetries(attempts int, newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) {
		m.retries = attempts
		if newBackOff != nil {
			m.newBackOff = newBackOff
		}
	}
}

// WithReactiveRenewal enables renewal in response to a rejected request,
// starting at most one such renewal per minInterval.
func WithReactiveRenewal(minInterval time.Duration) Option {
	return func(m *Manager) {
		m.reactive = rate.NewLimiter(rate.Every(minInterval), 1)
	}
}

func NewManager(store *credential.Store, renewer Renewer, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		renewer: renewer,
		clock:   clockwork.NewRealClock(),
		skew:    DefaultRenewalSkew,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	if _, ok := store.Current(); ok {
		m.state = Authenticated
	}

	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// OnChange registers fn to be called after every state transition. Listeners
// run outside the manager's lock, in registration order.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// SignIn installs a freshly issued credential set and arms proactive renewal
// for it. Any previous set and timer are replaced.
func (m *Manager) SignIn(ctx context.Context, set credential.Set) error {
	if err := m.store.Replace(ctx, set); err != nil {
		return fmt.Errorf("storing credential set: %w", err)
	}

	m.mu.Lock()
	changed := m.transition(Authenticated)
	m.arm(set, false)
	m.mu.Unlock()

	log.Info().Str("subject", set.SubjectID).Str("role", string(set.Role)).Msg("session signed in")
	m.notify(changed, Authenticated)

	return nil
}

// Restore arms renewal for a credential set restored from persistence. It
// reports whether there was a set to restore. A set whose access credential
// has already reached its renewal point is renewed at once.
func (m *Manager) Restore(ctx context.Context) bool {
	set, ok := m.store.Current()
	if !ok {
		return false
	}

	m.mu.Lock()
	changed := m.transition(Authenticated)
	m.arm(set, false)
	m.mu.Unlock()

	log.Info().Str("subject", set.SubjectID).Msg("session restored")
	m.notify(changed, Authenticated)

	return true
}

// Renew renews the current credential set now. Concurrent calls for the same
// set share one request to the server.
func (m *Manager) Renew(ctx context.Context) (credential.Set, error) {
	current, ok := m.store.Current()
	if !ok {
		return credential.Set{}, ErrNotAuthenticated
	}

	return m.renew(ctx, current)
}

// RenewReactive starts a renewal in the background after the server rejected
// the access credential. It returns immediately; nothing happens if reactive
// renewal is disabled, the session is not Authenticated, or a reactive
// renewal was started too recently.
func (m *Manager) RenewReactive(ctx context.Context) {
	if m.reactive == nil {
		return
	}

	if m.State() != Authenticated {
		return
	}

	current, ok := m.store.Current()
	if !ok {
		return
	}

	if !m.reactive.Allow() {
		log.Debug().Msg("reactive renewal suppressed, last attempt too recent")
		return
	}

	log.Info().Str("subject", current.SubjectID).Msg("access credential rejected, renewing")

	go func() {
		_, _ = m.renew(context.WithoutCancel(ctx), current)
	}()
}

// SignOut tells the server the session is ending, when the renewer supports
// it, and then clears the session locally. Server failures are logged and do
// not prevent the local sign out.
func (m *Manager) SignOut(ctx context.Context) error {
	if current, ok := m.store.Current(); ok {
		if revoker, ok := m.renewer.(Revoker); ok {
			if err := revoker.SignOut(ctx, current); err != nil {
				log.Warn().Err(err).Msg("server sign out failed, clearing session locally")
			}
		}
	}

	return m.Reset(ctx)
}

// Reset returns the session to Unauthenticated, clearing any credential set
// and pending timer. It is the explicit step out of Expired, and is safe to
// call in any state.
func (m *Manager) Reset(ctx context.Context) error {
	err := m.store.Clear(ctx)

	m.mu.Lock()
	m.stopTimer()
	changed := m.transition(Unauthenticated)
	m.mu.Unlock()

	if changed {
		log.Info().Msg("session reset")
	}
	m.notify(changed, Unauthenticated)

	return err
}

// Stop cancels any pending renewal timer without changing state.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimer()
}

func (m *Manager) renew(ctx context.Context, current credential.Set) (credential.Set, error) {
	v, err, shared := m.flight.Do(current.RenewalToken, func() (any, error) {
		return m.doRenew(ctx, current)
	})
	if shared {
		log.Debug().Msg("joined in-flight renewal")
	}
	if err != nil {
		return credential.Set{}, err
	}

	return v.(credential.Set), nil
}

func (m *Manager) doRenew(ctx context.Context, current credential.Set) (credential.Set, error) {
	m.mu.Lock()
	latest, ok := m.store.Current()
	if !ok {
		m.mu.Unlock()
		return credential.Set{}, ErrNotAuthenticated
	}
	if latest.RenewalToken != current.RenewalToken {
		// renewed (or signed in again) since the caller looked
		m.mu.Unlock()
		return latest, nil
	}
	m.stopTimer()
	changed := m.transition(Renewing)
	m.mu.Unlock()

	m.notify(changed, Renewing)
	log.Info().Str("subject", current.SubjectID).Msg("renewing session credentials")

	next, err := m.callRenewer(ctx, current)
	if err == nil {
		var swapped bool
		swapped, err = m.store.Swap(ctx, current, next)
		if err == nil && !swapped {
			// signed in or out while the renewal was in flight: that wins
			log.Info().Msg("session changed during renewal, discarding renewed credentials")
			if latest, ok := m.store.Current(); ok {
				return latest, nil
			}
			return credential.Set{}, ErrNotAuthenticated
		}
	}

	if err != nil {
		m.expire(ctx, current, err)
		return credential.Set{}, fmt.Errorf("renewing session: %w", err)
	}

	m.mu.Lock()
	changed = m.transition(Authenticated)
	m.arm(next, true)
	m.mu.Unlock()

	log.Info().Str("subject", next.SubjectID).Msg("session credentials renewed")
	m.notify(changed, Authenticated)

	return next, nil
}

func (m *Manager) callRenewer(ctx context.Context, current credential.Set) (credential.Set, error) {
	if m.retries <= 0 {
		return m.renewer.Renew(ctx, current)
	}

	op := func() (credential.Set, error) {
		next, err := m.renewer.Renew(ctx, current)
		if err != nil && !isTransient(err) {
			return credential.Set{}, backoff.Permanent(err)
		}
		return next, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("session renewal failed, retrying")
		}),
	)
}

// expire clears the credential set that failed to renew. If the session was
// signed in or out meanwhile, the newer state is left alone.
func (m *Manager) expire(ctx context.Context, failed credential.Set, cause error) {
	cleared, err := m.store.ClearIf(ctx, failed)
	if err != nil {
		log.Warn().Err(err).Msg("removing persisted credentials failed")
	}
	if !cleared {
		return
	}

	m.mu.Lock()
	m.stopTimer()
	changed := m.transition(Expired)
	m.mu.Unlock()

	log.Warn().Err(cause).Str("subject", failed.SubjectID).Msg("session renewal failed, session expired")
	m.notify(changed, Expired)
}

// arm schedules proactive renewal of set. Must be called with mu held. While
// a renewal is running the timer is left alone: the renewal arms its own.
//
// A set already inside the renewal window is renewed at once, unless it was
// just issued by a renewal: the server then hands out credentials shorter
// lived than the skew, and the set is kept for half its remaining lifetime
// and at least minRenewalDelay.
func (m *Manager) arm(set credential.Set, renewed bool) {
	if m.state == Renewing {
		return
	}

	m.stopTimer()

	claims, err := credential.DecodeAccess(set.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("access credential expiry unreadable, proactive renewal disabled")
		return
	}

	now := m.clock.Now()
	delay := claims.ExpiresAt.Add(-m.skew).Sub(now)
	switch {
	case renewed && delay < minRenewalDelay:
		delay = max(claims.ExpiresAt.Sub(now)/2, minRenewalDelay)
		log.Warn().
			Time("expires_at", claims.ExpiresAt).
			Dur("skew", m.skew).
			Dur("renew_in", delay).
			Msg("renewed access credential expires within the renewal skew, delaying next renewal")
	case delay < 0:
		log.Warn().Time("expires_at", claims.ExpiresAt).Msg("access credential already within renewal window")
		delay = 0
	}

	renewalToken := set.RenewalToken
	m.timer = m.clock.AfterFunc(delay, func() {
		m.onTimer(renewalToken)
	})

	log.Debug().Time("expires_at", claims.ExpiresAt).Dur("renew_in", delay).Msg("renewal timer armed")
}

// onTimer fires for the set whose renewal credential was armed. A timer left
// over from a replaced set does nothing.
func (m *Manager) onTimer(renewalToken string) {
	current, ok := m.store.Current()
	if !ok || current.RenewalToken != renewalToken {
		log.Debug().Msg("superseded renewal timer ignored")
		return
	}

	// errors are logged by the renewal path
	_, _ = m.renew(context.Background(), current)
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// transition sets the state and reports whether it changed. Must be called
// with mu held.
func (m *Manager) transition(to State) bool {
	if m.state == to {
		return false
	}
	log.Debug().Stringer("from", m.state).Stringer("to", to).Msg("session state change")
	m.state = to
	return true
}

func (m *Manager) notify(changed bool, state State) {
	if !changed {
		return
	}

	m.mu.Lock()
	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// isTransient reports whether a renewal failure is worth retrying: transport
// failures, throttling and server errors. Rejections of the renewal
// credential itself are final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, credential.ErrIncomplete) {
		return false
	}

	var statusErr *pipeline.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError ||
			statusErr.StatusCode == http.StatusTooManyRequests
	}

	return true
}
