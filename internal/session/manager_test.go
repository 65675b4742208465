package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/pipeline"
	"github.com/chinmina/marketplace-session/internal/testhelpers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const lifetime = 15 * time.Minute

func TestManager_ProactiveRenewal(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, store := newManager(t, renewer, WithClock(clk))
	states := recordStates(m)

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))
	assert.Equal(t, Authenticated, m.State())
	waitForTimers(t, clk, 1)

	clk.Advance(lifetime - DefaultRenewalSkew - time.Second)
	assert.Equal(t, 0, renewer.callCount(), "no renewal before the skew point")

	clk.Advance(time.Second)
	awaitRenewals(t, m, renewer, 1)
	assert.Equal(t, []string{"R1"}, renewer.renewedTokens())

	current, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "R2", current.RenewalToken)
	waitForTimers(t, clk, 1)
	states.await(t, Authenticated, Renewing, Authenticated)

	// the renewed set is renewed in turn
	clk.Advance(lifetime - DefaultRenewalSkew)
	awaitRenewals(t, m, renewer, 2)
	assert.Equal(t, []string{"R1", "R2"}, renewer.renewedTokens())
}

func TestManager_RenewalSkewOption(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, _ := newManager(t, renewer, WithClock(clk), WithRenewalSkew(5*time.Minute))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	waitForTimers(t, clk, 1)
	clk.Advance(10*time.Minute - time.Second)
	assert.Equal(t, 0, renewer.callCount())

	clk.Advance(time.Second)
	awaitRenewals(t, m, renewer, 1)
}

func TestManager_RenewalFailureExpiresSession(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, failWith: []error{unauthorized()}}
	m, store := newManager(t, renewer, WithClock(clk))
	states := recordStates(m)

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))
	waitForTimers(t, clk, 1)
	clk.Advance(lifetime)

	require.Eventually(t, func() bool { return m.State() == Expired }, time.Second, time.Millisecond)
	_, ok := store.Current()
	assert.False(t, ok, "credentials cleared on failed renewal")
	waitForTimers(t, clk, 0)
	states.await(t, Authenticated, Renewing, Expired)

	// Expired is left only explicitly
	clk.Advance(time.Hour)
	assert.Equal(t, Expired, m.State())

	require.NoError(t, m.Reset(ctx))
	assert.Equal(t, Unauthenticated, m.State())
	require.NoError(t, m.Reset(ctx), "reset is idempotent")
}

func TestManager_ShortLivedRenewedCredentialIsNotRenewedInALoop(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, lifetime: 30 * time.Second}
	m, _ := newManager(t, renewer, WithClock(clk))

	// already inside the renewal window at sign in: renewed at once
	require.NoError(t, m.SignIn(ctx, issueFor(t, clk, 1, 30*time.Second)))
	awaitRenewals(t, m, renewer, 1)
	waitForTimers(t, clk, 1)

	clk.Advance(0)
	clk.Advance(0)
	assert.Never(t, func() bool { return renewer.callCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// kept for half of its 30s lifetime
	clk.Advance(15*time.Second - time.Millisecond)
	assert.Equal(t, 1, renewer.callCount())

	clk.Advance(time.Millisecond)
	awaitRenewals(t, m, renewer, 2)
	assert.Equal(t, []string{"R1", "R2"}, renewer.renewedTokens())
}

func TestManager_RenewedCredentialKeptAtLeastMinimumDelay(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, lifetime: 4 * time.Second}
	m, _ := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issueFor(t, clk, 1, 4*time.Second)))
	awaitRenewals(t, m, renewer, 1)
	waitForTimers(t, clk, 1)

	clk.Advance(minRenewalDelay - time.Millisecond)
	assert.Equal(t, 1, renewer.callCount())

	clk.Advance(time.Millisecond)
	awaitRenewals(t, m, renewer, 2)
}

func TestManager_RenewReturnsFailure(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, failWith: []error{unauthorized()}}
	m, _ := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	_, err := m.Renew(ctx)

	require.Error(t, err)
	assert.True(t, pipeline.IsUnauthorized(err))
	assert.Equal(t, Expired, m.State())
}

func TestManager_RenewWhenSignedOut(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	m, _ := newManager(t, &fakeRenewer{t: t, clk: clk}, WithClock(clk))

	_, err := m.Renew(context.Background())

	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, Unauthenticated, m.State())
}

func TestManager_IncompleteRenewalExpiresSession(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, incomplete: true}
	m, store := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	_, err := m.Renew(ctx)

	assert.ErrorIs(t, err, credential.ErrIncomplete)
	assert.Equal(t, Expired, m.State())
	_, ok := store.Current()
	assert.False(t, ok)
}

func TestManager_ConcurrentRenewalsShareOneRequest(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	release := make(chan struct{})
	renewer := &fakeRenewer{t: t, clk: clk, block: release}
	m, _ := newManager(t, renewer, WithClock(clk))

	first := issue(t, clk, 1)
	require.NoError(t, m.SignIn(ctx, first))

	const callers = 8
	results := make(chan credential.Set, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := m.renew(ctx, first)
			assert.NoError(t, err)
			results <- set
		}()
	}

	require.Eventually(t, func() bool { return m.State() == Renewing }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, 1, renewer.callCount())
	for set := range results {
		assert.Equal(t, "R2", set.RenewalToken, "every caller sees the renewed set")
	}
}

func TestManager_TimerDuringRenewalDoesNotRenewTwice(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	release := make(chan struct{})
	renewer := &fakeRenewer{t: t, clk: clk, block: release}
	m, _ := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Renew(ctx)
	}()

	require.Eventually(t, func() bool { return m.State() == Renewing }, time.Second, time.Millisecond)
	waitForTimers(t, clk, 0)

	close(release)
	<-done

	assert.Equal(t, 1, renewer.callCount())
	waitForTimers(t, clk, 1)
}

func TestManager_SupersededTimerIsIgnored(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, store := newManager(t, renewer, WithClock(clk))

	require.NoError(t, store.Replace(ctx, issue(t, clk, 1)))

	// a timer armed for a set that is no longer current
	m.onTimer("R0")

	assert.Equal(t, 0, renewer.callCount())
}

func TestManager_SignInReplacesTimer(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, _ := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	later := credential.Set{
		AccessToken:  testhelpers.AccessToken(t, "u1", epoch.Add(time.Hour)),
		RenewalToken: "R9",
		SubjectID:    "u1",
		Role:         credential.RoleUser,
	}
	require.NoError(t, m.SignIn(ctx, later))
	waitForTimers(t, clk, 1)

	clk.Advance(lifetime)
	assert.Equal(t, 0, renewer.callCount(), "first set's timer was replaced")

	clk.Advance(time.Hour - lifetime - DefaultRenewalSkew)
	awaitRenewals(t, m, renewer, 1)
	assert.Equal(t, []string{"R9"}, renewer.renewedTokens())
}

func TestManager_SignInDuringRenewalWins(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	release := make(chan struct{})
	renewer := &fakeRenewer{t: t, clk: clk, block: release}
	m, store := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Renew(ctx)
	}()
	require.Eventually(t, func() bool { return m.State() == Renewing }, time.Second, time.Millisecond)

	fresh := issue(t, clk, 7)
	require.NoError(t, m.SignIn(ctx, fresh))

	close(release)
	<-done

	current, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "R7", current.RenewalToken)
	assert.Equal(t, Authenticated, m.State())
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, failWith: []error{serverError(), serverError()}}
	m, store := newManager(t, renewer, WithClock(clk), WithRetries(2, zeroBackOff))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	_, err := m.Renew(ctx)

	require.NoError(t, err)
	assert.Equal(t, 3, renewer.callCount())
	assert.Equal(t, Authenticated, m.State())
	current, _ := store.Current()
	assert.Equal(t, "R2", current.RenewalToken)
}

func TestManager_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, failWith: []error{serverError(), serverError(), serverError()}}
	m, _ := newManager(t, renewer, WithClock(clk), WithRetries(1, zeroBackOff))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	_, err := m.Renew(ctx)

	require.Error(t, err)
	assert.Equal(t, 2, renewer.callCount())
	assert.Equal(t, Expired, m.State())
}

func TestManager_RejectionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, failWith: []error{unauthorized()}}
	m, _ := newManager(t, renewer, WithClock(clk), WithRetries(3, zeroBackOff))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	_, err := m.Renew(ctx)

	require.Error(t, err)
	assert.Equal(t, 1, renewer.callCount())
	assert.Equal(t, Expired, m.State())
}

func TestManager_ReactiveRenewal(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, store := newManager(t, renewer, WithClock(clk), WithReactiveRenewal(time.Hour))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))

	m.RenewReactive(ctx)
	m.RenewReactive(ctx)

	require.Eventually(t, func() bool {
		current, _ := store.Current()
		return current.RenewalToken == "R2" && m.State() == Authenticated
	}, time.Second, time.Millisecond)

	m.RenewReactive(ctx)
	assert.Equal(t, 1, renewer.callCount(), "reactive renewals are rate limited")
}

func TestManager_ReactiveRenewalDisabled(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, _ := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))
	m.RenewReactive(ctx)

	assert.Never(t, func() bool { return renewer.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_ReactiveRenewalIgnoredWhenSignedOut(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, _ := newManager(t, renewer, WithClock(clk), WithReactiveRenewal(time.Millisecond))

	m.RenewReactive(context.Background())

	assert.Never(t, func() bool { return renewer.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_RestoreArmsTimer(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	persister := credential.NewMemory()
	require.NoError(t, persister.Save(ctx, "session", issue(t, clk, 1)))

	// restored an hour later, past the access credential's expiry
	clk.Advance(time.Hour)
	store := credential.NewStore(ctx, persister, "session")
	renewer := &fakeRenewer{t: t, clk: clk}
	m := NewManager(store, renewer, WithClock(clk))

	assert.Equal(t, Authenticated, m.State())
	assert.True(t, m.Restore(ctx))

	awaitRenewals(t, m, renewer, 1)
	assert.Equal(t, []string{"R1"}, renewer.renewedTokens())
	waitForTimers(t, clk, 1)
}

func TestManager_RestoreWithNothingPersisted(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	m, _ := newManager(t, &fakeRenewer{t: t, clk: clk}, WithClock(clk))

	assert.False(t, m.Restore(context.Background()))
	waitForTimers(t, clk, 0)
}

func TestManager_AccessWithoutExpiryIsNotScheduled(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	m, _ := newManager(t, &fakeRenewer{t: t, clk: clk}, WithClock(clk))

	set := credential.Set{
		AccessToken:  testhelpers.AccessTokenWithoutExpiry(t, "u1"),
		RenewalToken: "R1",
		SubjectID:    "u1",
		Role:         credential.RoleUser,
	}
	require.NoError(t, m.SignIn(ctx, set))

	assert.Equal(t, Authenticated, m.State())
	waitForTimers(t, clk, 0)
}

func TestManager_SignOut(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk}
	m, store := newManager(t, renewer, WithClock(clk))
	first := issue(t, clk, 1)

	require.NoError(t, m.SignIn(ctx, first))
	require.NoError(t, m.SignOut(ctx))

	assert.Equal(t, Unauthenticated, m.State())
	assert.Equal(t, []credential.Set{first}, renewer.revoked)
	_, ok := store.Current()
	assert.False(t, ok)
	waitForTimers(t, clk, 0)

	clk.Advance(time.Hour)
	assert.Equal(t, 0, renewer.callCount())
}

func TestManager_SignOutServerFailureStillClears(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	renewer := &fakeRenewer{t: t, clk: clk, revokeErr: errors.New("connection refused")}
	m, store := newManager(t, renewer, WithClock(clk))

	require.NoError(t, m.SignIn(ctx, issue(t, clk, 1)))
	require.NoError(t, m.SignOut(ctx))

	assert.Equal(t, Unauthenticated, m.State())
	_, ok := store.Current()
	assert.False(t, ok)
}

func TestManager_SignInRejectsIncompleteSet(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	m, _ := newManager(t, &fakeRenewer{t: t, clk: clk}, WithClock(clk))

	err := m.SignIn(context.Background(), credential.Set{AccessToken: "A1"})

	assert.ErrorIs(t, err, credential.ErrIncomplete)
	assert.Equal(t, Unauthenticated, m.State())
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"server error", serverError(), true},
		{"throttled", &pipeline.StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"unauthorized", unauthorized(), false},
		{"bad request", &pipeline.StatusError{StatusCode: http.StatusBadRequest}, false},
		{"transport", errors.New("connection reset"), true},
		{"cancelled", fmt.Errorf("renewing: %w", context.Canceled), false},
		{"incomplete", credential.ErrIncomplete, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, isTransient(tc.err))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "renewing", Renewing.String())
	assert.Equal(t, "expired", Expired.String())
	assert.Equal(t, "unknown", State(42).String())
}

func newManager(t *testing.T, renewer Renewer, opts ...Option) (*Manager, *credential.Store) {
	t.Helper()

	store := credential.NewStore(context.Background(), credential.NewMemory(), "session")
	m := NewManager(store, renewer, opts...)
	t.Cleanup(m.Stop)

	return m, store
}

// issue mints credential set n, with an access credential expiring lifetime
// from the clock's current time.
func issue(t *testing.T, clk clockwork.Clock, n int) credential.Set {
	t.Helper()

	return issueFor(t, clk, n, lifetime)
}

func issueFor(t *testing.T, clk clockwork.Clock, n int, valid time.Duration) credential.Set {
	t.Helper()

	return credential.Set{
		AccessToken:  testhelpers.AccessToken(t, "u1", clk.Now().Add(valid)),
		RenewalToken: fmt.Sprintf("R%d", n),
		SubjectID:    "u1",
		Role:         credential.RoleUser,
	}
}

// waitForTimers blocks until exactly n timers are pending on clk.
func waitForTimers(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, clk.BlockUntilContext(ctx, n), "waiting for %d pending timers", n)
}

// awaitRenewals waits until the renewer has been called n times and the
// session is Authenticated again. Timers run on their own goroutine.
func awaitRenewals(t *testing.T, m *Manager, renewer *fakeRenewer, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return renewer.callCount() == n && m.State() == Authenticated
	}, time.Second, time.Millisecond)
}

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func unauthorized() error {
	return &pipeline.StatusError{Method: http.MethodPost, Path: "auth/renew", StatusCode: http.StatusUnauthorized}
}

func serverError() error {
	return &pipeline.StatusError{Method: http.MethodPost, Path: "auth/renew", StatusCode: http.StatusBadGateway}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func recordStates(m *Manager) *stateRecorder {
	r := &stateRecorder{}
	m.OnChange(func(s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	})
	return r
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// await waits for the recorded transitions to equal want. Listeners run after
// the state is visible through State.
func (r *stateRecorder) await(t *testing.T, want ...State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, r.get())
	}, time.Second, time.Millisecond, "transitions: %v", r.get())
}

// fakeRenewer issues set n+1 for set n. Errors in failWith are returned, in
// order, before any success.
type fakeRenewer struct {
	t          *testing.T
	clk        clockwork.Clock
	lifetime   time.Duration
	failWith   []error
	incomplete bool
	block      chan struct{}
	revokeErr  error

	mu      sync.Mutex
	renewed []string
	revoked []credential.Set
}

func (f *fakeRenewer) Renew(ctx context.Context, current credential.Set) (credential.Set, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	f.renewed = append(f.renewed, current.RenewalToken)
	var err error
	if len(f.failWith) > 0 {
		err, f.failWith = f.failWith[0], f.failWith[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return credential.Set{}, err
	}

	var n int
	_, _ = fmt.Sscanf(current.RenewalToken, "R%d", &n)
	valid := f.lifetime
	if valid == 0 {
		valid = lifetime
	}
	next := issueFor(f.t, f.clk, n+1, valid)
	if f.incomplete {
		next.RenewalToken = ""
	}
	return next, nil
}

func (f *fakeRenewer) SignOut(ctx context.Context, current credential.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revoked = append(f.revoked, current)
	return f.revokeErr
}

func (f *fakeRenewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renewed)
}

func (f *fakeRenewer) renewedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renewed...)
}
