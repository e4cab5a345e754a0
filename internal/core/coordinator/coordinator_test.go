package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akulagin/lsrd/internal/core/api"
	"github.com/akulagin/lsrd/internal/core/auth"
	"github.com/akulagin/lsrd/internal/core/state"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeAPI serves canned data, keyed by account/meter/camera id. The zero
// value serves a single healthy account.
type fakeAPI struct {
	mu        sync.Mutex
	listCalls int

	accounts  []api.RawAccount
	listErr   error
	detailErr map[string]error

	meters   map[string][]api.RawMeter
	history  map[string][]api.RawHistoryItem
	cameras  map[string][]api.RawCamera
	streams  map[string]string
	requests map[string][]api.RawHistoryItem

	// expireUntil simulates a stale token: every call fails with
	// ErrAuthExpired until the bearer token equals this value.
	expireUntil string

	// gate, when set, blocks ListAccounts until released.
	gate chan struct{}
}

func oneAccount() []api.RawAccount {
	return []api.RawAccount{{ObjectID: api.ObjectID{ID: "acc-1", Title: "Л/с №100"}}}
}

func (f *fakeAPI) checkToken(token string) error {
	if f.expireUntil != "" && token != f.expireUntil {
		return api.ErrAuthExpired
	}
	return nil
}

func (f *fakeAPI) ListAccounts(ctx context.Context, token string) ([]api.RawAccount, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.gate
	err := f.listErr
	accounts := f.accounts
	tokenErr := f.checkToken(token)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if tokenErr != nil {
		return nil, tokenErr
	}
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		return oneAccount(), nil
	}
	return accounts, nil
}

func (f *fakeAPI) FetchAccountDetail(_ context.Context, token, accountID string) (api.RawAccountDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return api.RawAccountDetail{}, err
	}
	if err := f.detailErr[accountID]; err != nil {
		return api.RawAccountDetail{}, err
	}
	return api.RawAccountDetail{}, nil
}

func (f *fakeAPI) FetchMeters(_ context.Context, token, accountID string) ([]api.RawMeter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	return f.meters[accountID], nil
}

func (f *fakeAPI) FetchMeterHistory(_ context.Context, token, meterID string) ([]api.RawHistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	return f.history[meterID], nil
}

func (f *fakeAPI) FetchCameras(_ context.Context, token, accountID string) ([]api.RawCamera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	return f.cameras[accountID], nil
}

func (f *fakeAPI) FetchStreamURL(_ context.Context, token string, cam api.RawCamera) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return "", err
	}
	return f.streams[cam.ID], nil
}

func (f *fakeAPI) FetchRequests(_ context.Context, token, accountID string) ([]api.RawHistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	return f.requests[accountID], nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
	err       error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.err != nil {
		return auth.Credential{}, f.err
	}
	f.token = "fresh"
	return auth.Credential{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func defaultOpts() Options {
	return Options{Interval: 12 * time.Hour, BackoffFloor: time.Minute, DegradedThreshold: 3}
}

func newTestCoordinator(fa *fakeAPI, ft *fakeTokens) (*Coordinator, *state.Store, *state.EventBus) {
	bus := state.NewEventBus(discard())
	store := state.NewStore(bus, discard())
	c := New(defaultOpts(), ft, fa, store, discard())
	return c, store, bus
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	fa := &fakeAPI{
		meters: map[string][]api.RawMeter{
			"acc-1": {{ObjectID: api.ObjectID{ID: "m-1", Title: "ХВС №111"}, LastMeterValue: api.RawMeterValue{ListValue: "10,5", DateList: "01.08.2026"}}},
		},
		cameras: map[string][]api.RawCamera{
			"acc-1": {{ID: "cam-1", Title: "Двор", VideoURL: "https://v/1"}},
		},
		streams:  map[string]string{"cam-1": "rtsp://live/1"},
		requests: map[string][]api.RawHistoryItem{"acc-1": {{}, {}}},
	}
	ft := &fakeTokens{token: "tok"}
	c, store, _ := newTestCoordinator(fa, ft)

	require.NoError(t, c.refresh(context.Background()))

	snap, ok := store.Snapshot()
	require.True(t, ok)
	require.Len(t, snap.Accounts, 1)
	acc := snap.Accounts[0]
	assert.Equal(t, "acc-1", acc.ID)
	require.Len(t, acc.Meters, 1)
	assert.InDelta(t, 10.5, *acc.Meters[0].Value, 1e-9)
	require.Len(t, acc.Cameras, 1)
	assert.Equal(t, "rtsp://live/1", acc.Cameras[0].StreamURL)
	assert.Equal(t, 2, acc.RequestCount)
	assert.Equal(t, 0, ft.refreshCount())
}

func TestRefreshReauthenticatesOnceOnExpiredToken(t *testing.T) {
	fa := &fakeAPI{expireUntil: "fresh"}
	ft := &fakeTokens{token: "stale"}
	c, store, _ := newTestCoordinator(fa, ft)

	require.NoError(t, c.refresh(context.Background()))

	_, ok := store.Snapshot()
	assert.True(t, ok, "the retried cycle must still publish")
	assert.Equal(t, 1, ft.refreshCount())
	assert.Equal(t, 2, fa.calls(), "the failed call is retried exactly once")
}

func TestRefreshSecondExpiryIsHardAuthFailure(t *testing.T) {
	fa := &fakeAPI{expireUntil: "never-issued"}
	ft := &fakeTokens{token: "stale"}
	c, store, _ := newTestCoordinator(fa, ft)

	err := c.refresh(context.Background())
	require.Error(t, err)

	var authErr *api.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, api.AuthInvalidCredentials, authErr.Kind)

	assert.Equal(t, 1, ft.refreshCount(), "exactly one re-authentication per cycle")
	assert.Equal(t, 2, fa.calls(), "no third attempt after the retry fails")

	_, ok := store.Snapshot()
	assert.False(t, ok, "a failed cycle publishes nothing")
}

func TestRefreshEmptyAccountListKeepsPrevious(t *testing.T) {
	fa := &fakeAPI{}
	ft := &fakeTokens{token: "tok"}
	c, store, _ := newTestCoordinator(fa, ft)

	require.NoError(t, c.refresh(context.Background()))
	before, ok := store.Snapshot()
	require.True(t, ok)

	fa.mu.Lock()
	fa.accounts = []api.RawAccount{} // remote suddenly reports nothing
	fa.mu.Unlock()

	err := c.refresh(context.Background())
	require.Error(t, err)

	after, ok := store.Snapshot()
	require.True(t, ok)
	assert.Equal(t, before, after, "the previous snapshot survives an empty result")
}

func TestRefreshDropsBrokenAccountKeepsOthers(t *testing.T) {
	fa := &fakeAPI{
		accounts: []api.RawAccount{
			{ObjectID: api.ObjectID{ID: "acc-1", Title: "Л/с №100"}},
			{ObjectID: api.ObjectID{ID: "acc-2", Title: "Л/с №200"}},
		},
		detailErr: map[string]error{
			"acc-2": &api.TransportError{Kind: api.TransportTimeout, Err: errors.New("deadline")},
		},
	}
	ft := &fakeTokens{token: "tok"}
	c, store, _ := newTestCoordinator(fa, ft)

	require.NoError(t, c.refresh(context.Background()))

	snap, ok := store.Snapshot()
	require.True(t, ok)
	require.Len(t, snap.Accounts, 1)
	assert.Equal(t, "acc-1", snap.Accounts[0].ID)
}

func TestRefreshRateLimitIsCycleFatal(t *testing.T) {
	fa := &fakeAPI{
		accounts: []api.RawAccount{
			{ObjectID: api.ObjectID{ID: "acc-1", Title: "Л/с №100"}},
			{ObjectID: api.ObjectID{ID: "acc-2", Title: "Л/с №200"}},
		},
		detailErr: map[string]error{
			"acc-1": &api.RateLimitedError{RetryAfter: time.Minute},
		},
	}
	ft := &fakeTokens{token: "tok"}
	c, store, _ := newTestCoordinator(fa, ft)

	err := c.refresh(context.Background())
	require.Error(t, err)
	var rl *api.RateLimitedError
	assert.ErrorAs(t, err, &rl)

	_, ok := store.Snapshot()
	assert.False(t, ok)
}

func TestBackoff(t *testing.T) {
	floor := time.Minute
	ceiling := 12 * time.Hour

	assert.Equal(t, time.Minute, Backoff(0, floor, ceiling))
	assert.Equal(t, time.Minute, Backoff(1, floor, ceiling))
	assert.Equal(t, 2*time.Minute, Backoff(2, floor, ceiling))
	assert.Equal(t, 4*time.Minute, Backoff(3, floor, ceiling))
	assert.Equal(t, 64*time.Minute, Backoff(7, floor, ceiling))
	assert.Equal(t, ceiling, Backoff(20, floor, ceiling), "doubling caps at the scan interval")
}

func TestRetryDelayHonorsRateLimitHint(t *testing.T) {
	c, _, _ := newTestCoordinator(&fakeAPI{}, &fakeTokens{token: "tok"})

	assert.Equal(t, 5*time.Minute, c.retryDelay(1, &api.RateLimitedError{RetryAfter: 5 * time.Minute}))
	assert.Equal(t, time.Minute, c.retryDelay(1, &api.RateLimitedError{RetryAfter: time.Second}), "hint clamps up to the floor")
	assert.Equal(t, 12*time.Hour, c.retryDelay(1, &api.RateLimitedError{RetryAfter: 24 * time.Hour}), "hint clamps down to the interval")
	assert.Equal(t, 2*time.Minute, c.retryDelay(2, errors.New("plain failure")), "plain failures use exponential backoff")
}

func TestRunLoopMarksDegradedOnceAfterThreshold(t *testing.T) {
	fa := &fakeAPI{}
	ft := &fakeTokens{token: "tok"}

	bus := state.NewEventBus(discard())
	store := state.NewStore(bus, discard())
	opts := Options{Interval: time.Hour, BackoffFloor: time.Millisecond, DegradedThreshold: 3}
	c := New(opts, ft, fa, store, discard())

	ch, unsub := bus.Subscribe(64)
	defer unsub()

	// First cycle succeeds so a snapshot exists, then the remote goes down.
	require.NoError(t, c.refresh(context.Background()))
	fa.mu.Lock()
	fa.listErr = &api.TransportError{Kind: api.TransportConnectionFailed, Err: errors.New("refused")}
	fa.mu.Unlock()

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	deadline := time.After(5 * time.Second)
	var transitions int
	for transitions == 0 {
		select {
		case evt := <-ch:
			if evt.Type == state.EventAvailability && !evt.Available {
				transitions++
			}
		case <-deadline:
			t.Fatal("no availability transition within deadline")
		}
	}

	// Let a few more failing cycles run; the transition must not repeat.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case evt := <-ch:
			if evt.Type == state.EventAvailability {
				t.Fatalf("unexpected extra availability event: %+v", evt)
			}
			continue
		default:
		}
		break
	}

	assert.GreaterOrEqual(t, store.Status().ConsecutiveFailures, 3)
	_, ok := store.Snapshot()
	assert.True(t, ok, "going degraded never drops the last snapshot")
}

func TestForceRefreshCoalesces(t *testing.T) {
	gate := make(chan struct{})
	fa := &fakeAPI{gate: gate}
	ft := &fakeTokens{token: "tok"}
	c, store, _ := newTestCoordinator(fa, ft)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	// Wait for the startup cycle to block inside the API call.
	require.Eventually(t, func() bool { return fa.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results <- c.ForceRefresh(ctx)
		}()
	}

	// Release the in-flight cycle only once both requests are queued.
	require.Eventually(t, func() bool {
		c.waitersMu.Lock()
		defer c.waitersMu.Unlock()
		return len(c.waiters) == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("ForceRefresh did not return")
		}
	}

	_, ok := store.Snapshot()
	assert.True(t, ok)

	// Both requests were served by the in-flight cycle; their wake must not
	// schedule a redundant back-to-back poll.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fa.calls())
}

func TestStopWhileRefreshInFlight(t *testing.T) {
	gate := make(chan struct{})
	fa := &fakeAPI{gate: gate}
	ft := &fakeTokens{token: "tok"}
	c, store, _ := newTestCoordinator(fa, ft)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return fa.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop(context.Background())
		close(done)
	}()

	// Stop cancels the run context, which is what unblocks the in-flight
	// call; the gate never opens while the cycle is alive.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	_, ok := store.Snapshot()
	assert.False(t, ok, "a cancelled cycle publishes nothing")
	close(gate)
}

func TestStartTwiceFails(t *testing.T) {
	c, _, _ := newTestCoordinator(&fakeAPI{}, &fakeTokens{token: "tok"})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	assert.Error(t, c.Start(context.Background()))
}

func TestTokenFailureFailsCycle(t *testing.T) {
	ft := &fakeTokens{err: &api.AuthError{Kind: api.AuthServiceUnavailable, Err: errors.New("down")}}
	c, store, _ := newTestCoordinator(&fakeAPI{}, ft)

	err := c.refresh(context.Background())
	require.Error(t, err)

	_, ok := store.Snapshot()
	assert.False(t, ok)
}
