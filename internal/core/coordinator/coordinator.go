// Package coordinator drives the periodic refresh pipeline: one
// authenticated session per configured account instance, scheduled polls
// against the LSR API, reconciliation into the snapshot store, and
// backoff with a degraded-availability signal when polls keep failing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akulagin/lsrd/internal/core/api"
	"github.com/akulagin/lsrd/internal/core/auth"
	"github.com/akulagin/lsrd/internal/core/model"
	"github.com/akulagin/lsrd/internal/core/reconcile"
	"github.com/akulagin/lsrd/internal/core/state"
)

// State is the coordinator's refresh state.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
)

// API is the slice of the LSR client the coordinator drives.
type API interface {
	ListAccounts(ctx context.Context, token string) ([]api.RawAccount, error)
	FetchAccountDetail(ctx context.Context, token, accountID string) (api.RawAccountDetail, error)
	FetchMeters(ctx context.Context, token, accountID string) ([]api.RawMeter, error)
	FetchMeterHistory(ctx context.Context, token, meterID string) ([]api.RawHistoryItem, error)
	FetchCameras(ctx context.Context, token, accountID string) ([]api.RawCamera, error)
	FetchStreamURL(ctx context.Context, token string, cam api.RawCamera) (string, error)
	FetchRequests(ctx context.Context, token, accountID string) ([]api.RawHistoryItem, error)
}

// TokenSource supplies valid credentials for outgoing calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (auth.Credential, error)
}

// Options bound the refresh schedule.
type Options struct {
	// Interval between successful refresh cycles; also the backoff ceiling.
	Interval time.Duration
	// BackoffFloor is the minimum retry delay after a failure.
	BackoffFloor time.Duration
	// DegradedThreshold is the consecutive-failure count at which entities
	// are marked stale.
	DegradedThreshold int
}

// Coordinator owns the refresh pipeline for one account instance. Cycles
// never overlap: the run loop is the only place a refresh starts.
type Coordinator struct {
	opts   Options
	tokens TokenSource
	api    API
	store  *state.Store
	log    *slog.Logger

	// prev is the snapshot of the last successful cycle, owned by the run
	// loop.
	prev *model.Snapshot

	st      atomic.Value // State
	wakeCh  chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool

	waitersMu sync.Mutex
	waiters   []chan error

	// now is swappable for tests.
	now func() time.Time
}

// New creates a coordinator. It does not start refreshing until Start.
func New(opts Options, tokens TokenSource, apiClient API, store *state.Store, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		opts:   opts,
		tokens: tokens,
		api:    apiClient,
		store:  store,
		log:    log,
		wakeCh: make(chan struct{}, 1),
		now:    time.Now,
	}
	c.st.Store(StateIdle)
	return c
}

// Start begins the refresh loop. The first cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("coordinator: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)

	go c.runLoop(ctx)
	return nil
}

// Stop cancels any in-flight refresh and stops the loop. A cancelled cycle
// publishes nothing.
func (c *Coordinator) Stop(_ context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.stopped
	c.running.Store(false)
	return nil
}

// State returns the current refresh state.
func (c *Coordinator) State() State {
	return c.st.Load().(State)
}

// ForceRefresh requests an immediate refresh and blocks until a cycle
// completes or ctx is done. Requests are coalesced: a cycle already in
// flight serves every pending request with its own result.
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	ch := make(chan error, 1)
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, ch)
	c.signalWake()
	c.waitersMu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) signalWake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) notifyWaiters(err error) {
	c.waitersMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	// Every waiter taken here is served by this cycle, so a wake they left
	// behind would only trigger a redundant back-to-back poll. Requests
	// arriving after the unlock signal the wake channel again.
	select {
	case <-c.wakeCh:
	default:
	}
	c.waitersMu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.stopped)

	// First refresh fires immediately.
	var delay time.Duration

	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.notifyWaiters(ctx.Err())
			return
		case <-c.wakeCh:
			timer.Stop()
			select {
			case <-timer.C:
			default:
			}
		case <-timer.C:
		}

		err := c.refresh(ctx)
		if ctx.Err() != nil {
			c.notifyWaiters(ctx.Err())
			return
		}
		c.notifyWaiters(err)

		if err == nil {
			c.store.SetAvailable(true)
			delay = c.opts.Interval
			continue
		}

		failures := c.store.RecordFailure(err)
		if failures >= c.opts.DegradedThreshold {
			c.store.SetAvailable(false)
		}
		delay = c.retryDelay(failures, err)

		var authErr *api.AuthError
		if errors.As(err, &authErr) && authErr.Kind == api.AuthInvalidCredentials {
			// Backoff cannot fix rejected credentials; say so loudly and
			// wait out the full interval instead of hammering the login.
			c.log.Error("re-authentication required: stored credentials were rejected", "error", err)
			delay = c.opts.Interval
		} else {
			c.log.Warn("refresh failed, retrying", "error", err, "failures", failures, "retry_in", delay)
		}
	}
}

// retryDelay computes the next retry delay for the given consecutive
// failure count, honoring a rate-limit hint when the remote sent one.
func (c *Coordinator) retryDelay(failures int, err error) time.Duration {
	var rl *api.RateLimitedError
	if errors.As(err, &rl) {
		return clamp(rl.RetryAfter, c.opts.BackoffFloor, c.opts.Interval)
	}
	return Backoff(failures, c.opts.BackoffFloor, c.opts.Interval)
}

// Backoff returns the exponential retry delay for the n-th consecutive
// failure: floor, 2*floor, 4*floor, ... bounded by ceiling. It never goes
// below floor or above ceiling.
func Backoff(n int, floor, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := floor
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return clamp(d, floor, ceiling)
}

func clamp(d, floor, ceiling time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// refresh runs one full cycle: token, fetch, reconcile, publish.
func (c *Coordinator) refresh(ctx context.Context) error {
	c.st.Store(StateRefreshing)
	defer c.st.Store(StateIdle)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: obtain token: %w", err)
	}

	cy := &cycle{c: c, token: token}

	var rawAccounts []api.RawAccount
	err = cy.call(ctx, func(token string) error {
		var err error
		rawAccounts, err = c.api.ListAccounts(ctx, token)
		return err
	})
	if err != nil {
		return fmt.Errorf("coordinator: list accounts: %w", err)
	}

	bundles := make([]reconcile.RawAccountBundle, 0, len(rawAccounts))
	for _, ra := range rawAccounts {
		bundle, err := c.fetchAccount(ctx, cy, ra)
		if err != nil {
			if isCycleFatal(err) {
				return fmt.Errorf("coordinator: account %s: %w", ra.ObjectID.ID, err)
			}
			// Per-account isolation: one broken account does not fail the
			// cycle for the others.
			c.log.Warn("dropping account from this cycle", "account_id", ra.ObjectID.ID, "error", err)
			continue
		}
		bundles = append(bundles, bundle)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	accounts, warnings := reconcile.BuildAccounts(bundles)
	for _, w := range warnings {
		c.log.Warn("dropped malformed record", "entity", string(w.Entity), "id", w.ID, "reason", w.Reason)
	}

	next, diff, err := reconcile.Reconcile(c.prev, accounts, c.now())
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	// A cancelled cycle must not publish.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.prev = next
	c.store.SetSnapshot(next, diff)
	c.log.Info("refresh complete", "accounts", len(next.Accounts), "diff_events", len(diff))
	return nil
}

// fetchAccount gathers the full bundle for one account.
func (c *Coordinator) fetchAccount(ctx context.Context, cy *cycle, ra api.RawAccount) (reconcile.RawAccountBundle, error) {
	accountID := ra.ObjectID.ID
	bundle := reconcile.RawAccountBundle{
		Account:    ra,
		History:    map[string][]api.RawHistoryItem{},
		StreamURLs: map[string]string{},
	}

	err := cy.call(ctx, func(token string) error {
		var err error
		bundle.Detail, err = c.api.FetchAccountDetail(ctx, token, accountID)
		return err
	})
	if err != nil {
		return bundle, fmt.Errorf("detail: %w", err)
	}

	err = cy.call(ctx, func(token string) error {
		var err error
		bundle.Meters, err = c.api.FetchMeters(ctx, token, accountID)
		return err
	})
	if err != nil {
		return bundle, fmt.Errorf("meters: %w", err)
	}

	for _, m := range bundle.Meters {
		meterID := m.ObjectID.ID
		if meterID == "" {
			continue
		}
		err = cy.call(ctx, func(token string) error {
			history, err := c.api.FetchMeterHistory(ctx, token, meterID)
			if err != nil {
				return err
			}
			bundle.History[meterID] = history
			return nil
		})
		if err != nil {
			if isCycleFatal(err) {
				return bundle, fmt.Errorf("meter history %s: %w", meterID, err)
			}
			// History is advisory; the meter still carries its last value.
			c.log.Warn("meter history unavailable", "meter_id", meterID, "error", err)
		}
	}

	err = cy.call(ctx, func(token string) error {
		var err error
		bundle.Cameras, err = c.api.FetchCameras(ctx, token, accountID)
		return err
	})
	if err != nil {
		return bundle, fmt.Errorf("cameras: %w", err)
	}

	for _, cam := range bundle.Cameras {
		err = cy.call(ctx, func(token string) error {
			url, err := c.api.FetchStreamURL(ctx, token, cam)
			if err != nil {
				return err
			}
			bundle.StreamURLs[cam.ID] = url
			return nil
		})
		if err != nil {
			if isCycleFatal(err) {
				return bundle, fmt.Errorf("camera stream %s: %w", cam.ID, err)
			}
			// An unreachable stream endpoint means the camera shows as
			// offline, nothing more.
			c.log.Warn("camera stream unavailable", "camera_id", cam.ID, "error", err)
		}
	}

	err = cy.call(ctx, func(token string) error {
		requests, err := c.api.FetchRequests(ctx, token, accountID)
		if err != nil {
			return err
		}
		bundle.RequestCount = len(requests)
		return nil
	})
	if err != nil {
		if isCycleFatal(err) {
			return bundle, fmt.Errorf("requests: %w", err)
		}
		c.log.Warn("communal requests unavailable", "account_id", accountID, "error", err)
	}

	return bundle, nil
}

// isCycleFatal reports errors that must fail the whole cycle rather than
// drop a single account: hard auth failures (retrying other accounts would
// hammer a rejected login) and rate limiting (the remote asked us to stop).
func isCycleFatal(err error) bool {
	var authErr *api.AuthError
	var rl *api.RateLimitedError
	return errors.As(err, &authErr) || errors.As(err, &rl) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cycle tracks the refresh-and-retry budget of one refresh: on the first
// AuthExpired it re-authenticates once and retries the failed call; any
// further AuthExpired in the same cycle is a hard auth failure.
type cycle struct {
	c        *Coordinator
	token    string
	reauthed bool
}

func (cy *cycle) call(ctx context.Context, fn func(token string) error) error {
	err := fn(cy.token)
	if !errors.Is(err, api.ErrAuthExpired) {
		return err
	}

	if cy.reauthed {
		return &api.AuthError{Kind: api.AuthInvalidCredentials, Err: err}
	}
	cy.reauthed = true

	cy.c.log.Info("access token rejected mid-cycle, re-authenticating once")
	cred, rerr := cy.c.tokens.ForceRefresh(ctx)
	if rerr != nil {
		return fmt.Errorf("re-authenticate: %w", rerr)
	}
	cy.token = cred.AccessToken

	err = fn(cy.token)
	if errors.Is(err, api.ErrAuthExpired) {
		return &api.AuthError{Kind: api.AuthInvalidCredentials, Err: err}
	}
	return err
}
