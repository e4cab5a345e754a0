package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akulagin/lsrd/internal/core/model"
	"github.com/akulagin/lsrd/internal/core/state"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) ForceRefresh(context.Context) error {
	f.calls++
	return f.err
}

func newTestServer(t *testing.T, refresh *fakeRefresher, corsAll bool) (*httptest.Server, *state.Store, *state.EventBus) {
	t.Helper()
	bus := state.NewEventBus(discard())
	store := state.NewStore(bus, discard())
	srv := httptest.NewServer(NewServer(store, bus, refresh, corsAll, discard()).Handler())
	t.Cleanup(srv.Close)
	return srv, store, bus
}

func sampleSnapshot() *model.Snapshot {
	return &model.Snapshot{
		FetchedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Accounts:  []model.Account{{ID: "acc-1", Number: "100", Address: "ул. Оптиков, д. 34"}},
	}
}

func TestGetStatus(t *testing.T) {
	srv, store, _ := newTestServer(t, &fakeRefresher{}, false)
	store.RecordFailure(errors.New("remote down"))

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st state.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Available)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, "remote down", st.LastError)
}

func TestGetSnapshot(t *testing.T) {
	srv, store, _ := newTestServer(t, &fakeRefresher{}, false)

	t.Run("404 before the first refresh", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/snapshot")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("returns the stored snapshot", func(t *testing.T) {
		store.SetSnapshot(sampleSnapshot(), nil)

		resp, err := http.Get(srv.URL + "/api/snapshot")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snap model.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		require.Len(t, snap.Accounts, 1)
		assert.Equal(t, "acc-1", snap.Accounts[0].ID)
	})
}

func TestPostRefresh(t *testing.T) {
	t.Run("triggers a forced refresh", func(t *testing.T) {
		refresh := &fakeRefresher{}
		srv, _, _ := newTestServer(t, refresh, false)

		resp, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 1, refresh.calls)
	})

	t.Run("failure surfaces as 502", func(t *testing.T) {
		refresh := &fakeRefresher{err: errors.New("remote down")}
		srv, _, _ := newTestServer(t, refresh, false)

		resp, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("GET is rejected", func(t *testing.T) {
		srv, _, _ := newTestServer(t, &fakeRefresher{}, false)

		resp, err := http.Get(srv.URL + "/api/refresh")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestCORSHeaders(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		srv, _, _ := newTestServer(t, &fakeRefresher{}, true)

		resp, err := http.Get(srv.URL + "/api/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/refresh", nil)
		preflight, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer preflight.Body.Close()
		assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
	})

	t.Run("disabled", func(t *testing.T) {
		srv, _, _ := newTestServer(t, &fakeRefresher{}, false)

		resp, err := http.Get(srv.URL + "/api/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestEventsWebSocket(t *testing.T) {
	srv, store, _ := newTestServer(t, &fakeRefresher{}, false)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	store.SetSnapshot(sampleSnapshot(), nil)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt state.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, state.EventSnapshot, evt.Type)
	require.NotNil(t, evt.Snapshot)
	assert.Equal(t, "acc-1", evt.Snapshot.Accounts[0].ID)
}
