// Package lsr provides a public facade re-exporting core types
// for external consumers of this module.
package lsr

import (
	"github.com/akulagin/lsrd/internal/core/api"
	"github.com/akulagin/lsrd/internal/core/auth"
	"github.com/akulagin/lsrd/internal/core/coordinator"
	"github.com/akulagin/lsrd/internal/core/model"
	"github.com/akulagin/lsrd/internal/core/reconcile"
	"github.com/akulagin/lsrd/internal/core/state"
)

// Re-export core types for external use.
type (
	// Client talks to the personal-account JSON-RPC API.
	Client = api.Client
	// AuthError reports an authentication failure.
	AuthError = api.AuthError
	// Credential holds an access/refresh token pair.
	Credential = auth.Credential
	// SessionManager owns credentials and their refresh.
	SessionManager = auth.SessionManager
	// Account is one personal account with its meters and cameras.
	Account = model.Account
	// Meter is one utility meter.
	Meter = model.Meter
	// Camera is one courtyard camera.
	Camera = model.Camera
	// Snapshot is a full fetched view of all accounts.
	Snapshot = model.Snapshot
	// PaymentStatus classifies the payment state of an account.
	PaymentStatus = model.PaymentStatus
	// DiffEvent describes one change between two snapshots.
	DiffEvent = reconcile.Event
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Status describes refresh pipeline health.
	Status = state.Status
	// Coordinator drives the periodic refresh cycle.
	Coordinator = coordinator.Coordinator
)

// Payment status constants.
const (
	PaymentCurrent = model.PaymentCurrent
	PaymentOverdue = model.PaymentOverdue
	PaymentUnknown = model.PaymentUnknown
)

// Event type constants.
const (
	EventSnapshot      = state.EventSnapshot
	EventEntityDiff    = state.EventEntityDiff
	EventAvailability  = state.EventAvailability
	EventRefreshFailed = state.EventRefreshFailed
)
