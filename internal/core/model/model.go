// Package model defines the entity graph produced by a refresh cycle:
// communal accounts with their meters and cameras, assembled into immutable
// snapshots keyed by stable identifiers.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PaymentStatus classifies the account's payment state.
type PaymentStatus string

const (
	PaymentCurrent PaymentStatus = "current"
	PaymentOverdue PaymentStatus = "overdue"
	PaymentUnknown PaymentStatus = "unknown"
)

// Reading is a single historical meter reading.
type Reading struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Meter is a utility meter attached to an account. Number is unique within
// the account and stable across refreshes; meters may appear or disappear
// when physically replaced.
type Meter struct {
	Number    string `json:"number"`
	Title     string `json:"title"`
	TypeID    string `json:"type_id"`
	TypeTitle string `json:"type_title"`
	// Value is the last reported reading. Nil when the meter has never
	// reported.
	Value *float64 `json:"value,omitempty"`
	// PoverkaDate is the official verification date, when known.
	PoverkaDate *time.Time `json:"poverka_date,omitempty"`
	Readings    []Reading  `json:"readings,omitempty"`
}

// Camera is a courtyard camera attached to an account. StreamURL is empty
// when the remote service reports the camera offline or unsupported.
type Camera struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	StreamURL  string `json:"stream_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Account is one communal account with its nested meters and cameras.
// Accounts are replaced wholesale on each successful refresh, never
// partially mutated.
type Account struct {
	ID                string        `json:"id"`
	Number            string        `json:"number"`
	Address           string        `json:"address"`
	Payment           PaymentStatus `json:"payment_status"`
	PaymentText       string        `json:"payment_text,omitempty"`
	NotificationCount int           `json:"notification_count"`
	RequestCount      int           `json:"request_count"`
	Meters            []Meter       `json:"meters"`
	Cameras           []Camera      `json:"cameras"`
}

// Snapshot is the complete, internally consistent result of one successful
// refresh cycle. Accounts are sorted by ID; meters and cameras within each
// account by number and ID respectively.
type Snapshot struct {
	Accounts  []Account `json:"accounts"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Sort orders the snapshot contents by their stable keys so that consumers
// and diffing see a deterministic layout.
func (s *Snapshot) Sort() {
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].ID < s.Accounts[j].ID })
	for i := range s.Accounts {
		a := &s.Accounts[i]
		sort.Slice(a.Meters, func(x, y int) bool { return a.Meters[x].Number < a.Meters[y].Number })
		sort.Slice(a.Cameras, func(x, y int) bool { return a.Cameras[x].ID < a.Cameras[y].ID })
	}
}

// Account returns the account with the given id, if present.
func (s *Snapshot) Account(id string) (Account, bool) {
	for _, a := range s.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// Entity key helpers. Keys are deterministic across refreshes so the host
// never churns entity identities: lowercase, with "-" flattened to "_",
// matching the ids the integration has always exported.

// AccountKey returns the entity key scope for an account.
func AccountKey(accountID string) string {
	return sanitize(fmt.Sprintf("lsr_%s", accountID))
}

// MeterKey returns the entity key for a meter within an account.
func MeterKey(accountID, meterNumber string) string {
	return sanitize(fmt.Sprintf("lsr_%s_meter_%s", accountID, meterNumber))
}

// CameraKey returns the entity key for a camera within an account.
func CameraKey(accountID, cameraID string) string {
	return sanitize(fmt.Sprintf("lsr_%s_camera_%s", accountID, cameraID))
}

func sanitize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "-", "_")
}
