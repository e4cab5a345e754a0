package reconcile

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/akulagin/lsrd/internal/core/model"
)

// ErrEmptyResult guards against a degraded API response masquerading as
// "no accounts": a refresh that parses zero valid accounts is treated as
// failed and the previous snapshot is kept.
var ErrEmptyResult = errors.New("reconcile: no valid accounts in refresh")

// Op identifies what happened to an entity between two snapshots.
type Op string

const (
	OpRemoved Op = "removed"
	OpAdded   Op = "added"
	OpUpdated Op = "updated"
	// OpAnomaly flags a meter reading that decreased between cycles. The
	// value is kept (meters get physically reset or replaced).
	OpAnomaly Op = "anomaly"
)

// EntityKind identifies the entity an event refers to.
type EntityKind string

const (
	EntityAccount EntityKind = "account"
	EntityMeter   EntityKind = "meter"
	EntityCamera  EntityKind = "camera"
)

// Event describes one difference between the previous and new snapshot.
// Key is the stable entity key; Field/Old/New are set for updated and
// anomaly events.
type Event struct {
	Op     Op         `json:"op"`
	Entity EntityKind `json:"entity"`
	Key    string     `json:"key"`
	Field  string     `json:"field,omitempty"`
	Old    string     `json:"old,omitempty"`
	New    string     `json:"new,omitempty"`
}

// Reconcile builds the new snapshot from parsed accounts and diffs it
// against prev. When zero accounts are supplied it returns prev unchanged
// together with ErrEmptyResult. Event ordering is deterministic: removed,
// then added, then updated, then anomalies, each group in ascending key
// (and field) order.
func Reconcile(prev *model.Snapshot, accounts []model.Account, now time.Time) (*model.Snapshot, []Event, error) {
	if len(accounts) == 0 {
		return prev, nil, ErrEmptyResult
	}

	next := &model.Snapshot{Accounts: accounts, FetchedAt: now}
	next.Sort()

	return next, Diff(prev, next), nil
}

// Diff computes the ordered event list describing how next differs from
// prev. A nil prev means everything in next is added.
func Diff(prev, next *model.Snapshot) []Event {
	prevIdx := indexSnapshot(prev)
	nextIdx := indexSnapshot(next)

	var removed, added, updated, anomalies []Event

	for key, pe := range prevIdx {
		if _, ok := nextIdx[key]; !ok {
			removed = append(removed, Event{Op: OpRemoved, Entity: pe.kind, Key: key})
		}
	}

	for key, ne := range nextIdx {
		pe, ok := prevIdx[key]
		if !ok {
			added = append(added, Event{Op: OpAdded, Entity: ne.kind, Key: key})
			continue
		}
		for _, fc := range diffFields(pe, ne) {
			updated = append(updated, Event{
				Op: OpUpdated, Entity: ne.kind, Key: key,
				Field: fc.field, Old: fc.old, New: fc.new,
			})
		}
		if a, ok := meterAnomaly(pe, ne); ok {
			a.Key = key
			anomalies = append(anomalies, a)
		}
	}

	sortEvents(removed)
	sortEvents(added)
	sortEvents(updated)
	sortEvents(anomalies)

	events := make([]Event, 0, len(removed)+len(added)+len(updated)+len(anomalies))
	events = append(events, removed...)
	events = append(events, added...)
	events = append(events, updated...)
	events = append(events, anomalies...)
	return events
}

func sortEvents(evs []Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].Key != evs[j].Key {
			return evs[i].Key < evs[j].Key
		}
		return evs[i].Field < evs[j].Field
	})
}

// entry is one diffable entity with its typed payload.
type entry struct {
	kind    EntityKind
	account *model.Account
	meter   *model.Meter
	camera  *model.Camera
}

// indexSnapshot flattens a snapshot into stable-key → entity entries.
func indexSnapshot(s *model.Snapshot) map[string]entry {
	idx := map[string]entry{}
	if s == nil {
		return idx
	}
	for i := range s.Accounts {
		a := &s.Accounts[i]
		idx[model.AccountKey(a.ID)] = entry{kind: EntityAccount, account: a}
		for j := range a.Meters {
			m := &a.Meters[j]
			idx[model.MeterKey(a.ID, m.Number)] = entry{kind: EntityMeter, meter: m}
		}
		for j := range a.Cameras {
			c := &a.Cameras[j]
			idx[model.CameraKey(a.ID, c.ID)] = entry{kind: EntityCamera, camera: c}
		}
	}
	return idx
}

type fieldChange struct {
	field, old, new string
}

func diffFields(prev, next entry) []fieldChange {
	var changes []fieldChange
	add := func(field, old, new string) {
		if old != new {
			changes = append(changes, fieldChange{field, old, new})
		}
	}

	switch next.kind {
	case EntityAccount:
		p, n := prev.account, next.account
		add("address", p.Address, n.Address)
		add("notification_count", strconv.Itoa(p.NotificationCount), strconv.Itoa(n.NotificationCount))
		add("number", p.Number, n.Number)
		add("payment_status", paymentString(p), paymentString(n))
		add("request_count", strconv.Itoa(p.RequestCount), strconv.Itoa(n.RequestCount))

	case EntityMeter:
		p, n := prev.meter, next.meter
		add("poverka_date", dateString(p.PoverkaDate), dateString(n.PoverkaDate))
		add("title", p.Title, n.Title)
		add("type_title", p.TypeTitle, n.TypeTitle)
		add("value", valueString(p.Value), valueString(n.Value))

	case EntityCamera:
		p, n := prev.camera, next.camera
		add("preview_url", p.PreviewURL, n.PreviewURL)
		add("stream_url", p.StreamURL, n.StreamURL)
		add("title", p.Title, n.Title)
	}
	return changes
}

// meterAnomaly reports a reading that went backwards between cycles.
func meterAnomaly(prev, next entry) (Event, bool) {
	if next.kind != EntityMeter || prev.meter.Value == nil || next.meter.Value == nil {
		return Event{}, false
	}
	if *next.meter.Value >= *prev.meter.Value {
		return Event{}, false
	}
	return Event{
		Op: OpAnomaly, Entity: EntityMeter,
		Field: "value",
		Old:   valueString(prev.meter.Value),
		New:   valueString(next.meter.Value),
	}, true
}

func paymentString(a *model.Account) string {
	if a.PaymentText != "" {
		return string(a.Payment) + ":" + a.PaymentText
	}
	return string(a.Payment)
}

func valueString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}
