// Package reconcile maps raw, variably-shaped API payloads into the stable
// entity graph and computes the difference between refresh cycles. All
// functions are pure: same inputs, same outputs, same event ordering.
package reconcile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/akulagin/lsrd/internal/core/api"
	"github.com/akulagin/lsrd/internal/core/model"
)

// dateLayout is the DD.MM.YYYY format the remote uses everywhere.
const dateLayout = "02.01.2006"

var (
	spanRe     = regexp.MustCompile(`(?s)<span[^>]*>(.*?)</span>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	lsRe       = regexp.MustCompile(`Л/с №(\d+)`)
	meterNumRe = regexp.MustCompile(`№(\d+)`)
)

// RawAccountBundle is everything fetched for one account in one cycle.
type RawAccountBundle struct {
	Account api.RawAccount
	Detail  api.RawAccountDetail
	Meters  []api.RawMeter
	// History holds meter reading history keyed by remote meter id.
	History map[string][]api.RawHistoryItem
	Cameras []api.RawCamera
	// StreamURLs holds resolved live-stream URLs keyed by camera id; a
	// missing or empty entry means the camera is offline.
	StreamURLs   map[string]string
	RequestCount int
}

// Warning records a single malformed record that was dropped or defaulted
// without failing the refresh.
type Warning struct {
	Entity EntityKind
	ID     string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s: %s", w.Entity, w.ID, w.Reason)
}

// BuildAccounts parses raw bundles into model accounts. Structurally invalid
// records are dropped individually and reported as warnings; an account
// without an id is dropped wholesale.
func BuildAccounts(bundles []RawAccountBundle) ([]model.Account, []Warning) {
	var accounts []model.Account
	var warnings []Warning

	for _, b := range bundles {
		acc, ws, ok := buildAccount(b)
		warnings = append(warnings, ws...)
		if !ok {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, warnings
}

func buildAccount(b RawAccountBundle) (model.Account, []Warning, bool) {
	var warnings []Warning

	id := b.Account.ObjectID.ID
	if id == "" {
		warnings = append(warnings, Warning{Entity: EntityAccount, ID: b.Account.ObjectID.Title, Reason: "missing account id"})
		return model.Account{}, warnings, false
	}

	acc := model.Account{
		ID:           id,
		Number:       accountNumber(b),
		Address:      accountAddress(b.Account),
		RequestCount: b.RequestCount,
	}

	acc.Payment, acc.PaymentText = paymentStatus(b.Detail.OptionalObject)

	switch {
	case b.Account.NotificationCount != nil:
		acc.NotificationCount = *b.Account.NotificationCount
	case b.Detail.NotificationCount != nil:
		acc.NotificationCount = *b.Detail.NotificationCount
	}
	if acc.NotificationCount < 0 {
		warnings = append(warnings, Warning{Entity: EntityAccount, ID: id, Reason: "negative notification count"})
		acc.NotificationCount = 0
	}

	for _, rm := range b.Meters {
		m, ws, ok := buildMeter(rm, b.History[rm.ObjectID.ID])
		warnings = append(warnings, ws...)
		if ok {
			acc.Meters = append(acc.Meters, m)
		}
	}

	for _, rc := range b.Cameras {
		if rc.ID == "" {
			warnings = append(warnings, Warning{Entity: EntityCamera, ID: rc.Title, Reason: "missing camera id"})
			continue
		}
		acc.Cameras = append(acc.Cameras, model.Camera{
			ID:         rc.ID,
			Title:      rc.Title,
			StreamURL:  b.StreamURLs[rc.ID],
			PreviewURL: rc.Preview,
		})
	}

	return acc, warnings, true
}

func buildMeter(rm api.RawMeter, history []api.RawHistoryItem) (model.Meter, []Warning, bool) {
	var warnings []Warning

	meterID := rm.ObjectID.ID
	if meterID == "" {
		warnings = append(warnings, Warning{Entity: EntityMeter, ID: rm.ObjectID.Title, Reason: "missing meter id"})
		return model.Meter{}, warnings, false
	}

	m := model.Meter{
		Number:    meterNumber(rm.ObjectID.Title, meterID),
		Title:     rm.ObjectID.Title,
		TypeID:    rm.Type.ID,
		TypeTitle: rm.Type.Title,
	}

	// A malformed last reading invalidates the record; an absent one does
	// not (the meter has simply never reported).
	if raw := rm.LastMeterValue.ListValue; raw != "" {
		v, err := parseDecimal(raw)
		if err != nil {
			warnings = append(warnings, Warning{Entity: EntityMeter, ID: meterID, Reason: fmt.Sprintf("malformed reading %q", raw)})
			return model.Meter{}, warnings, false
		}
		m.Value = &v
	}

	if d, ok, warn := poverkaDate(rm.DataTitleCustomFields); ok {
		m.PoverkaDate = d
	} else if warn != "" {
		warnings = append(warnings, Warning{Entity: EntityMeter, ID: meterID, Reason: warn})
	}

	m.Readings = buildReadings(history, rm.LastMeterValue)
	return m, warnings, true
}

// buildReadings merges the history items with the last reported value into
// a date-sorted series, dropping unparseable entries silently as the
// history is advisory.
func buildReadings(history []api.RawHistoryItem, last api.RawMeterValue) []model.Reading {
	byDate := map[time.Time]float64{}

	for _, h := range history {
		if h.Value1.Value == "" || h.DateList == "" {
			continue
		}
		v, err := parseDecimal(h.Value1.Value)
		if err != nil {
			continue
		}
		d, err := time.Parse(dateLayout, h.DateList)
		if err != nil {
			continue
		}
		byDate[d] = v
	}

	if last.ListValue != "" && last.DateList != "" {
		if v, err := parseDecimal(last.ListValue); err == nil {
			if d, err := time.Parse(dateLayout, last.DateList); err == nil {
				byDate[d] = v
			}
		}
	}

	if len(byDate) == 0 {
		return nil
	}

	readings := make([]model.Reading, 0, len(byDate))
	for d, v := range byDate {
		readings = append(readings, model.Reading{Date: d, Value: v})
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Date.Before(readings[j].Date) })
	return readings
}

// accountNumber prefers the account title from a valid accrual item, then
// the personal-account number embedded in the list title.
func accountNumber(b RawAccountBundle) string {
	for _, item := range b.Detail.Items {
		if item.CommunalAccount.Title != "" {
			return item.CommunalAccount.Title
		}
	}
	if m := lsRe.FindStringSubmatch(b.Account.ObjectID.Title); m != nil {
		return m[1]
	}
	return fmt.Sprintf("Л/с №%s", b.Account.ObjectID.ID)
}

// accountAddress extracts the street address from the first display cell.
func accountAddress(acc api.RawAccount) string {
	rows := acc.CustomFields.Rows
	if len(rows) == 0 || len(rows[0].Cells) == 0 {
		return ""
	}
	value := rows[0].Cells[0].Value
	if m := spanRe.FindStringSubmatch(value); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(tagRe.ReplaceAllString(value, ""))
}

// paymentStatus reads the first visible display row and classifies it.
func paymentStatus(fields api.CustomFields) (model.PaymentStatus, string) {
	for _, row := range fields.Rows {
		if !row.IsVisible || len(row.Cells) == 0 {
			continue
		}
		value := row.Cells[0].Value
		text := value
		if m := spanRe.FindStringSubmatch(value); m != nil {
			text = m[1]
		}
		text = strings.TrimSpace(tagRe.ReplaceAllString(text, ""))
		return classifyPayment(text), text
	}
	return model.PaymentUnknown, ""
}

func classifyPayment(text string) model.PaymentStatus {
	lower := strings.ToLower(text)
	switch {
	case lower == "":
		return model.PaymentUnknown
	// "нет задолженности" must win over the bare debt substring below.
	case strings.Contains(lower, "оплачен") || strings.Contains(lower, "нет задолженности"):
		return model.PaymentCurrent
	case strings.Contains(lower, "задолж") || strings.Contains(lower, "долг"):
		return model.PaymentOverdue
	default:
		return model.PaymentUnknown
	}
}

// meterNumber extracts the serial from the title ("ХВС №8358216" -> 8358216),
// falling back to the id suffix for meters without one.
func meterNumber(title, meterID string) string {
	if m := meterNumRe.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	if len(meterID) > 8 {
		meterID = meterID[len(meterID)-8:]
	}
	return strings.ReplaceAll(strings.ToLower(meterID), "-", "_")
}

// poverkaDate reads the verification date from the third display row.
// Returns ok=false with an empty warning when the date is simply absent.
func poverkaDate(fields api.CustomFields) (*time.Time, bool, string) {
	rows := fields.Rows
	if len(rows) < 3 || len(rows[2].Cells) == 0 {
		return nil, false, ""
	}

	raw := tagRe.ReplaceAllString(rows[2].Cells[0].Value, "")
	_, after, found := strings.Cut(raw, ": ")
	if !found {
		return nil, false, ""
	}
	text := strings.TrimRight(strings.TrimSpace(after), ".")
	if text == "" || text == "Не указана" {
		return nil, false, ""
	}

	d, err := time.Parse(dateLayout, text)
	if err != nil {
		return nil, false, fmt.Sprintf("unparseable poverka date %q", text)
	}
	return &d, true, ""
}

// parseDecimal normalizes a remote numeric string (comma decimal separator,
// stray whitespace) and parses it exactly.
func parseDecimal(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	return strconv.ParseFloat(s, 64)
}
