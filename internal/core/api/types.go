package api

import "encoding/json"

// The LSR API is a single-endpoint JSON-RPC service: every call POSTs an
// envelope naming a method and carries the bearer token in parameters.

const rpcNamespace = "http://www.lsr.ru/estate/headlessCMS"

type rpcRequest struct {
	Data       any            `json:"data"`
	Method     string         `json:"method"`
	Namespace  string         `json:"namespace"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
}

type rpcResponse struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// queryCondition is one filter clause of a GetObjectList query.
type queryCondition struct {
	Property           string   `json:"property"`
	Value              []string `json:"value"`
	ComparisonOperator string   `json:"comparisonOperator"`
}

type objectQuery struct {
	Conditions             []queryCondition `json:"conditions"`
	Sort                   []any            `json:"sort"`
	LastEditedPropertyType any              `json:"lastEditedPropertyType"`
}

type objectListData struct {
	Type      string      `json:"type"`
	Query     objectQuery `json:"query"`
	PageQuery any         `json:"pageQuery"`
}

// ObjectID identifies a remote object and carries its display title.
type ObjectID struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CustomFieldCell is one cell of the server-rendered display table. Values
// are HTML fragments the reconciler strips.
type CustomFieldCell struct {
	Value string `json:"value"`
}

// CustomFieldRow is one row of the display table.
type CustomFieldRow struct {
	IsVisible bool              `json:"isVisible"`
	Cells     []CustomFieldCell `json:"cells"`
}

// CustomFields is the server-rendered display table attached to objects.
type CustomFields struct {
	Rows []CustomFieldRow `json:"rows"`
}

// RawAccount is one CommunalAccount item as listed by the remote.
type RawAccount struct {
	ObjectID          ObjectID     `json:"objectId"`
	NotificationCount *int         `json:"notificationCount"`
	CustomFields      CustomFields `json:"customFields"`
}

// RawAccrualItem is one accrual record from the account detail response.
type RawAccrualItem struct {
	CommunalAccount ObjectID `json:"communalAccount"`
}

// RawAccountDetail is the CommunalAccountAccrual response payload: accrual
// items plus the display table holding the payment status.
type RawAccountDetail struct {
	Items             []RawAccrualItem `json:"items"`
	OptionalObject    CustomFields     `json:"optionalObject"`
	NotificationCount *int             `json:"notificationCount"`
}

// RawMeterValue is the last reported reading of a meter. ListValue uses a
// comma decimal separator and DateList the DD.MM.YYYY format.
type RawMeterValue struct {
	ListValue string `json:"listValue"`
	DateList  string `json:"dateList"`
}

// RawMeter is one Meter item as listed by the remote.
type RawMeter struct {
	ObjectID              ObjectID      `json:"objectId"`
	Type                  ObjectID      `json:"type"`
	LastMeterValue        RawMeterValue `json:"lastMeterValue"`
	DataTitleCustomFields CustomFields  `json:"dataTitleCustomFields"`
}

// RawHistoryItem is one MeterValue history record.
type RawHistoryItem struct {
	Value1   CustomFieldCell `json:"value1"`
	DateList string          `json:"dateList"`
}

// RawCamera is one camera from StreamCameraList. VideoURL points at a
// second endpoint that resolves to the actual stream URL.
type RawCamera struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	VideoURL string `json:"videoUrl"`
	Preview  string `json:"preview"`
}

type rawCameraList struct {
	Cameras []RawCamera `json:"cameras"`
}

type rawItems[T any] struct {
	Items []T `json:"items"`
}

// AuthData is the Authorize response payload.
type AuthData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	AccountID    string `json:"accountId"`
}
