// Package api implements the typed request/response layer over the LSR
// residential-services RPC API: login, account listing, account detail,
// meters, meter history and camera streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"

const defaultRetryAfter = time.Minute

// Client talks to the LSR RPC endpoint. All operations take a bearer token
// obtained from the session manager and carry a bounded timeout.
type Client struct {
	http *resty.Client
	base string
	log  *slog.Logger
}

// NewClient creates a client for the RPC endpoint at baseURL.
func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	r := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent)

	return &Client{http: r, base: baseURL, log: log}
}

// Authorize authenticates with pre-hashed credentials and returns tokens.
// Credential rejections map to AuthError{InvalidCredentials}; transport
// failures to AuthError{ServiceUnavailable}.
func (c *Client) Authorize(ctx context.Context, loginSha256, passwordSha256, appInstanceID string) (AuthData, error) {
	payload := map[string]any{
		"credentials": map[string]string{
			"loginSha256": loginSha256,
			"password":    passwordSha256,
		},
		"device": map[string]any{
			"appInstanceId": appInstanceID,
			"platform":      "ANDROID",
			"timeOffset":    10800,
			"appType":       "CLIENT",
			"model":         "sdk_gphone64_arm64",
		},
		"userType": "CLIENT",
	}

	raw, err := c.rpc(ctx, "Authorize", payload, "")
	if err != nil {
		return AuthData{}, classifyAuthErr(err)
	}

	var data AuthData
	if err := json.Unmarshal(raw, &data); err != nil {
		return AuthData{}, &MalformedResponseError{Op: "authorize", Err: err}
	}
	if data.AccessToken == "" {
		return AuthData{}, &MalformedResponseError{Op: "authorize", Err: errors.New("empty access token")}
	}
	return data, nil
}

// ListAccounts returns the raw communal account summaries, in remote order.
func (c *Client) ListAccounts(ctx context.Context, token string) ([]RawAccount, error) {
	return objectList[RawAccount](ctx, c, token, "list accounts", objectListData{
		Type:  "CommunalAccount",
		Query: objectQuery{Conditions: []queryCondition{}, Sort: []any{}},
	})
}

// FetchAccountDetail returns accruals and the payment status table for one
// account.
func (c *Client) FetchAccountDetail(ctx context.Context, token, accountID string) (RawAccountDetail, error) {
	raw, err := c.rpc(ctx, "GetObjectList", objectListData{
		Type: "CommunalAccountAccrual",
		Query: objectQuery{
			Conditions: []queryCondition{
				{Property: "communalAccountId", Value: []string{accountID}, ComparisonOperator: "="},
			},
			Sort: []any{},
		},
	}, token)
	if err != nil {
		return RawAccountDetail{}, fmt.Errorf("api: account detail %s: %w", accountID, err)
	}

	var detail RawAccountDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return RawAccountDetail{}, &MalformedResponseError{Op: "account detail", Err: err}
	}
	return detail, nil
}

// FetchMeters returns the raw meter records for one account; the sequence
// may be empty.
func (c *Client) FetchMeters(ctx context.Context, token, accountID string) ([]RawMeter, error) {
	return objectList[RawMeter](ctx, c, token, "fetch meters", objectListData{
		Type: "Meter",
		Query: objectQuery{
			Conditions: []queryCondition{
				{Property: "communalAccountId", Value: []string{accountID}, ComparisonOperator: "="},
			},
			Sort: []any{},
		},
	})
}

// FetchMeterHistory returns the reading history for one meter.
func (c *Client) FetchMeterHistory(ctx context.Context, token, meterID string) ([]RawHistoryItem, error) {
	return objectList[RawHistoryItem](ctx, c, token, "fetch meter history", objectListData{
		Type: "MeterValue",
		Query: objectQuery{
			Conditions: []queryCondition{
				{Property: "meterId", Value: []string{meterID}, ComparisonOperator: "="},
			},
			Sort: []any{},
		},
	})
}

// FetchRequests returns the communal requests filed for one account.
func (c *Client) FetchRequests(ctx context.Context, token, accountID string) ([]RawHistoryItem, error) {
	return objectList[RawHistoryItem](ctx, c, token, "fetch requests", objectListData{
		Type: "CommunalRequest",
		Query: objectQuery{
			Conditions: []queryCondition{
				{Property: "communalAccountId", Value: []string{accountID}, ComparisonOperator: "="},
			},
			Sort: []any{},
		},
	})
}

// FetchCameras returns the cameras visible to one account. Preview URLs are
// stripped of their signed query string so they stay stable across cycles.
func (c *Client) FetchCameras(ctx context.Context, token, accountID string) ([]RawCamera, error) {
	raw, err := c.rpc(ctx, "StreamCameraList", map[string]string{"communalAccountId": accountID}, token)
	if err != nil {
		return nil, fmt.Errorf("api: fetch cameras %s: %w", accountID, err)
	}

	var list rawCameraList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &MalformedResponseError{Op: "fetch cameras", Err: err}
	}
	for i := range list.Cameras {
		if idx := strings.IndexByte(list.Cameras[i].Preview, '?'); idx >= 0 {
			list.Cameras[i].Preview = list.Cameras[i].Preview[:idx]
		}
	}
	return list.Cameras, nil
}

// FetchStreamURL resolves the camera's videoUrl to a live stream URL.
// Returns empty when the remote reports the camera offline or unsupported;
// only transport and auth failures surface as errors.
func (c *Client) FetchStreamURL(ctx context.Context, token string, cam RawCamera) (string, error) {
	if cam.VideoURL == "" {
		return "", nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		Get(cam.VideoURL)
	if err != nil {
		return "", classifyTransport(err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return "", ErrAuthExpired
	case resp.StatusCode() != http.StatusOK:
		c.log.Debug("camera stream not available", "camera_id", cam.ID, "status", resp.StatusCode())
		return "", nil
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		c.log.Warn("camera stream response not parseable", "camera_id", cam.ID, "error", err)
		return "", nil
	}
	return body.URL, nil
}

// objectList performs a GetObjectList call and decodes the items array.
func objectList[T any](ctx context.Context, c *Client, token, op string, data objectListData) ([]T, error) {
	raw, err := c.rpc(ctx, "GetObjectList", data, token)
	if err != nil {
		return nil, fmt.Errorf("api: %s: %w", op, err)
	}

	var items rawItems[T]
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &MalformedResponseError{Op: op, Err: err}
	}
	return items.Items, nil
}

// rpc posts one envelope and returns the inner data payload.
func (c *Client) rpc(ctx context.Context, method string, data any, token string) (json.RawMessage, error) {
	params := map[string]any{}
	if token != "" {
		params["Authorization"] = "Bearer " + token
	}

	req := rpcRequest{
		Data:       data,
		Method:     method,
		Namespace:  rpcNamespace,
		Operation:  "REQUEST",
		Parameters: params,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.base)
	if err != nil {
		return nil, classifyTransport(err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, ErrAuthExpired
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, &TransportError{
			Kind: TransportConnectionFailed,
			Err:  fmt.Errorf("%s: HTTP %d", method, resp.StatusCode()),
		}
	case resp.StatusCode() != http.StatusOK:
		return nil, &APIError{Code: resp.StatusCode(), Message: method}
	}

	var env rpcResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &MalformedResponseError{Op: method, Err: err}
	}

	switch {
	case env.StatusCode == http.StatusOK:
		return env.Data, nil
	case env.StatusCode == http.StatusUnauthorized || env.StatusCode == http.StatusForbidden:
		return nil, ErrAuthExpired
	case env.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	case env.StatusCode >= http.StatusInternalServerError:
		return nil, &TransportError{
			Kind: TransportConnectionFailed,
			Err:  fmt.Errorf("%s: rpc status %d: %s", method, env.StatusCode, env.Message),
		}
	default:
		return nil, &APIError{Code: env.StatusCode, Message: env.Message}
	}
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	return &TransportError{Kind: TransportConnectionFailed, Err: err}
}

// classifyAuthErr converts rpc-layer failures of the Authorize call into
// the session manager's error taxonomy.
func classifyAuthErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) || errors.Is(err, ErrAuthExpired) {
		return &AuthError{Kind: AuthInvalidCredentials, Err: err}
	}
	return &AuthError{Kind: AuthServiceUnavailable, Err: err}
}

// retryAfter reads the Retry-After header in both its delta-seconds and
// HTTP-date forms.
func retryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	return defaultRetryAfter
}
