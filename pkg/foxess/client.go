package foxess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulannetts/foxess-hapa/pkg/common"
	"github.com/paulannetts/foxess-hapa/pkg/log"
)

const defaultBaseURL = "https://www.foxesscloud.com"

// requestTimeout bounds a single request end to end. Exceeding it is a
// CommunicationError, never a retry.
const requestTimeout = 75 * time.Second

// Client talks to the FoxESS cloud for a single inverter. It owns its rate
// limiter exclusively; run one coordinator per client and do not fan out
// concurrent calls against the same instance.
type Client struct {
	client   *http.Client
	baseURL  string
	deviceSN string
	apiKey   string
	protocol *Protocol
	limiter  *rateLimiter
	now      func() time.Time
}

// ClientOptions configures optional Client behavior. The zero value is the
// production setup on the current API generation.
type ClientOptions struct {
	// Protocol selects the API generation. Nil means ProtocolCurrent.
	Protocol *Protocol
	// BaseURL overrides the cloud host, mainly for tests and proxies.
	BaseURL string
	// HTTPClient overrides the default client and its 75s timeout.
	HTTPClient *http.Client
}

// NewClient builds a client for one inverter identified by its serial,
// authenticated with the account's API key.
func NewClient(deviceSN, apiKey string, opts *ClientOptions) *Client {
	c := &Client{
		client:   common.HTTPClient(requestTimeout),
		baseURL:  defaultBaseURL,
		deviceSN: deviceSN,
		apiKey:   apiKey,
		protocol: ProtocolCurrent,
		limiter:  newRateLimiter(),
		now:      time.Now,
	}
	if opts != nil {
		if opts.Protocol != nil {
			c.protocol = opts.Protocol
		}
		if opts.BaseURL != "" {
			c.baseURL = strings.TrimSuffix(opts.BaseURL, "/")
		}
		if opts.HTTPClient != nil {
			c.client = opts.HTTPClient
		}
	}
	return c
}

// DeviceSN returns the serial this client is bound to.
func (c *Client) DeviceSN() string { return c.deviceSN }

// Protocol returns the API generation descriptor in use.
func (c *Client) Protocol() *Protocol { return c.protocol }

// apiResponse is the cloud's response envelope. errno 0 means success
// regardless of the HTTP status text.
type apiResponse struct {
	Errno  int             `json:"errno"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

// doRequest is the one call primitive: rate limit, sign, send, classify.
// The signature covers the path with its query stripped; the query still
// travels on the URL. dest receives the envelope's result field when
// non-nil. Errors are always one of AuthError, CommunicationError, APIError
// or a context error from the rate-limit wait.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, dest any) error {
	if err := c.limiter.acquire(ctx); err != nil {
		return err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = authHeaders(requestPath, c.apiKey, c.now())

	log.Ctx(ctx).DebugContext(ctx, "api request",
		slog.String("method", method),
		slog.String("path", requestPath),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return &CommunicationError{Cause: err}
	}
	defer resp.Body.Close()

	// 401/403 are authoritative before the body is even read
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Message: "invalid API key or unauthorized access"}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CommunicationError{Cause: err}
	}

	var envelope apiResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	// the status error surfaces after decoding, so a broken body on an
	// erroring response still reports the status
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &CommunicationError{Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if decodeErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode api response",
			slog.Any("error", decodeErr),
			slog.String("body", string(raw)),
		)
		return &CommunicationError{Cause: fmt.Errorf("malformed response: %w", decodeErr)}
	}

	if envelope.Errno != 0 {
		return classifyErrno(envelope.Errno, envelope.Msg)
	}

	if dest != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, dest); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// GetDeviceDetail fetches the device metadata snapshot. Setup flows use it
// to validate credentials and learn the station name and serial.
func (c *Client) GetDeviceDetail(ctx context.Context) (DeviceInfo, error) {
	params := url.Values{}
	params.Set("sn", c.deviceSN)

	var info DeviceInfo
	if err := c.doRequest(ctx, http.MethodGet, c.protocol.deviceDetailPath, params, nil, &info); err != nil {
		return DeviceInfo{}, err
	}
	if info.DeviceSN == "" {
		info.DeviceSN = c.deviceSN
	}
	return info, nil
}

// GetRealTimeData fetches one telemetry snapshot.
func (c *Client) GetRealTimeData(ctx context.Context) (RealTimeData, error) {
	var raw json.RawMessage
	err := c.doRequest(ctx, http.MethodPost, c.protocol.realQueryPath, nil, c.protocol.realQueryBody(c.deviceSN), &raw)
	if err != nil {
		return RealTimeData{}, err
	}

	data := decodeRealTime(raw, c.protocol.residualEnergyScale)
	log.Ctx(ctx).DebugContext(ctx, "realtime data",
		slog.Float64("pvKW", data.PVPower),
		slog.Float64("soc", data.BatterySOC),
		slog.Float64("batteryKW", data.BatteryPower),
		slog.Float64("gridKW", data.GridPower),
		slog.Float64("loadKW", data.LoadPower),
	)
	return data, nil
}

// GetSchedule fetches the scheduler state with the verbatim period list.
func (c *Client) GetSchedule(ctx context.Context) (Schedule, error) {
	if !c.protocol.SupportsScheduler() {
		return Schedule{}, fmt.Errorf("scheduler read: %w", ErrNotSupported)
	}

	var sched Schedule
	body := map[string]string{"deviceSN": c.deviceSN}
	if err := c.doRequest(ctx, http.MethodPost, c.protocol.schedulerGetPath, nil, body, &sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// SetSchedule writes the full period list. This is the main write endpoint
// for work mode and battery floor changes on the current generation; single
// setting endpoints return Unsupported Function Code while the scheduler is
// enabled. enable false turns the scheduler off but keeps the periods.
func (c *Client) SetSchedule(ctx context.Context, periods []SchedulePeriod, enable bool) error {
	if !c.protocol.SupportsScheduler() {
		return fmt.Errorf("scheduler write: %w", ErrNotSupported)
	}

	en := 0
	if enable {
		en = 1
	}
	body := map[string]any{
		"deviceSN": c.deviceSN,
		"groups":   periods,
		"enable":   en,
		// false asks the cloud to keep parameters we did not provide
		// instead of resetting them to defaults
		"isDefault": false,
	}
	return c.doRequest(ctx, http.MethodPost, c.protocol.schedulerSetPath, nil, body, nil)
}

// BatterySettings are the standalone battery floors on the legacy
// generation. The current generation reaches the same knobs through
// scheduler period fields.
type BatterySettings struct {
	MinSoc int `json:"minSoc"`
	// yes, the wire name differs from the scheduler's minSocOnGrid
	MinSocOnGrid int `json:"minGridSoc"`
}

// GetBatterySettings reads the battery floors on generations that expose
// the soc endpoints.
func (c *Client) GetBatterySettings(ctx context.Context) (BatterySettings, error) {
	if !c.protocol.SupportsBatterySettings() {
		return BatterySettings{}, fmt.Errorf("battery settings read: %w", ErrNotSupported)
	}

	params := url.Values{}
	params.Set("sn", c.deviceSN)

	var settings BatterySettings
	if err := c.doRequest(ctx, http.MethodGet, c.protocol.batterySocGetPath, params, nil, &settings); err != nil {
		return BatterySettings{}, err
	}
	return settings, nil
}

// SetBatterySettings writes the battery floors on generations that expose
// the soc endpoints.
func (c *Client) SetBatterySettings(ctx context.Context, settings BatterySettings) error {
	if !c.protocol.SupportsBatterySettings() {
		return fmt.Errorf("battery settings write: %w", ErrNotSupported)
	}

	body := map[string]any{
		"sn":         c.deviceSN,
		"minSoc":     settings.MinSoc,
		"minGridSoc": settings.MinSocOnGrid,
	}
	return c.doRequest(ctx, http.MethodPost, c.protocol.batterySocSetPath, nil, body, nil)
}

// GetData performs one coordinated poll: device detail, telemetry, and the
// settings family this generation supports. Schedule periods only exist on
// devices with a battery.
func (c *Client) GetData(ctx context.Context) (Data, error) {
	info, err := c.GetDeviceDetail(ctx)
	if err != nil {
		return Data{}, err
	}
	realTime, err := c.GetRealTimeData(ctx)
	if err != nil {
		return Data{}, err
	}

	d := Data{DeviceInfo: info, RealTime: realTime}
	if info.HasBattery {
		switch {
		case c.protocol.SupportsScheduler():
			sched, err := c.GetSchedule(ctx)
			if err != nil {
				return Data{}, err
			}
			d.SchedulePeriods = sched.ActivePeriods()
		case c.protocol.SupportsBatterySettings():
			settings, err := c.GetBatterySettings(ctx)
			if err != nil {
				return Data{}, err
			}
			d.BatterySettings = &settings
		}
	}
	return d, nil
}
