package dess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

const defaultUserAgent = "dess-bridge/1.0"

// pageSize is the device-list page size; the web UI uses 15, larger pages
// keep discovery cheap.
const pageSize = 50

// RawPayload represents one as-received vendor response body (the `dat`
// value) for one device at one poll instant
type RawPayload = map[string]interface{}

// SessionSource supplies valid sessions for authenticated calls
type SessionSource interface {
	EnsureSession(ctx context.Context) (*models.Session, error)
	Invalidate(token string)
}

// Client is the typed vendor cloud API client. It classifies every failure
// into the APIError taxonomy and never sleeps; retry policy lives in the
// poller.
type Client struct {
	http      *http.Client
	builder   *RequestBuilder
	creds     models.Credentials
	i18n      string
	source    string
	userAgent string

	sessions SessionSource
}

// NewClient creates a cloud API client from the cloud configuration
func NewClient(cfg *config.CloudConfig) *Client {
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		builder:   NewRequestBuilder(cfg.BaseURL, cfg.CompanyKey, cfg.Source),
		creds:     models.Credentials{Email: cfg.Email, Password: cfg.Password},
		i18n:      cfg.I18n,
		source:    cfg.Source,
		userAgent: defaultUserAgent,
	}
}

// UseSessions attaches the session source used by authenticated calls
func (c *Client) UseSessions(s SessionSource) {
	c.sessions = s
}

// envelope is the vendor response wrapper
type envelope struct {
	Err  int             `json:"err"`
	Desc string          `json:"desc"`
	Dat  json.RawMessage `json:"dat"`
}

// Login exchanges the configured credentials for a session
func (c *Client) Login(ctx context.Context) (*models.Session, error) {
	req, err := c.builder.Login(c.creds)
	if err != nil {
		return nil, err
	}

	var dat struct {
		Token  string          `json:"token"`
		Secret string          `json:"secret"`
		Expire json.Number     `json:"expire"`
		UID    json.Number     `json:"uid"`
		Usr    string          `json:"usr"`
		Extra  json.RawMessage `json:"-"`
	}
	if err := c.do(ctx, req, &dat); err != nil {
		// A rejected login is an auth failure regardless of the vendor
		// code the cloud picked.
		if apiErr, ok := err.(*APIError); ok && apiErr.Kind == KindPermanent {
			apiErr.Kind = KindAuth
		}
		return nil, err
	}

	if dat.Token == "" || dat.Secret == "" {
		return nil, &APIError{Kind: KindAuth, Action: req.Action, Desc: "response missing token/secret"}
	}

	now := time.Now()
	expire, _ := dat.Expire.Int64()
	if expire <= 0 {
		expire = 7 * 24 * 3600
	}
	uid, _ := dat.UID.Int64()

	return &models.Session{
		Token:     dat.Token,
		Secret:    dat.Secret,
		UID:       uid,
		Usr:       dat.Usr,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(expire) * time.Second),
	}, nil
}

// deviceEntry is the wire shape of one device-list row
type deviceEntry struct {
	PN       string      `json:"pn"`
	SN       string      `json:"sn"`
	Devcode  json.Number `json:"devcode"`
	Devaddr  json.Number `json:"devaddr"`
	Devalias string      `json:"devalias"`
	Alias    string      `json:"alias"`
	Status   json.Number `json:"status"`
	Pname    string      `json:"pname"`
}

func (e *deviceEntry) toDevice() *models.Device {
	devcode, _ := e.Devcode.Int64()
	devaddr, _ := e.Devaddr.Int64()
	status, _ := e.Status.Int64()

	alias := e.Devalias
	if alias == "" {
		alias = e.Alias
	}

	return &models.Device{
		PN:      e.PN,
		SN:      e.SN,
		Devcode: int(devcode),
		Devaddr: int(devaddr),
		Alias:   alias,
		Plant:   e.Pname,
		Status:  int(status),
	}
}

// ListDevices enumerates all registered devices, following pages until the
// cloud reports no more rows
func (c *Client) ListDevices(ctx context.Context) ([]*models.Device, error) {
	var devices []*models.Device

	for page := 0; ; page++ {
		var dat struct {
			Total  json.Number   `json:"total"`
			Device []deviceEntry `json:"device"`
		}
		err := c.authed(ctx, "webQueryDeviceEs", &dat,
			Param{"i18n", c.i18n},
			Param{"source", c.source},
			Param{"page", strconv.Itoa(page)},
			Param{"pagesize", strconv.Itoa(pageSize)},
		)
		if err != nil {
			return nil, err
		}

		for i := range dat.Device {
			devices = append(devices, dat.Device[i].toDevice())
		}

		total, _ := dat.Total.Int64()
		if len(dat.Device) < pageSize || (total > 0 && int64(len(devices)) >= total) {
			break
		}
	}

	return devices, nil
}

// ListCollectors enumerates dataloggers; their metadata supplements the
// device registrations
func (c *Client) ListCollectors(ctx context.Context) ([]*models.Device, error) {
	var collectors []*models.Device

	for page := 0; ; page++ {
		var dat struct {
			Total     json.Number   `json:"total"`
			Collector []deviceEntry `json:"collector"`
		}
		err := c.authed(ctx, "webQueryCollectorsEs", &dat,
			Param{"source", c.source},
			Param{"devtype", "2304"},
			Param{"page", strconv.Itoa(page)},
			Param{"pagesize", strconv.Itoa(pageSize)},
		)
		if err != nil {
			return nil, err
		}

		for i := range dat.Collector {
			collectors = append(collectors, dat.Collector[i].toDevice())
		}

		total, _ := dat.Total.Int64()
		if len(dat.Collector) < pageSize || (total > 0 && int64(len(collectors)) >= total) {
			break
		}
	}

	return collectors, nil
}

// FetchLastData fetches the latest telemetry snapshot for one device
func (c *Client) FetchLastData(ctx context.Context, dev *models.Device) (RawPayload, error) {
	return c.fetchDeviceDat(ctx, "querySPDeviceLastData", dev)
}

// FetchEnergyFlow fetches the energy-flow view for one device
func (c *Client) FetchEnergyFlow(ctx context.Context, dev *models.Device) (RawPayload, error) {
	return c.fetchDeviceDat(ctx, "webQueryDeviceEnergyFlowEs", dev)
}

// FetchParameters fetches device configuration/settings values (read-only)
func (c *Client) FetchParameters(ctx context.Context, dev *models.Device) (RawPayload, error) {
	return c.fetchDeviceDat(ctx, "queryDeviceParsEs", dev)
}

// FetchCtrlFields fetches the control-field metadata used to resolve
// enumerated settings such as the output priority
func (c *Client) FetchCtrlFields(ctx context.Context, dev *models.Device) (RawPayload, error) {
	return c.fetchDeviceDat(ctx, "queryDeviceCtrlField", dev)
}

func (c *Client) fetchDeviceDat(ctx context.Context, action string, dev *models.Device) (RawPayload, error) {
	var dat RawPayload
	err := c.authed(ctx, action, &dat, append(c.deviceParams(dev),
		Param{"i18n", c.i18n},
		Param{"source", c.source},
	)...)
	if err != nil {
		return nil, err
	}
	return dat, nil
}

func (c *Client) deviceParams(dev *models.Device) []Param {
	return []Param{
		{"pn", dev.PN},
		{"devcode", strconv.Itoa(dev.Devcode)},
		{"devaddr", strconv.Itoa(dev.Devaddr)},
		{"sn", dev.SN},
	}
}

// authed performs a signed call, renewing the session and retrying exactly
// once when the cloud rejects the token
func (c *Client) authed(ctx context.Context, action string, out interface{}, params ...Param) error {
	if c.sessions == nil {
		return fmt.Errorf("no session source configured")
	}

	session, err := c.sessions.EnsureSession(ctx)
	if err != nil {
		return err
	}

	req, err := c.builder.Signed(session, action, params...)
	if err != nil {
		return err
	}

	err = c.do(ctx, req, out)
	if !IsAuth(err) {
		return err
	}

	// Token rejected mid-flight: renew once, then give up to the caller.
	c.sessions.Invalidate(session.Token)
	session, serr := c.sessions.EnsureSession(ctx)
	if serr != nil {
		return serr
	}

	req, err = c.builder.Signed(session, action, params...)
	if err != nil {
		return err
	}
	return c.do(ctx, req, out)
}

// do executes one request and decodes the envelope, classifying failures
func (c *Client) do(ctx context.Context, req *Request, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "application/json,text/plain,*/*")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &APIError{Kind: KindTransient, Action: req.Action, Err: err}
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		apiErr := &APIError{Kind: kind, Action: req.Action, Code: -resp.StatusCode, Desc: resp.Status}
		if kind == KindRateLimited {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return apiErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Action: req.Action, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &APIError{Kind: KindTransient, Action: req.Action, Err: fmt.Errorf("decode envelope: %w", err)}
	}

	if env.Err != 0 {
		return classifyVendor(req.Action, env.Err, env.Desc)
	}

	if out == nil || len(env.Dat) == 0 {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(string(env.Dat)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &APIError{Kind: KindTransient, Action: req.Action, Err: fmt.Errorf("decode dat: %w", err)}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusOK:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, true
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status >= 500:
		return KindTransient, true
	default:
		return KindPermanent, true
	}
}

// classifyVendor maps a non-zero vendor `err` onto the taxonomy. The codes
// are undocumented, so the description carries most of the signal.
func classifyVendor(action string, code int, desc string) *APIError {
	d := strings.ToLower(desc)

	kind := KindPermanent
	switch {
	case strings.Contains(d, "token"), strings.Contains(d, "sign"),
		strings.Contains(d, "auth"), strings.Contains(d, "password"),
		strings.Contains(d, "login"):
		kind = KindAuth
	case strings.Contains(d, "frequent"), strings.Contains(d, "limit"),
		strings.Contains(d, "busy"):
		kind = KindRateLimited
	}

	return &APIError{Kind: kind, Action: action, Code: code, Desc: desc}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
