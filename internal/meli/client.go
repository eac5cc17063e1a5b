// Package meli is a minimal Mercado Livre API client covering OAuth, order
// search and the billing integration endpoints.
package meli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxResponseBytes bounds JSON responses; report downloads stream instead.
	maxResponseBytes = 8 << 20

	// ordersPageLimit is the largest page size /orders/search accepts.
	ordersPageLimit = 50
)

// Config configures the client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	APIBase      string

	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
}

// Client talks to the Mercado Livre API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client. The API base defaults to the production host.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.mercadolibre.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

// --- OAuth ------------------------------------------------------------------

// ExchangeCode trades an authorization code plus its PKCE verifier for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"code_verifier": {codeVerifier},
	}
	return c.tokenRequest(ctx, form)
}

// RefreshToken trades a refresh token for a fresh token pair. Mercado Livre
// rotates refresh tokens, so the caller must persist the returned one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out TokenResponse
	if err := c.doJSON(req, &out); err != nil {
		return TokenResponse{}, err
	}
	if out.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("meli: token response missing access_token")
	}
	return out, nil
}

// Me fetches the authenticated seller profile.
func (c *Client) Me(ctx context.Context, accessToken string) (User, error) {
	req, err := c.newGet(ctx, "/users/me", nil, accessToken)
	if err != nil {
		return User{}, err
	}

	body, err := c.doRaw(req)
	if err != nil {
		return User{}, err
	}

	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, fmt.Errorf("meli: decode /users/me: %w", err)
	}
	u.Raw = body
	return u, nil
}

// --- Orders -----------------------------------------------------------------

// SearchOrders fetches one page of orders for the seller, newest first within
// the [from, to) creation window.
func (c *Client) SearchOrders(ctx context.Context, accessToken string, sellerID int64, from, to time.Time, offset int) (OrderSearchResponse, error) {
	q := url.Values{
		"seller":                             {strconv.FormatInt(sellerID, 10)},
		"order.date_created.from":            {from.UTC().Format(time.RFC3339)},
		"order.date_created.to":              {to.UTC().Format(time.RFC3339)},
		"sort":                               {"date_desc"},
		"limit":                              {strconv.Itoa(ordersPageLimit)},
		"offset":                             {strconv.Itoa(offset)},
	}

	req, err := c.newGet(ctx, "/orders/search", q, accessToken)
	if err != nil {
		return OrderSearchResponse{}, err
	}

	var out OrderSearchResponse
	if err := c.doJSON(req, &out); err != nil {
		return OrderSearchResponse{}, err
	}
	return out, nil
}

// GetOrder fetches one order's full payload. Search results sometimes omit
// order_items; the detail endpoint always carries them.
func (c *Client) GetOrder(ctx context.Context, accessToken string, orderID int64) (json.RawMessage, error) {
	req, err := c.newGet(ctx, "/orders/"+strconv.FormatInt(orderID, 10), nil, accessToken)
	if err != nil {
		return nil, err
	}
	body, err := c.doRaw(req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// --- Billing ----------------------------------------------------------------

// BillingPeriods lists the billing periods for a document group.
func (c *Client) BillingPeriods(ctx context.Context, accessToken, group, documentType string) ([]BillingPeriod, error) {
	q := url.Values{
		"group":         {group},
		"document_type": {documentType},
	}
	req, err := c.newGet(ctx, "/billing/integration/periods", q, accessToken)
	if err != nil {
		return nil, err
	}

	var out BillingPeriodsResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// BillingReports lists the report files of one period.
func (c *Client) BillingReports(ctx context.Context, accessToken, periodKey, group, documentType string) ([]BillingReport, error) {
	q := url.Values{
		"group":         {group},
		"document_type": {documentType},
	}
	path := "/billing/integration/periods/" + url.PathEscape(periodKey) + "/reports"
	req, err := c.newGet(ctx, path, q, accessToken)
	if err != nil {
		return nil, err
	}

	var out BillingReportsResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// CreateReport requests generation of a period's report and returns the file
// id to poll.
func (c *Client) CreateReport(ctx context.Context, accessToken, periodKey, group, documentType, reportFormat string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"group":         group,
		"document_type": documentType,
		"report_format": reportFormat,
	})
	if err != nil {
		return "", err
	}

	u := c.cfg.APIBase + "/billing/integration/periods/key/" + url.PathEscape(periodKey) + "/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var out BillingReport
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	if out.FileID == "" {
		return "", fmt.Errorf("meli: create report for period %s: response carries no file id", periodKey)
	}
	return out.FileID, nil
}

// ReportStatus fetches the generation status of one report file.
func (c *Client) ReportStatus(ctx context.Context, accessToken, fileID, documentType string) (BillingReport, error) {
	q := url.Values{"document_type": {documentType}}
	path := "/billing/integration/reports/" + url.PathEscape(fileID) + "/status"
	req, err := c.newGet(ctx, path, q, accessToken)
	if err != nil {
		return BillingReport{}, err
	}

	var out BillingReport
	if err := c.doJSON(req, &out); err != nil {
		return BillingReport{}, err
	}
	if out.FileID == "" {
		out.FileID = fileID
	}
	return out, nil
}

// DownloadReport streams one report file. When the report carries a signed
// download URL the fetch goes there directly, otherwise it hits the file
// endpoint with the bearer token. The caller owns the returned reader.
func (c *Client) DownloadReport(ctx context.Context, accessToken string, rpt BillingReport) (io.ReadCloser, string, error) {
	var req *http.Request
	var err error
	if rpt.DownloadURL != "" {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, rpt.DownloadURL, nil)
	} else {
		path := c.cfg.APIBase + "/billing/integration/reports/" + url.PathEscape(rpt.FileID)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
	}
	if err != nil {
		return nil, "", err
	}

	if err := c.wait(req.Context()); err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, "", apiErrorFromResponse(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// --- Plumbing ---------------------------------------------------------------

func (c *Client) newGet(ctx context.Context, path string, q url.Values, accessToken string) (*http.Request, error) {
	u := c.cfg.APIBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, target any) error {
	body, err := c.doRaw(req)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("meli: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// doRaw executes the request, honoring Retry-After on 429 and retrying 5xx
// once with a short backoff. GET requests are the only ones retried on 5xx;
// the token grant is not idempotent.
func (c *Client) doRaw(req *http.Request) ([]byte, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}
		if err := c.wait(req.Context()); err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("meli: read response: %w", readErr)
		}

		switch {
		case resp.StatusCode < 400:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = apiErrorFromBody(resp, body)
			if attempt == maxAttempts-1 {
				return nil, lastErr
			}
			if err := sleepCtx(req.Context(), retryAfter(resp, attempt)); err != nil {
				return nil, err
			}
		case resp.StatusCode >= 500 && req.Method == http.MethodGet:
			lastErr = apiErrorFromBody(resp, body)
			if attempt == maxAttempts-1 {
				return nil, lastErr
			}
			if err := sleepCtx(req.Context(), time.Duration(attempt+1)*time.Second); err != nil {
				return nil, err
			}
		default:
			return nil, apiErrorFromBody(resp, body)
		}
	}
	return nil, lastErr
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func retryAfter(resp *http.Response, attempt int) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(attempt+1) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func apiErrorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return apiErrorFromBody(resp, body)
}

func apiErrorFromBody(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	_ = json.Unmarshal(body, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 256 {
			apiErr.Message = apiErr.Message[:256] + "...(truncated)"
		}
	}
	return apiErr
}
