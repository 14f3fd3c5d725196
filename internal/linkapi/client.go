// Package linkapi is the typed client for the link-shortening REST API.
package linkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/httpx"
)

const (
	DefaultTimeout = 10 * time.Second

	// Messages surfaced in AuthResult when the server cannot be reached.
	loginNetworkError    = "Network error - please check your connection"
	registerNetworkError = "Could not connect to server"
)

// Client talks to the API. Session cookies set by login are kept in a cookie jar
// and sent on every later request; a Client therefore represents one session.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// ClientConfig holds configuration for the client.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration     // per request (default: 10s)
	Limiter   *rate.Limiter     // optional outgoing request pacing
	Transport http.RoundTripper // base transport (default: http.DefaultTransport)
	Logger    *slog.Logger
}

// NewClient creates a new Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	const op = "linkapi.NewClient"

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errx.Errorf(op, errx.Validation, "invalid base URL %q", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errx.E(op, errx.Unknown, err)
	}

	transports := []httpx.Transport{httpx.RequestIDTransport}
	if cfg.Limiter != nil {
		transports = append(transports, httpx.RateLimitTransport(cfg.Limiter))
	}
	transports = append(transports, httpx.LoggingTransport(logger))

	return &Client{
		baseURL: base,
		logger:  logger,
		http: &http.Client{
			Timeout:   timeout,
			Jar:       jar,
			Transport: httpx.ChainTransport(cfg.Transport, transports...),
		},
	}, nil
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// CheckURL asks whether rawURL is already shortened by the current user.
func (c *Client) CheckURL(ctx context.Context, rawURL string) (ExistenceCheck, error) {
	const op = "linkapi.Client.CheckURL"

	check, err := call[ExistenceCheck](ctx, c, op, http.MethodPost, "/api/check-url", nil,
		SubmissionRequest{URL: rawURL})
	if err != nil {
		return ExistenceCheck{}, err
	}
	if err := check.Validate(); err != nil {
		return ExistenceCheck{}, errx.E(op, errx.Transient, fmt.Errorf("malformed response: %w", err))
	}
	return check, nil
}

// Shorten submits a URL. The returned record may be inactive, which means the
// URL was soft-deleted and the caller has to decide between reuse and a new code.
func (c *Client) Shorten(ctx context.Context, req SubmissionRequest) (URLRecord, error) {
	const op = "linkapi.Client.Shorten"
	return call[URLRecord](ctx, c, op, http.MethodPost, "/api/shorten", nil, req)
}

// ListURLs returns one page of the user's active links, newest first.
func (c *Client) ListURLs(ctx context.Context, skip, limit int) ([]URLRecord, error) {
	const op = "linkapi.Client.ListURLs"

	query := url.Values{}
	query.Set("skip", strconv.Itoa(skip))
	query.Set("limit", strconv.Itoa(limit))

	records, err := call[[]URLRecord](ctx, c, op, http.MethodGet, "/api/urls", query, nil)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []URLRecord{}
	}
	return records, nil
}

// DeleteURL soft-deletes a link.
func (c *Client) DeleteURL(ctx context.Context, code string) (DeleteReceipt, error) {
	const op = "linkapi.Client.DeleteURL"
	return call[DeleteReceipt](ctx, c, op, http.MethodDelete, "/api/urls/"+url.PathEscape(code), nil, nil)
}

// Analytics fetches the click report for a link.
func (c *Client) Analytics(ctx context.Context, code string) (AnalyticsReport, error) {
	const op = "linkapi.Client.Analytics"
	return call[AnalyticsReport](ctx, c, op, http.MethodGet, "/api/analytics/"+url.PathEscape(code), nil, nil)
}

// QRCode fetches the QR image for a link.
func (c *Client) QRCode(ctx context.Context, code string) (QRImage, error) {
	const op = "linkapi.Client.QRCode"
	return call[QRImage](ctx, c, op, http.MethodGet, "/api/qr/"+url.PathEscape(code), nil, nil)
}

// Register creates an account. Server rejections are reported in the result,
// not as an error; err is set only when the server could not be reached.
func (c *Client) Register(ctx context.Context, reg Registration) (AuthResult, error) {
	const op = "linkapi.Client.Register"

	user, err := call[User](ctx, c, op, http.MethodPost, "/api/register", nil, reg)
	return authResult(user, err, "Registration failed", registerNetworkError)
}

// Login opens a session. Like Register, only transport failures return an error.
func (c *Client) Login(ctx context.Context, creds Credentials) (AuthResult, error) {
	const op = "linkapi.Client.Login"

	resp, err := call[LoginResponse](ctx, c, op, http.MethodPost, "/api/login", nil, creds)
	return authResult(resp.User, err, "Login failed", loginNetworkError)
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (User, error) {
	const op = "linkapi.Client.Me"
	return call[User](ctx, c, op, http.MethodGet, "/api/me", nil, nil)
}

// Logout closes the session on the server. The server expires the session
// cookie, which drops it from the jar.
func (c *Client) Logout(ctx context.Context) error {
	const op = "linkapi.Client.Logout"

	_, err := call[Message](ctx, c, op, http.MethodPost, "/api/logout", nil, nil)
	return err
}

func authResult(user User, err error, fallback, network string) (AuthResult, error) {
	if err == nil {
		return AuthResult{Success: true, User: &user}, nil
	}
	if StatusCode(err) != 0 {
		return AuthResult{Error: messageOr(err, fallback)}, nil
	}
	return AuthResult{Error: network}, err
}

func messageOr(err error, fallback string) string {
	var se *statusError
	if errors.As(err, &se) && se.detail != "" {
		return se.detail
	}
	return fallback
}

// statusError is a non-2xx response. It keeps the server's message apart from
// the status so callers can show it as-is.
type statusError struct {
	status int
	detail string
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// StatusCode returns the HTTP status of a failed call, or 0 if err did not come
// from an HTTP response.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

// Detail returns the server's message for a failed call, or errx.Message(err)
// when the error did not come from an HTTP response.
func Detail(err error) string {
	var se *statusError
	if errors.As(err, &se) && se.detail != "" {
		return se.detail
	}
	return errx.Message(err)
}

func call[T any](ctx context.Context, c *Client, op, method, path string, query url.Values, body any) (T, error) {
	var zero T

	resp, err := c.do(ctx, op, method, path, query, body)
	if err != nil {
		return zero, err
	}

	v, err := httpx.DecodeResponse[T](resp)
	if err != nil {
		return zero, errx.E(op, errx.Transient, fmt.Errorf("malformed response: %w", err))
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (*http.Response, error) {
	target := c.baseURL.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, errx.E(op, errx.Validation, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errx.E(op, errx.Validation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, httpx.TransportError(op, ctxErr)
		}
		return nil, httpx.TransportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := resp.StatusCode
		apiErr := httpx.ErrorFromResponse(op, resp)
		msg := errx.Message(apiErr)
		return nil, errx.E(op, errx.KindOf(apiErr), &statusError{
			status: status,
			detail: strings.TrimSuffix(msg, fmt.Sprintf(" (status %d)", status)),
			msg:    msg,
		})
	}
	return resp, nil
}
