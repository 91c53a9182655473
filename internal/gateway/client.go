package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hostpanel/internal/metrics"
)

// Gateway is the narrow contract to the remote server-management API.
// Retry and timeout policy live behind it, not at call sites.
type Gateway interface {
	Suspend(ctx context.Context, remoteID string) error
	Unsuspend(ctx context.Context, remoteID string) error
	Power(ctx context.Context, remoteID string, signal Signal) error
	Status(ctx context.Context, remoteID string) (Status, error)
	Delete(ctx context.Context, remoteID string) error
}

type Options struct {
	BaseURL       string
	Token         string
	StatusTimeout time.Duration
	ActionTimeout time.Duration
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics
}

// Client talks to the remote API over HTTP. Every call carries its own
// timeout and is never retried here.
type Client struct {
	baseURL       string
	token         string
	statusTimeout time.Duration
	actionTimeout time.Duration
	http          *http.Client
	metrics       *metrics.Metrics
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 15 * time.Second
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		statusTimeout: opts.StatusTimeout,
		actionTimeout: opts.ActionTimeout,
		http:          hc,
		metrics:       opts.Metrics,
	}
}

func (c *Client) Suspend(ctx context.Context, remoteID string) error {
	return c.do(ctx, "suspend", http.MethodPost, remoteID, "/suspend", nil, c.actionTimeout, nil)
}

func (c *Client) Unsuspend(ctx context.Context, remoteID string) error {
	return c.do(ctx, "unsuspend", http.MethodPost, remoteID, "/unsuspend", nil, c.actionTimeout, nil)
}

func (c *Client) Power(ctx context.Context, remoteID string, signal Signal) error {
	body := map[string]string{"signal": string(signal)}
	return c.do(ctx, "power", http.MethodPost, remoteID, "/power", body, c.actionTimeout, nil)
}

func (c *Client) Delete(ctx context.Context, remoteID string) error {
	return c.do(ctx, "delete", http.MethodDelete, remoteID, "", nil, c.actionTimeout, nil)
}

// Status returns the remote state. Unrecognized values map to StatusUnknown.
func (c *Client) Status(ctx context.Context, remoteID string) (Status, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "status", http.MethodGet, remoteID, "", nil, c.statusTimeout, &raw); err != nil {
		return StatusUnknown, err
	}
	return parseStatus(raw), nil
}

func (c *Client) do(ctx context.Context, op, method, remoteID, suffix string, body any, timeout time.Duration, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveGateway(op, result(err), time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, mErr := json.Marshal(body)
		if mErr != nil {
			return &Error{Op: op, RemoteID: remoteID, Kind: KindPermanent, Err: mErr}
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := fmt.Sprintf("%s/servers/%s%s", c.baseURL, url.PathEscape(remoteID), suffix)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &Error{Op: op, RemoteID: remoteID, Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Op: op, RemoteID: remoteID, Kind: KindTransient, Err: ErrTimeout}
		}
		return &Error{Op: op, RemoteID: remoteID, Kind: KindTransient, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, RemoteID: remoteID, StatusCode: resp.StatusCode, Kind: KindTransient, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(op, remoteID, resp.StatusCode, errorDetail(raw))
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Op: op, RemoteID: remoteID, StatusCode: resp.StatusCode, Kind: KindPermanent, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

type errorBody struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func errorDetail(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Errors) == 0 {
		return ""
	}
	details := make([]string, 0, len(body.Errors))
	for _, e := range body.Errors {
		if e.Detail != "" {
			details = append(details, e.Detail)
		}
	}
	return strings.Join(details, "; ")
}
