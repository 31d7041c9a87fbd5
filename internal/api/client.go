// Package api is the HTTP side of the sync layer: the cursor-resumable
// long-poller and the plain snapshot fetcher used after a permanent
// downgrade.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/gridsync/internal/model"
	"github.com/dgnsrekt/gridsync/internal/transport"
)

// RequestGrace is added to the server budget to form the per-request
// deadline, so the server always answers before the client gives up.
const RequestGrace = 5 * time.Second

// Cursor is an opaque server-issued resume token. The empty string is the
// null cursor.
type Cursor string

// Outcome is the non-error result of a poll.
type Outcome int

const (
	Fresh Outcome = iota
	TimedOut
	Cancelled
	Unauthenticated
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PollResult is returned for every poll that did not fail. Data is only set
// for Fresh and TimedOut.
type PollResult struct {
	Outcome Outcome
	Data    json.RawMessage
	Cursor  Cursor
}

// SnapshotResult is a plain snapshot. Exactly one of Data or Token is set
// when Outcome is Fresh.
type SnapshotResult struct {
	Outcome Outcome
	Data    json.RawMessage
	Token   string
}

// pollMeta is the part of a long-poll body the poller itself reads.
type pollMeta struct {
	Cursor  *string `json:"cursor"`
	Timeout bool    `json:"timeout"`
}

// Poller interface for testability
type Poller interface {
	Poll(ctx context.Context, res model.Resource, cursor Cursor, budget time.Duration) (*PollResult, error)
	Snapshot(ctx context.Context, res model.Resource) (*SnapshotResult, error)
}

type HTTPClient struct {
	httpClient      *http.Client
	baseURL         string
	token           string
	limiter         *rate.Limiter
	snapshotTimeout time.Duration
	logger          *zap.Logger
}

var _ Poller = (*HTTPClient)(nil)

// NewClient builds a poller against baseURL. ratePerSec bounds the request
// rate across all calls on this client; zero disables the limit.
func NewClient(baseURL, token string, ratePerSec int, snapshotTimeout time.Duration, logger *zap.Logger) *HTTPClient {
	base := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: true, // gzhttp negotiates compression instead
	}

	limit, burst := rate.Inf, 0
	if ratePerSec > 0 {
		limit, burst = rate.Limit(ratePerSec), ratePerSec*2
	}
	if snapshotTimeout <= 0 {
		snapshotTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		// No client-wide Timeout: every request carries its own deadline.
		httpClient: &http.Client{
			Transport: gzhttp.Transport(base),
		},
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		limiter:         rate.NewLimiter(limit, burst),
		snapshotTimeout: snapshotTimeout,
		logger:          logger,
	}
}

// Poll issues one long-poll request for res. A non-positive budget is
// rejected. Cancellation of ctx yields a Cancelled result and no error.
func (c *HTTPClient) Poll(ctx context.Context, res model.Resource, cursor Cursor, budget time.Duration) (*PollResult, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("poll budget must be positive, got %s", budget)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return &PollResult{Outcome: Cancelled, Cursor: cursor}, nil
		}
		return nil, &transport.TransportError{Op: "rate limiter", Err: err}
	}

	q := url.Values{}
	if cursor != "" {
		q.Set("since", string(cursor))
	}
	q.Set("timeout", strconv.Itoa(budgetSeconds(budget)))
	u := c.baseURL + res.Path() + "/poll?" + q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, budget+RequestGrace)
	defer cancel()

	c.logger.Debug("polling",
		zap.Stringer("resource", res),
		zap.String("cursor", string(cursor)),
		zap.Duration("budget", budget),
	)

	status, _, body, err := c.get(reqCtx, u, "application/json")
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("poll cancelled", zap.Stringer("resource", res))
			return &PollResult{Outcome: Cancelled, Cursor: cursor}, nil
		}
		return nil, &transport.TransportError{Op: "poll " + res.String(), Err: err}
	}

	if status == http.StatusUnauthorized {
		return &PollResult{Outcome: Unauthenticated, Cursor: cursor}, nil
	}
	if status < 200 || status > 299 {
		return nil, statusError("poll "+res.String(), status, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &transport.TransportError{Op: "decode poll " + res.String(), Status: status, Err: errEmptyBody}
	}

	var meta pollMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, &transport.TransportError{Op: "decode poll " + res.String(), Status: status, Err: err}
	}

	// The server's cursor wins when present; an omitted cursor keeps ours.
	next := cursor
	if meta.Cursor != nil && *meta.Cursor != "" {
		next = Cursor(*meta.Cursor)
	}

	if meta.Timeout {
		c.logger.Debug("poll timed out",
			zap.Stringer("resource", res),
			zap.String("cursor", string(next)),
		)
		return &PollResult{Outcome: TimedOut, Data: body, Cursor: next}, nil
	}

	return &PollResult{Outcome: Fresh, Data: body, Cursor: next}, nil
}

// Snapshot fetches the current state of res without waiting.
func (c *HTTPClient) Snapshot(ctx context.Context, res model.Resource) (*SnapshotResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return &SnapshotResult{Outcome: Cancelled}, nil
		}
		return nil, &transport.TransportError{Op: "rate limiter", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.snapshotTimeout)
	defer cancel()

	status, contentType, body, err := c.get(reqCtx, c.baseURL+res.Path(), "application/json, text/plain;q=0.9")
	if err != nil {
		if ctx.Err() != nil {
			return &SnapshotResult{Outcome: Cancelled}, nil
		}
		return nil, &transport.TransportError{Op: "snapshot " + res.String(), Err: err}
	}

	if status == http.StatusUnauthorized {
		return &SnapshotResult{Outcome: Unauthenticated}, nil
	}
	if status < 200 || status > 299 {
		return nil, &transport.TransportError{
			Op:     "snapshot " + res.String(),
			Status: status,
			Err:    fmt.Errorf("unexpected status: %s", http.StatusText(status)),
		}
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "text/plain" {
		return &SnapshotResult{Outcome: Fresh, Token: strings.TrimSpace(string(body))}, nil
	}
	if !json.Valid(body) {
		return nil, &transport.TransportError{
			Op:     "decode snapshot " + res.String(),
			Status: status,
			Err:    fmt.Errorf("invalid JSON body (content-type %q)", contentType),
		}
	}
	return &SnapshotResult{Outcome: Fresh, Data: body}, nil
}

func (c *HTTPClient) get(ctx context.Context, u, accept string) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, "", nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), body, nil
}

// budgetSeconds rounds up so a sub-second budget still waits.
func budgetSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
