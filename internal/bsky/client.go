// Package bsky implements the graph.Fetcher contract against a Bluesky PDS
// over XRPC: profile lookup and paginated follow/follower enumeration, with
// session auth, bounded retries, and rate-limit feedback to the pacer.
package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/artifish/skygraph/internal/graph"
	"github.com/artifish/skygraph/internal/telemetry"
)

// Pacer is the rate-limiter contract the client depends on. Every request is
// preceded by Acquire; outcomes feed back so the limiter can adapt.
type Pacer interface {
	Acquire(ctx context.Context) error
	ReportRateLimited()
	ReportSuccess()
	HoldUntil(t time.Time)
}

// Config controls client behavior.
type Config struct {
	// Host is the PDS hostname, e.g. "bsky.social".
	Host string
	// Identifier/AppPassword enable authenticated sessions when both are set.
	Identifier  string
	AppPassword string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// MaxRetries bounds transient retries per call (attempts = 1 + MaxRetries).
	MaxRetries int
	// BackoffInitial/BackoffMax shape the transient retry backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// PageSize is the per-page limit for graph enumeration (max 100).
	PageSize int
	// UserAgent identifies the crawler to the PDS.
	UserAgent string
	// BaseURL overrides the https://{Host}/xrpc base, primarily for tests.
	BaseURL string
}

// Client is an XRPC client paced by a rate limiter.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	pacer   Pacer
	logger  *zap.Logger
	sess    session
}

var _ graph.Fetcher = (*Client)(nil)

// maxBodyBytes bounds response reads; graph pages are a few KB.
const maxBodyBytes = 1 << 20

// rateLimitFloor is the remaining-request count below which the client tells
// the pacer to hold until the reported window reset.
const rateLimitFloor = 5

// New builds a Client.
func New(cfg Config, pacer Pacer, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 4 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "skygraph-crawler/0.1"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s/xrpc", cfg.Host)
	}
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		pacer:   pacer,
		logger:  logger,
	}
}

// Profile resolves an actor (DID or handle) to a validated Account.
func (c *Client) Profile(ctx context.Context, actor string) (graph.Account, error) {
	params := url.Values{"actor": {actor}}
	var view profileView
	if err := c.getJSON(ctx, epGetProfile, params, &view); err != nil {
		return graph.Account{}, err
	}
	acct, err := view.toAccount()
	if err != nil {
		return graph.Account{}, graph.NewError(graph.KindDataIntegrity, "bsky."+epGetProfile, err)
	}
	return acct, nil
}

// Follows returns one page of accounts the DID follows. An empty cursor in
// the returned page terminates the enumeration.
func (c *Client) Follows(ctx context.Context, did, cursor string) (graph.FollowPage, error) {
	params := c.pageParams(did, cursor)
	var resp followsResponse
	if err := c.getJSON(ctx, epGetFollows, params, &resp); err != nil {
		return graph.FollowPage{}, err
	}
	return toPage(resp.Follows, resp.Cursor, "bsky."+epGetFollows)
}

// Followers returns one page of accounts following the DID.
func (c *Client) Followers(ctx context.Context, did, cursor string) (graph.FollowPage, error) {
	params := c.pageParams(did, cursor)
	var resp followersResponse
	if err := c.getJSON(ctx, epGetFollowers, params, &resp); err != nil {
		return graph.FollowPage{}, err
	}
	return toPage(resp.Followers, resp.Cursor, "bsky."+epGetFollowers)
}

func (c *Client) pageParams(did, cursor string) url.Values {
	params := url.Values{
		"actor": {did},
		"limit": {strconv.Itoa(c.cfg.PageSize)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	return params
}

// getJSON runs one logical call: pace, request, classify, retry. Transient
// failures are retried with bounded exponential backoff; a rate-limit
// response escalates the pacer and retries the same page once the pacer
// grants again; auth and not-found errors propagate immediately.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	op := "bsky." + endpoint
	backoff := c.cfg.BackoffInitial
	attempts := 0
	rateRetries := 0

	for {
		if err := c.pacer.Acquire(ctx); err != nil {
			return graph.NewError(graph.KindTransient, op, err)
		}

		err := c.once(ctx, endpoint, params, out)
		if err == nil {
			c.pacer.ReportSuccess()
			return nil
		}

		switch graph.KindOf(err) {
		case graph.KindRateLimited:
			// The pacer has already been escalated; the next Acquire applies
			// the longer delay. Cap these retries so a persistently hostile
			// upstream cannot loop forever.
			rateRetries++
			if rateRetries > c.cfg.MaxRetries {
				return err
			}
			c.logger.Warn("rate limited, retrying page",
				zap.String("endpoint", endpoint),
				zap.Int("retry", rateRetries),
			)
			continue
		case graph.KindTransient:
			attempts++
			if attempts > c.cfg.MaxRetries {
				return err
			}
			c.logger.Debug("transient fetch error, backing off",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if err := sleepCtx(ctx, backoff); err != nil {
				return graph.NewError(graph.KindTransient, op, err)
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		default:
			return err
		}
	}
}

// once performs a single HTTP round trip and classifies the result.
func (c *Client) once(ctx context.Context, endpoint string, params url.Values, out any) error {
	op := "bsky." + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return graph.NewError(graph.KindTransient, op, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return graph.NewError(graph.KindTransient, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	c.noteRateHeaders(resp.Header)
	telemetry.ObserveAPIRequest(endpoint, resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return graph.NewError(graph.KindTransient, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return graph.NewError(graph.KindDataIntegrity, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.pacer.ReportRateLimited()
		return graph.NewError(graph.KindRateLimited, op, xrpcBodyError(body, resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return graph.NewError(graph.KindAuth, op, xrpcBodyError(body, resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// The PDS reports unknown/deactivated actors as 400 InvalidRequest.
		return graph.NewError(graph.KindNotFound, op, xrpcBodyError(body, resp.StatusCode))
	default:
		return graph.NewError(graph.KindTransient, op, xrpcBodyError(body, resp.StatusCode))
	}
}

// noteRateHeaders feeds ratelimit-remaining/ratelimit-reset response headers
// to the pacer: when the remaining budget drops below the floor, hold new
// requests until the window resets.
func (c *Client) noteRateHeaders(h http.Header) {
	remainingRaw := h.Get("ratelimit-remaining")
	resetRaw := h.Get("ratelimit-reset")
	if remainingRaw == "" || resetRaw == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil || remaining >= rateLimitFloor {
		return
	}
	reset, err := strconv.ParseInt(resetRaw, 10, 64)
	if err != nil {
		return
	}
	// The PDS sends an epoch timestamp; tolerate delta-seconds values too.
	var until time.Time
	if reset > 1_000_000_000 {
		until = time.Unix(reset, 0)
	} else {
		until = time.Now().Add(time.Duration(reset) * time.Second)
	}
	c.logger.Warn("rate limit budget low, holding until window reset",
		zap.Int("remaining", remaining),
		zap.Time("until", until),
	)
	c.pacer.HoldUntil(until)
}

func xrpcBodyError(body []byte, status int) error {
	var xe xrpcError
	if err := json.Unmarshal(body, &xe); err == nil && xe.Name != "" {
		return fmt.Errorf("status %d: %s: %s", status, xe.Name, xe.Message)
	}
	return fmt.Errorf("status %d", status)
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
