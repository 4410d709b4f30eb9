package bsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artifish/skygraph/internal/graph"
)

// Access tokens last roughly an hour on bsky.social; refresh well before the
// edge so an in-flight enumeration never straddles an expiry.
const (
	sessionLifetime = time.Hour
	sessionBuffer   = 5 * time.Minute
)

// session holds the bearer token for an authenticated PDS session.
type session struct {
	mu        sync.Mutex
	accessJWT string
	expiresAt time.Time
}

// accessToken returns a valid bearer token, creating or refreshing the
// session as needed. It returns an empty token when no credentials are
// configured, which the PDS accepts for public reads at a lower rate budget.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.Identifier == "" || c.cfg.AppPassword == "" {
		return "", nil
	}

	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()

	if c.sess.accessJWT != "" && time.Now().Before(c.sess.expiresAt.Add(-sessionBuffer)) {
		return c.sess.accessJWT, nil
	}

	resp, err := c.createSession(ctx)
	if err != nil {
		return "", err
	}
	c.sess.accessJWT = resp.AccessJwt
	c.sess.expiresAt = time.Now().Add(sessionLifetime)
	c.logger.Info("authenticated with PDS",
		zap.String("handle", resp.Handle),
		zap.String("did", resp.DID),
	)
	return c.sess.accessJWT, nil
}

// createSession exchanges the identifier/app-password for a session. It is
// deliberately not paced: sessions are created at most once per hour.
func (c *Client) createSession(ctx context.Context) (sessionResponse, error) {
	op := "bsky." + epCreateSession

	payload, err := json.Marshal(map[string]string{
		"identifier": c.cfg.Identifier,
		"password":   c.cfg.AppPassword,
	})
	if err != nil {
		return sessionResponse{}, graph.NewError(graph.KindAuth, op, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/"+epCreateSession, bytes.NewReader(payload),
	)
	if err != nil {
		return sessionResponse{}, graph.NewError(graph.KindTransient, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return sessionResponse{}, graph.NewError(graph.KindTransient, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return sessionResponse{}, graph.NewError(graph.KindTransient, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var sr sessionResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return sessionResponse{}, graph.NewError(graph.KindDataIntegrity, op, fmt.Errorf("decode session: %w", err))
		}
		if sr.AccessJwt == "" {
			return sessionResponse{}, graph.NewError(graph.KindDataIntegrity, op, fmt.Errorf("session response missing accessJwt"))
		}
		return sr, nil
	case resp.StatusCode >= 500:
		return sessionResponse{}, graph.NewError(graph.KindTransient, op, xrpcBodyError(body, resp.StatusCode))
	default:
		// Bad credentials and everything else client-side is an auth failure:
		// surfaced to the operator, never retried automatically.
		return sessionResponse{}, graph.NewError(graph.KindAuth, op, xrpcBodyError(body, resp.StatusCode))
	}
}
