package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nekay/nekaysync/internal/common"
)

// tokenPair holds the bearer tokens for the remote store. The access token
// is inspected (not verified — the remote owns the signing key) to decide
// when a proactive refresh is due.
type tokenPair struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func (t *tokenPair) set(access, refresh string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = access
	t.refresh = refresh
}

func (t *tokenPair) get() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access, t.refresh
}

// expiresSoon reports whether the access token expires within the margin.
// Tokens without an exp claim, or unparseable ones, are treated as
// long-lived and left for the remote to reject.
func expiresSoon(access string, margin time.Duration) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < margin
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// authorize attaches the bearer token to req, refreshing it first when it
// is about to expire and a refresh token is available.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	access, refresh := c.tokens.get()
	if access == "" {
		return nil
	}

	if refresh != "" && expiresSoon(access, 30*time.Second) {
		if err := c.refreshTokens(ctx, refresh); err != nil {
			return err
		}
		access, _ = c.tokens.get()
	}

	req.Header.Set(common.AuthorizationHeaderName, "Bearer "+access)
	return nil
}

func (c *Client) refreshTokens(ctx context.Context, refresh string) error {
	b, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/refresh", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token refresh rejected (status %d)", common.ErrUnauthorized, resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}

	c.tokens.set(rr.AccessToken, rr.RefreshToken)
	return nil
}
