package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/models"
)

const requestTimeout = 12 * time.Second

// Client talks JSON over HTTP to the remote document store.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *tokenPair
}

// NewClient returns a Client for the store at baseURL (scheme://host[:port]).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		tokens:  &tokenPair{},
	}
}

// SetTokens installs the bearer token pair used on outbound requests.
// Both may be empty when the remote does not require auth (dev stores).
func (c *Client) SetTokens(access, refresh string) {
	c.tokens.set(access, refresh)
}

type batchRequest struct {
	Records []*models.Record `json:"records"`
}

type listResponse struct {
	Records []*models.Record `json:"records"`
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.mapStatus(resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, kind models.Kind, id string) (*models.Record, error) {
	var rec models.Record
	err := c.do(ctx, http.MethodGet, c.docURL(kind, id), nil, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Put(ctx context.Context, kind models.Kind, rec *models.Record) error {
	return c.do(ctx, http.MethodPut, c.docURL(kind, rec.ID), rec, nil)
}

func (c *Client) Delete(ctx context.Context, kind models.Kind, id string) error {
	return c.do(ctx, http.MethodDelete, c.docURL(kind, id), nil, nil)
}

func (c *Client) BatchPut(ctx context.Context, kind models.Kind, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	u := fmt.Sprintf("%s/v1/%s/batch", c.baseURL, url.PathEscape(string(kind)))
	return c.do(ctx, http.MethodPost, u, batchRequest{Records: recs}, nil)
}

func (c *Client) ChangedSince(ctx context.Context, kind models.Kind, since int64) ([]*models.Record, error) {
	u := fmt.Sprintf("%s/v1/%s?changedSince=%s",
		c.baseURL, url.PathEscape(string(kind)), strconv.FormatInt(since, 10))
	var list listResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &list); err != nil {
		return nil, err
	}
	return list.Records, nil
}

func (c *Client) docURL(kind models.Kind, id string) string {
	return fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(string(kind)), url.PathEscape(id))
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return c.mapStatus(resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// mapStatus converts HTTP statuses into the sentinel errors callers match
// with errors.Is. Statuses that indicate a transient condition map onto
// retryable sentinels; the rest fail fast.
func (c *Client) mapStatus(status int, body []byte) error {
	detail := ""
	if len(body) > 0 {
		detail = ": " + string(body)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w (status %d)%s", common.ErrNotFound, status, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)%s", common.ErrUnauthorized, status, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status %d)%s", common.ErrRateLimited, status, detail)
	case status >= 500:
		return fmt.Errorf("%w (status %d)%s", common.ErrUnavailable, status, detail)
	default:
		return fmt.Errorf("%w (status %d)%s", common.ErrValidation, status, detail)
	}
}
