package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/models"
)

// Watch opens a websocket subscription for one collection and yields its
// deltas until the context is cancelled or the connection drops; either
// way the returned channel closes.
func (c *Client) Watch(ctx context.Context, kind models.Kind) (<-chan Delta, error) {
	u, err := c.watchURL(kind)
	if err != nil {
		return nil, err
	}

	header := make(map[string][]string)
	if access, _ := c.tokens.get(); access != "" {
		header[common.AuthorizationHeaderName] = []string{"Bearer " + access}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	out := make(chan Delta)
	readDone := make(chan struct{})

	// Unblock the read loop when the context goes away. A dropped
	// connection ends the read loop first; exit then too instead of
	// hanging around until the context ends.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	go func() {
		defer close(out)
		defer close(readDone)
		defer conn.Close()
		for {
			var d Delta
			if err := conn.ReadJSON(&d); err != nil {
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) watchURL(kind models.Kind) (string, error) {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "", fmt.Errorf("%w: unsupported base URL %q", common.ErrValidation, c.baseURL)
	}
	return base + "/v1/watch?collection=" + url.QueryEscape(string(kind)), nil
}
