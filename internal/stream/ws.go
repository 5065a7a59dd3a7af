package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// WSDialer connects over a websocket. The endpoint's http(s) URL is
// rewritten to ws(s).
type WSDialer struct {
	Endpoint         Endpoint
	HandshakeTimeout time.Duration
}

// Dial opens the websocket.
func (d *WSDialer) Dial(ctx context.Context, ddID string) (Conn, error) {
	u, err := url.Parse(d.Endpoint.StreamURL(ddID))
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Endpoint.Header())
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, apierr.FromStatus("stream", resp.StatusCode, err.Error(), "", "")
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next() (pipeline.WireEnvelope, error) {
	var env pipeline.WireEnvelope
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return env, ErrClosedByServer
		}
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return pipeline.WireEnvelope{Type: "malformed"}, nil
	}
	return env, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
