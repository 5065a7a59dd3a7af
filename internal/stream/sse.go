package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// ErrClosedByServer is returned by Conn.Next when the server ends the
// stream.
var ErrClosedByServer = errors.New("stream closed by server")

// Endpoint locates the findings stream. *api.Client satisfies it.
type Endpoint interface {
	StreamURL(ddID string) string
	Header() http.Header
}

// SSEDialer connects over text/event-stream.
type SSEDialer struct {
	Endpoint Endpoint
	// Client must not set a Timeout; the stream is long-lived.
	Client *http.Client
}

// Dial opens the stream. A non-2xx response is classified like any other
// API failure.
func (d *SSEDialer) Dial(ctx context.Context, ddID string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Endpoint.StreamURL(ddID), nil)
	if err != nil {
		return nil, err
	}
	req.Header = d.Endpoint.Header()
	req.Header.Set("Accept", "text/event-stream")

	hc := d.Client
	if hc == nil {
		hc = &http.Client{}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, apierr.FromStatus("stream", resp.StatusCode, strings.TrimSpace(string(blob)), "", "")
	}

	const (
		initialScanBuffer = 64 * 1024
		maxScanBuffer     = 4 * 1024 * 1024
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxScanBuffer)
	return &sseConn{body: resp.Body, scanner: scanner}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next reads events until one carries data. The SSE event name fills in
// the envelope type when the payload omits it.
func (c *sseConn) Next() (pipeline.WireEnvelope, error) {
	event := ""
	var data []string
	for c.scanner.Scan() {
		line := strings.TrimRight(c.scanner.Text(), "\r")
		switch {
		case line == "":
			if len(data) == 0 {
				event = ""
				continue
			}
			var env pipeline.WireEnvelope
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &env); err != nil {
				// Keep the connection; the client drops unknown types.
				return pipeline.WireEnvelope{Type: "malformed"}, nil
			}
			if env.Type == "" {
				env.Type = event
			}
			return env, nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := c.scanner.Err(); err != nil {
		return pipeline.WireEnvelope{}, fmt.Errorf("read stream: %w", err)
	}
	return pipeline.WireEnvelope{}, ErrClosedByServer
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
