// Package api is the HTTP client for the Due Diligence pipeline backend.
//
// Every method returns a classified *apierr.Error on failure. Control
// operations (start, pause, resume, cancel, restart, create run) share a
// rate limiter so a held key cannot flood the backend.
package api

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

	"golang.org/x/time/rate"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// DefaultTimeout bounds every request. Pipeline runs take minutes; single
// requests should not.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Options configures a Client.
type Options struct {
	BaseURL    string // e.g. http://localhost:8000/api/dd
	Token      string // bearer token, passed through unchanged
	Timeout    time.Duration
	ControlRPS float64 // 0 disables limiting
	HTTPClient *http.Client
	Logger     *otel.Logger
}

// Client talks to the pipeline backend. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *otel.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		logger:  opts.Logger,
	}
	if opts.ControlRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.ControlRPS), 1)
	}
	return c
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamURL returns the findings stream endpoint for a project.
func (c *Client) StreamURL(ddID string) string {
	return c.baseURL + "/findings-stream?" + url.Values{"dd_id": {ddID}}.Encode()
}

// Header returns the headers every request carries.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// errorBody covers the error shapes the backend has used.
type errorBody struct {
	Error   string          `json:"error"`
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

func (b errorBody) text() string {
	if b.Error != "" {
		return b.Error
	}
	if len(b.Detail) > 0 {
		var s string
		if json.Unmarshal(b.Detail, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(b.Detail, &obj) == nil {
			if obj.Message != "" {
				return obj.Message
			}
			return obj.Error
		}
	}
	return b.Message
}

// call describes one request and how its failures are classified.
type call struct {
	op           string
	method       string
	path         string
	query        url.Values
	body         any
	control      bool
	conflictCode string
	notFoundCode string
}

// do performs the request and decodes a 2xx JSON body into out (when
// non-nil). Failures come back classified.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	if cl.control && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Wait fails early when the deadline cannot be met.
			return apierr.New(apierr.KindTransport, cl.op, apierr.CodeTimeout, err)
		}
	}

	u := c.baseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return apierr.New(apierr.KindUnknown, cl.op, "", fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		return apierr.New(apierr.KindUnknown, cl.op, "", fmt.Errorf("build request: %w", err))
	}
	req.Header = c.Header()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.trace(cl, 0, time.Since(start), err)
		return apierr.Classify(cl.op, err)
	}
	defer resp.Body.Close()
	c.trace(cl, resp.StatusCode, time.Since(start), nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb errorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil {
			if t := eb.text(); t != "" {
				msg = t
			}
		}
		return apierr.FromStatus(cl.op, resp.StatusCode, msg, cl.conflictCode, cl.notFoundCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.New(apierr.KindTransport, cl.op, apierr.CodeMalformed, errors.New("empty response body"))
		}
		return apierr.New(apierr.KindTransport, cl.op, apierr.CodeMalformed, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) trace(cl call, status int, dur time.Duration, err error) {
	e := otel.Event{Level: otel.LevelDebug, Kind: otel.KindHTTPRequest, Comp: "api", Op: cl.op, Dur: dur}
	if status != 0 {
		e.Status = fmt.Sprint(status)
	}
	if err != nil {
		e.Err = err.Error()
	}
	c.logger.Emit(e)
}

func targetQuery(t pipeline.Target) url.Values {
	if t.RunID != "" {
		return url.Values{"run_id": {t.RunID}}
	}
	return url.Values{"dd_id": {t.DDID}}
}
