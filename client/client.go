// Package client is a Go client for the sessiond HTTP API.
//
//	c, err := client.New("http://localhost:8000")
//	if err != nil { ... }
//	res, err := c.Execute(ctx, api.ExecuteRequest{Prompt: "list the files"})
//	if err != nil { ... }
//	final, err := c.WaitForCompletion(ctx, res.SessionID)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sse "github.com/tmaxmax/go-sse"
	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"

	"goa.design/sessiond/api"
	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/stream"
)

type (
	// Client calls a sessiond server.
	Client struct {
		base *url.URL
		http *http.Client
		poll time.Duration
	}

	// Option configures a Client.
	Option func(*Client)

	// StatusError is returned for non-2xx responses. It wraps the
	// goa.ServiceError decoded from the response body.
	StatusError struct {
		Code int
		Err  *goa.ServiceError
	}
)

// DefaultPollInterval is the WaitForCompletion polling period.
const DefaultPollInterval = 2 * time.Second

// WithHTTPClient sets the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithPollInterval sets the WaitForCompletion polling period.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.poll = d }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{base: u, http: http.DefaultClient, poll: DefaultPollInterval}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.Code, e.Err.Name, e.Err.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a not_found API error.
func IsNotFound(err error) bool { return hasName(err, api.ErrNameNotFound) }

// IsConflict reports whether err reports a session status conflict.
func IsConflict(err error) bool {
	return hasName(err, api.ErrNameConflict) || hasName(err, api.ErrNameNotRunning)
}

func hasName(err error, name string) bool {
	var se *goa.ServiceError
	return errors.As(err, &se) && se.Name == name
}

// Execute starts a session, or resumes one when req.ResumeSessionID is set.
func (c *Client) Execute(ctx context.Context, req api.ExecuteRequest) (*api.ExecuteResponse, error) {
	var res api.ExecuteResponse
	return &res, c.do(ctx, http.MethodPost, "/execute/", nil, &req, &res)
}

// Status returns the detailed view of a session.
func (c *Client) Status(ctx context.Context, id string) (*api.StatusResponse, error) {
	var res api.StatusResponse
	return &res, c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, nil, &res)
}

// Cancel stops a running session.
func (c *Client) Cancel(ctx context.Context, id string) (*api.CancelResponse, error) {
	var res api.CancelResponse
	return &res, c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(id), nil, nil, &res)
}

// Delete removes a session that is not running.
func (c *Client) Delete(ctx context.Context, id string) (*api.DeleteResponse, error) {
	var res api.DeleteResponse
	return &res, c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil, &res)
}

// List returns the summaries of all sessions.
func (c *Client) List(ctx context.Context) ([]session.Summary, error) {
	var res []session.Summary
	return res, c.do(ctx, http.MethodGet, "/sessions/", nil, nil, &res)
}

// Cleanup removes sessions that ended more than maxAgeHours ago.
func (c *Client) Cleanup(ctx context.Context, maxAgeHours int) (*api.CleanupResponse, error) {
	var res api.CleanupResponse
	q := url.Values{"max_age_hours": {strconv.Itoa(maxAgeHours)}}
	return &res, c.do(ctx, http.MethodDelete, "/sessions/cleanup", q, nil, &res)
}

// WaitForCompletion polls the session until it reaches a terminal status or
// ctx is done. Use a context deadline to bound the wait.
func (c *Client) WaitForCompletion(ctx context.Context, id string) (*api.StatusResponse, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stream follows the session events over server-sent events and calls fn
// for each one. It returns nil once the server ends the stream.
func (c *Client) Stream(ctx context.Context, id string, fn func(stream.Envelope) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/stream/"+url.PathEscape(id), nil), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return err
		}
		var env stream.Envelope
		if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
			return fmt.Errorf("decode %s event: %w", ev.Type, err)
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if err := goahttp.RequestEncoder(req).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if err := goahttp.ResponseDecoder(resp).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body api.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Name == "" {
		body.Name = http.StatusText(resp.StatusCode)
		body.Message = strings.TrimSpace(string(raw))
	}
	return &StatusError{
		Code: resp.StatusCode,
		Err:  &goa.ServiceError{Name: body.Name, ID: body.ID, Message: body.Message},
	}
}
