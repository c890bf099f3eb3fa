// Package httpclient wraps net/http for outbound calls the scheduler makes,
// health probes first of all: redacted request logging, bounded retries with
// Retry-After support, and a tuned connection pool.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	randv2 "math/rand/v2"
	stdhttp "net/http"
	"net/url"
	"strconv"
	"time"

	"dsched/pkg/retry"
)

// Client is an http.Client with logging and retry behavior attached.
type Client struct {
	hc          *stdhttp.Client
	log         *slog.Logger
	retries     int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	headers     map[string]string
	urlRedactor func(*url.URL) string
}

// Option configures Client.
type Option func(*Client)

// WithTimeout caps a single attempt, not the whole retried call. The
// caller's context bounds the total.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets the logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries allows up to n extra attempts with exponential backoff
// starting at base. Zero base keeps the default.
func WithRetries(n int, base time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		if base > 0 {
			c.baseBackoff = base
		}
	}
}

// WithMaxBackoff caps the pause between attempts, including pauses taken
// from a Retry-After header.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.maxBackoff = d }
}

// WithHeaders adds default headers applied when the request does not set
// them itself.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithUserAgent identifies this scheduler instance to probed endpoints.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.headers["User-Agent"] = ua }
}

// WithURLRedactor overrides how URLs appear in logs. The default hides
// userinfo only; probe targets with secrets in the query need their own.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) {
		if f != nil {
			c.urlRedactor = f
		}
	}
}

// New builds a Client. The pool is sized for a handful of probe targets,
// not for fan-out traffic.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 32
	tr.MaxConnsPerHost = 16
	tr.MaxIdleConnsPerHost = 8
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   10 * time.Second,
			Transport: tr,
		},
		log:         slog.Default(),
		baseBackoff: 200 * time.Millisecond,
		headers:     make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends the request, retrying transient failures when the method is
// idempotent. A request body without GetBody cannot be replayed and turns
// retries off for that call. Responses with non-retryable statuses are
// returned as-is, the status is the caller's business.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	retries := c.retries
	if !idempotent(req.Method) || (req.Body != nil && req.GetBody == nil) {
		retries = 0
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		r := req.Clone(ctx)
		for k, v := range c.headers {
			if r.Header.Get(k) == "" {
				r.Header.Set(k, v)
			}
		}
		if r.GetBody != nil {
			body, err := r.GetBody()
			if err != nil {
				return nil, fmt.Errorf("replay request body: %w", err)
			}
			r.Body = body
		}

		target := c.redactURL(r.URL)
		begin := time.Now()
		resp, err := c.hc.Do(r)
		elapsed := time.Since(begin)

		delay, retryable := retryDecision(resp, err)
		if !retryable {
			if err != nil {
				c.log.Warn("http request failed",
					slog.String("method", r.Method),
					slog.String("url", target),
					slog.Int("attempt", attempt),
					slog.Any("error", err))
				return nil, err
			}
			c.log.Debug("http request",
				slog.String("method", r.Method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.Duration("dur", elapsed),
				slog.Int("attempt", attempt))
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%s %s: unexpected status %d", r.Method, target, resp.StatusCode)
		}
		if attempt > retries {
			return nil, lastErr
		}

		wait := c.backoff(attempt, delay)
		c.log.Warn("http request will retry",
			slog.String("method", r.Method),
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.Int("attempts_left", retries-attempt+1),
			slog.Duration("wait", wait),
			slog.Any("error", lastErr))

		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, context.DeadlineExceeded
			}
			if wait > remaining {
				wait = remaining
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// backoff picks the pause before the next attempt. A server-provided delay
// wins over computed backoff; computed backoff doubles per attempt with
// full upward jitter.
func (c *Client) backoff(attempt int, serverDelay time.Duration) time.Duration {
	wait := serverDelay
	if wait <= 0 {
		wait = c.baseBackoff * time.Duration(1<<uint(attempt-1))
		if wait <= 0 {
			wait = c.baseBackoff
		}
		wait += time.Duration(randv2.Int64N(int64(wait)))
	}
	if c.maxBackoff > 0 && wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	return wait
}

func idempotent(method string) bool {
	switch method {
	case stdhttp.MethodGet, stdhttp.MethodHead, stdhttp.MethodOptions,
		stdhttp.MethodPut, stdhttp.MethodDelete:
		return true
	}
	return false
}

// retryDecision classifies one attempt. For retryable responses the body is
// drained so the connection can return to the pool; for retryable statuses
// that carry Retry-After, the parsed delay is returned.
func retryDecision(resp *stdhttp.Response, err error) (time.Duration, bool) {
	if err != nil {
		// The outer loop re-checks the caller's context after each
		// attempt, so a per-attempt timeout may still be retried.
		return 0, retry.DefaultRetryable(err)
	}
	switch {
	case resp.StatusCode == stdhttp.StatusRequestTimeout,
		resp.StatusCode == stdhttp.StatusTooEarly:
		drainAndClose(resp.Body)
		return 0, true
	case resp.StatusCode == stdhttp.StatusTooManyRequests,
		resp.StatusCode >= 500:
		delay := retryAfter(resp.Header.Get("Retry-After"))
		drainAndClose(resp.Body)
		return delay, true
	}
	return 0, false
}

// retryAfter parses a Retry-After header, either delta-seconds or an HTTP
// date. Unparseable or past values mean no delay.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// drainAndClose reads off up to 512KB so the transport can reuse the
// connection, then closes the body.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}
