// Package httpclient fetches remote database images over HTTP with logging
// and retries.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	randv2 "math/rand/v2"
	"mime"
	"net"
	stdhttp "net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pagevfs/internal/shared"
)

// DefaultMaxBytes caps a download when no limit is configured.
const DefaultMaxBytes int64 = 4 << 30

// ErrTooLarge is returned when a body exceeds the configured limit.
var ErrTooLarge = errors.New("httpclient: body exceeds size limit")

// Client wraps http.Client with logging and retries.
type Client struct {
	hc          *stdhttp.Client
	log         *slog.Logger
	retries     int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxBytes    int64
	userAgent   string
}

// Option configures Client.
type Option func(*Client)

// WithHeaderTimeout bounds the wait for response headers. The body itself
// is bounded only by the request context.
func WithHeaderTimeout(t time.Duration) Option {
	return func(c *Client) {
		if tr, ok := c.hc.Transport.(*stdhttp.Transport); ok {
			tr.ResponseHeaderTimeout = t
		}
	}
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries enables retries with exponential backoff and jitter.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		if backoff > 0 {
			c.baseBackoff = backoff
		}
	}
}

// WithMaxBackoff limits exponential backoff growth.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.maxBackoff = d }
}

// WithMaxBytes limits the accepted body size.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 30 * time.Second

	c := &Client{
		hc:          &stdhttp.Client{Transport: tr},
		log:         slog.Default(),
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  10 * time.Second,
		maxBytes:    DefaultMaxBytes,
		userAgent:   "pagevfs",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Download is an open response body plus what the server said about it.
type Download struct {
	Body io.ReadCloser
	// Name is the last path element of the final URL.
	Name string
	// Size is the declared length, or -1.
	Size int64
	// Compressed reports an xz body, by Content-Type or name suffix.
	Compressed bool
}

// IsURL reports whether s looks like an http(s) URL rather than a path.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Fetch GETs rawURL, retrying transient failures. The caller closes Body.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("parse url: %w", err), shared.KindValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, shared.Wrapf(shared.ErrValidation, "unsupported scheme %q", u.Scheme)
	}

	resp, err := c.do(ctx, u)
	if err != nil {
		return nil, err
	}

	if resp.ContentLength > c.maxBytes {
		drainAndClose(resp.Body)
		return nil, shared.MarkKind(fmt.Errorf("%s: %d bytes: %w", u.Redacted(), resp.ContentLength, ErrTooLarge), shared.KindOutOfMemory)
	}

	name := path.Base(resp.Request.URL.Path)
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return &Download{
		Body:       &limitedBody{rc: resp.Body, left: c.maxBytes},
		Name:       name,
		Size:       resp.ContentLength,
		Compressed: ct == "application/x-xz" || strings.HasSuffix(name, ".xz"),
	}, nil
}

func (c *Client) do(ctx context.Context, u *url.URL) (*stdhttp.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)

		st := time.Now()
		resp, err := c.hc.Do(req)
		dur := time.Since(st)
		delay, retry := retryInfo(resp, err)
		if !retry {
			if err != nil {
				c.log.Warn("http request error", slog.String("url", u.Redacted()), slog.Int("attempt", attempt), slog.Any("error", err))
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, err
			}
			c.log.Info("http request", slog.String("url", u.Redacted()), slog.Int("status", resp.StatusCode), slog.Duration("dur", dur), slog.Int("attempt", attempt))
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				drainAndClose(resp.Body)
				return nil, statusError(u, resp.StatusCode)
			}
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = statusError(u, resp.StatusCode)
		}

		wait := c.baseBackoff * time.Duration(1<<uint(attempt-1))
		if delay > 0 {
			wait = delay
		} else if wait > 0 {
			wait += time.Duration(randv2.Int64N(int64(wait)))
		}
		if c.maxBackoff > 0 && wait > c.maxBackoff {
			wait = c.maxBackoff
		}
		c.log.Warn("http request retry", slog.String("url", u.Redacted()), slog.Int("attempt", attempt), slog.Int("attempts_left", c.retries-attempt+1), slog.Duration("wait", wait), slog.Any("error", lastErr))

		if attempt > c.retries {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func statusError(u *url.URL, code int) error {
	err := fmt.Errorf("GET %s: unexpected status %d", u.Redacted(), code)
	switch code {
	case stdhttp.StatusNotFound, stdhttp.StatusGone:
		return shared.MarkKind(err, shared.KindNotFound)
	case stdhttp.StatusUnauthorized, stdhttp.StatusForbidden:
		return shared.MarkKind(err, shared.KindPermissionDenied)
	case stdhttp.StatusTooManyRequests, stdhttp.StatusServiceUnavailable:
		return shared.MarkKind(err, shared.KindConflict)
	}
	return err
}

// limitedBody fails the read that crosses the limit instead of truncating.
type limitedBody struct {
	rc   io.ReadCloser
	left int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.rc.Read(p)
	if int64(n) > b.left {
		n = int(b.left)
		b.left = 0
		return n, shared.MarkKind(ErrTooLarge, shared.KindOutOfMemory)
	}
	b.left -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error { return b.rc.Close() }

// retryAfter parses Retry-After header value.
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
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ne, ok := ue.Err.(net.Error); ok && ne.Timeout() {
			return true
		}
		if oe, ok := ue.Err.(*net.OpError); ok {
			if se, ok := oe.Err.(*os.SyscallError); ok {
				switch se.Err {
				case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
					syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
					syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
					return true
				}
			}
		}
		var dnsErr *net.DNSError
		if errors.As(ue.Err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// retryInfo determines if a request should be retried and returns an
// optional server-requested delay.
func retryInfo(resp *stdhttp.Response, err error) (time.Duration, bool) {
	if err != nil {
		return 0, isRetryableError(err)
	}
	switch resp.StatusCode {
	case 408, 425:
		drainAndClose(resp.Body)
		return 0, true
	case 429, 503:
		delay := retryAfter(resp.Header.Get("Retry-After"))
		drainAndClose(resp.Body)
		return delay, true
	default:
		if resp.StatusCode >= 500 {
			delay := retryAfter(resp.Header.Get("Retry-After"))
			drainAndClose(resp.Body)
			return delay, true
		}
		return 0, false
	}
}
