package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/retry"
)

// Default identifying headers sent with every request.
const (
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/11.1.2 Safari/605.1.15"
	DefaultAccept    = "*/*"
)

// Config contains session configuration
type Config struct {
	UserAgent string
	// Headers are added to every request and override the defaults.
	Headers map[string]string

	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	// RequestTimeout bounds non-streaming requests (HEAD, POST).
	RequestTimeout time.Duration
	// ReadTimeout bounds the wait for the next body bytes of a download.
	ReadTimeout time.Duration

	BufferSizeKB int

	Retry retry.Policy
}

// DefaultConfig returns the configuration used for vendor CDN downloads.
func DefaultConfig() Config {
	return Config{
		UserAgent:             DefaultUserAgent,
		ConnectTimeout:        30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		RequestTimeout:        60 * time.Second,
		ReadTimeout:           60 * time.Second,
		BufferSizeKB:          256,
		Retry:                 retry.DefaultPolicy(),
	}
}

// Session is a reusable HTTP connection context with a fixed header set.
// It is safe for concurrent use.
type Session struct {
	cfg            Config
	apiClient      *http.Client
	downloadClient *http.Client
	sleep          retry.Sleeper
	logger         *zap.Logger
}

// NewSession creates a new transfer session
func NewSession(cfg Config, logger *zap.Logger) *Session {
	defaults := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.BufferSizeKB <= 0 {
		cfg.BufferSizeKB = defaults.BufferSizeKB
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	bufferSize := cfg.BufferSizeKB * 1024

	apiTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		DisableCompression:    true,
	}

	downloadTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     120 * time.Second,

		WriteBufferSize: bufferSize,
		ReadBufferSize:  bufferSize,

		// Installer payloads are already compressed
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &Session{
		cfg: cfg,
		apiClient: &http.Client{
			Transport: apiTransport,
			Timeout:   cfg.RequestTimeout,
		},
		downloadClient: &http.Client{
			Transport: downloadTransport,
			Timeout:   0, // No timeout for downloads
		},
		sleep:  retry.Sleep,
		logger: logger,
	}
}

// SetSleeper replaces the backoff sleeper. Used by tests.
func (s *Session) SetSleeper(sleep retry.Sleeper) {
	s.sleep = sleep
}

// RetryPolicy returns the session's retry policy.
func (s *Session) RetryPolicy() retry.Policy {
	return s.cfg.Retry
}

// ReadTimeout returns how long a download may wait for body bytes.
func (s *Session) ReadTimeout() time.Duration {
	return s.cfg.ReadTimeout
}

// NewRequest builds a request carrying the session headers, then extra.
func (s *Session) NewRequest(ctx context.Context, method, url string, body io.Reader, extra http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", DefaultAccept)
	req.Header.Set("Accept-Encoding", "identity")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range extra {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if strings.EqualFold(req.Header.Get("Connection"), "close") {
		req.Close = true
	}

	return req, nil
}

// Do sends one request on the streaming client without retries. Non-2xx
// responses are closed and returned as *domain.StatusError; transport
// failures come back as *domain.RetryableError.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.do(s.downloadClient, req)
}

func (s *Session) do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCancelled, ctxErr)
		}
		return nil, domain.NewRetryableError(fmt.Errorf("request failed: %w", err), 0)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &domain.StatusError{
			Code:       resp.StatusCode,
			URL:        req.URL.String(),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, statusErr
	}

	return resp, nil
}

// doWithRetry retries pre-stream failures under the session policy.
func (s *Session) doWithRetry(ctx context.Context, client *http.Client, method, url string, extra http.Header) (*http.Response, error) {
	var resp *http.Response

	_, err := s.cfg.Retry.Do(ctx, s.sleep, func(ctx context.Context, attempt int) error {
		req, err := s.NewRequest(ctx, method, url, nil, extra)
		if err != nil {
			return err
		}

		r, err := s.do(client, req)
		if err != nil {
			if retry.Classify(err) == retry.Retryable {
				s.logger.Debug("request failed, will retry",
					zap.String("method", method),
					zap.String("url", url),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return err
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Get issues a GET, retrying connection failures and retryable statuses
// until the response headers arrive. The caller owns the body; failures
// while reading it are not retried here.
func (s *Session) Get(ctx context.Context, url string, extra http.Header) (*http.Response, error) {
	return s.doWithRetry(ctx, s.downloadClient, http.MethodGet, url, extra)
}

// Head issues a HEAD with the same retry rules as Get. The body is closed.
func (s *Session) Head(ctx context.Context, url string, extra http.Header) (*http.Response, error) {
	resp, err := s.doWithRetry(ctx, s.apiClient, http.MethodHead, url, extra)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// Post sends body once. POSTs are never retried.
func (s *Session) Post(ctx context.Context, url string, body io.Reader, extra http.Header) (*http.Response, error) {
	req, err := s.NewRequest(ctx, http.MethodPost, url, body, extra)
	if err != nil {
		return nil, err
	}
	return s.do(s.apiClient, req)
}

// ProbeResult describes a remote file without downloading it.
type ProbeResult struct {
	URL           string
	StatusCode    int
	ContentLength int64
	AcceptRanges  bool
	LastModified  string
}

// Probe checks that url is reachable and reports its size. Servers that
// reject HEAD are probed with a one-byte ranged GET instead.
func (s *Session) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	resp, err := s.Head(ctx, url, nil)
	if err == nil {
		return &ProbeResult{
			URL:           url,
			StatusCode:    resp.StatusCode,
			ContentLength: resp.ContentLength,
			AcceptRanges:  strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
			LastModified:  resp.Header.Get("Last-Modified"),
		}, nil
	}

	var se *domain.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusMethodNotAllowed {
		return nil, err
	}

	extra := http.Header{}
	extra.Set("Range", "bytes=0-0")
	resp, err = s.Get(ctx, url, extra)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		URL:           url,
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		AcceptRanges:  resp.StatusCode == http.StatusPartialContent,
		LastModified:  resp.Header.Get("Last-Modified"),
	}
	if _, _, total, ok := ParseContentRange(resp.Header.Get("Content-Range")); ok {
		result.ContentLength = total
	}
	return result, nil
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when absent or invalid.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ParseContentRange parses "bytes start-end/total". A "*" total yields -1.
func ParseContentRange(v string) (start, end, total int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, 0, false
	}

	span, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, 0, false
	}

	if size == "*" {
		total = -1
	} else {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		total = n
	}

	if span == "*" {
		return -1, -1, total, true
	}

	from, to, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	s, err1 := strconv.ParseInt(from, 10, 64)
	e, err2 := strconv.ParseInt(to, 10, 64)
	if err1 != nil || err2 != nil || e < s {
		return 0, 0, 0, false
	}

	return s, e, total, true
}
