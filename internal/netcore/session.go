package netcore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/agroflow/agroflow/internal/audit"
)

// Sentinel errors surfaced to collectors. Auth failures are never
// retried; max-retries exhaustion carries the attempt count in its
// wrapping message.
var (
	ErrMaxRetries = errors.New("max retries exceeded")
	ErrAuthFailed = errors.New("authentication failed")
)

// SessionConfig tunes one collector's HTTP session.
type SessionConfig struct {
	Source             string
	Timeout            time.Duration
	RetryAttempts      int
	RetryDelayBase     float64 // seconds
	BackoffMultiplier  float64
	BackoffCap         float64 // seconds
	RateLimitPerMinute int
	RawDir             string
}

func (c *SessionConfig) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelayBase == 0 {
		c.RetryDelayBase = 1.0
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 120.0
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 30
	}
}

// Request describes one upstream call. EndpointName and Identifier feed
// the raw-archive filename; ArchiveExt selects its extension.
type Request struct {
	Method       string
	URL          string
	Params       url.Values
	Headers      map[string]string
	Body         []byte
	EndpointName string
	Identifier   string
	ArchiveExt   string // "json", "csv", "pdf"; empty disables archiving
}

// Response is the outcome of a successful request.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	BodyHash    string // sha256[:16] of the body
	Elapsed     time.Duration
	ArchivePath string
	FinalURL    string
}

// Session is a per-collector HTTP client with rate-limit gating, retry
// with exponential backoff, circuit breaking, response hashing, and raw
// body archiving. Sessions are not shared across collectors.
type Session struct {
	cfg     SessionConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	auditor *audit.Logger

	requestCount int
}

// NewSession builds a session enforcing a minimum inter-request gap of
// 60/rate_limit_per_minute seconds. The audit logger may be nil (for
// connectivity probes that should not pollute a run's log).
func NewSession(cfg SessionConfig, auditor *audit.Logger) *Session {
	cfg.defaults()
	perSecond := float64(cfg.RateLimitPerMinute) / 60.0
	return &Session{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Source,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		auditor: auditor,
	}
}

// RequestCount returns the number of upstream calls attempted so far.
func (s *Session) RequestCount() int { return s.requestCount }

// Do performs the request with the full retry policy. On success the
// body is hashed, archived (when ArchiveExt is set), and an API_CALL
// audit record is emitted.
func (s *Session) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	fullURL := req.URL
	if len(req.Params) > 0 {
		sep := "?"
		if bytes.ContainsRune([]byte(req.URL), '?') {
			sep = "&"
		}
		fullURL = req.URL + sep + req.Params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := s.attempt(ctx, req, fullURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrAuthFailed) || ctx.Err() != nil {
			return nil, err
		}

		var retryIn time.Duration
		var re *retryableError
		if errors.As(err, &re) {
			retryIn = re.after
		}
		if retryIn == 0 {
			secs := s.cfg.RetryDelayBase * math.Pow(s.cfg.BackoffMultiplier, float64(attempt))
			if secs > s.cfg.BackoffCap {
				secs = s.cfg.BackoffCap
			}
			retryIn = time.Duration(secs * float64(time.Second))
		}

		log.Warn().Str("source", s.cfg.Source).Str("url", req.URL).
			Int("attempt", attempt+1).Dur("retry_in", retryIn).Err(err).
			Msg("request failed, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryIn):
		}
	}

	err := fmt.Errorf("%w: max retries (%d) exceeded for %s: %v",
		ErrMaxRetries, s.cfg.RetryAttempts, req.URL, lastErr)
	s.logError(req, err)
	return nil, err
}

// retryableError marks transient failures; after carries a parsed
// Retry-After when the server sent one.
type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (s *Session) attempt(ctx context.Context, req Request, fullURL string) (*Response, error) {
	s.requestCount++
	metricRequests.WithLabelValues(s.cfg.Source).Inc()

	start := time.Now()
	result, err := s.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		return s.client.Do(httpReq)
	})
	if err != nil {
		metricRetries.WithLabelValues(s.cfg.Source).Inc()
		if isConnError(err) {
			// A wedged connection pool poisons every later attempt;
			// recreate the client before retrying.
			s.client = &http.Client{Timeout: s.cfg.Timeout}
		}
		return nil, &retryableError{err: err}
	}
	httpResp := result.(*http.Response)
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read body: %w", err)}
	}
	elapsed := time.Since(start)

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d from %s (check credentials)", ErrAuthFailed, httpResp.StatusCode, req.URL)
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		metricRetries.WithLabelValues(s.cfg.Source).Inc()
		return nil, &retryableError{
			err:   fmt.Errorf("HTTP %d from %s", httpResp.StatusCode, req.URL),
			after: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
	}

	sum := sha256.Sum256(body)
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		BodyHash:   hex.EncodeToString(sum[:])[:16],
		Elapsed:    elapsed,
		FinalURL:   fullURL,
	}

	if req.ArchiveExt != "" && resp.StatusCode == http.StatusOK {
		path, err := archiveBody(s.cfg.RawDir, req.EndpointName, req.Identifier, req.ArchiveExt, body)
		if err != nil {
			log.Warn().Err(err).Str("source", s.cfg.Source).Msg("raw archive write failed")
		} else {
			resp.ArchivePath = path
		}
	}

	if s.auditor != nil {
		_ = s.auditor.LogTimed("INFO", audit.ActionAPICall, map[string]any{
			"url":    req.URL,
			"params": req.Params.Encode(),
			"status": resp.StatusCode,
			"size":   len(body),
			"hash":   resp.BodyHash,
		}, elapsed)
	}
	return resp, nil
}

func (s *Session) logError(req Request, err error) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Log("ERROR", audit.ActionError, map[string]any{
		"url":   req.URL,
		"error": err.Error(),
	})
}

func parseRetryAfter(v string) time.Duration {
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

func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
