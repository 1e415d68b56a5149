package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
)

const defaultUserAgent = "trackstream/1.0"

// StatusError is an origin reply the fetcher cannot use.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

type Config struct {
	// Client defaults to an otelhttp-instrumented client with Timeout.
	Client *http.Client
	// Timeout bounds the response headers of each attempt.
	Timeout   time.Duration
	Retry     RetryConfig
	Limiter   *rate.Limiter
	UserAgent string
	Logger    *slog.Logger
}

// HTTPFetcher reads byte ranges over HTTP with Range requests.
type HTTPFetcher struct {
	client    *http.Client
	retry     RetryConfig
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

var _ ports.Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Timeout > 0 {
			transport.ResponseHeaderTimeout = cfg.Timeout
		}
		client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:    client,
		retry:     retry,
		limiter:   cfg.Limiter,
		userAgent: ua,
		logger:    logger,
	}
}

// Fetch requests r of locator. A Length <= 0 asks for everything from Off.
// Origins that ignore Range are tolerated by skipping to Off.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string, r domain.Range) (io.ReadCloser, int64, error) {
	if r.Off < 0 {
		return nil, -1, fmt.Errorf("fetch %s: negative offset %d", locator, r.Off)
	}

	var (
		body  io.ReadCloser
		total int64 = -1
	)
	attempt := 0
	err := retryWithBackoff(ctx, f.retry, func() error {
		attempt++
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var err error
		body, total, err = f.fetchOnce(ctx, locator, r)
		if err != nil && attempt < f.retry.MaxAttempts && isTransientError(err) {
			f.logger.Debug("fetch attempt failed",
				slog.String("locator", locator),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return nil, -1, err
	}
	return body, total, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, locator string, r domain.Range) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("fetch %s: %w", locator, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Range", rangeHeader(r))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, -1, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		return limitBody(resp.Body, r.Length), total, nil
	case http.StatusOK:
		total := resp.ContentLength
		if r.Off > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, r.Off); err != nil {
				resp.Body.Close()
				if err == io.EOF {
					return io.NopCloser(strings.NewReader("")), total, nil
				}
				return nil, -1, err
			}
		}
		return limitBody(resp.Body, r.Length), total, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		return io.NopCloser(strings.NewReader("")), total, nil
	default:
		resp.Body.Close()
		return nil, -1, &StatusError{Code: resp.StatusCode, URL: locator}
	}
}

func rangeHeader(r domain.Range) string {
	if r.Length <= 0 {
		return "bytes=" + strconv.FormatInt(r.Off, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(r.Off, 10) + "-" + strconv.FormatInt(r.End()-1, 10)
}

// parseContentRangeTotal extracts the complete length from a Content-Range
// header such as "bytes 0-99/1234" or "bytes */1234". It returns -1 when
// the length is absent or "*".
func parseContentRangeTotal(h string) int64 {
	slash := strings.LastIndexByte(h, '/')
	if slash < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[slash+1:]), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

type limitedBody struct {
	io.Reader
	io.Closer
}

func limitBody(body io.ReadCloser, length int64) io.ReadCloser {
	if length <= 0 {
		return body
	}
	return limitedBody{Reader: io.LimitReader(body, length), Closer: body}
}
