package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// FetchOutcome classifies one page attempt. Classification replaces
// exception-style control flow: the page loop branches on the outcome, never
// on error types.
type FetchOutcome int

const (
	// OutcomeSuccess is a 200 with a non-empty item list
	OutcomeSuccess FetchOutcome = iota
	// OutcomeEmptyPage is a 200 with an empty item list: end of data, not an error
	OutcomeEmptyPage
	// OutcomeNotFound is a 404: the channel does not exist on the archive
	OutcomeNotFound
	// OutcomeBadRequest is a 400: malformed request, skipped silently
	OutcomeBadRequest
	// OutcomePermanentFailure means the retry ceiling was exhausted; this
	// page attempt becomes a channel failure
	OutcomePermanentFailure
)

// String returns the outcome name for logs.
func (o FetchOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmptyPage:
		return "empty"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeBadRequest:
		return "bad-request"
	case OutcomePermanentFailure:
		return "permanent-failure"
	default:
		return "unknown"
	}
}

// FetchResult is one classified page attempt.
type FetchResult struct {
	Outcome FetchOutcome
	Items   []json.RawMessage
	Err     error // set for OutcomePermanentFailure
}

// pageEnvelope is the archive API's response shape.
type pageEnvelope struct {
	Data  []json.RawMessage `json:"data"`
	Error string            `json:"error,omitempty"`
}

// Static errors for fetching
var (
	ErrArchiveUnavailable = errors.New("archive API returned a retryable status")
	ErrRetryOnTransport   = errors.New("transport error talking to archive API")
	ErrRetriesExhausted   = errors.New("retry ceiling exhausted")
)

// ArchiveClient fetches pages from the archive API for one
// (channel, content type) pair, walking backward in time.
type ArchiveClient struct {
	baseURL      string
	pageSize     int
	retryCeiling int
	pageDelay    time.Duration
	client       *http.Client
	logger       *slog.Logger

	// sleep is stubbed in tests so backoff does not slow them down
	sleep func(ctx context.Context, d time.Duration) error
}

// NewArchiveClient creates an ArchiveClient from the job configuration.
func NewArchiveClient(config *Config, logger *slog.Logger) *ArchiveClient {
	return &ArchiveClient{
		baseURL:      config.APIURL,
		pageSize:     config.PageSize,
		retryCeiling: config.RetryCeiling,
		pageDelay:    config.PageDelay,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pageURL builds the search URL for one page. before <= 0 means unset (first
// page of a fresh channel); both bounds are exclusive.
func (c *ArchiveClient) pageURL(channel, contentType string, after, before int64) string {
	params := url.Values{}
	params.Set("channel", channel)
	params.Set("size", strconv.Itoa(c.pageSize))
	params.Set("sort", "desc")
	params.Set("after", strconv.FormatInt(after, 10))
	if before > 0 {
		params.Set("before", strconv.FormatInt(before, 10))
	}
	return fmt.Sprintf("%s/%s/search?%s", c.baseURL, contentType, params.Encode())
}

// FetchPage fetches and classifies one page, retrying transient outcomes with
// exponential backoff up to the retry ceiling. Every wire request, including
// retries, is counted against the resource governor through stats.
func (c *ArchiveClient) FetchPage(ctx context.Context, channel, contentType string, after, before int64, stats *RunStats) FetchResult {
	pageURL := c.pageURL(channel, contentType, after, before)

	var lastErr error
	for attempt := 0; attempt <= c.retryCeiling; attempt++ {
		if attempt > 0 {
			// 2^(failed attempts + 1) seconds: 2s, 4s, 8s, ...
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if retryAfter := retryAfterHint(lastErr); retryAfter > backoff {
				backoff = retryAfter
			}
			c.logger.Debug(fmt.Sprintf("⏳ Retry %d/%d for %s/%s in %s", attempt, c.retryCeiling, channel, contentType, backoff))
			if err := c.sleep(ctx, backoff); err != nil {
				return FetchResult{Outcome: OutcomePermanentFailure, Err: err}
			}
		}

		result, retryable, err := c.fetchOnce(ctx, pageURL, stats)
		if err == nil {
			return result
		}
		if !retryable {
			return FetchResult{Outcome: OutcomePermanentFailure, Err: err}
		}
		lastErr = err
	}

	return FetchResult{
		Outcome: OutcomePermanentFailure,
		Err:     fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.retryCeiling+1, lastErr),
	}
}

// retryableStatusError carries the Retry-After hint through the retry loop.
type retryableStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("%s: status %d", ErrArchiveUnavailable.Error(), e.status)
}

func (e *retryableStatusError) Unwrap() error { return ErrArchiveUnavailable }

func retryAfterHint(err error) time.Duration {
	var statusErr *retryableStatusError
	if errors.As(err, &statusErr) {
		return statusErr.retryAfter
	}
	return 0
}

// fetchOnce issues a single request and classifies the response. The second
// return reports whether the error is retryable.
func (c *ArchiveClient) fetchOnce(ctx context.Context, pageURL string, stats *RunStats) (FetchResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return FetchResult{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("channel-archiver/%s", Version))
	req.Header.Set("Accept", "application/json")

	// The attempt counts against the governor whether or not the wire
	// cooperates; a flapping upstream still spends the request budget.
	stats.Requests++

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResult{}, false, ctx.Err()
		}
		// Connection refused, read timeout, and friends follow the same
		// backoff policy as a retryable status
		return FetchResult{}, true, fmt.Errorf("%w: %w", ErrRetryOnTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	stats.BytesFetched += int64(len(body))
	if err != nil {
		return FetchResult{}, true, fmt.Errorf("%w: %w", ErrRetryOnTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var envelope pageEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return FetchResult{}, true, fmt.Errorf("%w: undecodable response body: %w", ErrRetryOnTransport, err)
		}
		if len(envelope.Data) == 0 {
			return FetchResult{Outcome: OutcomeEmptyPage}, false, nil
		}
		return FetchResult{Outcome: OutcomeSuccess, Items: envelope.Data}, false, nil

	case resp.StatusCode == http.StatusNotFound:
		return FetchResult{Outcome: OutcomeNotFound}, false, nil

	case resp.StatusCode == http.StatusBadRequest:
		return FetchResult{Outcome: OutcomeBadRequest}, false, nil

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode >= 500:
		return FetchResult{}, true, &retryableStatusError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	default:
		// Unexpected non-retryable status (401, 403, 410, ...)
		return FetchResult{}, false, fmt.Errorf("unexpected status %d from archive API", resp.StatusCode)
	}
}

// parseRetryAfter reads a Retry-After header in seconds form.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Politeness pauses between successful pages.
func (c *ArchiveClient) Politeness(ctx context.Context) error {
	if c.pageDelay <= 0 {
		return nil
	}
	return c.sleep(ctx, c.pageDelay)
}
