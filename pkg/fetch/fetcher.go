package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Fetcher runs one image GET under the configured retry budget. Only the
// direct strategy retries at this level; stealth and browser pace themselves.
type Fetcher struct {
	client *http.Client
	cfg    config.FetchConfig
	log    *logrus.Entry
}

// NewFetcher creates a Fetcher over client.
func NewFetcher(client *http.Client, cfg config.FetchConfig, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

// outcome is what one HTTP exchange means for the retry loop.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFail
)

// classify maps a status code to an outcome. 5xx and 429 are transient on
// image CDNs; any other 4xx is a verdict on this request's headers that the
// caller answers by switching header variant, not by repeating it.
func classify(status int) (outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return outcomeDone, nil
	case status >= 500:
		return outcomeRetry, fmt.Errorf("%w: status %d", utils.ErrServerHTTPError, status)
	case status == http.StatusTooManyRequests:
		return outcomeRetry, fmt.Errorf("%w: status %d", utils.ErrClientHTTPError, status)
	case status >= 400:
		return outcomeFail, fmt.Errorf("%w: status %d", utils.ErrClientHTTPError, status)
	default:
		return outcomeFail, fmt.Errorf("%w: status %d", utils.ErrOtherHTTPError, status)
	}
}

// backoff returns the wait before retry n (1-based): initial doubled per
// retry, capped at MaxRetryDelay, with +/-10% jitter.
func (f *Fetcher) backoff(n int) time.Duration {
	delay := f.cfg.InitialRetryDelay
	for i := 1; i < n && delay < f.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	if f.cfg.MaxRetryDelay > 0 && (delay <= 0 || delay > f.cfg.MaxRetryDelay) {
		delay = f.cfg.MaxRetryDelay
	}
	if delay >= 10 {
		delay += time.Duration(rand.Int63n(int64(delay)/5)) - delay/10
	}
	return delay
}

// retryAfter reads a delta-seconds Retry-After header, capped at MaxRetryDelay.
// Zero means the header is absent or unusable.
func (f *Fetcher) retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	wait := time.Duration(secs) * time.Second
	if f.cfg.MaxRetryDelay > 0 && wait > f.cfg.MaxRetryDelay {
		wait = f.cfg.MaxRetryDelay
	}
	return wait
}

// FetchWithRetry sends req up to MaxRetries+1 times. A 2xx response is
// returned open. A non-retryable 4xx is returned open together with
// ErrClientHTTPError so the caller can inspect it; the caller closes it.
// Exhausted retries yield ErrRetryFailed wrapping the last failure.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	log := f.log.WithField("url", req.URL.String())
	var lastErr error
	var wait time.Duration

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = f.backoff(attempt)
			}
			log.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.cfg.MaxRetries, "delay": wait}).Warn("Retrying image request")
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("waiting to retry after %v: %w", lastErr, ctx.Err())
			}
			wait = 0
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drainAndClose(resp)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			log.WithField("attempt", attempt).Warnf("Network error: %v", err)
			lastErr = err
			continue
		}

		verdict, statusErr := classify(resp.StatusCode)
		switch verdict {
		case outcomeDone:
			log.WithField("status_code", resp.StatusCode).Debug("Image response received")
			return resp, nil
		case outcomeRetry:
			log.WithFields(logrus.Fields{"status_code": resp.StatusCode, "attempt": attempt}).Warn("Transient status")
			if resp.StatusCode == http.StatusTooManyRequests {
				wait = f.retryAfter(resp)
			}
			drainAndClose(resp)
			lastErr = statusErr
		default:
			log.WithField("status_code", resp.StatusCode).Debug("Status not retried")
			return resp, statusErr
		}
	}

	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	log.Warnf("Gave up after %d attempts: %v", f.cfg.MaxRetries+1, lastErr)
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
