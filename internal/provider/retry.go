package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

const maxRetries = 3

// backoffFunc returns the wait before retry attempt n (n >= 1).
type backoffFunc func(attempt int) time.Duration

// quadraticBackoff waits n² seconds plus up to half that in jitter.
func quadraticBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// retryableStatus reports whether the provider rejected the request before
// creating a message. Other 5xx responses are not retried because the
// message may already exist.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableTransport reports whether err happened before the request left
// this host.
func retryableTransport(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// doWithRetry executes an HTTP request, retrying throttling and gateway
// errors with backoff. The final response is returned as-is for the caller
// to decode, whatever its status.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), backoff backoffFunc, logger *slog.Logger) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			logger.Warn("retrying provider request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if attempt < maxRetries && retryableTransport(err) && ctx.Err() == nil {
				logger.Warn("provider unreachable, will retry", "err", err)
				continue
			}
			return nil, err
		}

		if retryableStatus(resp.StatusCode) && attempt < maxRetries {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			logger.Warn("provider throttled or unavailable, will retry", "status", resp.StatusCode)
			continue
		}
		return resp, nil
	}
}
