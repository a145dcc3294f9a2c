// Package retry implements the Retry/Backoff Driver: it asks
// the Wake/Locator for a node, hands it to a connect.Mechanism, and — based
// on how the attempt failed — either retries against the same node,
// invalidates the wake cache and starts over, or gives up and surfaces the
// error. Retryability is decided by the perr.CouldRetry /
// perr.ShouldRetryWakeCompute interfaces rather than a type switch here, so
// errors classify themselves by behavior instead of by concrete type.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// Config is wake_compute_retry_config: attempt budget and backoff shape.
// OnRetry, when set, observes each retried attempt with the reason
// ("same_node" or "wake_invalidated"); OnFailure observes the terminal
// error's kind. Both feed the Prometheus connect counters when wired.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	OnRetry   func(endpoint types.EndpointID, reason string)
	OnFailure func(endpoint types.EndpointID, errorKind string)
}

func (c Config) backoff() retry.Backoff {
	b := retry.NewExponential(c.BaseDelay)
	if c.MaxDelay > 0 {
		b = retry.WithCappedDuration(c.MaxDelay, b)
	}
	if c.Jitter > 0 {
		b = retry.WithJitter(c.Jitter, b)
	}
	if c.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(c.MaxAttempts-1), b)
	}
	return b
}

// Locator is the narrow Wake/Locator surface the driver consumes.
type Locator interface {
	Locate(ctx context.Context, endpoint types.EndpointID) (types.CachedNodeInfo, error)
}

// Mechanism is the narrow Connect Mechanism surface the driver consumes.
// Result is left as `any` here so the driver stays generic over the three
// concrete backend kinds (remote Postgres, HTTP/2, local); callers type-
// assert the result to the Mechanism they passed in.
type Mechanism interface {
	ConnectOnce(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (any, error)
}

// ConnectToCompute runs the locate -> connect loop: locate a node, attempt
// a connect, and on failure either retry or invalidate the cached node and
// relocate, bounded by cfg. It returns the mechanism's result on success,
// or the terminal error on exhaustion / a non-retryable failure.
func ConnectToCompute(ctx context.Context, loc Locator, mech Mechanism, endpoint types.EndpointID, info types.ConnInfo, creds types.ComputeCredentialKeys, cfg Config) (any, error) {
	var (
		result  any
		lastErr error
		node    types.CachedNodeInfo
		haveNode bool
	)

	b := cfg.backoff()

	attemptErr := retry.Do(ctx, b, func(ctx context.Context) error {
		if !haveNode {
			n, err := loc.Locate(ctx, endpoint)
			if err != nil {
				// Locate failures (permit exhaustion, control-plane error) are
				// classified by the locator's own error type; a
				// TooManyConnectionAttempts is never retried.
				lastErr = err
				if isNonRetryable(err) {
					return err
				}
				return retry.RetryableError(err)
			}
			node = n
			haveNode = true
		}

		res, err := mech.ConnectOnce(ctx, node, info, creds)
		if err == nil {
			result = res
			return nil
		}
		lastErr = err

		if shouldRetryWake(err) {
			if node.CacheEntry != nil {
				node.CacheEntry.Invalidate()
			}
			haveNode = false
			slog.Warn("connect failed, invalidating wake cache and retrying", "endpoint", endpoint, "error", err)
			if cfg.OnRetry != nil {
				cfg.OnRetry(endpoint, "wake_invalidated")
			}
			return retry.RetryableError(err)
		}
		if couldRetry(err) {
			slog.Warn("connect failed, retrying same node", "endpoint", endpoint, "error", err)
			if cfg.OnRetry != nil {
				cfg.OnRetry(endpoint, "same_node")
			}
			return retry.RetryableError(err)
		}
		return err
	})

	if attemptErr != nil {
		if lastErr == nil {
			lastErr = attemptErr
		}
		if cfg.OnFailure != nil {
			cfg.OnFailure(endpoint, errorKind(lastErr))
		}
		return nil, lastErr
	}
	return result, nil
}

func errorKind(err error) string {
	var re perr.ReportableError
	if errors.As(err, &re) {
		return re.ErrorKind().String()
	}
	return "unknown"
}

func isNonRetryable(err error) bool {
	var cr perr.CouldRetry
	if errors.As(err, &cr) {
		return !cr.CouldRetry()
	}
	return true
}

func couldRetry(err error) bool {
	var cr perr.CouldRetry
	if errors.As(err, &cr) {
		return cr.CouldRetry()
	}
	return false
}

func shouldRetryWake(err error) bool {
	var wr perr.ShouldRetryWakeCompute
	if errors.As(err, &wr) {
		return wr.ShouldRetryWakeCompute()
	}
	return false
}
