package generate

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/adapter"
)

// callProvider runs fn against target, retrying transient failures with
// exponential backoff. Every attempt gets its own provider timeout.
func (d *Driver) callProvider(
	ctx context.Context,
	target Target,
	op adapter.Operation,
	fallback bool,
	fn func(ctx context.Context, a adapter.Adapter, model string) error,
) (adapter.CallReport, error) {
	report := adapter.CallReport{
		Model:        target.Model,
		Operation:    op,
		FallbackUsed: fallback,
	}
	if target.Adapter == nil {
		err := fmt.Errorf("no adapter configured for %s", op)
		report.Error = err.Error()
		report.ErrorKind = adapter.KindOther
		return report, err
	}
	report.Adapter = target.Adapter.Name()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		report.Retries = attempt

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := fn(callCtx, target.Adapter, target.Model)
		cancel()

		if err == nil {
			report.DurationMs = time.Since(start).Milliseconds()
			d.metrics.ProviderCall(report.Adapter, string(op), "success")
			return report, nil
		}

		lastErr = err
		if !adapter.IsTransient(err) || attempt == d.retry.MaxRetries {
			break
		}

		backoff := computeBackoff(d.retry.BaseBackoffMs, d.retry.MaxBackoffMs, attempt)
		d.log.WithFields(logrus.Fields{
			"adapter":   report.Adapter,
			"model":     target.Model,
			"operation": op,
			"attempt":   attempt + 1,
			"backoff":   backoff.String(),
		}).WithError(err).Warn("transient provider error, retrying")
		if err := sleepWithContext(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	report.Error = lastErr.Error()
	report.ErrorKind = adapter.KindOf(lastErr)
	d.metrics.ProviderCall(report.Adapter, string(op), "error")
	return report, lastErr
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= time.Duration(maxMs)*time.Millisecond {
			return time.Duration(maxMs) * time.Millisecond
		}
	}
	if backoff > time.Duration(maxMs)*time.Millisecond {
		return time.Duration(maxMs) * time.Millisecond
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
