package main

import (
	"context"
	"log/slog"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/observability/metrics"
)

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func newTimeTicker(d time.Duration) purgeTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// runPurgeWorker removes expired KV entries every interval until ctx ends.
// A failed sweep is logged and retried on the next tick.
func runPurgeWorker(ctx context.Context, logger *slog.Logger, purger kv.Purger, interval time.Duration, recorder *metrics.Recorder, newTicker tickerFactory) {
	if purger == nil || interval <= 0 {
		return
	}
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			purged, err := purger.PurgeExpired(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("failed to purge expired entries", "error", err)
				}
				continue
			}
			if recorder != nil {
				recorder.ObservePurged(purged)
			}
			if purged > 0 {
				logger.Debug("purged expired entries", "count", purged)
			}
		}
	}
}
