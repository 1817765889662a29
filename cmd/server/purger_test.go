package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/observability/metrics"
)

type fakePurger struct {
	calls chan time.Time
	err   error
	count int
}

func newFakePurger() *fakePurger {
	return &fakePurger{calls: make(chan time.Time, 1)}
}

func (f *fakePurger) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	select {
	case f.calls <- now:
	default:
	}
	return f.count, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick(at time.Time) {
	m.c <- at
}

func startWorker(t *testing.T, purger kv.Purger, recorder *metrics.Recorder, logger *slog.Logger) (*manualTicker, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ticker := newManualTicker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runPurgeWorker(ctx, logger, purger, time.Minute, recorder, func(time.Duration) purgeTicker { return ticker })
	}()
	return ticker, cancel, done
}

func TestPurgeWorkerSweepsOnTick(t *testing.T) {
	purger := newFakePurger()
	purger.count = 3
	recorder := metrics.New()
	ticker, cancel, done := startWorker(t, purger, recorder, slog.New(slog.NewTextHandler(io.Discard, nil)))

	at := time.Unix(1_700_000_000, 0)
	ticker.Tick(at)
	select {
	case got := <-purger.calls:
		if !got.Equal(at) {
			t.Fatalf("expected purge at tick time, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected purge to run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to be stopped")
	}

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), "promptgallery_kv_purged_entries_total 3") {
		t.Fatalf("expected purged counter, got %s", out.String())
	}
}

func TestPurgeWorkerLogsFailures(t *testing.T) {
	purger := newFakePurger()
	purger.err = errors.New("boom")
	var logs strings.Builder
	ticker, cancel, done := startWorker(t, purger, nil, slog.New(slog.NewTextHandler(&logs, nil)))

	ticker.Tick(time.Now())
	<-purger.calls
	ticker.Tick(time.Now())
	<-purger.calls
	cancel()
	<-done

	if !strings.Contains(logs.String(), "failed to purge expired entries") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
}

func TestPurgeWorkerDisabledWithoutInterval(t *testing.T) {
	finished := make(chan struct{})
	go func() {
		runPurgeWorker(context.Background(), nil, newFakePurger(), 0, nil, nil)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("expected a zero interval to return immediately")
	}
}
