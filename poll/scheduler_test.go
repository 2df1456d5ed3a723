package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedRunner fails, panics, then succeeds, and cancels ctx after enough runs.
type scriptedRunner struct {
	cancel  context.CancelFunc
	stopAt  int32
	calls   atomic.Int32
	running atomic.Int32
	overlap atomic.Bool
}

func (r *scriptedRunner) ProcessOnce(context.Context) (CycleReport, error) {
	if r.running.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.running.Add(-1)

	n := r.calls.Add(1)
	if n >= r.stopAt {
		r.cancel()
	}
	switch n {
	case 1:
		return CycleReport{}, errors.New("list threads: HTTP 503")
	case 2:
		panic("unexpected payload")
	}
	time.Sleep(5 * time.Millisecond)
	return CycleReport{}, nil
}

func TestSchedulerSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &scriptedRunner{cancel: cancel, stopAt: 4}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(runner, time.Millisecond, logger)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if got := runner.calls.Load(); got != 4 {
		t.Errorf("ProcessOnce called %d times, want 4", got)
	}
	if runner.overlap.Load() {
		t.Error("scheduled iterations overlapped")
	}
}

func TestSchedulerStopsDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{cancel: func() {}, stopAt: 100}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(runner, time.Hour, logger)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return while sleeping")
	}
	if got := runner.calls.Load(); got != 1 {
		t.Errorf("ProcessOnce called %d times, want 1", got)
	}
}

// slowRunner takes longer than the poll interval and records when each call ran.
type slowRunner struct {
	cancel context.CancelFunc
	work   time.Duration
	stopAt int

	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (r *slowRunner) ProcessOnce(context.Context) (CycleReport, error) {
	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	r.mu.Unlock()

	time.Sleep(r.work)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, time.Now())
	if len(r.ends) >= r.stopAt {
		r.cancel()
	}
	return CycleReport{}, nil
}

func TestSchedulerWaitsFullIntervalAfterSlowCycle(t *testing.T) {
	const interval = 40 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &slowRunner{cancel: cancel, work: 3 * interval, stopAt: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan error, 1)
	go func() { done <- NewScheduler(runner, interval, logger).Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.starts) != 3 {
		t.Fatalf("ProcessOnce called %d times, want 3", len(runner.starts))
	}
	for i := 1; i < len(runner.starts); i++ {
		// A slow cycle delays the next one by a full interval; none is skipped or started early.
		if gap := runner.starts[i].Sub(runner.ends[i-1]); gap < interval {
			t.Errorf("cycle %d started %v after the previous one ended, want at least %v", i+1, gap, interval)
		}
	}
}
