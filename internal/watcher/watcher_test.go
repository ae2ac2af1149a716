package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailcode-worker/internal/events"
	"github.com/vipul43/mailcode-worker/internal/models"
	"github.com/vipul43/mailcode-worker/internal/service"
)

type fakeLister struct {
	listFunc func(ctx context.Context) ([]models.MonitoredAccount, error)
}

func (f *fakeLister) ListAuthorized(ctx context.Context) ([]models.MonitoredAccount, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx)
	}
	return nil, nil
}

func listOf(ids ...string) *fakeLister {
	return &fakeLister{listFunc: func(ctx context.Context) ([]models.MonitoredAccount, error) {
		accounts := make([]models.MonitoredAccount, 0, len(ids))
		for _, id := range ids {
			accounts = append(accounts, models.MonitoredAccount{ID: id, Status: models.StatusAuthorized})
		}
		return accounts, nil
	}}
}

type fakeChecker struct {
	checkFunc func(ctx context.Context, accountID string) service.CheckResult

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeChecker) Check(ctx context.Context, accountID string) service.CheckResult {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[accountID]++
	f.mu.Unlock()

	if f.checkFunc != nil {
		return f.checkFunc(ctx, accountID)
	}
	return service.CheckResult{State: service.StateIdle}
}

func (f *fakeChecker) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

func (f *fakeChecker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) ofKind(kind events.Kind) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestWatcher(t *testing.T, maxConcurrent int, lister AccountLister, checker Checker, sink events.Sink) *Watcher {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w, err := New(Config{MaxConcurrent: maxConcurrent, DefaultInterval: time.Hour}, lister, checker, sink, logger)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	return w
}

// runWatcher starts w in the background and returns a stop function that
// cancels it and waits for Start to return
func runWatcher(t *testing.T, w *Watcher) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"zero concurrency", Config{MaxConcurrent: 0, DefaultInterval: time.Second}, ErrInvalidConcurrency},
		{"negative concurrency", Config{MaxConcurrent: -2, DefaultInterval: time.Second}, ErrInvalidConcurrency},
		{"zero interval", Config{MaxConcurrent: 1}, ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, &fakeLister{}, &fakeChecker{}, nil, logrus.New())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStart_SweepsAuthorizedAccounts(t *testing.T) {
	checker := &fakeChecker{}
	sink := &recordingSink{}
	w := newTestWatcher(t, 2, listOf("acc-1", "acc-2", "acc-3"), checker, sink)

	stop := runWatcher(t, w)
	waitFor(t, "initial sweep", func() bool { return checker.total() == 3 })

	if len(sink.ofKind(events.KindMonitoringStarted)) != 3 {
		t.Errorf("Expected 3 monitoringStarted events, got %d", len(sink.ofKind(events.KindMonitoringStarted)))
	}
	if got := len(w.Monitors()); got != 3 {
		t.Errorf("Expected 3 monitors, got %d", got)
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestStart_ConcurrencyBound(t *testing.T) {
	const maxConcurrent = 3
	var inFlight, peak int32
	release := make(chan struct{})

	checker := &fakeChecker{checkFunc: func(ctx context.Context, accountID string) service.CheckResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return service.CheckResult{State: service.StateIdle}
	}}

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("acc-%02d", i)
	}
	w := newTestWatcher(t, maxConcurrent, listOf(ids...), checker, nil)

	stop := runWatcher(t, w)
	waitFor(t, "pool to fill", func() bool { return atomic.LoadInt32(&inFlight) == maxConcurrent })

	// give extra workers a chance to misbehave
	time.Sleep(50 * time.Millisecond)
	if p := atomic.LoadInt32(&peak); p > maxConcurrent {
		t.Fatalf("Expected at most %d concurrent cycles, saw %d", maxConcurrent, p)
	}

	close(release)
	waitFor(t, "all accounts checked", func() bool { return checker.total() == len(ids) })
	_ = stop()

	if p := atomic.LoadInt32(&peak); p > maxConcurrent {
		t.Errorf("Expected at most %d concurrent cycles, saw %d", maxConcurrent, p)
	}
}

func TestStopMonitoring_DropsQueuedCycle(t *testing.T) {
	checker := &fakeChecker{}
	sink := &recordingSink{}
	w := newTestWatcher(t, 1, &fakeLister{}, checker, sink)

	if err := w.StartMonitoring("acc-1", time.Hour); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := w.TriggerNow("acc-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := w.StopMonitoring("acc-1", events.ReasonRequested); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	stop := runWatcher(t, w)
	time.Sleep(50 * time.Millisecond)
	_ = stop()

	if n := checker.count("acc-1"); n != 0 {
		t.Errorf("Expected no cycle after stop, got %d", n)
	}

	stopped := sink.ofKind(events.KindMonitoringStopped)
	if len(stopped) != 1 || stopped[0].Reason != events.ReasonRequested {
		t.Errorf("Expected one monitoringStopped with reason requested, got %+v", stopped)
	}
}

func TestStartMonitoring_Idempotent(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWatcher(t, 1, &fakeLister{}, &fakeChecker{}, sink)
	defer w.stopAll(events.ReasonShutdown)

	if err := w.StartMonitoring("acc-1", time.Hour); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := w.StartMonitoring("acc-1", 30*time.Minute); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	monitors := w.Monitors()
	if len(monitors) != 1 {
		t.Fatalf("Expected 1 monitor, got %d", len(monitors))
	}
	if monitors[0].Interval != 30*time.Minute {
		t.Errorf("Expected interval reset to 30m, got %s", monitors[0].Interval)
	}
	if n := len(sink.ofKind(events.KindMonitoringStarted)); n != 1 {
		t.Errorf("Expected 1 monitoringStarted event, got %d", n)
	}

	if err := w.StartMonitoring("acc-1", 0); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("Expected ErrInvalidInterval, got %v", err)
	}
}

func TestStartMonitoring_IntervalTicks(t *testing.T) {
	checker := &fakeChecker{}
	w := newTestWatcher(t, 1, &fakeLister{}, checker, nil)

	stop := runWatcher(t, w)
	if err := w.StartMonitoring("acc-1", 10*time.Millisecond); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	waitFor(t, "repeated cycles", func() bool { return checker.count("acc-1") >= 3 })
	_ = stop()

	n := checker.count("acc-1")
	time.Sleep(40 * time.Millisecond)
	if checker.count("acc-1") != n {
		t.Error("Expected no cycles after shutdown")
	}
}

func TestTriggerNow_DuringRunningCycleRunsOnceMore(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var first int32

	checker := &fakeChecker{checkFunc: func(ctx context.Context, accountID string) service.CheckResult {
		started <- struct{}{}
		if atomic.AddInt32(&first, 1) == 1 {
			<-release
		}
		return service.CheckResult{State: service.StateIdle}
	}}
	w := newTestWatcher(t, 4, listOf("acc-1"), checker, nil)

	stop := runWatcher(t, w)
	<-started

	// several triggers while running collapse into a single rerun
	for i := 0; i < 3; i++ {
		if err := w.TriggerNow("acc-1"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if n := checker.count("acc-1"); n != 1 {
		t.Fatalf("Expected cycles never to overlap, got %d", n)
	}

	close(release)
	waitFor(t, "rerun", func() bool { return checker.count("acc-1") == 2 })
	time.Sleep(30 * time.Millisecond)
	_ = stop()

	if n := checker.count("acc-1"); n != 2 {
		t.Errorf("Expected exactly 2 cycles, got %d", n)
	}
}

func TestTriggerNow_NotMonitored(t *testing.T) {
	w := newTestWatcher(t, 1, &fakeLister{}, &fakeChecker{}, nil)

	if err := w.TriggerNow("missing"); !errors.Is(err, ErrNotMonitored) {
		t.Errorf("Expected ErrNotMonitored, got %v", err)
	}
	if err := w.StopMonitoring("missing", events.ReasonRequested); !errors.Is(err, ErrNotMonitored) {
		t.Errorf("Expected ErrNotMonitored, got %v", err)
	}
}

func TestStart_ShutdownStopsTasksAndWaitsForCycles(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})
	var finished, cancelledInside int32

	checker := &fakeChecker{checkFunc: func(ctx context.Context, accountID string) service.CheckResult {
		close(running)
		<-release
		if ctx.Err() != nil {
			atomic.StoreInt32(&cancelledInside, 1)
		}
		atomic.StoreInt32(&finished, 1)
		return service.CheckResult{State: service.StateIdle}
	}}
	sink := &recordingSink{}
	w := newTestWatcher(t, 1, listOf("acc-1"), checker, sink)

	stop := runWatcher(t, w)
	<-running

	done := make(chan error, 1)
	go func() { done <- stop() }()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Expected Start to wait for the in-flight cycle")
	default:
	}

	close(release)
	<-done

	if atomic.LoadInt32(&finished) != 1 {
		t.Error("Expected in-flight cycle to finish")
	}
	if atomic.LoadInt32(&cancelledInside) != 0 {
		t.Error("Expected cycle context to survive shutdown")
	}

	stopped := sink.ofKind(events.KindMonitoringStopped)
	if len(stopped) != 1 || stopped[0].Reason != events.ReasonShutdown {
		t.Errorf("Expected monitoringStopped with reason shutdown, got %+v", stopped)
	}
	if len(w.Monitors()) != 0 {
		t.Error("Expected no monitors after shutdown")
	}
}

func TestStart_DiscoversNewlyAuthorizedAccounts(t *testing.T) {
	var mu sync.Mutex
	ids := []string{"acc-1"}
	lister := &fakeLister{listFunc: func(ctx context.Context) ([]models.MonitoredAccount, error) {
		mu.Lock()
		defer mu.Unlock()
		var accounts []models.MonitoredAccount
		for _, id := range ids {
			accounts = append(accounts, models.MonitoredAccount{ID: id, Status: models.StatusAuthorized})
		}
		return accounts, nil
	}}

	checker := &fakeChecker{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w, err := New(Config{MaxConcurrent: 1, DefaultInterval: time.Hour, DiscoveryInterval: 10 * time.Millisecond},
		lister, checker, nil, logger)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	stop := runWatcher(t, w)
	waitFor(t, "first account", func() bool { return checker.count("acc-1") == 1 })

	mu.Lock()
	ids = append(ids, "acc-2")
	mu.Unlock()

	waitFor(t, "discovered account", func() bool { return checker.count("acc-2") == 1 })
	time.Sleep(40 * time.Millisecond)
	_ = stop()

	if n := checker.count("acc-1"); n != 1 {
		t.Errorf("Expected known account not to be re-triggered by discovery, got %d cycles", n)
	}
}

func TestStart_ListFailureKeepsRunning(t *testing.T) {
	lister := &fakeLister{listFunc: func(ctx context.Context) ([]models.MonitoredAccount, error) {
		return nil, errors.New("connection refused")
	}}
	checker := &fakeChecker{}
	w := newTestWatcher(t, 1, lister, checker, nil)

	stop := runWatcher(t, w)
	if err := w.StartMonitoring("acc-1", time.Hour); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_ = w.TriggerNow("acc-1")
	waitFor(t, "manual trigger", func() bool { return checker.count("acc-1") == 1 })
	_ = stop()
}

func TestStopMonitoring_WaitsForClaimedCycleToBegin(t *testing.T) {
	w := newTestWatcher(t, 1, &fakeLister{}, &fakeChecker{}, nil)

	if err := w.StartMonitoring("acc-1", time.Hour); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	w.queue.push("acc-1")

	// a worker has dequeued the account but not yet called the checker
	accountID, ok := w.queue.pop(w.claim)
	if !ok || accountID != "acc-1" {
		t.Fatalf("Expected acc-1 to be claimed, got %q %v", accountID, ok)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.StopMonitoring("acc-1", events.ReasonRequested) }()

	select {
	case <-stopped:
		t.Fatal("Expected StopMonitoring to wait for the claimed cycle to begin")
	case <-time.After(30 * time.Millisecond):
	}

	w.begin("acc-1")
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("StopMonitoring did not return after the cycle began")
	}

	// once stopped, a later dequeue is rejected
	w.queue.done("acc-1")
	if w.claim("acc-1") {
		t.Error("Expected stopped account not to be claimed")
	}
}
