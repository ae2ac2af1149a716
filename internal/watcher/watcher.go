// Package watcher schedules per-account check cycles on a bounded worker pool.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/mailcode-worker/internal/events"
	"github.com/vipul43/mailcode-worker/internal/models"
	"github.com/vipul43/mailcode-worker/internal/service"
)

var (
	ErrInvalidConcurrency = errors.New("max concurrent monitors must be positive")
	ErrInvalidInterval    = errors.New("monitoring interval must be positive")
	ErrNotMonitored       = errors.New("account is not monitored")
)

// AccountLister returns the accounts that should be monitored on startup
type AccountLister interface {
	ListAuthorized(ctx context.Context) ([]models.MonitoredAccount, error)
}

// Checker runs one check cycle for an account
type Checker interface {
	Check(ctx context.Context, accountID string) service.CheckResult
}

type Config struct {
	MaxConcurrent   int
	DefaultInterval time.Duration
	// DiscoveryInterval is how often authorized accounts are re-listed so that
	// newly authorized ones get picked up. Zero disables discovery.
	DiscoveryInterval time.Duration
}

// MonitorInfo is a point-in-time view of one monitored account
type MonitorInfo struct {
	AccountID   string        `json:"account_id"`
	Interval    time.Duration `json:"interval_ns"`
	Queued      bool          `json:"queued"`
	Running     bool          `json:"running"`
	Cycles      int           `json:"cycles"`
	LastState   service.State `json:"last_state,omitempty"`
	LastCheckAt *time.Time    `json:"last_check_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

type task struct {
	accountID string
	interval  time.Duration
	ticker    *time.Ticker
	stop      chan struct{}

	cycles      int
	lastState   service.State
	lastCheckAt *time.Time
	lastError   string
}

type Watcher struct {
	cfg     Config
	lister  AccountLister
	checker Checker
	sink    events.Sink
	logger  *logrus.Logger
	queue   *runQueue

	mu    sync.Mutex
	tasks map[string]*task
	known map[string]bool
	// starting holds accounts a worker has dequeued but not yet handed to the checker
	starting map[string]chan struct{}
}

func New(cfg Config, lister AccountLister, checker Checker, sink events.Sink, logger *logrus.Logger) (*Watcher, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, cfg.MaxConcurrent)
	}
	if cfg.DefaultInterval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidInterval, cfg.DefaultInterval)
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Watcher{
		cfg:      cfg,
		lister:   lister,
		checker:  checker,
		sink:     sink,
		logger:   logger,
		queue:    newRunQueue(),
		tasks:    make(map[string]*task),
		known:    make(map[string]bool),
		starting: make(map[string]chan struct{}),
	}, nil
}

// Start launches the worker pool, begins monitoring every authorized account
// and runs an immediate first sweep. It blocks until ctx is cancelled, then
// stops every task and waits for in-flight cycles to finish.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.WithField("max_concurrent", w.cfg.MaxConcurrent).Info("Starting monitor scheduler")

	// cycles outlive ctx so a shutdown never interrupts a half-written cycle
	cycleCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < w.cfg.MaxConcurrent; i++ {
		g.Go(func() error {
			w.work(cycleCtx)
			return nil
		})
	}

	if err := w.discover(ctx, true); err != nil {
		w.logger.WithError(err).Warn("Failed to list authorized accounts on startup")
	}

	var discovery <-chan time.Time
	if w.cfg.DiscoveryInterval > 0 {
		ticker := time.NewTicker(w.cfg.DiscoveryInterval)
		defer ticker.Stop()
		discovery = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Monitor scheduler shutting down...")
			w.stopAll(events.ReasonShutdown)
			w.queue.close()
			_ = g.Wait()
			w.logger.Info("Monitor scheduler stopped")
			return ctx.Err()
		case <-discovery:
			if err := w.discover(ctx, false); err != nil {
				w.logger.WithError(err).Warn("Failed to list authorized accounts")
			}
		}
	}
}

// discover starts monitoring authorized accounts that were never seen before
// and queues an immediate cycle for each. The startup sweep covers every
// authorized account.
func (w *Watcher) discover(ctx context.Context, sweep bool) error {
	accounts, err := w.lister.ListAuthorized(ctx)
	if err != nil {
		return fmt.Errorf("failed to list authorized accounts: %w", err)
	}

	started := 0
	for _, account := range accounts {
		w.mu.Lock()
		seen := w.known[account.ID]
		w.mu.Unlock()
		if seen && !sweep {
			continue
		}

		if err := w.StartMonitoring(account.ID, w.cfg.DefaultInterval); err != nil {
			w.logger.WithError(err).WithField("account_id", account.ID).Warn("Failed to start monitoring")
			continue
		}
		started++
		_ = w.TriggerNow(account.ID)
	}

	if started > 0 {
		w.logger.WithField("accounts", started).Info("Monitoring authorized accounts")
	}
	return nil
}

// StartMonitoring schedules a cycle for accountID every interval. Calling it
// for an account that is already monitored only resets the interval.
func (w *Watcher) StartMonitoring(accountID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, interval)
	}

	w.mu.Lock()
	w.known[accountID] = true
	if t, ok := w.tasks[accountID]; ok {
		if t.interval != interval {
			t.interval = interval
			t.ticker.Reset(interval)
		}
		w.mu.Unlock()
		return nil
	}

	t := &task{
		accountID: accountID,
		interval:  interval,
		ticker:    time.NewTicker(interval),
		stop:      make(chan struct{}),
	}
	w.tasks[accountID] = t
	w.mu.Unlock()

	go w.tick(t)

	w.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"interval":   interval.String(),
	}).Info("Monitoring started")
	w.sink.Publish(events.MonitoringStarted(accountID))
	return nil
}

// StopMonitoring cancels the account's schedule. Queued cycles are dropped;
// a cycle already dequeued by a worker is allowed to run, and StopMonitoring
// returns only once that cycle has begun, so no cycle starts afterwards.
func (w *Watcher) StopMonitoring(accountID, reason string) error {
	w.mu.Lock()
	t, ok := w.tasks[accountID]
	if !ok {
		w.mu.Unlock()
		return ErrNotMonitored
	}
	delete(w.tasks, accountID)
	t.ticker.Stop()
	close(t.stop)
	starting := w.starting[accountID]
	w.mu.Unlock()

	w.queue.remove(accountID)
	if starting != nil {
		<-starting
	}

	w.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"reason":     reason,
	}).Info("Monitoring stopped")
	w.sink.Publish(events.MonitoringStopped(accountID, reason))
	return nil
}

// TriggerNow queues an immediate cycle for a monitored account
func (w *Watcher) TriggerNow(accountID string) error {
	if !w.IsMonitoring(accountID) {
		return ErrNotMonitored
	}
	w.queue.push(accountID)
	return nil
}

func (w *Watcher) IsMonitoring(accountID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tasks[accountID]
	return ok
}

// Monitors returns a snapshot of every monitored account ordered by ID
func (w *Watcher) Monitors() []MonitorInfo {
	w.mu.Lock()
	infos := make([]MonitorInfo, 0, len(w.tasks))
	for _, t := range w.tasks {
		infos = append(infos, MonitorInfo{
			AccountID:   t.accountID,
			Interval:    t.interval,
			Cycles:      t.cycles,
			LastState:   t.lastState,
			LastCheckAt: t.lastCheckAt,
			LastError:   t.lastError,
		})
	}
	w.mu.Unlock()

	for i := range infos {
		infos[i].Queued = w.queue.isQueued(infos[i].AccountID)
		infos[i].Running = w.queue.isRunning(infos[i].AccountID)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountID < infos[j].AccountID })
	return infos
}

func (w *Watcher) tick(t *task) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			w.queue.push(t.accountID)
		}
	}
}

func (w *Watcher) work(ctx context.Context) {
	for {
		accountID, ok := w.queue.pop(w.claim)
		if !ok {
			return
		}

		w.begin(accountID)
		result := w.checker.Check(ctx, accountID)
		w.record(accountID, result)

		if w.queue.done(accountID) && w.IsMonitoring(accountID) {
			w.queue.push(accountID)
		}
	}
}

// claim accepts a dequeued account if it is still monitored and marks it as
// starting in the same critical section, so a concurrent StopMonitoring waits
// for the handoff instead of returning ahead of it
func (w *Watcher) claim(accountID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tasks[accountID]; !ok {
		return false
	}
	w.starting[accountID] = make(chan struct{})
	return true
}

// begin releases anyone waiting on the claimed account's handoff
func (w *Watcher) begin(accountID string) {
	w.mu.Lock()
	ch := w.starting[accountID]
	delete(w.starting, accountID)
	w.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (w *Watcher) record(accountID string, result service.CheckResult) {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tasks[accountID]
	if !ok {
		return
	}
	t.cycles++
	t.lastState = result.State
	t.lastCheckAt = &now
	t.lastError = ""
	if result.Err != nil {
		t.lastError = result.Err.Error()
	}
}

func (w *Watcher) stopAll(reason string) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.tasks))
	for id := range w.tasks {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		_ = w.StopMonitoring(id, reason)
	}
}
