package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store abstracts the persistence layer used by the execution engine. It
// is the only shared mutable state between workers; all cross-worker
// coordination happens through its lease operations.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	ListTriggerTasks(ctx context.Context, source string) ([]*Task, error)
	ListRunningTasks(ctx context.Context) ([]*Task, error)
	TryAcquireLease(ctx context.Context, id, holder string, now time.Time) (bool, error)
	SettleTask(ctx context.Context, id, holder string, settle TaskSettle) error
	RecoverTask(ctx context.Context, id string, now time.Time, reason string) error
	CancelTask(ctx context.Context, id string) error

	// Execution operations
	InsertExecution(ctx context.Context, exec *Execution) error
	MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error
	FinishExecution(ctx context.Context, id string, status ExecutionStatus, completedAt time.Time, result, errMsg *string, durationMs *int64) error
	AppendExecutionLog(ctx context.Context, executionID string, ts time.Time, line string) error
	PruneExecutions(ctx context.Context, taskID string, keep int) error
}

// Notifier receives chain outcomes. The engine calls it asynchronously;
// a notification error never changes task state.
type Notifier interface {
	Notify(ctx context.Context, event NotifyEvent, task *Task, exec *Execution) error
}

// notifyTimeout bounds a single notification delivery.
const notifyTimeout = 30 * time.Second

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	PollInterval   time.Duration
	Workers        int // bound on concurrent action invocations
	QueueSize      int // dispatch buffer between poller and workers
	DefaultTimeout time.Duration // invocation bound for tasks without their own
	CancelGrace    time.Duration // wait after a cancel signal before forcing settle
	LeaseGrace     time.Duration // slack on top of the timeout when judging stale leases
	HistoryKeep    int // executions retained per task; 0 keeps all
	TriggerRPS     float64
	TriggerBurst   int
	Holder         string // lease holder tag; defaults to hostname-pid
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2 * c.Workers
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	if c.TriggerRPS <= 0 {
		c.TriggerRPS = 2
	}
	if c.TriggerBurst <= 0 {
		c.TriggerBurst = 4
	}
	if c.Holder == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "taskmill"
		}
		c.Holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

// dispatch is one leased task on its way to a worker.
type dispatch struct {
	task        *Task
	triggeredBy string
	vars        map[string]any
	cancelled   bool // cancel arrived while queued; guarded by Engine.cancelMu
}

// Engine polls the store for due tasks, acquires execution leases, runs
// actions through the invoker with bounded concurrency and timeouts,
// records executions, and re-arms schedules.
type Engine struct {
	store    Store
	invoker  Invoker
	notifier Notifier
	logger   *slog.Logger
	cfg      EngineConfig

	// now is the engine clock; replaced in tests.
	now func() time.Time

	taskCh   chan *dispatch
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// cancelMu guards both maps: cancels reaches in-flight invocations,
	// pending tracks every lease this process holds from dispatch until
	// settle, so the recovery sweep never reclaims its own queued work.
	cancelMu sync.Mutex
	cancels  map[string]*cancelHandle
	pending  map[string]*dispatch

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// cancelHandle reaches one in-flight invocation. requested distinguishes
// an admin cancel from a shutdown or timeout cancel.
type cancelHandle struct {
	cancel    context.CancelFunc
	requested bool
}

// NewEngine constructs an engine. notifier may be nil.
func NewEngine(store Store, invoker Invoker, notifier Notifier, logger *slog.Logger, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:    store,
		invoker:  invoker,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		taskCh:   make(chan *dispatch, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		cancels:  make(map[string]*cancelHandle),
		pending:  make(map[string]*dispatch),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start recovers abandoned leases from a previous process, then launches
// the worker pool and the poll loop. It returns immediately; ctx is used
// for all background store and invoker operations.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recoverAbandoned(ctx); err != nil {
		return err
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.pollLoop(ctx)
	return nil
}

// Stop drains the engine: polling stops, workers finish what they hold up
// to grace, then remaining invocations are force-cancelled. Tasks still
// queued but never started are released back to active so no lease
// outlives the process.
func (e *Engine) Stop(grace time.Duration) {
	e.stopOnce.Do(func() { close(e.stopCh) })
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.cancelAllInFlight()
		select {
		case <-done:
		case <-time.After(e.cfg.CancelGrace + time.Second):
		}
	}
	e.drainQueued()
}

func (e *Engine) drainQueued() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case d := <-e.taskCh:
			e.untrackDispatch(d.task.ID)
			e.releaseUnrun(ctx, d)
		default:
			return
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	e.sweep(ctx)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	if err := e.recoverAbandoned(ctx); err != nil {
		e.logger.Error("recover abandoned leases", "err", err)
	}
	e.pollOnce(ctx)
}

// pollOnce claims due tasks and hands them to the pool. A failed lease
// acquisition means another worker got there first; the poller moves on.
// Returns the number dispatched.
func (e *Engine) pollOnce(ctx context.Context) int {
	now := e.now()
	due, err := e.store.ListDueTasks(ctx, now, e.cfg.QueueSize)
	if err != nil {
		e.logger.Error("list due tasks", "err", err)
		return 0
	}
	dispatched := 0
	for _, task := range due {
		// A trigger task only becomes due through a retry re-arm or a
		// shutdown interrupt; keep its originating source on the record.
		triggeredBy := TriggeredBySchedule
		if task.Kind == KindTrigger && task.Schedule.Trigger != "" {
			triggeredBy = task.Schedule.Trigger
		}
		if e.dispatchTask(ctx, task, triggeredBy, nil) {
			dispatched++
		}
	}
	return dispatched
}

// dispatchTask acquires the task's lease and queues it for a worker.
// When the pool is saturated the lease is released again so the task
// stays due for a later poll instead of sitting claimed in a queue.
func (e *Engine) dispatchTask(ctx context.Context, task *Task, triggeredBy string, vars map[string]any) bool {
	ok, err := e.store.TryAcquireLease(ctx, task.ID, e.cfg.Holder, e.now())
	if err != nil {
		e.logger.Error("acquire lease", "task_id", task.ID, "err", err)
		return false
	}
	if !ok {
		return false
	}
	task.Status = TaskStatusRunning
	d := &dispatch{task: task, triggeredBy: triggeredBy, vars: vars}
	e.trackDispatch(d)
	select {
	case e.taskCh <- d:
		return true
	default:
		e.logger.Warn("worker pool saturated, releasing task", "task_id", task.ID)
		e.untrackDispatch(task.ID)
		e.releaseUnrun(ctx, d)
		return false
	}
}

// releaseUnrun returns a leased task to active without recording an
// execution. Its due time is untouched, so the next poll reclaims it.
func (e *Engine) releaseUnrun(ctx context.Context, d *dispatch) {
	settle := TaskSettle{
		Status:    TaskStatusActive,
		NextRunAt: d.task.NextRunAt,
		Attempt:   d.task.Attempt,
	}
	if err := e.store.SettleTask(ctx, d.task.ID, e.cfg.Holder, settle); err != nil {
		e.logger.Error("release unrun task", "task_id", d.task.ID, "err", err)
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case d := <-e.taskCh:
			e.runTask(ctx, d)
		}
	}
}

// RunNow dispatches an immediate ad-hoc execution outside the normal
// schedule, still subject to lease exclusivity. Returns false when the
// task is not active, already running, or the pool is saturated.
func (e *Engine) RunNow(ctx context.Context, id string, vars map[string]any) (bool, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return e.dispatchTask(ctx, task, TriggeredByManual, vars), nil
}

// FireTrigger matches an arrived trigger event against active trigger
// tasks for the source and feeds each match through the lease pipeline.
// Events are debounced per source; a debounced event dispatches nothing.
func (e *Engine) FireTrigger(ctx context.Context, source string, vars map[string]any) (int, error) {
	if !e.allowTrigger(source) {
		e.logger.Debug("trigger debounced", "source", source)
		return 0, nil
	}
	tasks, err := e.store.ListTriggerTasks(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("list trigger tasks: %w", err)
	}
	dispatched := 0
	for _, task := range tasks {
		if e.dispatchTask(ctx, task, source, vars) {
			dispatched++
		}
	}
	return dispatched, nil
}

func (e *Engine) allowTrigger(source string) bool {
	e.limMu.Lock()
	lim, ok := e.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.cfg.TriggerRPS), e.cfg.TriggerBurst)
		e.limiters[source] = lim
	}
	e.limMu.Unlock()
	return lim.Allow()
}

// CancelTask cancels a task. A running task has its in-flight invocation
// signalled and drains to cancelled within the grace period; a leased
// task still waiting for a worker is drained without ever invoking; an
// idle task is parked immediately.
func (e *Engine) CancelTask(ctx context.Context, id string) error {
	if e.requestCancel(id) {
		return nil
	}
	return e.store.CancelTask(ctx, id)
}

// recoverAbandoned reclaims leases whose holder is gone: any running task
// not held by this process, queued or in flight, whose lease has outlived
// the task's timeout plus the grace margin gets a synthetic timeout
// execution and an immediate due time.
func (e *Engine) recoverAbandoned(ctx context.Context) error {
	running, err := e.store.ListRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	now := e.now()
	for _, task := range running {
		if e.locallyHeld(task.ID) {
			continue
		}
		if task.LeaseAcquiredAt != nil {
			deadline := task.LeaseAcquiredAt.Add(e.effectiveTimeout(task) + e.cfg.LeaseGrace)
			if now.Before(deadline) {
				continue
			}
		}
		if err := e.store.RecoverTask(ctx, task.ID, now, "abandoned lease recovered"); err != nil {
			e.logger.Error("recover task", "task_id", task.ID, "err", err)
			continue
		}
		e.logger.Warn("recovered abandoned lease", "task_id", task.ID, "holder", strOrEmpty(task.LeaseHolder))
	}
	return nil
}

func (e *Engine) effectiveTimeout(task *Task) time.Duration {
	if task.TimeoutSeconds != nil && *task.TimeoutSeconds > 0 {
		return time.Duration(*task.TimeoutSeconds) * time.Second
	}
	return e.cfg.DefaultTimeout
}

func (e *Engine) registerCancel(taskID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.cancels[taskID] = &cancelHandle{cancel: cancel}
}

func (e *Engine) clearCancel(taskID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.cancels, taskID)
}

func (e *Engine) trackDispatch(d *dispatch) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.pending[d.task.ID] = d
}

func (e *Engine) untrackDispatch(taskID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.pending, taskID)
}

// locallyHeld reports whether this process owns the task's lease, either
// as a queued dispatch or an in-flight invocation.
func (e *Engine) locallyHeld(taskID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if _, ok := e.cancels[taskID]; ok {
		return true
	}
	_, ok := e.pending[taskID]
	return ok
}

func (e *Engine) dispatchCancelled(d *dispatch) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return d.cancelled
}

// requestCancel signals the task's local dispatch, if any: an in-flight
// invocation is cancelled, a still-queued dispatch is flagged so its
// worker settles it without invoking.
func (e *Engine) requestCancel(taskID string) bool {
	e.cancelMu.Lock()
	if h, ok := e.cancels[taskID]; ok {
		h.requested = true
		e.cancelMu.Unlock()
		h.cancel()
		return true
	}
	if d, ok := e.pending[taskID]; ok {
		d.cancelled = true
		e.cancelMu.Unlock()
		return true
	}
	e.cancelMu.Unlock()
	return false
}

func (e *Engine) cancelRequested(taskID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	h, ok := e.cancels[taskID]
	return ok && h.requested
}

// cancelAllInFlight force-cancels every in-flight invocation without the
// requested flag, so workers settle their tasks back to active for
// re-execution after restart.
func (e *Engine) cancelAllInFlight() {
	e.cancelMu.Lock()
	handles := make([]*cancelHandle, 0, len(e.cancels))
	for _, h := range e.cancels {
		handles = append(handles, h)
	}
	e.cancelMu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// notifyAsync delivers a chain outcome without ever blocking or failing
// the task that produced it.
func (e *Engine) notifyAsync(event NotifyEvent, task *Task, exec *Execution) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, event, task, exec); err != nil {
			e.logger.Warn("notify", "task_id", task.ID, "event", string(event), "err", err)
		}
	}()
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
