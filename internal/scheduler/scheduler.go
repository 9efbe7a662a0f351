// Package scheduler implements the Scheduler: persistent invocation of
// tools at cron schedules, sharing one internal timer per distinct
// (cronExpression, timezone) Timing Group, per spec.md §4.7.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/portel-dev/ncp/pkg/ncperrors"
)

// retentionLimits is the hybrid N-per-task/D-day retention policy of
// spec.md §4.7.
type retentionLimits struct {
	maxPerTask int
	maxAge     time.Duration
}

var defaultRetention = retentionLimits{maxPerTask: 50, maxAge: 30 * 24 * time.Hour}

// defaultCleanupInterval is cleanupSchedule's default cadence (spec.md §4.7:
// "a cleanup task runs on cleanupSchedule, default daily").
const defaultCleanupInterval = 24 * time.Hour

// cleanupIntervalFromEnv resolves cleanupSchedule's cadence, tunable the way
// health.Backoff() tunes its reconnect schedule.
func cleanupIntervalFromEnv() time.Duration {
	if v := os.Getenv("NCP_SCHEDULER_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultCleanupInterval
}

// Scheduler owns every Task and TimingGroup, and the underlying cron.Cron
// engine that fires them. Grounded on the teacher's ticker-based management
// loop in internal/broker/upstream/manager.go, generalized from one ticker
// per upstream to one cron entry per distinct timing signature.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	timings map[string]*TimingGroup

	executionsMu sync.Mutex
	executions   map[string][]*Execution // taskID -> records, newest last

	running      map[string]bool // taskID -> currently executing
	runningMu    sync.Mutex
	cronEntries  map[string]cron.EntryID // "expr|tz" -> cron entry
	engine       *cron.Cron
	invoker      Invoker
	parser       ScheduleParser
	retention    retentionLimits
	path         string
	log          *slog.Logger

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
}

// New creates a Scheduler persisting to <configDir>/schedule.json. invoker
// runs a Task's tool against the Orchestrator Core; parser may be nil if
// natural-language schedule expressions are not used by the caller.
func New(configDir string, invoker Invoker, parser ScheduleParser, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		tasks:           make(map[string]*Task),
		timings:         make(map[string]*TimingGroup),
		executions:      make(map[string][]*Execution),
		running:         make(map[string]bool),
		cronEntries:     make(map[string]cron.EntryID),
		engine:          cron.New(),
		invoker:         invoker,
		parser:          parser,
		retention:       defaultRetention,
		path:            filepath.Join(configDir, "schedule.json"),
		log:             log.With("component", "scheduler.Scheduler"),
		cleanupInterval: cleanupIntervalFromEnv(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the cron engine, registering one entry per distinct
// timing signature and handling catchupMissed semantics for tasks whose
// slot elapsed while the process was down.
func (s *Scheduler) Start() {
	s.mu.RLock()
	for _, tg := range s.timings {
		s.ensureCronEntryLocked(tg)
	}
	s.mu.RUnlock()
	s.engine.Start()

	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()
	for _, t := range tasks {
		if t.CatchupMissed && t.Status == TaskActive && s.missedSlot(t) {
			go s.fire(t.ID)
		}
	}

	s.mu.Lock()
	s.cleanupStop = make(chan struct{})
	s.cleanupDone = make(chan struct{})
	stop, done := s.cleanupStop, s.cleanupDone
	s.mu.Unlock()
	go s.runCleanupLoop(stop, done)
}

// runCleanupLoop runs Sweep on cleanupInterval until stop is closed,
// implementing the periodic cleanup task of spec.md §4.7.
func (s *Scheduler) runCleanupLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-stop:
			return
		}
	}
}

// Stop halts the cron engine, waits for any cron callback still running
// (each one only starts its tasks' goroutines and returns, so task
// executions already in flight are not waited for), and stops the periodic
// cleanup loop. Safe to call on a Scheduler that was never
// Start()-ed.
func (s *Scheduler) Stop() {
	ctx := s.engine.Stop()
	<-ctx.Done()

	s.mu.Lock()
	stop, done := s.cleanupStop, s.cleanupDone
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Scheduler) missedSlot(t *Task) bool {
	if t.LastExecutionAt == nil {
		return true
	}
	tg, ok := s.timings[t.TimingID]
	if !ok {
		return false
	}
	sched, err := parseCron(tg.CronExpression, tg.Timezone)
	if err != nil {
		return false
	}
	next := sched.Next(*t.LastExecutionAt)
	return next.Before(time.Now())
}

func parseCron(expr, timezone string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err == nil {
			return &tzSchedule{sched: sched, loc: loc}, nil
		}
	}
	return sched, nil
}

// tzSchedule wraps a cron.Schedule so Next is evaluated in a specific
// timezone, since cron.Schedule.Next operates on whatever Location its
// input carries.
type tzSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (t *tzSchedule) Next(last time.Time) time.Time {
	return t.sched.Next(last.In(t.loc))
}

func (s *Scheduler) entryKey(tg *TimingGroup) string {
	return tg.CronExpression + "|" + tg.Timezone
}

func (s *Scheduler) ensureCronEntryLocked(tg *TimingGroup) {
	key := s.entryKey(tg)
	if _, ok := s.cronEntries[key]; ok {
		return
	}
	sched, err := parseCron(tg.CronExpression, tg.Timezone)
	if err != nil {
		s.log.Error("invalid cron expression, timing group will not fire", "timing", tg.ID, "error", err)
		return
	}
	id := s.engine.Schedule(sched, cron.FuncJob(func() { s.fireGroup(tg.ID) }))
	s.cronEntries[key] = id
}

// fireGroup enumerates every active task in timing group tgID and starts
// each as an independent invocation, matching the "two tasks sharing a
// timing group fire in parallel" concurrency rule of spec.md §4.7.
func (s *Scheduler) fireGroup(tgID string) {
	s.mu.RLock()
	tg, ok := s.timings[tgID]
	if !ok {
		s.mu.RUnlock()
		return
	}
	taskIDs := append([]string(nil), tg.TaskIDs...)
	s.mu.RUnlock()

	for _, id := range taskIDs {
		go s.fire(id)
	}
}

// fire runs a single task, enforcing fireOnce/maxExecutions/endDate and the
// no-reentrant-execution rule.
func (s *Scheduler) fire(taskID string) {
	s.runningMu.Lock()
	if s.running[taskID] {
		s.runningMu.Unlock()
		s.log.Warn("skipping slot: task still running", "task", taskID)
		s.recordSkip(taskID)
		return
	}
	s.running[taskID] = true
	s.runningMu.Unlock()
	defer func() {
		s.runningMu.Lock()
		delete(s.running, taskID)
		s.runningMu.Unlock()
	}()

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskActive {
		s.mu.Unlock()
		return
	}
	if t.EndDate != nil && !time.Now().Before(*t.EndDate) {
		t.Status = TaskCompleted
		_ = s.save()
		s.mu.Unlock()
		return
	}
	tool, params, timeout := t.Tool, t.Parameters, t.DefaultTimeout
	s.mu.Unlock()

	exec := &Execution{
		ExecutionID: uuid.NewString(),
		TaskID:      taskID,
		StartedAt:   time.Now(),
		Status:      ExecutionRunning,
	}
	s.appendExecution(taskID, exec)

	result, err := s.invoker.Invoke(tool, params, timeout)
	now := time.Now()
	exec.CompletedAt = &now
	if err != nil {
		if ncperrors.IsKind(err, ncperrors.KindTimeout) {
			exec.Status = ExecutionTimeout
		} else {
			exec.Status = ExecutionFailure
		}
		exec.Error = err.Error()
	} else {
		exec.Status = ExecutionSuccess
		exec.Result = result
	}

	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.ExecutionCount++
		t.LastExecutionAt = &now
		if t.FireOnce {
			t.Status = TaskCompleted
		} else if t.MaxExecutions != nil && t.ExecutionCount >= *t.MaxExecutions {
			t.Status = TaskCompleted
		}
	}
	_ = s.save()
	s.mu.Unlock()
}

func (s *Scheduler) recordSkip(taskID string) {
	exec := &Execution{
		ExecutionID: uuid.NewString(),
		TaskID:      taskID,
		StartedAt:   time.Now(),
		Status:      ExecutionFailure,
		Error:       "skipped: previous execution of this task is still running",
	}
	now := time.Now()
	exec.CompletedAt = &now
	s.appendExecution(taskID, exec)
}

func (s *Scheduler) appendExecution(taskID string, exec *Execution) {
	s.executionsMu.Lock()
	s.executions[taskID] = append(s.executions[taskID], exec)
	s.executionsMu.Unlock()
}

// Create validates and adds a new Task, creating its TimingGroup if needed.
func (s *Scheduler) Create(t *Task, tg *TimingGroup) error {
	if err := s.Validate(t, tg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}

	existing, ok := s.timings[tg.ID]
	if !ok {
		// Join a timing group with the same (cronExpression, timezone)
		// signature, so its one cron entry fans out to this task too.
		for _, other := range s.timings {
			if s.entryKey(other) == s.entryKey(tg) {
				existing, ok = other, true
				break
			}
		}
	}
	if !ok {
		if tg.ID == "" {
			tg.ID = uuid.NewString()
		}
		tg.TaskIDs = []string{t.ID}
		s.timings[tg.ID] = tg
		s.ensureCronEntryLocked(tg)
	} else {
		existing.TaskIDs = append(existing.TaskIDs, t.ID)
		tg.ID = existing.ID
	}
	t.TimingID = tg.ID
	s.tasks[t.ID] = t

	return s.save()
}

// Retrieve returns tasks, optionally filtered by timing group ID.
func (s *Scheduler) Retrieve(timingID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if timingID == "" || t.TimingID == timingID {
			out = append(out, t)
		}
	}
	return out
}

// Update applies patch fields to an existing task.
func (s *Scheduler) Update(taskID string, patch func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ncperrors.New(ncperrors.KindNotFound, "task "+taskID+" not found")
	}
	patch(t)
	return s.save()
}

// Delete removes a task, garbage-collecting its timing group if it becomes
// empty, per the invariant in spec.md §3 ("a timing group with no tasks is
// garbage-collected").
func (s *Scheduler) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ncperrors.New(ncperrors.KindNotFound, "task "+taskID+" not found")
	}
	delete(s.tasks, taskID)

	if tg, ok := s.timings[t.TimingID]; ok {
		remaining := tg.TaskIDs[:0]
		for _, id := range tg.TaskIDs {
			if id != taskID {
				remaining = append(remaining, id)
			}
		}
		tg.TaskIDs = remaining
		if len(tg.TaskIDs) == 0 {
			delete(s.timings, tg.ID)
			key := s.entryKey(tg)
			if id, ok := s.cronEntries[key]; ok {
				s.engine.Remove(id)
				delete(s.cronEntries, key)
			}
		}
	}

	s.executionsMu.Lock()
	delete(s.executions, taskID)
	s.executionsMu.Unlock()

	return s.save()
}

// Validate checks a task/timing-group pair for schedulability before it is
// persisted.
func (s *Scheduler) Validate(t *Task, tg *TimingGroup) error {
	if t.Tool == "" {
		return ncperrors.New(ncperrors.KindValidationFailed, "task must name a tool")
	}
	if tg == nil || tg.CronExpression == "" {
		return ncperrors.New(ncperrors.KindValidationFailed, "task must belong to a timing group with a cron expression")
	}
	if _, err := parseCron(tg.CronExpression, tg.Timezone); err != nil {
		return ncperrors.Wrap(ncperrors.KindValidationFailed, "invalid cron expression", err)
	}
	if t.MaxExecutions != nil && *t.MaxExecutions <= 0 {
		return ncperrors.New(ncperrors.KindValidationFailed, "maxExecutions must be positive")
	}
	return nil
}

// Sweep enforces the hybrid N-per-task/D-day retention policy over every
// task's execution records, run on cleanupSchedule (spec.md §4.7).
func (s *Scheduler) Sweep() {
	cutoff := time.Now().Add(-s.retention.maxAge)
	s.executionsMu.Lock()
	defer s.executionsMu.Unlock()
	for taskID, records := range s.executions {
		kept := make([]*Execution, 0, len(records))
		for _, r := range records {
			if r.StartedAt.After(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) > s.retention.maxPerTask {
			kept = kept[len(kept)-s.retention.maxPerTask:]
		}
		s.executions[taskID] = kept
	}
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path) //nolint:gosec // operator-controlled config directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ncperrors.Wrap(ncperrors.KindInternal, "read schedule file", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return ncperrors.Wrap(ncperrors.KindValidationFailed, "parse schedule file", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Tasks != nil {
		s.tasks = doc.Tasks
	}
	if doc.Timings != nil {
		s.timings = doc.Timings
	}
	return nil
}

// save persists the current task/timing set via write-ahead then atomic
// rename, per spec.md §5 ("Scheduler persistence — write-ahead update then
// atomic rename"). Caller must hold s.mu.
func (s *Scheduler) save() error {
	doc := document{Version: scheduleVersion, Tasks: s.tasks, Timings: s.timings}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "marshal schedule document", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "write schedule temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "rename schedule file", err)
	}
	return nil
}
