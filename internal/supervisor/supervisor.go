// Package supervisor runs the iterative batch-select/launch/await loop:
// C5 Worker Supervisor. It bounds parallelism with a weighted semaphore,
// awaits a batch with errgroup, streams and parses worker output, and
// applies the timeout, retry, and skip policies from spec.md §4.5.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/internal/applog"
	"github.com/taskforge/orchestrator/internal/eventbus"
	"github.com/taskforge/orchestrator/internal/planmodel"
	"github.com/taskforge/orchestrator/internal/scheduler"
	"github.com/taskforge/orchestrator/internal/statemodel"
	"github.com/taskforge/orchestrator/internal/worker"
)

const (
	defaultMaxParallel    = 5
	defaultTimeoutPerTask = 600 * time.Second
	defaultGracePeriod    = 5 * time.Second
)

// Options tunes one Supervisor's run.
type Options struct {
	MaxParallel    int
	MaxIterations  int
	TimeoutPerTask time.Duration
	StuckThreshold time.Duration
	PhasePriority  bool
	MaxBatch       int
	GracePeriod    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = defaultMaxParallel
	}
	if o.TimeoutPerTask <= 0 {
		o.TimeoutPerTask = defaultTimeoutPerTask
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	return o
}

// RunReport summarizes one RunOnce batch.
type RunReport struct {
	BatchTaskIDs []string
	Completed    []string
	Failed       []string
	Skipped      []string
	Done         bool
}

// Supervisor owns one plan's execution loop.
type Supervisor struct {
	plan    *planmodel.Plan
	model   *statemodel.Model
	bus     *eventbus.Bus
	adapter worker.Adapter
	workDir string
	opts    Options
	log     applog.Logger

	paused   atomic.Bool
	shutdown atomic.Bool
}

// New returns a Supervisor for plan, backed by model for state and adapter
// to launch workers.
func New(plan *planmodel.Plan, model *statemodel.Model, bus *eventbus.Bus, adapter worker.Adapter, workDir string, opts Options) *Supervisor {
	return &Supervisor{
		plan:    plan,
		model:   model,
		bus:     bus,
		adapter: adapter,
		workDir: workDir,
		opts:    opts.withDefaults(),
		log:     applog.WithPlan(applog.For("supervisor"), plan.ID),
	}
}

// Pause sets the pause gate, consulted between batches (not mid-batch).
func (s *Supervisor) Pause() { s.paused.Store(true) }

// Resume clears the pause gate.
func (s *Supervisor) Resume() { s.paused.Store(false) }

// RequestShutdown sets the cancellation flag consulted between batches.
func (s *Supervisor) RequestShutdown() { s.shutdown.Store(true) }

// Loop repeatedly calls RunOnce until the plan is done, max_iterations is
// reached, a shutdown is requested, or ctx is cancelled.
func (s *Supervisor) Loop(ctx context.Context) error {
	runID := uuid.NewString()
	if err := s.model.StartRun(ctx, runID); err != nil {
		return fmt.Errorf("supervisor: start run: %w", err)
	}
	var tasksCompleted, tasksFailed int

	iterations := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if s.shutdown.Load() {
			s.publish("orchestrator.shutdown", nil)
			break
		}
		if s.paused.Load() {
			s.publish("orchestrator.paused", nil)
			select {
			case <-ctx.Done():
				break
			case <-time.After(time.Second):
			}
			continue
		}
		if s.opts.MaxIterations > 0 && iterations >= s.opts.MaxIterations {
			s.publish("orchestrator.max_iterations_reached", map[string]interface{}{"max": s.opts.MaxIterations})
			break
		}
		iterations++

		report, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		tasksCompleted += len(report.Completed)
		tasksFailed += len(report.Failed)
		if report.Done {
			break
		}
	}

	return s.model.CompleteRun(context.Background(), runID, tasksCompleted, tasksFailed)
}

// RunOnce performs the stuck sweep, the skip cascade, selects one batch,
// launches workers for it, awaits completion, applies the retry policy, and
// returns a report. Done is true when no tasks remain pending/in_progress.
func (s *Supervisor) RunOnce(ctx context.Context) (*RunReport, error) {
	if _, err := s.model.SweepStuck(ctx, s.opts.StuckThreshold); err != nil {
		return nil, fmt.Errorf("supervisor: stuck sweep: %w", err)
	}

	status := s.model.Cached()
	if status == nil {
		loaded, _, err := s.model.Load(ctx, s.plan)
		if err != nil {
			return nil, err
		}
		status = loaded
	}

	if err := s.applySkipCascade(ctx, status); err != nil {
		return nil, err
	}
	status = s.model.Cached()

	batch := scheduler.NextBatch(s.plan, status, scheduler.Options{
		PhasePriority: s.opts.PhasePriority,
		MaxBatch:      s.opts.MaxBatch,
	})

	report := &RunReport{BatchTaskIDs: batch}

	if len(batch) == 0 {
		report.Done = !anyOutstanding(status)
		if !report.Done {
			// Nothing ready this round (e.g. all remaining work is gated or
			// in_progress elsewhere) but the plan isn't finished; the caller's
			// loop will try again next iteration.
		}
		return report, nil
	}

	if err := s.markInProgress(ctx, batch); err != nil {
		return nil, err
	}
	s.publish("batch.started", map[string]interface{}{"task_ids": batch})

	results := s.launchBatch(ctx, batch)

	for taskID, res := range results {
		if res.ok {
			report.Completed = append(report.Completed, taskID)
		} else {
			report.Failed = append(report.Failed, taskID)
		}
	}
	s.publish("batch.completed", map[string]interface{}{
		"completed": report.Completed,
		"failed":    report.Failed,
	})

	if err := s.applyRetryPolicy(ctx, report.Failed); err != nil {
		return nil, err
	}

	finalStatus := s.model.Cached()
	report.Done = !anyOutstanding(finalStatus)
	return report, nil
}

func anyOutstanding(status *statemodel.Status) bool {
	for _, t := range status.Tasks {
		if t.Status == statemodel.StatusPending || t.Status == statemodel.StatusInProgress {
			return true
		}
	}
	return false
}

func (s *Supervisor) markInProgress(ctx context.Context, batch []string) error {
	for _, taskID := range batch {
		startedAt := time.Now().UTC().Format(time.RFC3339)
		_, err := s.model.UpdateTask(ctx, taskID, func(t *statemodel.TaskState) {
			t.Status = statemodel.StatusInProgress
			t.StartedAt = &startedAt
		})
		if err != nil {
			return fmt.Errorf("supervisor: mark %s in_progress: %w", taskID, err)
		}
		s.publish("task.started", map[string]interface{}{"task_id": taskID})
	}
	return nil
}

type taskResult struct {
	ok      bool
	message string
}

// launchBatch spawns one worker process per task, bounded by a weighted
// semaphore sized to max_parallel, and awaits the whole batch with errgroup
// before returning.
func (s *Supervisor) launchBatch(ctx context.Context, batch []string) map[string]taskResult {
	sem := semaphore.NewWeighted(int64(s.opts.MaxParallel))
	results := make(map[string]taskResult, len(batch))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, taskID := range batch {
		taskID := taskID
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil // context cancelled; task stays in_progress for the next stuck sweep
			}
			defer sem.Release(1)

			res := s.runTask(gctx, taskID)
			mu.Lock()
			results[taskID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runTask launches one worker process for taskID, applies the per-task
// timeout, streams its output, and transitions the task on completion.
func (s *Supervisor) runTask(ctx context.Context, taskID string) taskResult {
	task := s.plan.Tasks[taskID]
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := s.adapter.Launch(taskCtx, worker.LaunchOptions{
		WorkDir:  s.workDir,
		PlanPath: s.plan.Path,
		Tasks:    []worker.Assignment{{TaskID: task.ID, Description: task.Description}},
	})
	if err != nil {
		s.failTask(ctx, taskID, fmt.Sprintf("failed to launch worker: %v", err))
		return taskResult{ok: false, message: err.Error()}
	}
	s.publish("worker.spawned", map[string]interface{}{"task_id": taskID})

	timer := time.NewTimer(s.opts.TimeoutPerTask)
	defer timer.Stop()

	resultCh := make(chan taskResult, 1)
	go s.streamEvents(handle, taskID, resultCh)

	select {
	case res := <-resultCh:
		s.publish("worker.exited", map[string]interface{}{"task_id": taskID})
		return res
	case <-timer.C:
		_ = handle.Terminate(s.opts.GracePeriod)
		s.failTask(ctx, taskID, "timeout")
		s.publish("worker.exited", map[string]interface{}{"task_id": taskID, "reason": "timeout"})
		return taskResult{ok: false, message: "timeout"}
	case <-ctx.Done():
		_ = handle.Terminate(s.opts.GracePeriod)
		return taskResult{ok: false, message: "cancelled"}
	}
}

// streamEvents consumes one worker's event stream, publishing bus events for
// every marker and forwarding unparsed lines as worker.stdout, then resolves
// resultCh once TASK_END for taskID arrives or the process exits without one.
func (s *Supervisor) streamEvents(handle worker.Handle, taskID string, resultCh chan<- taskResult) {
	var ended bool
	var final taskResult

	for ev := range handle.Events() {
		switch ev.Type {
		case worker.EventTaskBegin:
			s.publish("task.worker_begin", map[string]interface{}{"task_id": ev.TaskID})
		case worker.EventToolUse:
			s.publish("worker.tool_use", map[string]interface{}{"task_id": taskID, "tool": ev.Tool})
		case worker.EventTaskEnd:
			ended = true
			final = taskResult{ok: ev.OK, message: ev.Message}
			if ev.OK {
				s.completeTask(context.Background(), ev.TaskID, ev.Message)
			} else {
				s.failTask(context.Background(), ev.TaskID, ev.Message)
			}
		case worker.EventStdout:
			s.publish("worker.stdout", map[string]interface{}{"task_id": taskID, "line": ev.Raw})
		}
	}

	if err := handle.Wait(); err != nil && !ended {
		s.failTask(context.Background(), taskID, "worker_exit_without_result")
		resultCh <- taskResult{ok: false, message: "worker_exit_without_result"}
		return
	}
	if !ended {
		s.failTask(context.Background(), taskID, "worker_exit_without_result")
		final = taskResult{ok: false, message: "worker_exit_without_result"}
	}
	resultCh <- final
}

func (s *Supervisor) completeTask(ctx context.Context, taskID, message string) {
	completedAt := time.Now().UTC().Format(time.RFC3339)
	_, err := s.model.UpdateTask(ctx, taskID, func(t *statemodel.TaskState) {
		t.Status = statemodel.StatusCompleted
		t.CompletedAt = &completedAt
		if t.StartedAt != nil {
			if started, perr := time.Parse(time.RFC3339, *t.StartedAt); perr == nil {
				ms := time.Since(started).Milliseconds()
				t.DurationMS = &ms
			}
		}
		if message != "" {
			t.Notes = &message
		}
	})
	if err != nil {
		s.log.Warning().Err(err).Str("task_id", taskID).Log("supervisor.complete_task_failed")
	}
}

func (s *Supervisor) failTask(ctx context.Context, taskID, reason string) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.model.UpdateTask(ctx, taskID, func(t *statemodel.TaskState) {
		t.Status = statemodel.StatusFailed
		t.LastError = &reason
		t.LastErrorAt = &now
	})
	if err != nil {
		s.log.Warning().Err(err).Str("task_id", taskID).Log("supervisor.fail_task_failed")
	}
}

// applyRetryPolicy transitions every retry-eligible failed task in
// failedIDs back to pending with retry_count incremented.
func (s *Supervisor) applyRetryPolicy(ctx context.Context, failedIDs []string) error {
	status := s.model.Cached()
	for _, taskID := range failedIDs {
		task, ok := status.Task(taskID)
		if !ok || !task.RetryEligible() {
			continue
		}
		_, err := s.model.UpdateTask(ctx, taskID, func(t *statemodel.TaskState) {
			t.Status = statemodel.StatusPending
			t.RetryCount++
			t.StartedAt = nil
		})
		if err != nil {
			return fmt.Errorf("supervisor: retry %s: %w", taskID, err)
		}
	}
	return nil
}

// applySkipCascade transitions every pending task whose dependency set
// contains a non-retry-eligible failed task to skipped, cascading via BFS
// (a skip can itself unblock a dependent's skip).
func (s *Supervisor) applySkipCascade(ctx context.Context, status *statemodel.Status) error {
	cascaded := map[string]bool{}
	changed := true
	for changed {
		changed = false
		for _, t := range status.Tasks {
			if t.Status != statemodel.StatusPending {
				continue
			}
			task, ok := s.plan.Task(t.ID)
			if !ok {
				continue
			}
			blockingDep := ""
			for dep := range task.Dependencies {
				depState, ok := status.Task(dep)
				if !ok {
					continue
				}
				if (depState.Status == statemodel.StatusFailed && !depState.RetryEligible()) || cascaded[dep] {
					blockingDep = dep
					break
				}
			}
			if blockingDep == "" {
				continue
			}
			reason := fmt.Sprintf("dependency %s failed", blockingDep)
			if cascaded[blockingDep] {
				reason = fmt.Sprintf("dependency %s skipped", blockingDep)
			}
			updated, err := s.model.UpdateTask(ctx, t.ID, func(ts *statemodel.TaskState) {
				ts.Status = statemodel.StatusSkipped
				ts.Notes = &reason
			})
			if err != nil {
				return fmt.Errorf("supervisor: skip %s: %w", t.ID, err)
			}
			status = updated
			cascaded[t.ID] = true
			s.publish("task.skipped", map[string]interface{}{"task_id": t.ID, "reason": reason})
			changed = true
			break
		}
	}
	return nil
}

func (s *Supervisor) publish(eventType string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, PlanID: s.plan.ID, Payload: payload})
}
