// Package statemodel owns status.json: its schema, initialization from a
// parsed plan, atomic persistence, crash recovery, summary reconciliation,
// and the task status transition graph.
package statemodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/taskforge/orchestrator/internal/applog"
	"github.com/taskforge/orchestrator/internal/atomicstore"
	"github.com/taskforge/orchestrator/internal/eventbus"
	"github.com/taskforge/orchestrator/internal/planmodel"
)

// TaskStatus is the execution status of a single task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
)

// AllStatuses returns every valid TaskStatus, in schema order.
func AllStatuses() []TaskStatus {
	return []TaskStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped}
}

// IsValid reports whether s is one of the recognized statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

func (s TaskStatus) String() string { return string(s) }

const (
	// MaxRetries is the default retry budget for a failed task.
	MaxRetries = 2
	// StuckThreshold is the default wall-clock limit before an in_progress
	// task is force-failed by the stuck sweep.
	StuckThreshold = 30 * time.Minute
)

// TaskState is one task's JSON representation inside status.json, matching
// the schema in full: structural fields mirrored from the Plan plus mutable
// execution fields.
type TaskState struct {
	ID            string     `json:"id"`
	PhaseNumber   int        `json:"phase_number"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	StartedAt     *string    `json:"started_at"`
	CompletedAt   *string    `json:"completed_at"`
	DurationMS    *int64     `json:"duration_ms"`
	RetryCount    int        `json:"retry_count"`
	LastError     *string    `json:"last_error"`
	LastErrorAt   *string    `json:"last_error_at"`
	StuckDetected bool       `json:"stuck_detected"`
	Notes         *string    `json:"notes"`
	Dependencies  []string   `json:"dependencies"`
	Dependents    []string   `json:"dependents"`
}

// RetryEligible reports whether a failed task may still be retried.
func (t *TaskState) RetryEligible() bool {
	return t.Status == StatusFailed && t.RetryCount < MaxRetries && !t.StuckDetected
}

// Run records one execution episode.
type Run struct {
	RunID          string  `json:"run_id"`
	StartedAt      string  `json:"started_at"`
	CompletedAt    *string `json:"completed_at"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
}

// Summary is the cached per-category task count, recomputed on every save.
type Summary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Status is the top-level status.json document.
type Status struct {
	PlanID        string       `json:"plan_id"`
	PlanPath      string       `json:"plan_path"`
	CreatedAt     string       `json:"created_at"`
	LastUpdatedAt string       `json:"last_updated_at"`
	CurrentPhase  *string      `json:"current_phase"`
	Tasks         []*TaskState `json:"tasks"`
	Runs          []Run        `json:"runs"`
	Summary       Summary      `json:"summary"`
}

// Task looks up a task by id.
func (s *Status) Task(id string) (*TaskState, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// reconcileSummary recomputes Summary from Tasks and reports whether the
// previous cached value had drifted.
func (s *Status) reconcileSummary() (drifted bool) {
	var want Summary
	want.Total = len(s.Tasks)
	for _, t := range s.Tasks {
		switch t.Status {
		case StatusCompleted:
			want.Completed++
		case StatusPending:
			want.Pending++
		case StatusInProgress:
			want.InProgress++
		case StatusFailed:
			want.Failed++
		case StatusSkipped:
			want.Skipped++
		}
	}
	drifted = want != s.Summary
	s.Summary = want
	return drifted
}

const statusFileName = "status.json"

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Model is the statemodel service for one plan, owning the atomic store,
// event publication, and an in-memory cache invalidated only by a successful
// write (spec's single per-plan in-memory cell, §8 design notes).
type Model struct {
	store  *atomicstore.Store
	bus    *eventbus.Bus
	log    applog.Logger
	planID string

	cache *Status
}

// New returns a Model rooted at dir (the plan's output directory,
// `<output_root>/<plan_id>`).
func New(dir string, planID string, bus *eventbus.Bus) *Model {
	return &Model{
		store:  atomicstore.New(dir),
		bus:    bus,
		log:    applog.WithPlan(applog.For("statemodel"), planID),
		planID: planID,
	}
}

// Initialize derives a fresh Status from plan with every task pending, and
// persists it under lock. Called the first time a plan is activated.
func (m *Model) Initialize(ctx context.Context, plan *planmodel.Plan) (*Status, error) {
	status := buildInitialStatus(plan)
	if err := m.store.WithLock(ctx, statusFileName, func() error {
		return m.writeLocked(status)
	}); err != nil {
		return nil, err
	}
	m.setCache(status)
	return status, nil
}

func buildInitialStatus(plan *planmodel.Plan) *Status {
	dependents := computeDependents(plan)
	now := nowRFC3339()
	status := &Status{
		PlanID:        plan.ID,
		PlanPath:      plan.Path,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Tasks:         make([]*TaskState, 0, len(plan.Tasks)),
		Runs:          []Run{},
	}
	for _, id := range plan.OrderedTaskIDs() {
		task := plan.Tasks[id]
		status.Tasks = append(status.Tasks, &TaskState{
			ID:           task.ID,
			PhaseNumber:  task.PhaseNumber,
			Description:  task.Description,
			Status:       StatusPending,
			Dependencies: task.SortedDependencies(),
			Dependents:   dependents[task.ID],
		})
	}
	status.reconcileSummary()
	return status
}

func computeDependents(plan *planmodel.Plan) map[string][]string {
	out := map[string][]string{}
	for id := range plan.Tasks {
		out[id] = nil
	}
	for id, task := range plan.Tasks {
		for dep := range task.Dependencies {
			out[dep] = append(out[dep], id)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// Load returns the current Status, running the recovery sequence (§4.3) on
// any decode/validation failure. The returned bool reports whether recovery
// (backup restore or full rebuild) was needed.
func (m *Model) Load(ctx context.Context, plan *planmodel.Plan) (*Status, bool, error) {
	var status *Status
	var recovered bool

	err := m.store.WithLock(ctx, statusFileName, func() error {
		raw, readErr := m.store.Read(statusFileName)
		if readErr == nil {
			if s, decodeErr := decodeAndValidate(raw); decodeErr == nil {
				if s.reconcileSummary() {
					m.log.Info().Str("plan_id", m.planID).Log("summary.fixed")
					m.publish("summary.fixed", nil)
					if werr := m.writeLocked(s); werr != nil {
						return werr
					}
				}
				status = s
				return nil
			}
		}

		// Step 2: restore from backup.
		if restoreErr := m.store.Restore(statusFileName); restoreErr == nil {
			raw, readErr = m.store.Read(statusFileName)
			if readErr == nil {
				if s, decodeErr := decodeAndValidate(raw); decodeErr == nil {
					s.reconcileSummary()
					recovered = true
					m.log.Warning().Str("plan_id", m.planID).Log("recovery.from_backup")
					m.publish("recovery.from_backup", nil)
					if werr := m.writeLocked(s); werr != nil {
						return werr
					}
					status = s
					return nil
				}
			}
		}

		// Step 3: rebuild from the Plan.
		if plan == nil {
			return fmt.Errorf("statemodel: status.json unreadable and no plan available to rebuild from")
		}
		s := buildInitialStatus(plan)
		recovered = true
		m.log.Warning().Str("plan_id", m.planID).Log("recovery.rebuilt")
		m.publish("recovery.rebuilt", nil)
		if werr := m.writeLocked(s); werr != nil {
			return werr
		}
		status = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	m.setCache(status)
	return status, recovered, nil
}

func decodeAndValidate(raw []byte) (*Status, error) {
	var s Status
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode status.json: %w", err)
	}
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validate(s *Status) error {
	var errs ValidationErrors
	if s.PlanID == "" {
		errs.Add("plan_id", "non-empty string", s.PlanID, "plan_id is required")
	}
	seen := map[string]struct{}{}
	for i, t := range s.Tasks {
		if t.ID == "" {
			errs.Add(fmt.Sprintf("tasks[%d].id", i), "non-empty string", t.ID, "task id is required")
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs.Add(fmt.Sprintf("tasks[%d].id", i), "unique task id", t.ID, "duplicate task id")
		}
		seen[t.ID] = struct{}{}
		if !t.Status.IsValid() {
			errs.Add(fmt.Sprintf("tasks[%d].status", i), "one of pending|in_progress|completed|failed|skipped", string(t.Status), "invalid task status")
		}
	}
	if errs.HasErrors() {
		return &errs
	}
	return nil
}

// Save recomputes summary and writes status under lock, publishing nothing
// itself — callers publish the semantically specific event (UpdateTask does).
func (m *Model) Save(ctx context.Context, status *Status) error {
	return m.store.WithLock(ctx, statusFileName, func() error {
		return m.writeLocked(status)
	})
}

func (m *Model) writeLocked(status *Status) error {
	status.reconcileSummary()
	status.LastUpdatedAt = nowRFC3339()
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("statemodel: marshal status.json: %w", err)
	}
	// best-effort: nothing to back up yet on the very first write
	_ = m.store.Backup(statusFileName)
	if err := m.store.Write(statusFileName, data); err != nil {
		return err
	}
	m.setCache(status)
	return nil
}

// ErrInvalidTransition is returned by UpdateTask when the mutator attempted
// a transition not permitted by the state machine in §4.4.
var ErrInvalidTransition = errors.New("statemodel: invalid task status transition")

// TaskMutator mutates a task in place. It must leave Status on a transition
// allowed from the status the task had when mutate was called.
type TaskMutator func(t *TaskState)

// UpdateTask loads the current status, applies mutator to taskID's task,
// validates the resulting transition, persists, and publishes
// task.status_changed. On an invalid transition, nothing is written.
func (m *Model) UpdateTask(ctx context.Context, taskID string, mutate TaskMutator) (*Status, error) {
	var result *Status
	err := m.store.WithLock(ctx, statusFileName, func() error {
		raw, err := m.store.Read(statusFileName)
		if err != nil {
			return err
		}
		status, err := decodeAndValidate(raw)
		if err != nil {
			return err
		}
		task, ok := status.Task(taskID)
		if !ok {
			return fmt.Errorf("statemodel: unknown task %q", taskID)
		}
		before := task.Status
		mutate(task)
		if !ValidTransition(before, task.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, task.Status)
		}
		if err := m.writeLocked(status); err != nil {
			return err
		}
		result = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.setCache(result)
	task, _ := result.Task(taskID)
	m.publish("task.status_changed", map[string]interface{}{
		"task_id": taskID,
		"status":  string(task.Status),
	})
	return result, nil
}

// ValidTransition reports whether the state machine in spec §4.4 permits
// moving a task from `from` to `to` (equal states are always a no-op allow).
func ValidTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusSkipped
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusPending // retry
	case StatusCompleted, StatusSkipped:
		return false
	}
	return false
}

// StartRun appends a new Run entry with the caller-supplied runID.
func (m *Model) StartRun(ctx context.Context, runID string) error {
	return m.store.WithLock(ctx, statusFileName, func() error {
		raw, err := m.store.Read(statusFileName)
		if err != nil {
			return err
		}
		status, err := decodeAndValidate(raw)
		if err != nil {
			return err
		}
		status.Runs = append(status.Runs, Run{RunID: runID, StartedAt: nowRFC3339()})
		return m.writeLocked(status)
	})
}

// CompleteRun closes the open run (CompletedAt == nil) whose id is runID with
// the given completion counts.
func (m *Model) CompleteRun(ctx context.Context, runID string, tasksCompleted, tasksFailed int) error {
	return m.store.WithLock(ctx, statusFileName, func() error {
		raw, err := m.store.Read(statusFileName)
		if err != nil {
			return err
		}
		status, err := decodeAndValidate(raw)
		if err != nil {
			return err
		}
		for i := range status.Runs {
			if status.Runs[i].RunID == runID && status.Runs[i].CompletedAt == nil {
				now := nowRFC3339()
				status.Runs[i].CompletedAt = &now
				status.Runs[i].TasksCompleted = tasksCompleted
				status.Runs[i].TasksFailed = tasksFailed
				break
			}
		}
		return m.writeLocked(status)
	})
}

// SweepStuck marks every in_progress task whose started_at predates
// StuckThreshold as failed{stuck_timeout}. It is the sole automatic escape
// from in_progress and is called by the supervisor before each batch
// selection.
func (m *Model) SweepStuck(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = StuckThreshold
	}
	var swept int
	err := m.store.WithLock(ctx, statusFileName, func() error {
		raw, err := m.store.Read(statusFileName)
		if err != nil {
			return err
		}
		status, err := decodeAndValidate(raw)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, t := range status.Tasks {
			if t.Status != StatusInProgress || t.StartedAt == nil {
				continue
			}
			started, perr := time.Parse(time.RFC3339, *t.StartedAt)
			if perr != nil {
				continue
			}
			if now.Sub(started) <= threshold {
				continue
			}
			t.Status = StatusFailed
			errMsg := "stuck_timeout"
			t.LastError = &errMsg
			lastErrAt := nowRFC3339()
			t.LastErrorAt = &lastErrAt
			t.StuckDetected = true
			swept++
		}
		if swept == 0 {
			return nil
		}
		return m.writeLocked(status)
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		m.publish("task.stuck_swept", map[string]interface{}{"count": swept})
	}
	return swept, nil
}

func (m *Model) setCache(s *Status) {
	m.cache = s
}

// Cached returns the last successfully loaded/written Status without
// touching disk, or nil if nothing has been loaded yet.
func (m *Model) Cached() *Status {
	return m.cache
}

func (m *Model) publish(eventType string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type:    eventType,
		PlanID:  m.planID,
		Payload: payload,
	})
}
