package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/internal/eventbus"
	"github.com/taskforge/orchestrator/internal/planmodel"
	"github.com/taskforge/orchestrator/internal/statemodel"
	"github.com/taskforge/orchestrator/internal/worker"
)

// fakeHandle replays a fixed event sequence then reports Wait() as exited.
type fakeHandle struct {
	events chan worker.Event
}

func (h *fakeHandle) Events() <-chan worker.Event   { return h.events }
func (h *fakeHandle) Wait() error                   { return nil }
func (h *fakeHandle) Terminate(time.Duration) error { return nil }

// scriptedAdapter launches a fakeHandle whose outcome is looked up by task id.
type scriptedAdapter struct {
	outcomes map[string]worker.Event // taskID -> TASK_END event
}

func (a *scriptedAdapter) Launch(ctx context.Context, opts worker.LaunchOptions) (worker.Handle, error) {
	taskID := opts.Tasks[0].TaskID
	events := make(chan worker.Event, 4)
	end, ok := a.outcomes[taskID]
	if !ok {
		end = worker.Event{Type: worker.EventTaskEnd, TaskID: taskID, OK: true}
	}
	events <- worker.Event{Type: worker.EventTaskBegin, TaskID: taskID}
	events <- end
	close(events)
	return &fakeHandle{events: events}, nil
}

func chainPlan() *planmodel.Plan {
	t1 := planmodel.NewTask("1.1", 1, "root task")
	t2 := planmodel.NewTask("1.2", 1, "depends on 1.1")
	t2.Dependencies["1.1"] = struct{}{}
	return &planmodel.Plan{
		ID:     "chain",
		Path:   "/plans/chain.md",
		Phases: []planmodel.Phase{{Number: 1, Title: "Chain", TaskIDs: []string{"1.1", "1.2"}}},
		Tasks:  map[string]*planmodel.Task{"1.1": t1, "1.2": t2},
	}
}

func newTestSupervisor(t *testing.T, plan *planmodel.Plan, adapter worker.Adapter) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	model := statemodel.New(dir, plan.ID, bus)
	_, err := model.Initialize(context.Background(), plan)
	require.NoError(t, err)
	return New(plan, model, bus, adapter, dir, Options{MaxParallel: 2})
}

func TestRunOnce_CompletesReadyTaskAndUnlocksDependent(t *testing.T) {
	plan := chainPlan()
	adapter := &scriptedAdapter{outcomes: map[string]worker.Event{}}
	sup := newTestSupervisor(t, plan, adapter)

	report, err := sup.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1"}, report.BatchTaskIDs)
	assert.Equal(t, []string{"1.1"}, report.Completed)
	assert.False(t, report.Done)

	report, err = sup.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2"}, report.BatchTaskIDs)
	assert.True(t, report.Done)
}

func TestRunOnce_FailedTaskWithoutRetryBudgetSkipsDependent(t *testing.T) {
	plan := chainPlan()
	adapter := &scriptedAdapter{outcomes: map[string]worker.Event{
		"1.1": {Type: worker.EventTaskEnd, TaskID: "1.1", OK: false, Message: "boom"},
	}}
	sup := newTestSupervisor(t, plan, adapter)

	// Drive retries to exhaustion: each RunOnce re-fails 1.1 until
	// RetryEligible() goes false, then the next RunOnce must skip 1.2.
	var last *RunReport
	for i := 0; i < statemodel.MaxRetries+2; i++ {
		report, err := sup.RunOnce(context.Background())
		require.NoError(t, err)
		last = report
		if report.Done {
			break
		}
	}
	require.NotNil(t, last)

	status := sup.model.Cached()
	task, ok := status.Task("1.2")
	require.True(t, ok)
	assert.Equal(t, statemodel.StatusSkipped, task.Status)
}

func TestRunOnce_NoReadyWorkLeavesDoneFalse(t *testing.T) {
	plan := chainPlan()
	adapter := &scriptedAdapter{outcomes: map[string]worker.Event{}}
	dir := t.TempDir()
	bus := eventbus.New()
	model := statemodel.New(dir, plan.ID, bus)
	_, err := model.Initialize(context.Background(), plan)
	require.NoError(t, err)
	// Mark 1.1 in_progress out of band so nothing is ready this round.
	_, err = model.UpdateTask(context.Background(), "1.1", func(ts *statemodel.TaskState) {
		ts.Status = statemodel.StatusInProgress
	})
	require.NoError(t, err)

	sup := New(plan, model, bus, adapter, dir, Options{MaxParallel: 2})
	report, err := sup.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.BatchTaskIDs)
	assert.False(t, report.Done)
}
