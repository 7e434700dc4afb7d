package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/internal/planmodel"
	"github.com/taskforge/orchestrator/internal/statemodel"
)

func chainPlan() *planmodel.Plan {
	t1 := planmodel.NewTask("1.1", 1, "root")
	t2 := planmodel.NewTask("1.2", 1, "depends on 1.1")
	t2.Dependencies["1.1"] = struct{}{}
	t3 := planmodel.NewTask("1.3", 1, "depends on 1.2")
	t3.Dependencies["1.2"] = struct{}{}
	return &planmodel.Plan{
		ID: "chain",
		Phases: []planmodel.Phase{
			{Number: 1, Title: "Chain", TaskIDs: []string{"1.1", "1.2", "1.3"}},
		},
		Tasks: map[string]*planmodel.Task{"1.1": t1, "1.2": t2, "1.3": t3},
		Annotations: planmodel.Annotations{
			PipelineStarts:    map[int]string{},
			NonBlockingVerify: map[int]bool{},
		},
	}
}

func statusFor(plan *planmodel.Plan, overrides map[string]statemodel.TaskStatus) *statemodel.Status {
	s := &statemodel.Status{PlanID: plan.ID}
	for _, id := range plan.OrderedTaskIDs() {
		status := statemodel.StatusPending
		if o, ok := overrides[id]; ok {
			status = o
		}
		s.Tasks = append(s.Tasks, &statemodel.TaskState{ID: id, Status: status})
	}
	return s
}

// P2: NextBatch on a freshly initialized plan only ever includes tasks with
// no outstanding dependencies.
func TestNextBatch_InitialSelectionOnlyZeroDependencyTasks(t *testing.T) {
	plan := chainPlan()
	status := statusFor(plan, nil)

	batch := NextBatch(plan, status, Options{})
	assert.Equal(t, []string{"1.1"}, batch)
}

// P3: every dependency of a task NextBatch selects is completed or skipped.
func TestNextBatch_NeverSelectsTaskWithUnsatisfiedDependency(t *testing.T) {
	plan := chainPlan()
	status := statusFor(plan, map[string]statemodel.TaskStatus{
		"1.1": statemodel.StatusCompleted,
	})

	batch := NextBatch(plan, status, Options{})
	require.Equal(t, []string{"1.2"}, batch)

	for _, id := range batch {
		task, _ := plan.Task(id)
		for dep := range task.Dependencies {
			depState, ok := status.Task(dep)
			require.True(t, ok)
			assert.Contains(t, []statemodel.TaskStatus{statemodel.StatusCompleted, statemodel.StatusSkipped}, depState.Status)
		}
	}
}

func TestNextBatch_SkippedDependencySatisfiesReadiness(t *testing.T) {
	plan := chainPlan()
	status := statusFor(plan, map[string]statemodel.TaskStatus{
		"1.1": statemodel.StatusSkipped,
	})
	batch := NextBatch(plan, status, Options{})
	assert.Equal(t, []string{"1.2"}, batch)
}

func TestNextBatch_FileConflictSplitsAcrossCalls(t *testing.T) {
	a := planmodel.NewTask("1.1", 1, "writes shared file")
	a.FileRefs["shared.go"] = struct{}{}
	b := planmodel.NewTask("1.2", 1, "also writes shared file")
	b.FileRefs["shared.go"] = struct{}{}
	plan := &planmodel.Plan{
		ID:     "conflict",
		Phases: []planmodel.Phase{{Number: 1, Title: "P", TaskIDs: []string{"1.1", "1.2"}}},
		Tasks:  map[string]*planmodel.Task{"1.1": a, "1.2": b},
		Annotations: planmodel.Annotations{
			PipelineStarts:    map[int]string{},
			NonBlockingVerify: map[int]bool{},
		},
	}
	status := statusFor(plan, nil)

	batch := NextBatch(plan, status, Options{})
	assert.Equal(t, []string{"1.1"}, batch, "conflicting file refs must not co-occur in one batch")
}

func TestNextBatch_SequentialGroupAllowsOnlyEarliestMember(t *testing.T) {
	plan := chainPlan()
	plan.Tasks["1.2"].Dependencies = map[string]struct{}{}
	plan.Tasks["1.3"].Dependencies = map[string]struct{}{}
	plan.Annotations.SequentialGroups = [][]string{{"1.1", "1.2", "1.3"}}
	status := statusFor(plan, nil)

	batch := NextBatch(plan, status, Options{})
	assert.Equal(t, []string{"1.1"}, batch)
}

func TestNextBatch_MaxBatchCapsSelection(t *testing.T) {
	plan := chainPlan()
	plan.Tasks["1.2"].Dependencies = map[string]struct{}{}
	plan.Tasks["1.3"].Dependencies = map[string]struct{}{}
	status := statusFor(plan, nil)

	batch := NextBatch(plan, status, Options{MaxBatch: 2})
	assert.Len(t, batch, 2)
}
