// Package scheduler computes the next batch of tasks that may be started
// concurrently, given a parsed Plan and the current Status: dependency
// readiness, phase-priority ordering, pipeline-start gates, non-blocking
// VERIFY phases, SEQUENTIAL groups, and file-conflict avoidance within a
// batch.
package scheduler

import (
	"sort"

	"github.com/taskforge/orchestrator/internal/planmodel"
	"github.com/taskforge/orchestrator/internal/statemodel"
)

const defaultMaxBatch = 5

// Options tunes one NextBatch call.
type Options struct {
	// PhasePriority, when true, restricts the ready set to the lowest phase
	// number that has a ready task outside a non-blocking VERIFY phase, plus
	// every non-blocking VERIFY phase with ready tasks and every phase opened
	// by a completed pipeline-start trigger. When false, phase number is only
	// a tie-breaker.
	PhasePriority bool
	// MaxBatch caps the number of tasks returned. Zero means defaultMaxBatch.
	MaxBatch int
}

// NextBatch returns the ordered list of task ids that may be launched now.
func NextBatch(plan *planmodel.Plan, status *statemodel.Status, opts Options) []string {
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}

	ready := readySet(plan, status)
	ready = applySequentialGroups(plan, status, ready)

	if opts.PhasePriority {
		allowed := allowedPhases(plan, status, ready)
		if allowed != nil {
			ready = filterByPhase(plan, ready, allowed)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		ti := plan.Tasks[ready[i]]
		tj := plan.Tasks[ready[j]]
		if ti.PhaseNumber != tj.PhaseNumber {
			return ti.PhaseNumber < tj.PhaseNumber
		}
		return ready[i] < ready[j]
	})

	return selectWithoutConflicts(plan, ready, maxBatch)
}

// readySet returns every task id that is pending with all dependencies
// completed or skipped.
func readySet(plan *planmodel.Plan, status *statemodel.Status) []string {
	var out []string
	for _, id := range plan.OrderedTaskIDs() {
		task := plan.Tasks[id]
		state, ok := status.Task(id)
		if !ok || state.Status != statemodel.StatusPending {
			continue
		}
		if allDependenciesSatisfied(task, status) {
			out = append(out, id)
		}
	}
	return out
}

func allDependenciesSatisfied(task *planmodel.Task, status *statemodel.Status) bool {
	for dep := range task.Dependencies {
		depState, ok := status.Task(dep)
		if !ok {
			return false
		}
		if depState.Status != statemodel.StatusCompleted && depState.Status != statemodel.StatusSkipped {
			return false
		}
	}
	return true
}

// applySequentialGroups restricts each SEQUENTIAL group in the ready set to
// its earliest-id pending member.
func applySequentialGroups(plan *planmodel.Plan, status *statemodel.Status, ready []string) []string {
	if len(plan.Annotations.SequentialGroups) == 0 {
		return ready
	}
	blocked := make(map[string]struct{})
	for _, group := range plan.Annotations.SequentialGroups {
		foundEligible := false
		for _, id := range group {
			state, ok := status.Task(id)
			if !ok || state.Status != statemodel.StatusPending {
				continue
			}
			if foundEligible {
				blocked[id] = struct{}{}
				continue
			}
			foundEligible = true
		}
	}
	if len(blocked) == 0 {
		return ready
	}
	out := make([]string, 0, len(ready))
	for _, id := range ready {
		if _, isBlocked := blocked[id]; isBlocked {
			continue
		}
		out = append(out, id)
	}
	return out
}

// allowedPhases computes the set of phase numbers eligible to launch work
// this round under phase_priority ordering, or nil if no restriction should
// apply (nothing left to gate against).
func allowedPhases(plan *planmodel.Plan, status *statemodel.Status, ready []string) map[int]bool {
	blockingPhases := map[int]bool{}
	nonBlockingPhases := map[int]bool{}
	for _, id := range ready {
		task := plan.Tasks[id]
		if plan.Annotations.NonBlockingVerify[task.PhaseNumber] {
			nonBlockingPhases[task.PhaseNumber] = true
		} else {
			blockingPhases[task.PhaseNumber] = true
		}
	}

	allowed := map[int]bool{}
	if len(blockingPhases) > 0 {
		lowest := minKey(blockingPhases)
		allowed[lowest] = true
	}
	for p := range nonBlockingPhases {
		allowed[p] = true
	}
	for phaseNum, trigger := range plan.Annotations.PipelineStarts {
		if triggerState, ok := status.Task(trigger); ok && triggerState.Status == statemodel.StatusCompleted {
			allowed[phaseNum] = true
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return allowed
}

func minKey(m map[int]bool) int {
	first := true
	var min int
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

func filterByPhase(plan *planmodel.Plan, ready []string, allowed map[int]bool) []string {
	out := make([]string, 0, len(ready))
	for _, id := range ready {
		if allowed[plan.Tasks[id].PhaseNumber] {
			out = append(out, id)
		}
	}
	return out
}

// selectWithoutConflicts greedily fills a batch, skipping a candidate whose
// file_refs intersect any task already picked this round. Skipped-for-
// conflict tasks remain eligible on the next call.
func selectWithoutConflicts(plan *planmodel.Plan, ordered []string, maxBatch int) []string {
	var batch []string
	claimed := map[string]struct{}{}
	for _, id := range ordered {
		if len(batch) >= maxBatch {
			break
		}
		task := plan.Tasks[id]
		if conflicts(task, claimed) {
			continue
		}
		batch = append(batch, id)
		for ref := range task.FileRefs {
			claimed[ref] = struct{}{}
		}
	}
	return batch
}

func conflicts(task *planmodel.Task, claimed map[string]struct{}) bool {
	for ref := range task.FileRefs {
		if _, ok := claimed[ref]; ok {
			return true
		}
	}
	return false
}
