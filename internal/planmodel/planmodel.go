// Package planmodel holds the immutable Plan/Task/Phase value types produced
// by the plan parser and consumed by the scheduler and status model.
package planmodel

import "fmt"

// Task is the immutable structural data for one task, parsed from the plan
// markdown. Execution state lives separately, in statemodel.TaskState.
type Task struct {
	ID           string
	PhaseNumber  int
	Description  string
	Dependencies map[string]struct{}
	FileRefs     map[string]struct{}
	IsVerify     bool
}

// NewTask returns a Task with initialized sets.
func NewTask(id string, phaseNumber int, description string) *Task {
	return &Task{
		ID:           id,
		PhaseNumber:  phaseNumber,
		Description:  description,
		Dependencies: map[string]struct{}{},
		FileRefs:     map[string]struct{}{},
	}
}

// DependsOn reports whether the task declares a dependency on id.
func (t *Task) DependsOn(id string) bool {
	_, ok := t.Dependencies[id]
	return ok
}

// SortedDependencies returns the dependency ids in ascending order, for
// deterministic output (error messages, JSON serialization).
func (t *Task) SortedDependencies() []string {
	return sortedKeys(t.Dependencies)
}

// SortedFileRefs returns the file reference paths in ascending order.
func (t *Task) SortedFileRefs() []string {
	return sortedKeys(t.FileRefs)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// insertion sort is fine; these sets are small (a handful of deps/refs)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Phase is an ordered group of tasks sharing a phase number.
type Phase struct {
	Number  int
	Title   string
	TaskIDs []string
}

// PipelineStart records "Phase N is reachable once task T completes".
type PipelineStart struct {
	PhaseNumber int
	TriggerTask string
}

// Annotations holds the parsed constraint records from §6.1 that are not
// represented directly on a Task (sequential groups span multiple tasks;
// pipeline-start and non-blocking verify are phase-level gates).
type Annotations struct {
	// SequentialGroups is a list of ordered task-id groups; within a group,
	// only the earliest-id pending task may be selected at a time.
	SequentialGroups [][]string
	// PipelineStarts maps a phase number to the task id that unlocks it early.
	PipelineStarts map[int]string
	// NonBlockingVerify marks phase numbers whose VERIFY tasks don't gate
	// the following phase.
	NonBlockingVerify map[int]bool
}

// Plan is the parsed, immutable snapshot of a plan markdown file.
type Plan struct {
	ID          string
	Path        string
	Phases      []Phase
	Tasks       map[string]*Task
	Annotations Annotations
}

// Task looks up a task by id, returning ok=false if unknown.
func (p *Plan) Task(id string) (*Task, bool) {
	t, ok := p.Tasks[id]
	return t, ok
}

// OrderedTaskIDs returns every task id across all phases, in phase then
// declaration order.
func (p *Plan) OrderedTaskIDs() []string {
	out := make([]string, 0, len(p.Tasks))
	for _, ph := range p.Phases {
		out = append(out, ph.TaskIDs...)
	}
	return out
}

// ParseError reports a plan parsing failure with its source location.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}
