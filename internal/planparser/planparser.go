// Package planparser parses a plan markdown file into an immutable
// planmodel.Plan, recognizing exactly the annotation grammar in spec §6.1
// and ignoring all other prose. It never writes back to the source file.
package planparser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/taskforge/orchestrator/internal/planmodel"
)

var (
	rePhaseHeading  = regexp.MustCompile(`^##\s+Phase\s+(\d+):\s+(.+)$`)
	reTaskItem      = regexp.MustCompile(`^-\s+\[[ x]\]\s+(\d+\.\d+)\s+(.+)$`)
	reDependsOn     = regexp.MustCompile(`(?i)\(depends:\s*(\d+\.\d+(?:\s*,\s*\d+\.\d+)*)\s*\)`)
	reSequential    = regexp.MustCompile(`Tasks\s+([0-9.,\-\s]+?)\s+are\s+\[SEQUENTIAL\]`)
	reParallel      = regexp.MustCompile(`Phases\s+([0-9,\-\s]+?)\s+are\s+\[PARALLEL\]`)
	reNonBlocking1  = regexp.MustCompile(`\*\*VERIFY Phase (\d+):\*\*\s*\(non-blocking\)`)
	reNonBlocking2  = regexp.MustCompile(`\*\*VERIFY Phase (\d+) \(non-blocking\):\*\*`)
	rePipelineHdr   = regexp.MustCompile(`\(pipeline-start:\s*when\s+(\d+\.\d+)\s+completes\)`)
	rePipelineStand = regexp.MustCompile(`^\*\*pipeline-start:\*\*\s+when\s+(\d+\.\d+)\s+completes`)
	reFileRef       = regexp.MustCompile("`([A-Za-z0-9_./\\-]+\\.[A-Za-z0-9]+)`")
)

// Parse reads the plan file at path and returns its parsed Plan, or a
// *planmodel.ParseError. Errors found while scanning a line (task before a
// phase, duplicate id, self-dependency, malformed sequential range) carry
// that line number; unknown-dependency, pipeline-start and cycle errors are
// found after the scan and carry no line number.
func Parse(path string) (*planmodel.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan file: %w", err)
	}
	defer f.Close()
	return ParseReader(f, path)
}

// ParseReader parses plan markdown from r. path is used only to derive the
// plan id (its basename without extension) and to populate Plan.Path.
func ParseReader(r io.Reader, path string) (*planmodel.Plan, error) {
	plan := &planmodel.Plan{
		ID:    planID(path),
		Path:  path,
		Tasks: map[string]*planmodel.Task{},
		Annotations: planmodel.Annotations{
			PipelineStarts:    map[int]string{},
			NonBlockingVerify: map[int]bool{},
		},
	}

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1<<20)

	var currentPhase *planmodel.Phase
	var currentPhaseIsVerify bool
	var sequentialRaw []struct {
		line int
		text string
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if m := rePhaseHeading.FindStringSubmatch(line); m != nil {
			if currentPhase != nil {
				plan.Phases = append(plan.Phases, *currentPhase)
			}
			num, _ := strconv.Atoi(m[1])
			title := strings.TrimSpace(m[2])
			currentPhase = &planmodel.Phase{Number: num, Title: title}
			currentPhaseIsVerify = strings.Contains(strings.ToUpper(title), "VERIFY")

			if pm := rePipelineHdr.FindStringSubmatch(title); pm != nil {
				plan.Annotations.PipelineStarts[num] = pm[1]
			}
			continue
		}

		if m := reTaskItem.FindStringSubmatch(line); m != nil {
			if currentPhase == nil {
				return nil, &planmodel.ParseError{Line: lineNo, Message: "task item appears before any phase heading"}
			}
			id := m[1]
			desc := strings.TrimSpace(m[2])
			if _, exists := plan.Tasks[id]; exists {
				return nil, &planmodel.ParseError{Line: lineNo, Message: fmt.Sprintf("duplicate task id %q", id)}
			}
			task := planmodel.NewTask(id, currentPhase.Number, desc)
			task.IsVerify = currentPhaseIsVerify

			if dm := reDependsOn.FindStringSubmatch(desc); dm != nil {
				for _, dep := range strings.Split(dm[1], ",") {
					dep = strings.TrimSpace(dep)
					if dep == id {
						return nil, &planmodel.ParseError{Line: lineNo, Message: fmt.Sprintf("task %q depends on itself", id)}
					}
					task.Dependencies[dep] = struct{}{}
				}
			}
			for _, fm := range reFileRef.FindAllStringSubmatch(desc, -1) {
				task.FileRefs[fm[1]] = struct{}{}
			}

			plan.Tasks[id] = task
			currentPhase.TaskIDs = append(currentPhase.TaskIDs, id)
			continue
		}

		if m := reSequential.FindStringSubmatch(line); m != nil {
			sequentialRaw = append(sequentialRaw, struct {
				line int
				text string
			}{lineNo, m[1]})
			continue
		}

		if m := reNonBlocking1.FindStringSubmatch(line); m != nil {
			num, _ := strconv.Atoi(m[1])
			plan.Annotations.NonBlockingVerify[num] = true
			continue
		}
		if m := reNonBlocking2.FindStringSubmatch(line); m != nil {
			num, _ := strconv.Atoi(m[1])
			plan.Annotations.NonBlockingVerify[num] = true
			continue
		}

		if m := rePipelineStand.FindStringSubmatch(line); m != nil {
			if currentPhase == nil {
				return nil, &planmodel.ParseError{Line: lineNo, Message: "pipeline-start annotation appears before any phase heading"}
			}
			plan.Annotations.PipelineStarts[currentPhase.Number] = m[1]
			continue
		}

		// Parallel-phase hints are advisory (spec §6.1): they are not
		// recorded on the Plan and never consulted by the scheduler.
		_ = reParallel
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	if currentPhase != nil {
		plan.Phases = append(plan.Phases, *currentPhase)
	}

	if err := validateReferences(plan); err != nil {
		return nil, err
	}

	for _, raw := range sequentialRaw {
		group, err := expandRange(raw.text, plan)
		if err != nil {
			return nil, &planmodel.ParseError{Line: raw.line, Message: err.Error()}
		}
		plan.Annotations.SequentialGroups = append(plan.Annotations.SequentialGroups, group)
	}

	for phaseNum, trigger := range plan.Annotations.PipelineStarts {
		if _, ok := plan.Tasks[trigger]; !ok {
			return nil, &planmodel.ParseError{Message: fmt.Sprintf("pipeline-start for phase %d references unknown task %q", phaseNum, trigger)}
		}
	}

	if err := detectCycles(plan); err != nil {
		return nil, err
	}

	return plan, nil
}

func planID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func validateReferences(plan *planmodel.Plan) error {
	for id, t := range plan.Tasks {
		for dep := range t.Dependencies {
			if _, ok := plan.Tasks[dep]; !ok {
				return &planmodel.ParseError{Message: fmt.Sprintf("task %q depends on unknown task %q", id, dep)}
			}
		}
	}
	return nil
}

// expandRange turns "3.1-3.3" / "3.1,3.2,3.3" / mixed forms into an ordered
// list of existing task ids, sorted by numeric (phase, index) order.
func expandRange(raw string, plan *planmodel.Plan) ([]string, error) {
	raw = strings.TrimSpace(raw)
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			if len(bounds) != 2 {
				return nil, fmt.Errorf("malformed sequential range %q", part)
			}
			lo, err := parseTaskNumber(strings.TrimSpace(bounds[0]))
			if err != nil {
				return nil, err
			}
			hi, err := parseTaskNumber(strings.TrimSpace(bounds[1]))
			if err != nil {
				return nil, err
			}
			if lo.phase != hi.phase || lo.index > hi.index {
				return nil, fmt.Errorf("invalid sequential range %q", part)
			}
			for i := lo.index; i <= hi.index; i++ {
				id := fmt.Sprintf("%d.%d", lo.phase, i)
				if _, ok := plan.Tasks[id]; !ok {
					return nil, fmt.Errorf("sequential range %q references non-existent task %q", part, id)
				}
				ids = append(ids, id)
			}
		} else {
			if _, ok := plan.Tasks[part]; !ok {
				return nil, fmt.Errorf("sequential group references non-existent task %q", part)
			}
			ids = append(ids, part)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := parseTaskNumber(ids[i])
		b, _ := parseTaskNumber(ids[j])
		if a.phase != b.phase {
			return a.phase < b.phase
		}
		return a.index < b.index
	})
	return ids, nil
}

type taskNumber struct {
	phase, index int
}

func parseTaskNumber(s string) (taskNumber, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return taskNumber{}, fmt.Errorf("malformed task id %q", s)
	}
	phase, err1 := strconv.Atoi(parts[0])
	index, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return taskNumber{}, fmt.Errorf("malformed task id %q", s)
	}
	return taskNumber{phase: phase, index: index}, nil
}

// detectCycles runs a DFS with an explicit stack over the dependency graph
// and fails with the full cycle path on the first cycle found.
func detectCycles(plan *planmodel.Plan) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Tasks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		defer func() { stack = stack[:len(stack)-1] }()

		deps := plan.Tasks[id].SortedDependencies()
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				cycle := append(append([]string{}, stack...), dep)
				return &planmodel.ParseError{Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " → "))}
			}
		}
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(plan.Tasks))
	for id := range plan.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
