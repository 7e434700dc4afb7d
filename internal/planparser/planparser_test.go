package planparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/internal/planmodel"
)

const samplePlan = `# Sample Plan

## Phase 1: Foundation

- [ ] 1.1 Set up project scaffold, touches ` + "`cmd/main.go`" + `
- [ ] 1.2 Add config loader (depends: 1.1), touches ` + "`internal/config/config.go`" + `

Tasks 1.1,1.2 are [SEQUENTIAL]

## Phase 2: Features

- [ ] 2.1 Implement feature A (depends: 1.2)
- [ ] 2.2 Implement feature B (depends: 1.2)

## Phase 3: VERIFY Integration (non-blocking)

**VERIFY Phase 3:** (non-blocking)

- [ ] 3.1 Run integration suite (depends: 2.1, 2.2)
`

func parseSample(t *testing.T) *planmodel.Plan {
	t.Helper()
	plan, err := ParseReader(strings.NewReader(samplePlan), "/plans/sample.md")
	require.NoError(t, err)
	return plan
}

func TestParseReader_PhasesAndTasks(t *testing.T) {
	plan := parseSample(t)

	assert.Equal(t, "sample", plan.ID)
	require.Len(t, plan.Phases, 3)
	assert.Equal(t, "Foundation", plan.Phases[0].Title)
	assert.Equal(t, []string{"1.1", "1.2"}, plan.Phases[0].TaskIDs)

	task12, ok := plan.Task("1.2")
	require.True(t, ok)
	assert.True(t, task12.DependsOn("1.1"))
	assert.Equal(t, []string{"internal/config/config.go"}, task12.SortedFileRefs())
}

func TestParseReader_NonBlockingVerify(t *testing.T) {
	plan := parseSample(t)
	assert.True(t, plan.Annotations.NonBlockingVerify[3])
}

func TestParseReader_SequentialGroupExpanded(t *testing.T) {
	plan := parseSample(t)
	require.Len(t, plan.Annotations.SequentialGroups, 1)
	assert.Equal(t, []string{"1.1", "1.2"}, plan.Annotations.SequentialGroups[0])
}

func TestParseReader_UnknownDependencyIsParseError(t *testing.T) {
	src := "## Phase 1: X\n\n- [ ] 1.1 Do thing (depends: 9.9)\n"
	_, err := ParseReader(strings.NewReader(src), "p.md")
	require.Error(t, err)
	var perr *planmodel.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestParseReader_SelfDependencyIsParseError(t *testing.T) {
	src := "## Phase 1: X\n\n- [ ] 1.1 Do thing (depends: 1.1)\n"
	_, err := ParseReader(strings.NewReader(src), "p.md")
	require.Error(t, err)
}

func TestParseReader_DuplicateTaskIDIsParseError(t *testing.T) {
	src := "## Phase 1: X\n\n- [ ] 1.1 First\n- [ ] 1.1 Second\n"
	_, err := ParseReader(strings.NewReader(src), "p.md")
	require.Error(t, err)
}

func TestParseReader_DependencyCycleIsParseError(t *testing.T) {
	src := "## Phase 1: X\n\n" +
		"- [ ] 1.1 A (depends: 1.2)\n" +
		"- [ ] 1.2 B (depends: 1.1)\n"
	_, err := ParseReader(strings.NewReader(src), "p.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestParseReader_TaskBeforePhaseIsParseError(t *testing.T) {
	src := "- [ ] 1.1 Orphan task\n"
	_, err := ParseReader(strings.NewReader(src), "p.md")
	require.Error(t, err)
}
