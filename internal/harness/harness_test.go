package harness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/trace"
)

func scenarioFiles(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files
}

func TestRun_Scenarios(t *testing.T) {
	for _, file := range scenarioFiles(t) {
		file := file
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
			assert.True(t, result.Run.Terminal)
		})
	}
}

func TestRun_CallCounts(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "retry.yaml"))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Calls[RolePlan])
	assert.Equal(t, 1, result.Calls[RoleResearch])
	assert.Equal(t, 2, result.Calls[RoleWrite])
	assert.Equal(t, 1, result.Calls[RoleCritique])
}

func TestRun_PolicyViolationSkipsHandler(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "policy_violation.yaml"))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Calls[RoleWrite])
}

func TestRun_ReportsMismatches(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "happy_path.yaml"))
	require.NoError(t, err)
	scenario.Expect.Phase = "rejected"
	drafts := 3
	scenario.Expect.Drafts = &drafts
	scenario.Assertions = append(scenario.Assertions, Assertion{Type: AssertTraceCount, Action: "invoke:plan", Count: 5})

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expect.phase: want rejected, got completed")
	assert.Contains(t, result.Errors[1], "expect.drafts: want 3, got 1")
	assert.Contains(t, result.Errors[2], "trace_count")
}

func TestRun_MissingScriptFailsRun(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: no_writer
description: "writer has no script"
request: { request: "Write a proposal" }
capabilities:
  plan:
    - result: { requirements: [pricing], search_topics: [pricing] }
  research:
    - result:
        findings: [{ content: "Pricing is per seat.", source: pricing.md, covers: [pricing] }]
expect:
  phase: failed
  reason: "capability failure: write"
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InvalidResponseIsRejected(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: untyped_critique
description: "critique answers with an untyped map"
request: { request: "Write a proposal" }
capabilities:
  plan:
    - result: { requirements: [pricing], search_topics: [pricing] }
  research:
    - result:
        findings: [{ content: "Pricing is per seat.", source: pricing.md, covers: [pricing] }]
  write:
    - result: { content: "Draft" }
  critique:
    - invalid: true
      result: { score: 90 }
expect:
  phase: failed
  cause: CAPABILITY_FAILURE
assertions:
  - type: trace_count
    action: invalid_result:critique
    count: 2
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	for _, name := range []string{"happy_path.yaml", "parallel_research.yaml", "rejected.yaml"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
			require.NoError(t, err)

			first, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			second, err := Run(context.Background(), scenario)
			require.NoError(t, err)

			a, err := Snapshot(scenario.Name, first)
			require.NoError(t, err)
			b, err := Snapshot(scenario.Name, second)
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b))
		})
	}
}

func TestRunWithGolden(t *testing.T) {
	fixtures := t.TempDir()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "revision.yaml"))
	require.NoError(t, err)

	// Record the fixture from one run, then compare a fresh run against it.
	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	data, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir(fixtures), goldie.WithNameSuffix(".golden"))
	require.NoError(t, g.Update(t, scenario.Name, data))

	result, err := RunWithGolden(t, scenario, goldie.WithFixtureDir(fixtures))
	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestSnapshot_Shape(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "happy_path.yaml"))
	require.NoError(t, err)
	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	data, err := Snapshot(scenario.Name, result)
	require.NoError(t, err)

	var snap TraceSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "happy_path", snap.ScenarioName)
	assert.Equal(t, "completed", snap.Phase)
	assert.Equal(t, 9, snap.Steps)
	require.NotEmpty(t, snap.Trace)
	assert.Equal(t, "run_started", snap.Trace[0].Action)
	assert.Equal(t, "dispatch:plan", snap.Trace[1].Action)

	text := string(data)
	assert.NotContains(t, text, `"hash"`)
	assert.NotContains(t, text, `"timestamp"`)
	assert.NotContains(t, text, "jane.doe@example.com")
	assert.Contains(t, text, "[MASKED]")
}

func TestGoldenFiles(t *testing.T) {
	dir := t.TempDir()
	scenarioFile := filepath.Join(dir, "happy.yaml")
	path := GoldenPath(scenarioFile)
	assert.Equal(t, filepath.Join(dir, "golden", "happy.golden"), path)

	_, err := CompareGolden(path, []byte("x"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, UpdateGolden(path, []byte("snapshot\n")))
	match, err := CompareGolden(path, []byte("snapshot\n"))
	require.NoError(t, err)
	assert.True(t, match)

	match, err = CompareGolden(path, []byte("other\n"))
	require.NoError(t, err)
	assert.False(t, match)
}

func TestNormalize_SortsConcurrentBlocks(t *testing.T) {
	events := []trace.Event{
		{Component: trace.ComponentCoordinator, Action: "dispatch:research", Step: 3},
		{Component: trace.ComponentCoordinator, Action: "dispatch:research", Step: 4},
		{Component: trace.ComponentRegistry, Action: "invoke:research", Step: 4, Input: json.RawMessage(`{"b":1}`)},
		{Component: trace.ComponentRegistry, Action: "invoke:research", Step: 3, Input: json.RawMessage(`{"a":1}`)},
		{Component: trace.ComponentCoordinator, Action: "transition", Step: 5, Output: json.RawMessage(`null`)},
	}

	out := normalize(events)
	require.Len(t, out, 5)
	assert.Equal(t, 3, out[0].Step)
	assert.Equal(t, 4, out[1].Step)
	assert.Equal(t, 3, out[2].Step)
	assert.Equal(t, 4, out[3].Step)
	assert.Nil(t, out[4].Output)
}
