package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScenarioCommand_Pass(t *testing.T) {
	out, err := runCLI(t, "--format", "json", "scenario", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Positive(t, resp.Data.Total)
	assert.Equal(t, resp.Data.Total, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.Empty(t, s.Trace, "traces are only included with --verbose")
	}
}

func TestScenarioCommand_Filter(t *testing.T) {
	out, err := runCLI(t, "scenario", harnessScenarios, "--filter", "group-*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ group-founding")
	assert.NotContains(t, out, "admission")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommand_Failure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wrong.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wrong
description: "Expects an unknown user's membership to apply"
identities:
  - name: alice
steps:
  - submit:
      name: Add Membership
      id: $alice
      group: g1
  - apply:
      expect: [applied]
`), 0o644))

	out, err := runCLI(t, "scenario", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong")
	assert.Contains(t, out, "expected states [applied], got [failed]")
}

func TestScenarioCommand_UpdateGolden(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")
	scenario := filepath.Join(harnessScenarios, "group-founding.yaml")

	_, err := runCLI(t, "scenario", scenario, "--golden", golden, "--update")
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(golden, "group-founding.golden"))
	require.NoError(t, err)
	expected, err := os.ReadFile(filepath.Join(harnessGolden, "group-founding.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(written))

	_, err = runCLI(t, "scenario", scenario, "--golden", golden)
	assert.NoError(t, err)
}

func TestScenarioCommand_Errors(t *testing.T) {
	_, err := runCLI(t, "scenario", harnessScenarios, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "scenario", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
