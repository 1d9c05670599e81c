package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: echo_once
description: "Echo commits on the first attempt"
steps:
  - name: echo
    body: "hi"
    route: { handler: echo, transaction: required, capability: readwrite, buffer_size: 16 }
    expect:
      status: ok
      body: "hi"
      attempts: 1
`

const failingScenario = `name: wrong_body
description: "Expects the wrong body"
steps:
  - name: echo
    body: "hi"
    route: { handler: echo }
    expect:
      status: ok
      body: "bye"
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestCmd(format string, out *bytes.Buffer, args ...string) *cobra.Command {
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd
}

func TestTestCommandMissingArgs(t *testing.T) {
	err := newTestCmd("text", &bytes.Buffer{}).Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	err := newTestCmd("text", &bytes.Buffer{}, "/nonexistent/scenarios").Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, newTestCmd("text", buf, t.TempDir()).Execute())
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestTestCommandPassing(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo_once.yaml", passingScenario)
	writeScenario(t, dir, "notes.txt", "ignored")

	buf := &bytes.Buffer{}
	require.NoError(t, newTestCmd("text", buf, dir).Execute())
	assert.Contains(t, buf.String(), "✓ echo_once")
	assert.Contains(t, buf.String(), "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo_once.yaml", passingScenario)
	writeScenario(t, dir, "wrong_body.yaml", failingScenario)

	buf := &bytes.Buffer{}
	err := newTestCmd("json", buf, dir).Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo_once.yaml", passingScenario)
	writeScenario(t, dir, "wrong_body.yaml", failingScenario)

	buf := &bytes.Buffer{}
	require.NoError(t, newTestCmd("text", buf, dir, "--filter", "echo_*").Execute())
	assert.Contains(t, buf.String(), "1 passed, 0 failed, 1 total")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "broken.yaml", "name: broken\n")

	buf := &bytes.Buffer{}
	err := newTestCmd("text", buf, path).Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "✗ broken.yaml")
	assert.Contains(t, buf.String(), "failed to load scenario")
}

// TestTestCommandGolden tests that --update writes the golden trace and a
// later run compares against it.
func TestTestCommandGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo_once.yaml", passingScenario)

	require.NoError(t, newTestCmd("text", &bytes.Buffer{}, dir, "--update").Execute())
	goldenPath := filepath.Join(dir, "golden", "echo_once.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name": "echo_once"`)

	require.NoError(t, newTestCmd("text", &bytes.Buffer{}, dir).Execute(), "golden matches")

	require.NoError(t, os.WriteFile(goldenPath, []byte("{}\n"), 0644))
	buf := &bytes.Buffer{}
	err = newTestCmd("text", buf, dir).Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "trace does not match golden file")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("s", "golden", "kv.golden"), goldenFilePath(filepath.Join("s", "kv.yaml")))
}
