package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-engine/services/workflow"
)

const linearWorkflow = `{
	"id": "cli-linear",
	"name": "CLI linear",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "say", "type": "log", "data": {"config": {"message": "hello"}}},
		{"id": "end", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "say"},
		{"id": "e2", "source": "say", "target": "end"}
	]
}`

const cyclicWorkflow = `{
	"id": "cli-cycle",
	"nodes": [
		{"id": "A", "type": "log", "data": {"config": {"message": "a"}}},
		{"id": "B", "type": "log", "data": {"config": {"message": "b"}}},
		{"id": "C", "type": "log", "data": {"config": {"message": "c"}}}
	],
	"edges": [
		{"id": "ab", "source": "A", "target": "B"},
		{"id": "bc", "source": "B", "target": "C"},
		{"id": "ca", "source": "C", "target": "A"}
	]
}`

const failingWorkflow = `{
	"id": "cli-failing",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "say", "type": "log", "data": {"config": {"message": "hello"}}},
		{"id": "wait", "type": "delay", "data": {"config": {"delay": -1}}},
		{"id": "end", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "say"},
		{"id": "e2", "source": "start", "target": "wait"},
		{"id": "e3", "source": "say", "target": "end"},
		{"id": "e4", "source": "wait", "target": "end"}
	]
}`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// syncBuffer is written by the command and by node handlers logging from
// worker goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidate_Valid(t *testing.T) {
	stdout, _, err := execute(t, "validate", writeFile(t, linearWorkflow))
	require.NoError(t, err)

	assert.Contains(t, stdout, "start")
	assert.Contains(t, stdout, "say")
	assert.Contains(t, stdout, "end")
}

func TestValidate_CycleJSON(t *testing.T) {
	stdout, _, err := execute(t, "--json", "validate", writeFile(t, cyclicWorkflow))
	require.Error(t, err)

	var report workflow.ValidationReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Valid)
	assert.Equal(t, "CycleDetected", report.Kind)
	assert.Equal(t, "ca", report.EdgeID)
}

func TestValidate_MissingFile(t *testing.T) {
	_, _, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open workflow")
}

func TestRun_JSON(t *testing.T) {
	stdout, _, err := execute(t, "--json", "run", "--parallel", "2", writeFile(t, linearWorkflow))
	require.NoError(t, err)

	var results workflow.ExecutionResults
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	assert.Equal(t, "completed", results.Status)
	assert.Equal(t, "cli-linear", results.WorkflowID)
	require.Len(t, results.Steps, 3)
	assert.Equal(t, "start", results.Steps[0].NodeID)
	assert.Equal(t, "end", results.Steps[2].NodeID)
}

func TestRun_TableStreamsEvents(t *testing.T) {
	stdout, stderr, err := execute(t, "run", writeFile(t, linearWorkflow))
	require.NoError(t, err)

	assert.Contains(t, stdout, "succeeded")
	assert.Contains(t, stderr, "ready -> running")
	assert.Contains(t, stderr, "completed")
}

func TestRun_FailedRunReturnsError(t *testing.T) {
	_, _, err := execute(t, "run", writeFile(t, failingWorkflow))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run failed")
	assert.Contains(t, err.Error(), "wait")
}

func TestNodeTypes_JSON(t *testing.T) {
	stdout, _, err := execute(t, "--json", "node-types")
	require.NoError(t, err)

	var catalog []workflow.Contract
	require.NoError(t, json.Unmarshal([]byte(stdout), &catalog))

	types := make([]string, len(catalog))
	for i, c := range catalog {
		types[i] = c.Type
	}
	assert.Equal(t, []string{"condition", "delay", "end", "http-request", "log", "read-file", "send-email", "start"}, types)
}
