package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "briefing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  pool_size: 2\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "pool_size=2")

	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  pool_size: 0\n"), 0o600))
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})
	assert.Error(t, cmd.Execute())
}

func TestWriteOutputSummaryOnly(t *testing.T) {
	out := &orchestrator.RunOutput{RunID: "r1", Summary: orchestrator.Summary{RunID: "r1", SuccessRate: 0.5}}
	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, out, true))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "r1", got["run_id"])
	assert.NotContains(t, got, "document")
}
