package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miner-backend/internal/workflow"
)

const testManifest = `
base_path: .
workflows:
  "1":
    name: txt2vid-fp8
    task_type: txt2vid
    pipeline: txt2vid.json
    params: txt2vid.yaml
    output:
      prefix: hunyuan
      extension: mp4
  "2":
    name: flux-lora
    task_type: txt2img
    pipeline: flux.json
    params: flux.yaml
    output:
      prefix: flux
      extension: jpg
sets:
  hunyuan-fp8: ["1"]
  flux: ["2"]
  all: ["1", "2"]
  broken: ["1", "404"]
`

func writeRegistry(t *testing.T, installed ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflows.yaml"), []byte(testManifest), 0o644))
	for _, name := range installed {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	return filepath.Join(dir, "workflows.yaml")
}

func TestResolve(t *testing.T) {
	reg, err := workflow.LoadRegistry(writeRegistry(t, "txt2vid.json", "txt2vid.yaml", "flux.json", "flux.yaml"))
	require.NoError(t, err)

	desc, ok := reg.Resolve("1")
	require.True(t, ok)
	assert.Equal(t, "txt2vid", desc.TaskType)
	assert.Equal(t, "hunyuan", desc.Output.Prefix)
	assert.Equal(t, "mp4", desc.Output.Extension)

	_, ok = reg.Resolve("404")
	assert.False(t, ok)
}

func TestIsTaskTypeValid(t *testing.T) {
	reg, err := workflow.LoadRegistry(writeRegistry(t))
	require.NoError(t, err)

	assert.True(t, reg.IsTaskTypeValid("1", "txt2vid"))
	assert.False(t, reg.IsTaskTypeValid("1", "txt2img"))
	assert.False(t, reg.IsTaskTypeValid("404", "txt2vid"))
}

func TestSupportedIds(t *testing.T) {
	reg, err := workflow.LoadRegistry(writeRegistry(t, "txt2vid.json", "txt2vid.yaml", "flux.json", "flux.yaml"))
	require.NoError(t, err)

	ids, err := reg.SupportedIds([]string{"hunyuan-fp8"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)

	ids, err = reg.SupportedIds([]string{"hunyuan-fp8", "all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestSupportedIdsUnknownSet(t *testing.T) {
	reg, err := workflow.LoadRegistry(writeRegistry(t, "txt2vid.json", "txt2vid.yaml"))
	require.NoError(t, err)

	_, err = reg.SupportedIds([]string{"nope"})
	assert.ErrorContains(t, err, "unknown workflow set")

	_, err = reg.SupportedIds([]string{"broken"})
	assert.ErrorContains(t, err, "unknown workflow")
}

func TestSupportedIdsMissingFiles(t *testing.T) {
	// Manifest is valid but the flux pipeline files are not installed.
	reg, err := workflow.LoadRegistry(writeRegistry(t, "txt2vid.json", "txt2vid.yaml"))
	require.NoError(t, err)

	_, err = reg.SupportedIds([]string{"hunyuan-fp8"})
	assert.NoError(t, err)

	_, err = reg.SupportedIds([]string{"flux"})
	assert.ErrorContains(t, err, "missing pipeline file")
}

func TestLoadRegistryErrors(t *testing.T) {
	_, err := workflow.LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workflows: [not a map"), 0o644))
	_, err = workflow.LoadRegistry(bad)
	assert.Error(t, err)
}
