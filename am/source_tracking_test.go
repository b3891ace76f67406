package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeLayers creates a user config under a fake HOME and a project config in
// a fresh working directory.
func writeLayers(t *testing.T, user, project string) (userPath, projectPath string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	userDir := filepath.Join(home, ".vigil")
	require.NoError(t, os.MkdirAll(userDir, DefaultDirPermissions))
	if user != "" {
		userPath = filepath.Join(userDir, ConfigFileName)
		require.NoError(t, os.WriteFile(userPath, []byte(user), DefaultFilePermissions))
	}

	projectDir := t.TempDir()
	t.Chdir(projectDir)
	if project != "" {
		projectPath = filepath.Join(projectDir, ConfigFileName)
		require.NoError(t, os.WriteFile(projectPath, []byte(project), DefaultFilePermissions))
	}
	return userPath, projectPath
}

func TestLoad_MergesLayersInPrecedenceOrder(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	_, projectPath := writeLayers(t, `
[database]
path = "user.db"

[guardrails]
cpu_threshold_pct = 60
min_disk_gb = 25
`, `
[database]
path = "project.db"

[guardrails]
cpu_threshold_pct = 75
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "project.db", cfg.Database.Path, "project overrides user")
	assert.Equal(t, 75.0, cfg.Guardrails.CPUThresholdPct, "project overrides user")
	assert.Equal(t, 25.0, cfg.Guardrails.MinDiskGB, "user-only key survives the merge")
	assert.Equal(t, 300, cfg.Admission.MaxDelaySeconds, "unset keys keep defaults")

	resolved, err := filepath.EvalSymlinks(ActiveConfigFile())
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(projectPath)
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	writeLayers(t, "", `
[database]
path = "project.db"
`)
	t.Setenv("VIGIL_DATABASE_PATH", "env.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database.Path)
}

func TestLoad_CachesUntilReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	_, projectPath := writeLayers(t, "", `
[admission]
interval_seconds = 7
`)
	first, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, first.Admission.IntervalSeconds)

	require.NoError(t, os.WriteFile(projectPath, []byte("[admission]\ninterval_seconds = 9\n"), DefaultFilePermissions))
	cached, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, cached)

	Reset()
	reloaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.Admission.IntervalSeconds)
}

func TestActiveConfigFile_NoneFound(t *testing.T) {
	writeLayers(t, "", "")
	if _, err := os.Stat("/etc/vigil/" + ConfigFileName); err == nil {
		t.Skip("system config present")
	}
	assert.Empty(t, ActiveConfigFile())
}
