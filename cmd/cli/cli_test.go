package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--env-file", ""})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version: dev")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ADPILOT_CLI_TEST_VALUE=from-file\n"), 0o600))
	t.Setenv("ADPILOT_CLI_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("ADPILOT_CLI_TEST_VALUE"))

	old := envFile
	t.Cleanup(func() { envFile = old })
	envFile = path
	loadEnvFile()
	assert.Equal(t, "from-file", os.Getenv("ADPILOT_CLI_TEST_VALUE"))

	// 文件不存在时静默忽略
	envFile = filepath.Join(dir, "missing.env")
	loadEnvFile()
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "evaluate", "dlq", "migrate", "version"} {
		assert.True(t, names[want], want)
	}
}
