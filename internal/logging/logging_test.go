package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	logger, err := Build(nil)
	require.NoError(t, err)
	defer logger.Sync()
	assert.NotNil(t, logger)
}

func TestBuildRejectsBadLevel(t *testing.T) {
	_, err := Build(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestBuildJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shepherd.log")
	logger, err := Build(&Config{
		Level:    "debug",
		Encoding: "json",
		Outputs:  []string{path},
	})
	require.NoError(t, err)

	logger.Info("hello")
	logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logging.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
level: warn
encoding: json
outputs: [stderr]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, []string{"stderr"}, cfg.Outputs)
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logging.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"level": "debug", "encoding": "console"}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Level)

	_, err = Build(cfg)
	assert.NoError(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
