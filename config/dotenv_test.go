package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("sets unset variables", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bridge.env")
		require.NoError(t, os.WriteFile(path, []byte("MQTT_TOPIC=from/dotenv\nAPI_TIMEOUT=2500\n"), 0644))

		// t.Setenv registers the restore; the variables start out unset.
		t.Setenv("MQTT_TOPIC", "")
		t.Setenv("API_TIMEOUT", "")
		require.NoError(t, os.Unsetenv("MQTT_TOPIC"))
		require.NoError(t, os.Unsetenv("API_TIMEOUT"))

		require.NoError(t, LoadEnvFile(path))
		assert.Equal(t, "from/dotenv", os.Getenv("MQTT_TOPIC"))

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "from/dotenv", cfg.MQTT.Topic)
		assert.Equal(t, 2500, cfg.API.TimeoutMs)
	})

	t.Run("process environment wins", func(t *testing.T) {
		path := filepath.Join(tmpDir, "override.env")
		require.NoError(t, os.WriteFile(path, []byte("MQTT_TOPIC=from/dotenv\n"), 0644))
		t.Setenv("MQTT_TOPIC", "from/process")

		require.NoError(t, LoadEnvFile(path))
		assert.Equal(t, "from/process", os.Getenv("MQTT_TOPIC"))
	})

	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, LoadEnvFile(filepath.Join(tmpDir, "absent.env")))
	})

	t.Run("unreadable file", func(t *testing.T) {
		// a directory exists but cannot be parsed as a dotenv file
		assert.Error(t, LoadEnvFile(tmpDir))
	})
}
