package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeTempConfig(t, "dialogue:\n  threshold: 0.9\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Dialogue.Threshold)
	assert.Equal(t, 10, cfg.Dialogue.HistoryLength)
	assert.Equal(t, 4*time.Second, cfg.Dialogue.MaxSilenceTime)
	assert.Equal(t, 700*time.Millisecond, cfg.ASR.SilenceThreshold)
	assert.Equal(t, 16000, cfg.ASR.SampleRate)
	assert.Equal(t, "aura-asteria-en", cfg.TTS.Model)
	assert.Equal(t, 10, cfg.Bus.BufferSize)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := writeTempConfig(t, "dialogue:\n  history_length: 5\n")
	t.Setenv("REMDIS_DIALOGUE_HISTORY_LENGTH", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Dialogue.HistoryLength)
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	cfg := Config{Dialogue: Dialogue{Threshold: 1.5, MaxMessageNumInContext: 1}, HTTPServer: HTTPServer{Address: ":8080"}}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
}
