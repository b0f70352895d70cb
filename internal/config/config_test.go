package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MODEL_PATH", "")
	v, err := NewViper(newFlags(t))
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadFlagsOverride(t *testing.T) {
	v, err := NewViper(newFlags(t, "--port", "8080", "--source", "simulator", "--emit-every", "5", "--frame-interval", "50ms", "--max-upload-pixels", "1000"))
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, SourceSimulator, cfg.Source)
	assert.Equal(t, 5, cfg.EmitEvery)
	assert.Equal(t, 50*time.Millisecond, cfg.FrameInterval)
	assert.Equal(t, 1000, cfg.MaxUploadPixels)
}

func TestLoadHonorsPortAndModelPathEnv(t *testing.T) {
	t.Setenv("PORT", "7001")
	t.Setenv("MODEL_PATH", "custom.pt")
	t.Setenv("DETECT_JPEG_QUALITY", "60")

	v, err := NewViper(newFlags(t))
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "custom.pt", cfg.ModelPath)
	assert.Equal(t, 60, cfg.JPEGQuality)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector: http\nscore-threshold: 0.5\n"), 0o644))

	v, err := NewViper(newFlags(t, "--config", path))
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, DetectorHTTP, cfg.Detector)
	assert.InDelta(t, 0.5, cfg.ScoreThreshold, 1e-9)
}

func TestLoadDebugForcesSimulator(t *testing.T) {
	v, err := NewViper(newFlags(t, "--debug"))
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, SourceSimulator, cfg.Source)
	assert.Equal(t, DetectorSimulator, cfg.Detector)
}

func TestLoadRejectsUnknownSource(t *testing.T) {
	v, err := NewViper(newFlags(t, "--source", "floppy"))
	require.NoError(t, err)
	_, err = Load(v)
	assert.Error(t, err)
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	v, err := NewViper(newFlags(t, "--emit-every", "0", "--jpeg-quality", "500", "--width", "0"))
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.EmitEvery)
	assert.Equal(t, Defaults().JPEGQuality, cfg.JPEGQuality)
	assert.Equal(t, Defaults().Width, cfg.Width)
}
