package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, privacy.DefaultOptions(), cfg.Privacy.Options())
	assert.Equal(t, "file", cfg.Store.Type)
	assert.Equal(t, "./updates", cfg.Store.File.BasePath)
	assert.Equal(t, []string{"log"}, cfg.Audit.Sinks)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "secure", cfg.Privacy.NoiseSource().Name())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `privacy:
  technique: gaussian
  epsilon: 2
  delta: 0.00001
  seed: 9
  data_kinds: [weight_diff]
store:
  type: s3
  s3:
    bucket: fl-updates
    prefix: site-1
audit:
  sinks: [log, redis]
  redis:
    addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	t.Setenv("FLDP_PRIVACY_GAMMA", "0.25")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "gaussian", cfg.Privacy.Technique)
	assert.Equal(t, 2.0, cfg.Privacy.Epsilon)
	assert.Equal(t, 0.25, cfg.Privacy.Gamma)
	assert.Equal(t, "seeded", cfg.Privacy.NoiseSource().Name())
	assert.Equal(t, "fl-updates", cfg.Store.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.Store.S3.Region)
	assert.Equal(t, "localhost:6379", cfg.Audit.Redis.Addr)

	kinds, err := cfg.Privacy.SupportedDataKinds()
	require.NoError(t, err)
	assert.Equal(t, []models.DataKind{models.DataKindWeightDiff}, kinds)

	require.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
		target error
	}{
		{"unknown technique", func(c *CLIConfig) { c.Privacy.Technique = "unknown" }, errors.ErrInvalidConfig},
		{"bad data kind", func(c *CLIConfig) { c.Privacy.DataKinds = []string{"METRICS"} }, errors.ErrUnsupportedDataKind},
		{"unknown store", func(c *CLIConfig) { c.Store.Type = "ftp" }, nil},
		{"s3 without bucket", func(c *CLIConfig) { c.Store.Type = "s3" }, nil},
		{"unknown sink", func(c *CLIConfig) { c.Audit.Sinks = []string{"kafka"} }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, errors.Is(err, tt.target))
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "in.yaml")
	require.NoError(t, os.WriteFile(source, []byte("privacy:\n  technique: rdp_gaussian\n  alpha: 12\n"), 0644))

	cfg, err := LoadConfig(source)
	require.NoError(t, err)

	target := filepath.Join(dir, "out.yaml")
	require.NoError(t, SaveConfig(cfg, target))

	reloaded, err := LoadConfig(target)
	require.NoError(t, err)
	assert.Equal(t, cfg.Privacy, reloaded.Privacy)
	assert.Equal(t, cfg.Store.Type, reloaded.Store.Type)
	assert.Equal(t, cfg.Store.File.BasePath, reloaded.Store.File.BasePath)
	assert.Equal(t, cfg.Log, reloaded.Log)
}
