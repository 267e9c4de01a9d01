package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/inferloop/fldp/internal/audit"
	"github.com/inferloop/fldp/internal/observability/metrics"
	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/internal/storage"
	"github.com/inferloop/fldp/internal/storage/implementations/file"
	"github.com/inferloop/fldp/internal/storage/implementations/s3"
	"github.com/inferloop/fldp/pkg/constants"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

type CLIConfig struct {
	Privacy PrivacySection           `mapstructure:"privacy"`
	Store   storage.Config           `mapstructure:"store"`
	Audit   audit.Config             `mapstructure:"audit"`
	Metrics metrics.PrometheusConfig `mapstructure:"metrics"`
	Log     LogSection               `mapstructure:"log"`
}

// PrivacySection holds the filter settings. A zero seed selects the secure
// noise source.
type PrivacySection struct {
	Technique    string   `mapstructure:"technique"`
	Epsilon      float64  `mapstructure:"epsilon"`
	Delta        float64  `mapstructure:"delta"`
	Gamma        float64  `mapstructure:"gamma"`
	Sensitivity  float64  `mapstructure:"sensitivity"`
	Alpha        float64  `mapstructure:"alpha"`
	EpsilonBar   float64  `mapstructure:"epsilon_bar"`
	ClipQuantile float64  `mapstructure:"clip_quantile"`
	Seed         uint64   `mapstructure:"seed"`
	DataKinds    []string `mapstructure:"data_kinds"`
}

type LogSection struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options converts the section to filter options.
func (p PrivacySection) Options() privacy.Options {
	return privacy.Options{
		Technique:    p.Technique,
		Epsilon:      p.Epsilon,
		Delta:        p.Delta,
		Gamma:        p.Gamma,
		Sensitivity:  p.Sensitivity,
		Alpha:        p.Alpha,
		EpsilonBar:   p.EpsilonBar,
		ClipQuantile: p.ClipQuantile,
	}
}

// NoiseSource returns a seeded source when a seed is set.
func (p PrivacySection) NoiseSource() privacy.NoiseSource {
	if p.Seed != 0 {
		return privacy.NewSeededSource(p.Seed)
	}
	return privacy.NewSecureSource()
}

// SupportedDataKinds parses the configured data kinds. Empty means all.
func (p PrivacySection) SupportedDataKinds() ([]models.DataKind, error) {
	kinds := make([]models.DataKind, 0, len(p.DataKinds))
	for _, raw := range p.DataKinds {
		kind := models.DataKind(strings.ToUpper(strings.TrimSpace(raw)))
		if kind != models.DataKindWeights && kind != models.DataKindWeightDiff {
			return nil, errors.NewUnsupportedDataKindError(string(kind))
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Validate checks every section without connecting to anything.
func (c *CLIConfig) Validate() error {
	if _, err := privacy.NewPrivacyConfig(c.Privacy.Options()); err != nil {
		return err
	}
	if _, err := c.Privacy.SupportedDataKinds(); err != nil {
		return err
	}

	factory := storage.NewFactory(nil)
	if !factory.IsSupported(c.Store.Type) {
		return errors.NewConfigurationError("UNSUPPORTED_TYPE", fmt.Sprintf("Store type '%s' is not supported", c.Store.Type))
	}
	if _, err := factory.CreateStore(&c.Store); err != nil {
		return err
	}

	for _, sinkType := range c.Audit.Sinks {
		if _, err := audit.NewSink(sinkType, &c.Audit, nil); err != nil {
			return err
		}
	}

	return nil
}

func defaults(v *viper.Viper) {
	opts := privacy.DefaultOptions()
	v.SetDefault("privacy.technique", opts.Technique)
	v.SetDefault("privacy.epsilon", opts.Epsilon)
	v.SetDefault("privacy.delta", opts.Delta)
	v.SetDefault("privacy.gamma", opts.Gamma)
	v.SetDefault("privacy.sensitivity", opts.Sensitivity)
	v.SetDefault("privacy.alpha", opts.Alpha)
	v.SetDefault("privacy.epsilon_bar", opts.EpsilonBar)
	v.SetDefault("privacy.clip_quantile", opts.ClipQuantile)
	v.SetDefault("privacy.seed", 0)

	v.SetDefault("store.type", storage.StoreTypeFile)
	v.SetDefault("store.file.base_path", constants.DefaultStoreBasePath)
	v.SetDefault("store.file.create_dirs", true)
	v.SetDefault("store.file.compression", false)
	v.SetDefault("store.s3.region", constants.DefaultS3Region)

	v.SetDefault("audit.sinks", []string{audit.SinkLog})

	m := metrics.DefaultPrometheusConfig()
	v.SetDefault("metrics.enabled", m.Enabled)
	v.SetDefault("metrics.addr", m.Addr)
	v.SetDefault("metrics.path", m.Path)
	v.SetDefault("metrics.namespace", m.Namespace)

	v.SetDefault("log.level", constants.DefaultLogLevel)
	v.SetDefault("log.format", constants.DefaultLogFormat)
}

// LoadConfig reads the config file, FLDP_* environment variables and defaults.
// A missing default config file is not an error.
func LoadConfig(cfgFile string) (*CLIConfig, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		v.AddConfigPath(filepath.Join(home, constants.DefaultConfigDir))
		v.SetConfigName(constants.DefaultConfigName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &CLIConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Store.File == nil {
		config.Store.File = &file.Config{}
	}
	if config.Store.S3 == nil {
		config.Store.S3 = &s3.Config{}
	}

	return config, nil
}

// SaveConfig writes the config as yaml, to the default path when cfgFile is empty.
func SaveConfig(config *CLIConfig, cfgFile string) error {
	if cfgFile == "" {
		configDir := filepath.Dir(GetDefaultConfigPath())
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
		cfgFile = GetDefaultConfigPath()
	}

	v := viper.New()

	p := config.Privacy
	v.Set("privacy.technique", p.Technique)
	v.Set("privacy.epsilon", p.Epsilon)
	v.Set("privacy.delta", p.Delta)
	v.Set("privacy.gamma", p.Gamma)
	v.Set("privacy.sensitivity", p.Sensitivity)
	v.Set("privacy.alpha", p.Alpha)
	v.Set("privacy.epsilon_bar", p.EpsilonBar)
	v.Set("privacy.clip_quantile", p.ClipQuantile)
	v.Set("privacy.seed", p.Seed)
	if len(p.DataKinds) > 0 {
		v.Set("privacy.data_kinds", p.DataKinds)
	}

	v.Set("store.type", config.Store.Type)
	if f := config.Store.File; f != nil {
		v.Set("store.file.base_path", f.BasePath)
		v.Set("store.file.compression", f.Compression)
		v.Set("store.file.create_dirs", f.CreateDirs)
	}
	if s := config.Store.S3; s != nil && s.Bucket != "" {
		v.Set("store.s3.bucket", s.Bucket)
		v.Set("store.s3.prefix", s.Prefix)
		v.Set("store.s3.region", s.Region)
		v.Set("store.s3.endpoint", s.Endpoint)
		v.Set("store.s3.force_path_style", s.ForcePathStyle)
		v.Set("store.s3.compression", s.Compression)
	}

	v.Set("audit.sinks", config.Audit.Sinks)

	v.Set("metrics.enabled", config.Metrics.Enabled)
	v.Set("metrics.addr", config.Metrics.Addr)
	v.Set("metrics.path", config.Metrics.Path)
	v.Set("metrics.namespace", config.Metrics.Namespace)

	v.Set("log.level", config.Log.Level)
	v.Set("log.format", config.Log.Format)

	return v.WriteConfigAs(cfgFile)
}

func GetDefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, constants.DefaultConfigDir, constants.DefaultConfigName+".yaml")
}
