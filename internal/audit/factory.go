package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/pkg/errors"
)

// Sink type names accepted in configuration.
const (
	SinkLog      = "log"
	SinkRedis    = "redis"
	SinkInfluxDB = "influxdb"
	SinkPostgres = "postgres"
)

// Config selects and configures audit sinks.
type Config struct {
	Sinks    []string       `json:"sinks" mapstructure:"sinks"`
	Redis    RedisConfig    `json:"redis" mapstructure:"redis"`
	InfluxDB InfluxDBConfig `json:"influxdb" mapstructure:"influxdb"`
	Postgres PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

type connector interface {
	Connect(ctx context.Context) error
}

// NewSink builds one sink by type without connecting it.
func NewSink(sinkType string, config *Config, logger *logrus.Logger) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(sinkType)) {
	case SinkLog:
		return NewLogSink(logger), nil
	case SinkRedis:
		return NewRedisSink(&config.Redis, logger)
	case SinkInfluxDB:
		return NewInfluxSink(&config.InfluxDB, logger)
	case SinkPostgres:
		return NewPostgresSink(&config.Postgres, logger)
	default:
		return nil, errors.NewConfigurationError("UNSUPPORTED_SINK", fmt.Sprintf("Audit sink type '%s' is not supported", sinkType))
	}
}

// Open builds and connects every configured sink. With no sinks configured
// records go to the log. Sinks already connected are closed if a later one
// fails.
func Open(ctx context.Context, config *Config, logger *logrus.Logger) (*MultiSink, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	types := config.Sinks
	if len(types) == 0 {
		types = []string{SinkLog}
	}

	sinks := make([]Sink, 0, len(types))
	closeAll := func() {
		for _, sink := range sinks {
			sink.Close()
		}
	}

	for _, sinkType := range types {
		sink, err := NewSink(sinkType, config, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		if c, ok := sink.(connector); ok {
			if err := c.Connect(ctx); err != nil {
				closeAll()
				return nil, err
			}
		}
		sinks = append(sinks, sink)
	}

	logger.WithField("sinks", types).Info("Audit sinks ready")

	return NewMultiSink(logger, sinks...), nil
}
