package audit

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/pkg/errors"
)

// InfluxDBConfig configures the InfluxDB sink.
type InfluxDBConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	Token        string        `json:"token" mapstructure:"token"`
	Organization string        `json:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" mapstructure:"bucket"`
	Measurement  string        `json:"measurement" mapstructure:"measurement"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	UseGZip      bool          `json:"use_gzip" mapstructure:"use_gzip"`
}

// InfluxSink writes one point per audit record.
type InfluxSink struct {
	config    *InfluxDBConfig
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	logger    *logrus.Logger
	connected bool
}

// NewInfluxSink creates an InfluxDB sink. Call Connect before writing.
func NewInfluxSink(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxSink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "InfluxDB config cannot be nil")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "InfluxDB url and bucket are required")
	}
	if config.Measurement == "" {
		config.Measurement = "privacy_audit"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &InfluxSink{config: config, logger: logger}, nil
}

// Connect creates the client and pings the server.
func (s *InfluxSink) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetUseGZip(s.config.UseGZip)
	options.SetHTTPRequestTimeout(uint(s.config.Timeout / time.Second))
	options.SetPrecision(time.Millisecond)

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to InfluxDB")
	}
	if !ok {
		client.Close()
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB audit bucket")

	return nil
}

func (s *InfluxSink) Name() string {
	return "influxdb"
}

func (s *InfluxSink) Write(ctx context.Context, record *Record) error {
	if !s.connected {
		return errors.NewStorageError("NOT_CONNECTED", "Not connected to InfluxDB")
	}

	if err := s.writeAPI.WritePoint(ctx, s.point(record)); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write audit point to InfluxDB")
	}
	return nil
}

func (s *InfluxSink) Close() error {
	if !s.connected {
		return nil
	}
	s.client.Close()
	s.connected = false
	s.logger.Info("Disconnected from InfluxDB")
	return nil
}

func (s *InfluxSink) point(record *Record) *write.Point {
	p := influxdb2.NewPointWithMeasurement(s.config.Measurement).
		AddTag("technique", record.Technique).
		AddTag("status", record.Status).
		AddTag("guarantee_model", record.GuaranteeModel).
		AddField("update_id", record.UpdateID).
		AddField("round", record.Round).
		AddField("formal_dp", record.FormalDP).
		AddField("epsilon", record.Epsilon).
		AddField("delta", record.Delta).
		AddField("alpha", record.Alpha).
		AddField("epsilon_bar", record.EpsilonBar).
		AddField("noise_scale", record.NoiseScale).
		AddField("utility_loss", record.UtilityLoss).
		AddField("elements", record.Elements).
		AddField("step_count", record.StepCount).
		AddField("duration_ms", record.DurationMs).
		SetTime(record.RecordedAt)

	if record.ClientID != "" {
		p.AddTag("client_id", record.ClientID)
	}
	if record.Worker != "" {
		p.AddTag("worker", record.Worker)
	}
	if record.ErrorCode != "" {
		p.AddField("error_code", record.ErrorCode)
	}
	return p
}
