package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/pkg/errors"
)

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr         string        `json:"addr" mapstructure:"addr"`
	Password     string        `json:"password" mapstructure:"password"`
	DB           int           `json:"db" mapstructure:"db"`
	KeyPrefix    string        `json:"key_prefix" mapstructure:"key_prefix"`
	Stream       string        `json:"stream" mapstructure:"stream"`
	StreamMaxLen int64         `json:"stream_max_len" mapstructure:"stream_max_len"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize     int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
}

// RedisSink appends audit records to a capped Redis stream.
type RedisSink struct {
	config *RedisConfig
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisSink creates a Redis sink. Call Connect before writing.
func NewRedisSink(config *RedisConfig, logger *logrus.Logger) (*RedisSink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis config cannot be nil")
	}
	if config.Addr == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis address is required")
	}
	if config.Stream == "" {
		config.Stream = "privacy-audit"
	}
	if config.StreamMaxLen == 0 {
		config.StreamMaxLen = 100000
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &RedisSink{config: config, logger: logger}, nil
}

// Connect opens the client and verifies the server is reachable.
func (s *RedisSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         s.config.Addr,
		Password:     s.config.Password,
		DB:           s.config.DB,
		DialTimeout:  s.config.DialTimeout,
		WriteTimeout: s.config.WriteTimeout,
		PoolSize:     s.config.PoolSize,
		MaxRetries:   s.config.MaxRetries,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to Redis")
	}

	s.client = client
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"addr":   s.config.Addr,
		"db":     s.config.DB,
		"stream": s.streamKey(),
	}).Info("Connected to Redis audit stream")

	return nil
}

func (s *RedisSink) Name() string {
	return "redis"
}

// Write appends the record with XADD, trimming the stream to roughly
// StreamMaxLen entries.
func (s *RedisSink) Write(ctx context.Context, record *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(),
		MaxLen: s.config.StreamMaxLen,
		Approx: true,
		Values: record.Values(),
	}).Err()
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to append audit record to Redis")
	}
	return nil
}

func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.client == nil {
		s.closed = true
		return nil
	}

	err := s.client.Close()
	s.client = nil
	s.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close Redis connection")
	}
	return nil
}

func (s *RedisSink) streamKey() string {
	if s.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:stream:%s", s.config.KeyPrefix, s.config.Stream)
	}
	return fmt.Sprintf("stream:%s", s.config.Stream)
}
