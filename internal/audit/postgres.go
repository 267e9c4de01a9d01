package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/pkg/errors"
)

// PostgresConfig configures the PostgreSQL sink.
type PostgresConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	Database        string        `json:"database" mapstructure:"database"`
	Username        string        `json:"username" mapstructure:"username"`
	Password        string        `json:"password" mapstructure:"password"`
	SSLMode         string        `json:"ssl_mode" mapstructure:"ssl_mode"`
	Table           string        `json:"table" mapstructure:"table"`
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// PostgresSink inserts audit records into a table.
type PostgresSink struct {
	config *PostgresConfig
	driver string
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewPostgresSink creates a PostgreSQL sink. Call Connect before writing.
func NewPostgresSink(config *PostgresConfig, logger *logrus.Logger) (*PostgresSink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "PostgreSQL config cannot be nil")
	}
	if config.Host == "" || config.Database == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "PostgreSQL host and database are required")
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.Table == "" {
		config.Table = "privacy_audit"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &PostgresSink{config: config, driver: "postgres", logger: logger}, nil
}

func (s *PostgresSink) connectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.config.Host,
		s.config.Port,
		s.config.Username,
		s.config.Password,
		s.config.Database,
		s.config.SSLMode,
	)
}

// Connect opens the pool, pings the server and creates the audit table.
func (s *PostgresSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.driver, s.connectionString())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to open database connection")
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "PING_FAILED", "Failed to ping database")
	}

	if _, err := db.ExecContext(ctx, s.createTableSQL()); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "SCHEMA_INIT_FAILED", "Failed to initialize audit table")
	}

	s.db = db

	s.logger.WithFields(logrus.Fields{
		"host":     s.config.Host,
		"port":     s.config.Port,
		"database": s.config.Database,
		"table":    s.config.Table,
	}).Info("Connected to PostgreSQL audit table")

	return nil
}

func (s *PostgresSink) Name() string {
	return "postgres"
}

func (s *PostgresSink) Write(ctx context.Context, record *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return errors.NewStorageError("NOT_CONNECTED", "PostgreSQL not connected")
	}

	_, err := s.db.ExecContext(ctx, s.insertSQL(),
		record.ID,
		record.UpdateID,
		record.ClientID,
		record.Round,
		record.Technique,
		record.Status,
		record.GuaranteeModel,
		record.FormalDP,
		record.Epsilon,
		record.Delta,
		record.Alpha,
		record.EpsilonBar,
		record.NoiseScale,
		record.UtilityLoss,
		record.Elements,
		record.Scalars,
		record.StepCount,
		record.DurationMs,
		record.Stage,
		record.ErrorCode,
		record.Error,
		record.Worker,
		record.RecordedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to insert audit record")
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close database connection")
	}
	return nil
}

func (s *PostgresSink) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	update_id TEXT NOT NULL,
	client_id TEXT,
	round INTEGER NOT NULL,
	technique TEXT NOT NULL,
	status TEXT NOT NULL,
	guarantee_model TEXT NOT NULL,
	formal_dp BOOLEAN NOT NULL,
	epsilon DOUBLE PRECISION,
	delta DOUBLE PRECISION,
	alpha DOUBLE PRECISION,
	epsilon_bar DOUBLE PRECISION,
	noise_scale DOUBLE PRECISION,
	utility_loss DOUBLE PRECISION,
	elements INTEGER,
	scalars INTEGER,
	step_count INTEGER,
	duration_ms DOUBLE PRECISION,
	stage TEXT,
	error_code TEXT,
	error TEXT,
	worker TEXT,
	recorded_at TIMESTAMPTZ NOT NULL
)`, pq.QuoteIdentifier(s.config.Table))
}

func (s *PostgresSink) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (
	id, update_id, client_id, round, technique, status, guarantee_model, formal_dp,
	epsilon, delta, alpha, epsilon_bar, noise_scale, utility_loss, elements, scalars,
	step_count, duration_ms, stage, error_code, error, worker, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		pq.QuoteIdentifier(s.config.Table))
}
