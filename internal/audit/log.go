package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSink writes audit records to a logger.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Write(_ context.Context, record *Record) error {
	entry := s.logger.WithFields(record.Fields())
	if record.Status == StatusApplied {
		entry.Info("Privacy audit record")
	} else {
		entry.WithField("error", record.Error).Warn("Privacy audit record")
	}
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
