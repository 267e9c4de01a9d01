package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/pkg/errors"
)

// MultiSink fans a record out to several sinks. A failing sink does not stop
// the others; the failures are combined into one error.
type MultiSink struct {
	sinks  []Sink
	logger *logrus.Logger
}

// NewMultiSink combines sinks.
func NewMultiSink(logger *logrus.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Name() string {
	names := make([]string, len(m.sinks))
	for i, sink := range m.sinks {
		names[i] = sink.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Sinks returns the wrapped sinks.
func (m *MultiSink) Sinks() []Sink {
	return m.sinks
}

func (m *MultiSink) Write(ctx context.Context, record *Record) error {
	var failed []string
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, record); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"sink":     sink.Name(),
				"audit_id": record.ID,
			}).Error("Failed to write audit record")
			failed = append(failed, fmt.Sprintf("%s: %v", sink.Name(), err))
		}
	}
	if len(failed) > 0 {
		return errors.NewStorageError(errors.CodeWriteFailed, "audit write failed").
			WithDetails(strings.Join(failed, "; "))
	}
	return nil
}

func (m *MultiSink) Close() error {
	var failed []string
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", sink.Name(), err))
		}
	}
	if len(failed) > 0 {
		return errors.NewStorageError("CLOSE_FAILED", "audit close failed").
			WithDetails(strings.Join(failed, "; "))
	}
	return nil
}
