package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// Status values of an audit record.
const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Record is the privacy cost of one processed update. Records are the input
// of an external accountant; nothing here composes them across rounds.
type Record struct {
	ID             string    `json:"id"`
	UpdateID       string    `json:"update_id"`
	ClientID       string    `json:"client_id,omitempty"`
	Round          int       `json:"round"`
	Technique      string    `json:"technique"`
	Status         string    `json:"status"`
	GuaranteeModel string    `json:"guarantee_model"`
	FormalDP       bool      `json:"formal_dp"`
	Epsilon        float64   `json:"epsilon"`
	Delta          float64   `json:"delta"`
	Alpha          float64   `json:"alpha"`
	EpsilonBar     float64   `json:"epsilon_bar"`
	NoiseScale     float64   `json:"noise_scale"`
	UtilityLoss    float64   `json:"utility_loss"`
	Elements       int       `json:"elements"`
	Scalars        int       `json:"scalars"`
	StepCount      int       `json:"step_count"`
	DurationMs     float64   `json:"duration_ms"`
	Stage          string    `json:"stage,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	Worker         string    `json:"worker,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Sink persists audit records.
type Sink interface {
	Name() string
	Write(ctx context.Context, record *Record) error
	Close() error
}

// NewRecord builds the record of a successful application. env may be nil
// when the update did not arrive in an envelope.
func NewRecord(result *privacy.Result, env *models.UpdateEnvelope) *Record {
	g := result.Guarantee
	record := &Record{
		ID:             uuid.New().String(),
		UpdateID:       result.ID,
		Technique:      result.Technique.String(),
		Status:         StatusApplied,
		GuaranteeModel: string(g.Model),
		FormalDP:       g.FormalDP,
		Epsilon:        g.Epsilon,
		Delta:          g.Delta,
		Alpha:          g.Alpha,
		EpsilonBar:     g.EpsilonBar,
		NoiseScale:     result.NoiseScale,
		UtilityLoss:    result.UtilityLoss,
		Elements:       result.Elements,
		Scalars:        result.Scalars,
		StepCount:      result.StepCount,
		DurationMs:     float64(result.Duration) / float64(time.Millisecond),
		RecordedAt:     result.ProcessedAt,
	}
	if env != nil {
		record.ClientID = env.ClientID
		record.Round = env.Round
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}
	return record
}

// NewFailureRecord builds the record of an update the filter refused or
// could not process. No privacy cost is charged for it.
func NewFailureRecord(env *models.UpdateEnvelope, technique privacy.Technique, err error) *Record {
	record := &Record{
		ID:             uuid.New().String(),
		Technique:      technique.String(),
		Status:         StatusFailed,
		GuaranteeModel: string(privacy.GuaranteeNone),
		RecordedAt:     time.Now(),
	}
	if env != nil {
		record.UpdateID = env.ID
		record.ClientID = env.ClientID
		record.Round = env.Round
		record.StepCount = env.StepCount
	}
	if err != nil {
		record.Error = err.Error()
		var appErr *errors.AppError
		if errors.As(err, &appErr) {
			record.ErrorCode = appErr.Code
			if stage, ok := appErr.Context["stage"].(string); ok {
				record.Stage = stage
				if stage == privacy.StateValidating.String() {
					record.Status = StatusRejected
				}
			}
		}
	}
	return record
}

// Fields returns the record as log fields.
func (r *Record) Fields() logrus.Fields {
	fields := logrus.Fields{
		"audit_id":        r.ID,
		"update_id":       r.UpdateID,
		"round":           r.Round,
		"technique":       r.Technique,
		"status":          r.Status,
		"guarantee_model": r.GuaranteeModel,
		"formal_dp":       r.FormalDP,
		"noise_scale":     r.NoiseScale,
		"elements":        r.Elements,
	}
	if r.ClientID != "" {
		fields["client_id"] = r.ClientID
	}
	if r.Epsilon != 0 {
		fields["epsilon"] = r.Epsilon
	}
	if r.Delta != 0 {
		fields["delta"] = r.Delta
	}
	if r.Alpha != 0 {
		fields["alpha"] = r.Alpha
		fields["epsilon_bar"] = r.EpsilonBar
	}
	if r.ErrorCode != "" {
		fields["error_code"] = r.ErrorCode
		fields["stage"] = r.Stage
	}
	return fields
}

// Values flattens the record into string values for stream entries.
func (r *Record) Values() map[string]interface{} {
	return map[string]interface{}{
		"id":              r.ID,
		"update_id":       r.UpdateID,
		"client_id":       r.ClientID,
		"round":           strconv.Itoa(r.Round),
		"technique":       r.Technique,
		"status":          r.Status,
		"guarantee_model": r.GuaranteeModel,
		"formal_dp":       strconv.FormatBool(r.FormalDP),
		"epsilon":         formatFloat(r.Epsilon),
		"delta":           formatFloat(r.Delta),
		"alpha":           formatFloat(r.Alpha),
		"epsilon_bar":     formatFloat(r.EpsilonBar),
		"noise_scale":     formatFloat(r.NoiseScale),
		"utility_loss":    formatFloat(r.UtilityLoss),
		"elements":        strconv.Itoa(r.Elements),
		"scalars":         strconv.Itoa(r.Scalars),
		"step_count":      strconv.Itoa(r.StepCount),
		"duration_ms":     formatFloat(r.DurationMs),
		"stage":           r.Stage,
		"error_code":      r.ErrorCode,
		"error":           r.Error,
		"worker":          r.Worker,
		"recorded_at":     r.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
