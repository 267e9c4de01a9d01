package privacy

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	fmath "github.com/inferloop/fldp/internal/utils/math"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// FilterState is a stage of a single Process call.
type FilterState int

const (
	StateIdle FilterState = iota
	StateValidating
	StateFlattening
	StateNoising
	StateReshaping
	StateDone
	StateRejected
	StateFailed
)

var stateNames = map[FilterState]string{
	StateIdle:       "idle",
	StateValidating: "validating",
	StateFlattening: "flattening",
	StateNoising:    "noising",
	StateReshaping:  "reshaping",
	StateDone:       "done",
	StateRejected:   "rejected",
	StateFailed:     "failed",
}

func (s FilterState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s FilterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen from s.
func (s FilterState) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed
}

// Observer is notified after every Process call.
type Observer interface {
	ObserveResult(result *Result)
	ObserveFailure(technique Technique, state FilterState, err error)
}

// Result is the outcome of a successful Process call.
type Result struct {
	ID          string                 `json:"id"`
	Update      models.ParameterUpdate `json:"-"`
	Technique   Technique              `json:"technique"`
	NoiseScale  float64                `json:"noise_scale"`
	Guarantee   Guarantee              `json:"guarantee"`
	Stats       UpdateStats            `json:"stats"`
	UtilityLoss float64                `json:"utility_loss"`
	Elements    int                    `json:"elements"`
	Scalars     int                    `json:"scalars"`
	StepCount   int                    `json:"step_count"`
	Duration    time.Duration          `json:"duration"`
	States      []FilterState          `json:"states"`
	ProcessedAt time.Time              `json:"processed_at"`
}

// Filter privatizes parameter updates with a single immutable configuration.
// It is safe for concurrent use.
type Filter struct {
	config    *PrivacyConfig
	source    NoiseSource
	logger    *logrus.Logger
	observers []Observer
	dataKinds map[models.DataKind]bool
}

// FilterOption customizes a Filter.
type FilterOption func(*Filter)

// WithNoiseSource replaces the default secure noise source.
func WithNoiseSource(source NoiseSource) FilterOption {
	return func(f *Filter) {
		if source != nil {
			f.source = source
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) FilterOption {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithObserver registers an observer.
func WithObserver(observer Observer) FilterOption {
	return func(f *Filter) {
		if observer != nil {
			f.observers = append(f.observers, observer)
		}
	}
}

// WithDataKinds restricts the envelope data kinds the filter accepts.
func WithDataKinds(kinds ...models.DataKind) FilterOption {
	return func(f *Filter) {
		if len(kinds) == 0 {
			return
		}
		f.dataKinds = make(map[models.DataKind]bool, len(kinds))
		for _, kind := range kinds {
			f.dataKinds[kind] = true
		}
	}
}

// NewFilter creates a filter for the given configuration.
func NewFilter(config *PrivacyConfig, opts ...FilterOption) (*Filter, error) {
	if config == nil || config.mechanism == nil {
		return nil, errors.NewInvalidConfigError(nil)
	}

	f := &Filter{
		config: config,
		logger: logrus.New(),
		dataKinds: map[models.DataKind]bool{
			models.DataKindWeights:    true,
			models.DataKindWeightDiff: true,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.source == nil {
		f.source = NewSecureSource()
	}

	f.logger.WithFields(config.Fields()).WithField("noise_source", f.source.Name()).Info("Privacy filter initialized")

	return f, nil
}

// Config returns the filter's configuration.
func (f *Filter) Config() *PrivacyConfig {
	return f.config
}

// NoiseSource returns the filter's noise source.
func (f *Filter) NoiseSource() NoiseSource {
	return f.source
}

// run tracks the state transitions of one Process call.
type run struct {
	state  FilterState
	states []FilterState
	logger *logrus.Entry
}

func (r *run) enter(state FilterState) {
	r.state = state
	r.states = append(r.states, state)
	r.logger.WithField("state", state.String()).Debug("Filter state transition")
}

// fail moves the run to a terminal failure state and tags err with the
// stage that produced it.
func (r *run) fail(err error) error {
	stage := r.state
	if stage == StateValidating {
		r.enter(StateRejected)
	} else {
		r.enter(StateFailed)
	}
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.WithContext("stage", stage.String())
	}
	return err
}

// Process privatizes update. The input is never modified and on failure no
// partial update is returned.
func (f *Filter) Process(update models.ParameterUpdate, stepCount int) (*Result, error) {
	return f.process(uuid.New().String(), update, stepCount)
}

func (f *Filter) process(id string, update models.ParameterUpdate, stepCount int) (*Result, error) {
	start := time.Now()
	technique := f.config.Technique()
	r := &run{
		state:  StateIdle,
		states: []FilterState{StateIdle},
		logger: f.logger.WithFields(logrus.Fields{"update_id": id, "technique": technique.String()}),
	}

	r.enter(StateValidating)
	if err := validateUpdate(update, stepCount); err != nil {
		return nil, f.failed(r, technique, err)
	}

	r.enter(StateFlattening)
	vector, layout, err := Flatten(update, stepCount)
	if err != nil {
		return nil, f.failed(r, technique, err)
	}
	stats := ComputeStats(vector)
	r.logger.WithFields(stats.Fields()).Info("Update statistics")

	r.enter(StateNoising)
	r.logger.WithField("elements", len(vector)).Infof("Applying %s mechanism", technique)
	noised, err := Apply(vector, f.config, f.source.NewSampler())
	if err != nil {
		return nil, f.failed(r, technique, err)
	}
	if len(noised) != len(vector) {
		return nil, f.failed(r, technique, errors.NewShapeMismatchError("mechanism returned %d elements for %d inputs", len(noised), len(vector)))
	}

	r.enter(StateReshaping)
	privatized, err := Reshape(noised, layout, stepCount)
	if err != nil {
		return nil, f.failed(r, technique, err)
	}

	r.enter(StateDone)
	result := &Result{
		ID:          id,
		Update:      privatized,
		Technique:   technique,
		NoiseScale:  f.config.NoiseScale(),
		Guarantee:   f.config.Guarantee(),
		Stats:       stats,
		UtilityLoss: RMSE(vector, noised),
		Elements:    len(vector),
		Scalars:     layout.ScalarCount(),
		StepCount:   stepCount,
		Duration:    time.Since(start),
		States:      r.states,
		ProcessedAt: time.Now(),
	}

	r.logger.WithFields(logrus.Fields{
		"elements":     result.Elements,
		"scalars":      result.Scalars,
		"noise_scale":  result.NoiseScale,
		"utility_loss": result.UtilityLoss,
		"guarantee":    result.Guarantee.String(),
		"duration":     result.Duration,
	}).Info("Privacy filter applied successfully")

	for _, observer := range f.observers {
		observer.ObserveResult(result)
	}

	return result, nil
}

func (f *Filter) failed(r *run, technique Technique, err error) error {
	stage := r.state
	err = r.fail(err)
	r.logger.WithError(err).WithField("stage", stage.String()).Error("Privacy filter failed")
	for _, observer := range f.observers {
		observer.ObserveFailure(technique, stage, err)
	}
	return err
}

// ProcessEnvelope privatizes the parameters of env and returns a new envelope
// carrying the same metadata. A zero step count is treated as one and an
// empty data kind as a weight difference.
func (f *Filter) ProcessEnvelope(env *models.UpdateEnvelope) (*models.UpdateEnvelope, *Result, error) {
	if env == nil {
		return nil, nil, errors.NewEmptyUpdateError()
	}

	kind := env.DataKind
	if kind == "" {
		kind = models.DataKindWeightDiff
	}
	if !f.dataKinds[kind] {
		err := errors.NewUnsupportedDataKindError(string(kind)).WithContext("stage", StateValidating.String())
		for _, observer := range f.observers {
			observer.ObserveFailure(f.config.Technique(), StateValidating, err)
		}
		return nil, nil, err
	}

	stepCount := env.StepCount
	if stepCount == 0 {
		stepCount = 1
	}

	id := env.ID
	if id == "" {
		id = uuid.New().String()
	}

	result, err := f.process(id, env.Params, stepCount)
	if err != nil {
		return nil, nil, err
	}

	meta := make(map[string]interface{}, len(env.Meta)+3)
	for k, v := range env.Meta {
		meta[k] = v
	}
	meta["privacy_technique"] = result.Technique.String()
	meta["privacy_noise_scale"] = result.NoiseScale
	meta["privacy_guarantee"] = result.Guarantee.String()

	out := &models.UpdateEnvelope{
		ID:        id,
		ClientID:  env.ClientID,
		Round:     env.Round,
		StepCount: stepCount,
		DataKind:  kind,
		Params:    result.Update,
		Meta:      meta,
		CreatedAt: env.CreatedAt,
	}
	return out, result, nil
}

func validateUpdate(update models.ParameterUpdate, stepCount int) error {
	if len(update) == 0 {
		return errors.NewEmptyUpdateError()
	}
	if stepCount < 1 {
		return errors.NewInvalidStepCountError(stepCount)
	}
	for _, name := range update.SortedNames() {
		tensor := update[name]
		if err := checkTensor(name, tensor); err != nil {
			return err
		}
		if idx := fmath.FirstNonFinite(tensor.Data); idx >= 0 {
			return errors.NewNonFiniteValueError(name, idx)
		}
	}
	return nil
}
