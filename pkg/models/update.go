package models

import (
	"slices"
	"sort"
	"time"
)

// DataKind identifies what a parameter update carries.
type DataKind string

const (
	DataKindWeights    DataKind = "WEIGHTS"
	DataKindWeightDiff DataKind = "WEIGHT_DIFF"
)

// Tensor is a dense row-major array of float64 values.
// A tensor with an empty shape is a zero-dimensional scalar holding one value.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor creates a tensor with copies of the given shape and values. An
// empty shape stays empty rather than nil so scalars keep encoding as [].
func NewTensor(shape []int, data []float64) *Tensor {
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  slices.Clone(data),
	}
}

// NewScalar creates a zero-dimensional tensor.
func NewScalar(value float64) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float64{value}}
}

// IsScalar reports whether the tensor is zero-dimensional.
func (t *Tensor) IsScalar() bool {
	return len(t.Shape) == 0
}

// Size returns the number of elements implied by the shape.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return NewTensor(t.Shape, t.Data)
}

// ParameterUpdate maps parameter names to their values.
type ParameterUpdate map[string]*Tensor

// SortedNames returns the parameter names in ascending order.
func (u ParameterUpdate) SortedNames() []string {
	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the update.
func (u ParameterUpdate) Clone() ParameterUpdate {
	out := make(ParameterUpdate, len(u))
	for name, tensor := range u {
		out[name] = tensor.Clone()
	}
	return out
}

// UpdateEnvelope is the serialized form of a client update exchanged with the
// orchestration layer.
type UpdateEnvelope struct {
	ID        string                 `json:"id"`
	ClientID  string                 `json:"client_id,omitempty"`
	Round     int                    `json:"round"`
	StepCount int                    `json:"step_count,omitempty"`
	DataKind  DataKind               `json:"data_kind,omitempty"`
	Params    ParameterUpdate        `json:"params"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at,omitempty"`
}
