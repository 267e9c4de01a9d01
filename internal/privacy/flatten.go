package privacy

import (
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// LayoutEntry records where one parameter lives in the flat vector.
type LayoutEntry struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Scalar bool   `json:"scalar"`
	// ScalarValue holds the untouched value of a zero-dimensional parameter.
	ScalarValue float64 `json:"scalar_value,omitempty"`
	Offset      int     `json:"offset"`
	Length      int     `json:"length"`
}

// Layout is the ordered description of a flattened update. It is produced by
// Flatten and is the only source of ordering used by Reshape.
type Layout struct {
	entries []LayoutEntry
	total   int
}

// Entries returns a copy of the layout entries in vector order.
func (l *Layout) Entries() []LayoutEntry {
	out := make([]LayoutEntry, len(l.entries))
	for i, entry := range l.entries {
		entry.Shape = append([]int(nil), entry.Shape...)
		out[i] = entry
	}
	return out
}

// TotalLength is the length of the flat vector the layout describes.
func (l *Layout) TotalLength() int {
	return l.total
}

// Len returns the number of parameters, scalars included.
func (l *Layout) Len() int {
	return len(l.entries)
}

// ScalarCount returns the number of zero-dimensional parameters.
func (l *Layout) ScalarCount() int {
	count := 0
	for _, entry := range l.entries {
		if entry.Scalar {
			count++
		}
	}
	return count
}

// Flatten divides every non-scalar value by stepCount and concatenates the
// parameters in ascending name order. Scalars are left out of the vector and
// recorded verbatim in the layout. The update is not modified.
func Flatten(update models.ParameterUpdate, stepCount int) ([]float64, *Layout, error) {
	if stepCount < 1 {
		return nil, nil, errors.NewInvalidStepCountError(stepCount)
	}

	layout := &Layout{entries: make([]LayoutEntry, 0, len(update))}
	names := update.SortedNames()
	for _, name := range names {
		tensor := update[name]
		if err := checkTensor(name, tensor); err != nil {
			return nil, nil, err
		}
		entry := LayoutEntry{
			Name:   name,
			Shape:  append([]int(nil), tensor.Shape...),
			Scalar: tensor.IsScalar(),
			Offset: layout.total,
		}
		if entry.Scalar {
			entry.ScalarValue = tensor.Data[0]
		} else {
			entry.Length = len(tensor.Data)
			layout.total += entry.Length
		}
		layout.entries = append(layout.entries, entry)
	}

	divisor := float64(stepCount)
	vector := make([]float64, 0, layout.total)
	for _, entry := range layout.entries {
		if entry.Scalar {
			continue
		}
		for _, v := range update[entry.Name].Data {
			vector = append(vector, v/divisor)
		}
	}

	return vector, layout, nil
}

// Reshape is the inverse of Flatten: it slices vector by the recorded
// offsets, restores the recorded shapes, multiplies by stepCount and
// reinserts scalar values unchanged.
//
// With no mechanism in between, Reshape(Flatten(u, n)) equals u exactly when
// n is a power of two, 1 included. Other step counts round twice, so an
// element may differ from the input by one ulp.
func Reshape(vector []float64, layout *Layout, stepCount int) (models.ParameterUpdate, error) {
	if stepCount < 1 {
		return nil, errors.NewInvalidStepCountError(stepCount)
	}
	if layout == nil {
		return nil, errors.NewShapeMismatchError("layout is nil")
	}
	if len(vector) != layout.total {
		return nil, errors.NewShapeMismatchError("vector has %d elements, layout expects %d", len(vector), layout.total).
			WithContext("vector_length", len(vector)).
			WithContext("layout_length", layout.total)
	}

	multiplier := float64(stepCount)
	update := make(models.ParameterUpdate, len(layout.entries))
	for _, entry := range layout.entries {
		if entry.Scalar {
			update[entry.Name] = models.NewScalar(entry.ScalarValue)
			continue
		}
		data := make([]float64, entry.Length)
		for i, v := range vector[entry.Offset : entry.Offset+entry.Length] {
			data[i] = v * multiplier
		}
		update[entry.Name] = &models.Tensor{
			Shape: append([]int(nil), entry.Shape...),
			Data:  data,
		}
	}

	return update, nil
}

func checkTensor(name string, tensor *models.Tensor) error {
	if tensor == nil {
		return errors.NewShapeMismatchError("parameter %q is nil", name).WithContext("parameter", name)
	}
	for _, dim := range tensor.Shape {
		if dim < 0 {
			return errors.NewShapeMismatchError("parameter %q has negative dimension in shape %v", name, tensor.Shape).
				WithContext("parameter", name)
		}
	}
	if len(tensor.Data) != tensor.Size() {
		return errors.NewShapeMismatchError("parameter %q has %d values for shape %v", name, len(tensor.Data), tensor.Shape).
			WithContext("parameter", name)
	}
	return nil
}
