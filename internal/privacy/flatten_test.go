package privacy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

func createTestUpdate() models.ParameterUpdate {
	return models.ParameterUpdate{
		"w":    models.NewTensor([]int{2, 2}, []float64{1.0, -2.0, 3.0, 0.1}),
		"b":    models.NewScalar(0.5),
		"conv": models.NewTensor([]int{1, 3}, []float64{-0.25, 0.75, 8}),
	}
}

func TestFlattenOrdersByName(t *testing.T) {
	vector, layout, err := Flatten(createTestUpdate(), 1)
	require.NoError(t, err)

	// "b" is a scalar and stays out of the vector; "conv" sorts before "w".
	assert.Equal(t, []float64{-0.25, 0.75, 8, 1.0, -2.0, 3.0, 0.1}, vector)
	assert.Equal(t, 7, layout.TotalLength())
	assert.Equal(t, 3, layout.Len())
	assert.Equal(t, 1, layout.ScalarCount())

	entries := layout.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].Name)
	assert.True(t, entries[0].Scalar)
	assert.Equal(t, 0.5, entries[0].ScalarValue)
	assert.Equal(t, "conv", entries[1].Name)
	assert.Equal(t, 0, entries[1].Offset)
	assert.Equal(t, 3, entries[1].Length)
	assert.Equal(t, "w", entries[2].Name)
	assert.Equal(t, 3, entries[2].Offset)
	assert.Equal(t, []int{2, 2}, entries[2].Shape)
}

func TestFlattenNormalizesByStepCount(t *testing.T) {
	vector, _, err := Flatten(createTestUpdate(), 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.0625, 0.1875, 2, 0.25, -0.5, 0.75, 0.025}, vector)
}

func TestFlattenReshapeRoundTrip(t *testing.T) {
	update := createTestUpdate()

	// power-of-two step counts divide and multiply without rounding
	for _, steps := range []int{1, 2, 8} {
		vector, layout, err := Flatten(update, steps)
		require.NoError(t, err)

		restored, err := Reshape(vector, layout, steps)
		require.NoError(t, err)
		assert.Equal(t, update, restored, "step count %d", steps)
	}
}

func TestFlattenReshapeRoundTripOddSteps(t *testing.T) {
	update := createTestUpdate()

	vector, layout, err := Flatten(update, 3)
	require.NoError(t, err)
	restored, err := Reshape(vector, layout, 3)
	require.NoError(t, err)

	require.Len(t, restored, len(update))
	for name, tensor := range update {
		require.Contains(t, restored, name)
		assert.Equal(t, tensor.Shape, restored[name].Shape)
		assert.InDeltaSlice(t, tensor.Data, restored[name].Data, 1e-12)
	}
	assert.Equal(t, 0.5, restored["b"].Data[0])
}

func TestFlattenReshapeOddStepsWithinOneULP(t *testing.T) {
	data := make([]float64, 0, 200)
	for i := 1; i <= 200; i++ {
		data = append(data, math.Pi*float64(i)/7-11)
	}
	update := models.ParameterUpdate{"w": models.NewTensor([]int{10, 20}, data)}

	for _, steps := range []int{3, 5, 6, 7, 10, 1000} {
		vector, layout, err := Flatten(update, steps)
		require.NoError(t, err)
		restored, err := Reshape(vector, layout, steps)
		require.NoError(t, err)

		for i, want := range data {
			ulp := math.Nextafter(math.Abs(want), math.Inf(1)) - math.Abs(want)
			assert.LessOrEqual(t, math.Abs(restored["w"].Data[i]-want), ulp, "step count %d, element %d", steps, i)
		}
	}
}

func TestFlattenDoesNotMutateInput(t *testing.T) {
	update := createTestUpdate()
	original := update.Clone()

	vector, _, err := Flatten(update, 2)
	require.NoError(t, err)
	vector[0] = 100

	assert.Equal(t, original, update)
}

func TestFlattenZeroSizedTensor(t *testing.T) {
	update := models.ParameterUpdate{
		"empty": {Shape: []int{0, 3}, Data: []float64{}},
		"w":     models.NewTensor([]int{2}, []float64{1, 2}),
	}

	vector, layout, err := Flatten(update, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, vector)

	restored, err := Reshape(vector, layout, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, restored["empty"].Shape)
	assert.Len(t, restored["empty"].Data, 0)
}

func TestFlattenInvalidStepCount(t *testing.T) {
	for _, steps := range []int{0, -1} {
		_, _, err := Flatten(createTestUpdate(), steps)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidStepCount))
	}
}

func TestFlattenShapeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		tensor *models.Tensor
	}{
		{name: "nil tensor", tensor: nil},
		{name: "too few values", tensor: &models.Tensor{Shape: []int{2, 2}, Data: []float64{1, 2, 3}}},
		{name: "negative dimension", tensor: &models.Tensor{Shape: []int{-1}, Data: []float64{}}},
		{name: "scalar without value", tensor: &models.Tensor{Shape: []int{}, Data: []float64{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Flatten(models.ParameterUpdate{"p": tt.tensor}, 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrShapeMismatch))
		})
	}
}

func TestReshapeErrors(t *testing.T) {
	vector, layout, err := Flatten(createTestUpdate(), 1)
	require.NoError(t, err)

	_, err = Reshape(vector[:len(vector)-1], layout, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrShapeMismatch))

	_, err = Reshape(vector, nil, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrShapeMismatch))

	_, err = Reshape(vector, layout, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidStepCount))
}

func TestLayoutEntriesAreCopies(t *testing.T) {
	_, layout, err := Flatten(createTestUpdate(), 1)
	require.NoError(t, err)

	entries := layout.Entries()
	entries[2].Shape[0] = 99

	assert.Equal(t, []int{2, 2}, layout.Entries()[2].Shape)
}
