package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorCloneKeepsScalarShape(t *testing.T) {
	scalar := NewScalar(0.5)
	clone := scalar.Clone()

	assert.Equal(t, scalar, clone)
	assert.NotNil(t, clone.Shape)
	assert.True(t, clone.IsScalar())

	original, err := json.Marshal(scalar)
	require.NoError(t, err)
	cloned, err := json.Marshal(clone)
	require.NoError(t, err)
	assert.JSONEq(t, `{"shape":[],"data":[0.5]}`, string(cloned))
	assert.Equal(t, string(original), string(cloned))
}

func TestTensorCloneIsDeep(t *testing.T) {
	tensor := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4})
	clone := tensor.Clone()
	require.Equal(t, tensor, clone)

	clone.Data[0] = 100
	clone.Shape[0] = 4
	assert.Equal(t, 1.0, tensor.Data[0])
	assert.Equal(t, []int{2, 2}, tensor.Shape)

	empty := &Tensor{Shape: []int{0, 3}, Data: []float64{}}
	assert.Equal(t, empty, empty.Clone())

	var missing *Tensor
	assert.Nil(t, missing.Clone())
}

func TestParameterUpdateClone(t *testing.T) {
	update := ParameterUpdate{
		"w": NewTensor([]int{2}, []float64{1, -1}),
		"b": NewScalar(0.5),
	}
	clone := update.Clone()

	assert.Equal(t, update, clone)
	assert.Equal(t, []string{"b", "w"}, clone.SortedNames())

	clone["w"].Data[0] = 7
	assert.Equal(t, 1.0, update["w"].Data[0])
}
