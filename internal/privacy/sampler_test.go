package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	fmath "github.com/inferloop/fldp/internal/utils/math"
)

func draw(sampler NoiseSampler, n int, fn func(NoiseSampler) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = fn(sampler)
	}
	return out
}

func TestSeededSourceReproducible(t *testing.T) {
	a := NewSeededSource(2024)
	b := NewSeededSource(2024)
	assert.Equal(t, uint64(2024), a.Seed())
	assert.Equal(t, "seeded", a.Name())

	laplace := func(s NoiseSampler) float64 { return s.Laplace(1) }
	for i := 0; i < 3; i++ {
		assert.Equal(t, draw(a.NewSampler(), 10, laplace), draw(b.NewSampler(), 10, laplace))
	}
}

func TestSeededSourceSamplersAreIndependent(t *testing.T) {
	source := NewSeededSource(5)
	gaussian := func(s NoiseSampler) float64 { return s.Gaussian(1) }

	assert.NotEqual(t, draw(source.NewSampler(), 10, gaussian), draw(source.NewSampler(), 10, gaussian))
}

func TestSamplerNonPositiveParameters(t *testing.T) {
	for _, source := range []NoiseSource{NewSeededSource(1), NewSecureSource()} {
		sampler := source.NewSampler()
		assert.Zero(t, sampler.Laplace(0), source.Name())
		assert.Zero(t, sampler.Gaussian(-1), source.Name())
		assert.Zero(t, sampler.Exponential(0), source.Name())
	}
}

func TestSamplerSign(t *testing.T) {
	sampler := NewSeededSource(3).NewSampler()
	signs := draw(sampler, 10000, func(s NoiseSampler) float64 { return s.Sign() })

	positives := 0
	for _, s := range signs {
		assert.Contains(t, []float64{-1, 1}, s)
		if s > 0 {
			positives++
		}
	}
	assert.InDelta(t, 5000, positives, 300)
}

func TestSamplerMoments(t *testing.T) {
	sources := []NoiseSource{NewSeededSource(11), NewSecureSource()}

	for _, source := range sources {
		t.Run(source.Name(), func(t *testing.T) {
			sampler := source.NewSampler()

			laplace := draw(sampler, 40000, func(s NoiseSampler) float64 { return s.Laplace(0.5) })
			assert.InDelta(t, 0, fmath.Mean(laplace), 0.02)
			assert.InEpsilon(t, 0.5, fmath.Variance(laplace), 0.1)

			gaussian := draw(sampler, 40000, func(s NoiseSampler) float64 { return s.Gaussian(2) })
			assert.InDelta(t, 0, fmath.Mean(gaussian), 0.1)
			assert.InEpsilon(t, 4, fmath.Variance(gaussian), 0.1)

			exponential := draw(sampler, 40000, func(s NoiseSampler) float64 { return s.Exponential(4) })
			assert.InEpsilon(t, 0.25, fmath.Mean(exponential), 0.05)
			for _, v := range exponential {
				assert.GreaterOrEqual(t, v, 0.0)
			}
		})
	}
}
