package privacy

import (
	crand "crypto/rand"
	"math/rand/v2"
	"sync"

	"github.com/google/differential-privacy/go/v3/noise"
	"gonum.org/v1/gonum/stat/distuv"
)

// NoiseSampler draws the random quantities a mechanism needs.
// A sampler is owned by a single call and is not safe for concurrent use.
type NoiseSampler interface {
	// Laplace returns a draw from Laplace(0, scale).
	Laplace(scale float64) float64
	// Gaussian returns a draw from N(0, sigma²).
	Gaussian(sigma float64) float64
	// Exponential returns a draw from Exponential(rate).
	Exponential(rate float64) float64
	// Sign returns -1 or +1 with equal probability.
	Sign() float64
}

// NoiseSource hands out independent samplers. Implementations must be safe
// for concurrent use.
type NoiseSource interface {
	Name() string
	NewSampler() NoiseSampler
}

// distSampler draws from gonum distributions over a private stream.
type distSampler struct {
	rng *rand.Rand
}

func newDistSampler(src rand.Source) *distSampler {
	return &distSampler{rng: rand.New(src)}
}

func (s *distSampler) Laplace(scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return distuv.Laplace{Mu: 0, Scale: scale, Src: s.rng}.Rand()
}

func (s *distSampler) Gaussian(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return distuv.Normal{Mu: 0, Sigma: sigma, Src: s.rng}.Rand()
}

func (s *distSampler) Exponential(rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return distuv.Exponential{Rate: rate, Src: s.rng}.Rand()
}

func (s *distSampler) Sign() float64 {
	if s.rng.Uint64()&1 == 0 {
		return -1
	}
	return 1
}

// SeededSource is a deterministic noise source. A master PCG stream, guarded
// by a mutex, seeds one private stream per sampler, so sequential calls on two
// sources built from the same seed observe identical noise.
type SeededSource struct {
	mu     sync.Mutex
	master *rand.Rand
	seed   uint64
}

// NewSeededSource creates a deterministic noise source.
func NewSeededSource(seed uint64) *SeededSource {
	return &SeededSource{
		master: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		seed:   seed,
	}
}

// Name returns the source name.
func (s *SeededSource) Name() string {
	return "seeded"
}

// Seed returns the seed the source was created with.
func (s *SeededSource) Seed() uint64 {
	return s.seed
}

// NewSampler returns a sampler with its own stream split from the master.
func (s *SeededSource) NewSampler() NoiseSampler {
	s.mu.Lock()
	hi, lo := s.master.Uint64(), s.master.Uint64()
	s.mu.Unlock()
	return newDistSampler(rand.NewPCG(hi, lo))
}

// SecureSource draws from cryptographically seeded streams. Laplace noise
// comes from the Google differential-privacy library, which samples on a
// snapped grid to avoid floating-point leakage.
type SecureSource struct {
	laplace noise.Noise
}

// NewSecureSource creates a non-deterministic noise source.
func NewSecureSource() *SecureSource {
	return &SecureSource{laplace: noise.Laplace()}
}

// Name returns the source name.
func (s *SecureSource) Name() string {
	return "secure"
}

// NewSampler returns a sampler over a fresh ChaCha8 stream.
func (s *SecureSource) NewSampler() NoiseSampler {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is unusable
		panic("privacy: reading random seed: " + err.Error())
	}
	return &secureSampler{
		distSampler: newDistSampler(rand.NewChaCha8(seed)),
		laplace:     s.laplace,
	}
}

type secureSampler struct {
	*distSampler
	laplace noise.Noise
}

// Laplace adds library noise to zero with l0 = 1, lInf = scale, ε = 1, which
// is Laplace(0, scale).
func (s *secureSampler) Laplace(scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	v, err := s.laplace.AddNoiseFloat64(0, 1, scale, 1, 0)
	if err != nil {
		// scale outside the library's accepted range
		return s.distSampler.Laplace(scale)
	}
	return v
}
