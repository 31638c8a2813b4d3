package dataset

import "math/rand"

// Perturber transforms a training batch for robustness training.
type Perturber interface {
	Perturb(b Batch) Batch
}

// NoisePerturber adds Gaussian noise to every feature and zeroes random
// features per row. Labels pass through unchanged. The input batch is not
// modified.
type NoisePerturber struct {
	Sigma    float64 // noise standard deviation, in standardized units
	MaskProb float64 // probability that a single feature is zeroed
	rng      *rand.Rand
}

// NewNoisePerturber creates a perturber drawing from rng.
func NewNoisePerturber(sigma, maskProb float64, rng *rand.Rand) *NoisePerturber {
	return &NoisePerturber{Sigma: sigma, MaskProb: maskProb, rng: rng}
}

// Perturb returns a perturbed copy of b.
func (p *NoisePerturber) Perturb(b Batch) Batch {
	out := Batch{
		Features: make([]float64, len(b.Features)),
		Labels:   append([]int(nil), b.Labels...),
		Size:     b.Size,
		Dim:      b.Dim,
	}
	for i, v := range b.Features {
		if p.MaskProb > 0 && p.rng.Float64() < p.MaskProb {
			continue
		}
		if p.Sigma > 0 {
			v += p.rng.NormFloat64() * p.Sigma
		}
		out.Features[i] = v
	}
	return out
}
