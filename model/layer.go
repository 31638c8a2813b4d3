package model

import (
	"math"
	"math/rand"
)

// Layer holds weights and biases for a single fully-connected layer.
// W is [OutDim × InDim] row-major, B is [OutDim].
type Layer struct {
	W      []float64
	B      []float64
	InDim  int
	OutDim int
}

// BatchNormParams holds parameters for one batch normalization layer.
type BatchNormParams struct {
	Gamma       []float64 // learnable scale [Dim]
	Beta        []float64 // learnable shift [Dim]
	RunningMean []float64 // EMA mean for inference [Dim]
	RunningVar  []float64 // EMA unbiased variance for inference [Dim]
	Dim         int
}

const (
	// batchNormEps is the epsilon for numerical stability in batch normalization.
	batchNormEps = 1e-5
	// batchNormMomentum weights the newest batch in the running statistics.
	batchNormMomentum = 0.1
)

type initFunc func(w []float64, fanIn, fanOut int, rng *rand.Rand)

func xavierInit(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = rng.NormFloat64() * scale
	}
}

// heInit initializes weights with He normal initialization (for ReLU networks with BN).
func heInit(w []float64, fanIn, _ int, rng *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(fanIn))
	for i := range w {
		w[i] = rng.NormFloat64() * scale
	}
}

func newLayer(inDim, outDim int, init initFunc, rng *rand.Rand) Layer {
	l := Layer{
		W:      make([]float64, outDim*inDim),
		B:      make([]float64, outDim),
		InDim:  inDim,
		OutDim: outDim,
	}
	init(l.W, inDim, outDim, rng)
	return l
}

func newBatchNorm(dim int) BatchNormParams {
	bn := BatchNormParams{
		Gamma:       make([]float64, dim),
		Beta:        make([]float64, dim),
		RunningMean: make([]float64, dim),
		RunningVar:  make([]float64, dim),
		Dim:         dim,
	}
	for j := 0; j < dim; j++ {
		bn.Gamma[j] = 1.0
		bn.RunningVar[j] = 1.0
	}
	return bn
}

// addBiasReLU adds bias and applies ReLU in place.
func addBiasReLU(z []float64, bias []float64, rows, cols int) {
	for i := 0; i < rows; i++ {
		off := i * cols
		for j := 0; j < cols; j++ {
			v := z[off+j] + bias[j]
			if v < 0 {
				v = 0
			}
			z[off+j] = v
		}
	}
}

// addBiasBNReLU adds bias, applies batch normalization using running stats, then ReLU.
// Fused: z = gamma * (z + bias - runningMean) / sqrt(runningVar + eps) + beta → ReLU
func addBiasBNReLU(z []float64, bias []float64, bn *BatchNormParams, rows, cols int) {
	scale := make([]float64, cols)
	shift := make([]float64, cols)
	for j := 0; j < cols; j++ {
		invStd := 1.0 / math.Sqrt(bn.RunningVar[j]+batchNormEps)
		scale[j] = bn.Gamma[j] * invStd
		shift[j] = bn.Beta[j] - bn.Gamma[j]*invStd*(bn.RunningMean[j]-bias[j])
	}
	for i := 0; i < rows; i++ {
		off := i * cols
		for j := 0; j < cols; j++ {
			v := z[off+j]*scale[j] + shift[j]
			if v < 0 {
				v = 0
			}
			z[off+j] = v
		}
	}
}

func addBias(z []float64, bias []float64, rows, cols int) {
	for i := 0; i < rows; i++ {
		off := i * cols
		for j := 0; j < cols; j++ {
			z[off+j] += bias[j]
		}
	}
}
