package model

import (
	"math"
	"math/rand"

	"github.com/ieee0824/emodann/internal/blas"
	"github.com/ieee0824/emodann/internal/mathutil"
)

// Output selects what the last layer of a Stack produces.
type Output int

const (
	// OutputEmbedding treats every layer as hidden (BN + ReLU); the stack yields an embedding.
	OutputEmbedding Output = iota
	// OutputLogSoftmax ends the stack with a linear layer followed by log-softmax.
	OutputLogSoftmax
)

// Stack is a feed-forward block: Layers[i] → (BN) → ReLU for hidden layers,
// and either another hidden layer or a log-softmax output at the end.
type Stack struct {
	Layers       []Layer
	UseBatchNorm bool
	BN           []BatchNormParams // len = NumHidden() (nil if !UseBatchNorm)
	Output       Output
}

// newStack builds a stack over dims = [in, h1, ..., out].
func newStack(dims []int, out Output, useBatchNorm bool, rng *rand.Rand) *Stack {
	s := &Stack{
		Layers:       make([]Layer, len(dims)-1),
		UseBatchNorm: useBatchNorm,
		Output:       out,
	}
	hiddenInit := xavierInit
	if useBatchNorm {
		hiddenInit = heInit
	}
	nHidden := s.NumHidden()
	for i := range s.Layers {
		init := hiddenInit
		if i >= nHidden {
			init = xavierInit
		}
		s.Layers[i] = newLayer(dims[i], dims[i+1], init, rng)
	}
	if useBatchNorm {
		s.BN = make([]BatchNormParams, nHidden)
		for i := 0; i < nHidden; i++ {
			s.BN[i] = newBatchNorm(s.Layers[i].OutDim)
		}
	}
	return s
}

// NumHidden returns the number of layers followed by ReLU.
func (s *Stack) NumHidden() int {
	if s.Output == OutputEmbedding {
		return len(s.Layers)
	}
	return len(s.Layers) - 1
}

// InDim returns the input width.
func (s *Stack) InDim() int { return s.Layers[0].InDim }

// OutDim returns the output width.
func (s *Stack) OutDim() int { return s.Layers[len(s.Layers)-1].OutDim }

// NumParams returns the number of trainable scalars.
func (s *Stack) NumParams() int {
	n := 0
	for _, l := range s.Layers {
		n += len(l.W) + len(l.B)
	}
	for _, bn := range s.BN {
		n += len(bn.Gamma) + len(bn.Beta)
	}
	return n
}

// infer runs the inference path: BN uses running stats and nothing in s is written.
func (s *Stack) infer(x []float64, bs int) []float64 {
	nHidden := s.NumHidden()
	prevAct := x
	prevDim := s.InDim()
	for i := range s.Layers {
		layer := &s.Layers[i]
		dst := make([]float64, bs*layer.OutDim)
		blas.Dgemm(false, true, bs, layer.OutDim, prevDim,
			1.0, prevAct, prevDim, layer.W, prevDim, 0.0, dst, layer.OutDim)

		if i < nHidden {
			if s.UseBatchNorm {
				addBiasBNReLU(dst, layer.B, &s.BN[i], bs, layer.OutDim)
			} else {
				addBiasReLU(dst, layer.B, bs, layer.OutDim)
			}
		} else {
			addBias(dst, layer.B, bs, layer.OutDim)
			mathutil.LogSoftmaxRows(dst, bs, layer.OutDim)
		}
		prevAct = dst
		prevDim = layer.OutDim
	}
	return prevAct
}

// stackCache holds the forward intermediates of one training pass through a Stack.
type stackCache struct {
	batchSize int
	x         []float64   // input (borrowed)
	z         [][]float64 // z[i]: BN output (hidden) or log-probs (output layer)
	a         [][]float64 // a[i]: post-ReLU output of hidden layer i

	bnXhat   [][]float64 // normalized activations [batchSize × dim]
	bnInvStd [][]float64 // 1/sqrt(var+eps) [dim]

	dz [][]float64
	da [][]float64
	dx []float64
}

func newStackCache(s *Stack, bs int) *stackCache {
	nLayers := len(s.Layers)
	nHidden := s.NumHidden()
	c := &stackCache{
		batchSize: bs,
		z:         make([][]float64, nLayers),
		a:         make([][]float64, nHidden),
		dz:        make([][]float64, nLayers),
		da:        make([][]float64, nHidden),
		dx:        make([]float64, bs*s.InDim()),
	}
	for i, layer := range s.Layers {
		c.z[i] = make([]float64, bs*layer.OutDim)
		c.dz[i] = make([]float64, bs*layer.OutDim)
		if i < nHidden {
			c.a[i] = make([]float64, bs*layer.OutDim)
			c.da[i] = make([]float64, bs*layer.OutDim)
		}
	}
	if s.UseBatchNorm {
		c.bnXhat = make([][]float64, nHidden)
		c.bnInvStd = make([][]float64, nHidden)
		for i := 0; i < nHidden; i++ {
			c.bnXhat[i] = make([]float64, bs*s.Layers[i].OutDim)
			c.bnInvStd[i] = make([]float64, s.Layers[i].OutDim)
		}
	}
	return c
}

// forwardTrain runs the training path. Batch norm normalizes with batch
// statistics and folds them into the running statistics.
// The returned slice is owned by c.
func (s *Stack) forwardTrain(c *stackCache, x []float64) []float64 {
	bs := c.batchSize
	nHidden := s.NumHidden()
	c.x = x
	prevAct := x
	prevDim := s.InDim()

	for i := range s.Layers {
		layer := &s.Layers[i]
		dim := layer.OutDim
		z := c.z[i]

		blas.Dgemm(false, true, bs, dim, prevDim,
			1.0, prevAct, prevDim, layer.W, prevDim, 0.0, z, dim)
		addBias(z, layer.B, bs, dim)

		if i >= nHidden {
			mathutil.LogSoftmaxRows(z, bs, dim)
			return z
		}

		if s.UseBatchNorm {
			s.batchNormForward(c, i, z)
		}
		a := c.a[i]
		for idx, v := range z {
			if v > 0 {
				a[idx] = v
			} else {
				a[idx] = 0
			}
		}
		prevAct = a
		prevDim = dim
	}
	return prevAct
}

// batchNormForward normalizes z in place (z becomes gamma*xhat+beta) and
// updates the running statistics of BN[i].
func (s *Stack) batchNormForward(c *stackCache, i int, z []float64) {
	bn := &s.BN[i]
	bs := c.batchSize
	dim := bn.Dim
	bsF := float64(bs)

	mean := make([]float64, dim)
	for r := 0; r < bs; r++ {
		for j := 0; j < dim; j++ {
			mean[j] += z[r*dim+j]
		}
	}
	for j := range mean {
		mean[j] /= bsF
	}

	variance := make([]float64, dim)
	for r := 0; r < bs; r++ {
		for j := 0; j < dim; j++ {
			d := z[r*dim+j] - mean[j]
			variance[j] += d * d
		}
	}
	invStd := c.bnInvStd[i]
	for j := range variance {
		variance[j] /= bsF
		invStd[j] = 1.0 / math.Sqrt(variance[j]+batchNormEps)
	}

	xhat := c.bnXhat[i]
	for r := 0; r < bs; r++ {
		for j := 0; j < dim; j++ {
			idx := r*dim + j
			xh := (z[idx] - mean[j]) * invStd[j]
			xhat[idx] = xh
			z[idx] = bn.Gamma[j]*xh + bn.Beta[j]
		}
	}

	// Running variance uses the unbiased estimate.
	unbias := 1.0
	if bs > 1 {
		unbias = bsF / (bsF - 1)
	}
	for j := 0; j < dim; j++ {
		bn.RunningMean[j] = (1-batchNormMomentum)*bn.RunningMean[j] + batchNormMomentum*mean[j]
		bn.RunningVar[j] = (1-batchNormMomentum)*bn.RunningVar[j] + batchNormMomentum*variance[j]*unbias
	}
}

// backward propagates dOut (gradient w.r.t. the stack output) through the
// cached pass, accumulates parameter gradients into g and returns the
// gradient w.r.t. the stack input. The returned slice is owned by c.
func (s *Stack) backward(c *stackCache, g *StackGrads, dOut []float64) []float64 {
	bs := c.batchSize
	nLayers := len(s.Layers)
	nHidden := s.NumHidden()

	for i := nLayers - 1; i >= 0; i-- {
		layer := &s.Layers[i]
		dim := layer.OutDim
		dz := c.dz[i]

		if i >= nHidden {
			// log-softmax: dz_j = g_j - p_j * sum_k g_k
			logp := c.z[i]
			for r := 0; r < bs; r++ {
				off := r * dim
				sum := 0.0
				for j := 0; j < dim; j++ {
					sum += dOut[off+j]
				}
				for j := 0; j < dim; j++ {
					dz[off+j] = dOut[off+j] - math.Exp(logp[off+j])*sum
				}
			}
		} else {
			da := c.da[i]
			if i == nLayers-1 {
				copy(da, dOut)
			}
			// ReLU derivative; z[i] holds the value fed to the ReLU.
			for idx, v := range c.z[i] {
				if v <= 0 {
					da[idx] = 0
				}
			}
			if s.UseBatchNorm {
				s.batchNormBackward(c, g, i, da, dz)
			} else {
				copy(dz, da)
			}
		}

		var input []float64
		var inputDim int
		if i == 0 {
			input = c.x
			inputDim = s.InDim()
		} else {
			input = c.a[i-1]
			inputDim = s.Layers[i-1].OutDim
		}

		// gW[i] += dz^T @ input
		blas.Dgemm(true, false, dim, inputDim, bs,
			1.0, dz, dim, input, inputDim,
			1.0, g.W[i], inputDim)
		for r := 0; r < bs; r++ {
			for j := 0; j < dim; j++ {
				g.B[i][j] += dz[r*dim+j]
			}
		}

		// Gradient w.r.t. this layer's input: dz @ W[i]
		dst := c.dx
		if i > 0 {
			dst = c.da[i-1]
		}
		blas.Dgemm(false, false, bs, inputDim, dim,
			1.0, dz, dim, layer.W, inputDim,
			0.0, dst, inputDim)
	}
	return c.dx
}

// batchNormBackward turns dOut (w.r.t. gamma*xhat+beta) into dz (w.r.t. the
// pre-normalization activations) and accumulates dGamma and dBeta.
func (s *Stack) batchNormBackward(c *stackCache, g *StackGrads, i int, dOut, dz []float64) {
	bn := &s.BN[i]
	bs := c.batchSize
	dim := bn.Dim
	bsF := float64(bs)
	xhat := c.bnXhat[i]
	invStd := c.bnInvStd[i]

	sumDxhat := make([]float64, dim)
	sumDxhatXhat := make([]float64, dim)
	for r := 0; r < bs; r++ {
		for j := 0; j < dim; j++ {
			idx := r*dim + j
			g.Gamma[i][j] += dOut[idx] * xhat[idx]
			g.Beta[i][j] += dOut[idx]
			dxh := dOut[idx] * bn.Gamma[j]
			sumDxhat[j] += dxh
			sumDxhatXhat[j] += dxh * xhat[idx]
		}
	}

	// dz = invStd/N * (N*dxhat - sum(dxhat) - xhat*sum(dxhat*xhat))
	for r := 0; r < bs; r++ {
		for j := 0; j < dim; j++ {
			idx := r*dim + j
			dxh := dOut[idx] * bn.Gamma[j]
			dz[idx] = invStd[j] / bsF * (bsF*dxh - sumDxhat[j] - xhat[idx]*sumDxhatXhat[j])
		}
	}
}

// StackGrads holds gradient accumulators shaped like a Stack's parameters.
type StackGrads struct {
	W, B        [][]float64 // per layer
	Gamma, Beta [][]float64 // per hidden layer (nil if !UseBatchNorm)
}

func newStackGrads(s *Stack) *StackGrads {
	g := &StackGrads{
		W: make([][]float64, len(s.Layers)),
		B: make([][]float64, len(s.Layers)),
	}
	for i, l := range s.Layers {
		g.W[i] = make([]float64, len(l.W))
		g.B[i] = make([]float64, len(l.B))
	}
	if s.UseBatchNorm {
		g.Gamma = make([][]float64, len(s.BN))
		g.Beta = make([][]float64, len(s.BN))
		for i, bn := range s.BN {
			g.Gamma[i] = make([]float64, bn.Dim)
			g.Beta[i] = make([]float64, bn.Dim)
		}
	}
	return g
}

func (g *StackGrads) zero() {
	for i := range g.W {
		mathutil.Clear(g.W[i])
		mathutil.Clear(g.B[i])
	}
	for i := range g.Gamma {
		mathutil.Clear(g.Gamma[i])
		mathutil.Clear(g.Beta[i])
	}
}
