package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/ieee0824/emodann/internal/mathutil"
)

// ErrShape is returned when an input batch does not match the network width.
var ErrShape = errors.New("model: shape mismatch")

// Architecture describes the widths of the three sub-networks.
type Architecture struct {
	InputDim      int   // acoustic feature dimension
	FeatureHidden []int // hidden widths of the feature extractor before the embedding
	EmbeddingDim  int
	ClassHidden   []int // hidden widths of the emotion head
	DomainHidden  []int // hidden widths of the domain head
	NumDomains    int
	BatchNorm     bool
}

// DefaultArchitecture returns the 149 → 64 → 32 extractor with a
// 512-128 emotion head and a 512 domain head, all with batch norm.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputDim:      149,
		FeatureHidden: []int{64},
		EmbeddingDim:  32,
		ClassHidden:   []int{512, 128},
		DomainHidden:  []int{512},
		NumDomains:    2,
		BatchNorm:     true,
	}
}

// DANN is a domain-adversarial network: a shared feature extractor feeding an
// emotion head directly and a domain head through a gradient-reversal node.
type DANN struct {
	Feature *Stack // input → embedding
	Class   *Stack // embedding → log P(emotion)
	Domain  *Stack // reversed embedding → log P(domain)

	// Classes is the ordered emotion vocabulary; index i is output class i.
	Classes []string
}

// New creates a DANN with weights drawn from rng.
func New(arch Architecture, classes []string, rng *rand.Rand) *DANN {
	featDims := append([]int{arch.InputDim}, arch.FeatureHidden...)
	featDims = append(featDims, arch.EmbeddingDim)

	classDims := append([]int{arch.EmbeddingDim}, arch.ClassHidden...)
	classDims = append(classDims, len(classes))

	domainDims := append([]int{arch.EmbeddingDim}, arch.DomainHidden...)
	domainDims = append(domainDims, arch.NumDomains)

	return &DANN{
		Feature: newStack(featDims, OutputEmbedding, arch.BatchNorm, rng),
		Class:   newStack(classDims, OutputLogSoftmax, arch.BatchNorm, rng),
		Domain:  newStack(domainDims, OutputLogSoftmax, arch.BatchNorm, rng),
		Classes: append([]string(nil), classes...),
	}
}

// InputDim returns the expected feature dimension.
func (m *DANN) InputDim() int { return m.Feature.InDim() }

// NumClasses returns the number of emotion classes.
func (m *DANN) NumClasses() int { return m.Class.OutDim() }

// NumDomains returns the number of domain classes.
func (m *DANN) NumDomains() int { return m.Domain.OutDim() }

// NumParams returns the number of trainable scalars.
func (m *DANN) NumParams() int {
	return m.Feature.NumParams() + m.Class.NumParams() + m.Domain.NumParams()
}

// Workspace holds the caches of one training forward pass so that the
// matching backward pass can run. Source and target passes of one step
// each need their own Workspace.
type Workspace struct {
	batchSize int
	feature   *stackCache
	class     *stackCache
	domain    *stackCache
	reverse   GradReverse

	classIn  []float64 // embedding seen by the emotion head
	domainIn []float64 // reversed embedding seen by the domain head
}

// NewWorkspace allocates a workspace for batches of bs rows.
func NewWorkspace(m *DANN, bs int) *Workspace {
	return &Workspace{
		batchSize: bs,
		feature:   newStackCache(m.Feature, bs),
		class:     newStackCache(m.Class, bs),
		domain:    newStackCache(m.Domain, bs),
	}
}

// BatchSize returns the number of rows the workspace was built for.
func (ws *Workspace) BatchSize() int { return ws.batchSize }

// Embedding returns the shared embedding of the last Forward.
func (ws *Workspace) Embedding() []float64 { return ws.classIn }

// Alpha returns the reversal coefficient captured by the last Forward.
func (ws *Workspace) Alpha() float64 { return ws.reverse.Alpha() }

// Forward runs a training-mode pass over x ([bs × InputDim], bs = ws.BatchSize()).
// The emotion head sees the embedding, the domain head sees it through the
// reversal node with coefficient alpha. Both returned slices are owned by ws.
func (m *DANN) Forward(ws *Workspace, x []float64, alpha float64) (classLogProbs, domainLogProbs []float64, err error) {
	if want := ws.batchSize * m.InputDim(); len(x) != want {
		return nil, nil, fmt.Errorf("%w: input has %d values, want %d", ErrShape, len(x), want)
	}
	emb := m.Feature.forwardTrain(ws.feature, x)
	ws.classIn = emb
	ws.domainIn = ws.reverse.Forward(emb, alpha)

	classLogProbs = m.Class.forwardTrain(ws.class, ws.classIn)
	domainLogProbs = m.Domain.forwardTrain(ws.domain, ws.domainIn)
	return classLogProbs, domainLogProbs, nil
}

// Backward accumulates into g the gradients of the pass cached in ws.
// dClass and dDomain are gradients w.r.t. the two log-probability outputs;
// a nil dClass leaves the emotion head out of the update.
func (m *DANN) Backward(ws *Workspace, g *Grads, dClass, dDomain []float64) {
	dEmb := make([]float64, ws.batchSize*m.Feature.OutDim())
	if dClass != nil {
		mathutil.AddTo(dEmb, m.Class.backward(ws.class, g.Class, dClass))
	}
	if dDomain != nil {
		dRev := m.Domain.backward(ws.domain, g.Domain, dDomain)
		mathutil.AddTo(dEmb, ws.reverse.Backward(dRev))
	}
	m.Feature.backward(ws.feature, g.Feature, dEmb)
}

// Infer runs the inference path over bs rows of x. Batch norm uses running
// statistics and alpha is 0, so the model is left untouched.
func (m *DANN) Infer(x []float64, bs int) (classLogProbs, domainLogProbs []float64, err error) {
	if want := bs * m.InputDim(); len(x) != want {
		return nil, nil, fmt.Errorf("%w: input has %d values, want %d", ErrShape, len(x), want)
	}
	emb := m.Feature.infer(x, bs)
	var rev GradReverse
	classLogProbs = m.Class.infer(emb, bs)
	domainLogProbs = m.Domain.infer(rev.Forward(emb, 0), bs)
	return classLogProbs, domainLogProbs, nil
}

// Grads holds gradient accumulators for every trainable parameter of a DANN.
type Grads struct {
	Feature *StackGrads
	Class   *StackGrads
	Domain  *StackGrads
}

// NewGrads allocates zeroed accumulators shaped like m.
func NewGrads(m *DANN) *Grads {
	return &Grads{
		Feature: newStackGrads(m.Feature),
		Class:   newStackGrads(m.Class),
		Domain:  newStackGrads(m.Domain),
	}
}

// Zero clears every accumulator.
func (g *Grads) Zero() {
	g.Feature.zero()
	g.Class.zero()
	g.Domain.zero()
}

// Param pairs a parameter slice with its gradient accumulator.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// Params lists every trainable parameter of m with its accumulator in g.
// The order is stable, so optimizers can key their state by index.
func (m *DANN) Params(g *Grads) []Param {
	var ps []Param
	ps = appendStackParams(ps, "feature", m.Feature, g.Feature)
	ps = appendStackParams(ps, "class", m.Class, g.Class)
	ps = appendStackParams(ps, "domain", m.Domain, g.Domain)
	return ps
}

func appendStackParams(ps []Param, prefix string, s *Stack, g *StackGrads) []Param {
	for i := range s.Layers {
		ps = append(ps,
			Param{Name: fmt.Sprintf("%s.%d.weight", prefix, i), Value: s.Layers[i].W, Grad: g.W[i]},
			Param{Name: fmt.Sprintf("%s.%d.bias", prefix, i), Value: s.Layers[i].B, Grad: g.B[i]},
		)
	}
	for i := range s.BN {
		ps = append(ps,
			Param{Name: fmt.Sprintf("%s.bn%d.gamma", prefix, i), Value: s.BN[i].Gamma, Grad: g.Gamma[i]},
			Param{Name: fmt.Sprintf("%s.bn%d.beta", prefix, i), Value: s.BN[i].Beta, Grad: g.Beta[i]},
		)
	}
	return ps
}
