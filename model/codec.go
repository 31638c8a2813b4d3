package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// ErrFormat is returned when a serialized model is malformed.
var ErrFormat = errors.New("model: invalid serialized model")

const codecVersion = 1

type serializedLayer struct {
	W      []float64
	B      []float64
	InDim  int
	OutDim int
}

type serializedBNParams struct {
	Gamma       []float64
	Beta        []float64
	RunningMean []float64
	RunningVar  []float64
	Dim         int
}

type serializedStack struct {
	Layers       []serializedLayer
	UseBatchNorm bool
	BN           []serializedBNParams
	Output       int
}

type serializedDANN struct {
	Version int
	Feature serializedStack
	Class   serializedStack
	Domain  serializedStack
	Classes []string
}

// Save serializes the complete model (architecture, weights, batch-norm
// statistics and class vocabulary) to w using gob encoding.
func (m *DANN) Save(w io.Writer) error {
	sd := serializedDANN{
		Version: codecVersion,
		Feature: stackToSerialized(m.Feature),
		Class:   stackToSerialized(m.Class),
		Domain:  stackToSerialized(m.Domain),
		Classes: m.Classes,
	}
	return gob.NewEncoder(w).Encode(sd)
}

// Load deserializes a model written by Save.
func Load(r io.Reader) (*DANN, error) {
	var sd serializedDANN
	if err := gob.NewDecoder(r).Decode(&sd); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if sd.Version != codecVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, sd.Version)
	}
	m := &DANN{
		Feature: stackFromSerialized(&sd.Feature),
		Class:   stackFromSerialized(&sd.Class),
		Domain:  stackFromSerialized(&sd.Domain),
		Classes: sd.Classes,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func stackToSerialized(s *Stack) serializedStack {
	ss := serializedStack{
		Layers:       make([]serializedLayer, len(s.Layers)),
		UseBatchNorm: s.UseBatchNorm,
		Output:       int(s.Output),
	}
	for i, l := range s.Layers {
		ss.Layers[i] = serializedLayer{W: l.W, B: l.B, InDim: l.InDim, OutDim: l.OutDim}
	}
	if s.UseBatchNorm {
		ss.BN = make([]serializedBNParams, len(s.BN))
		for i, bn := range s.BN {
			ss.BN[i] = serializedBNParams{
				Gamma: bn.Gamma, Beta: bn.Beta,
				RunningMean: bn.RunningMean, RunningVar: bn.RunningVar,
				Dim: bn.Dim,
			}
		}
	}
	return ss
}

func stackFromSerialized(ss *serializedStack) *Stack {
	s := &Stack{
		Layers:       make([]Layer, len(ss.Layers)),
		UseBatchNorm: ss.UseBatchNorm,
		Output:       Output(ss.Output),
	}
	for i, sl := range ss.Layers {
		s.Layers[i] = Layer{W: sl.W, B: sl.B, InDim: sl.InDim, OutDim: sl.OutDim}
	}
	if ss.UseBatchNorm {
		s.BN = make([]BatchNormParams, len(ss.BN))
		for i, sbn := range ss.BN {
			s.BN[i] = BatchNormParams{
				Gamma: sbn.Gamma, Beta: sbn.Beta,
				RunningMean: sbn.RunningMean, RunningVar: sbn.RunningVar,
				Dim: sbn.Dim,
			}
		}
	}
	return s
}

// validate checks that layer widths chain and slice lengths agree.
func (m *DANN) validate() error {
	for _, part := range []struct {
		name string
		s    *Stack
		out  Output
	}{{"feature", m.Feature, OutputEmbedding}, {"class", m.Class, OutputLogSoftmax}, {"domain", m.Domain, OutputLogSoftmax}} {
		s := part.s
		if len(s.Layers) == 0 {
			return fmt.Errorf("%w: %s stack has no layers", ErrFormat, part.name)
		}
		if s.Output != part.out {
			return fmt.Errorf("%w: %s stack has output kind %d, want %d", ErrFormat, part.name, s.Output, part.out)
		}
		for i, l := range s.Layers {
			if len(l.W) != l.InDim*l.OutDim || len(l.B) != l.OutDim {
				return fmt.Errorf("%w: %s layer %d has inconsistent sizes", ErrFormat, part.name, i)
			}
			if i > 0 && s.Layers[i-1].OutDim != l.InDim {
				return fmt.Errorf("%w: %s layer %d input %d != previous output %d", ErrFormat, part.name, i, l.InDim, s.Layers[i-1].OutDim)
			}
		}
		if s.UseBatchNorm {
			if len(s.BN) != s.NumHidden() {
				return fmt.Errorf("%w: %s has %d batch-norm layers, want %d", ErrFormat, part.name, len(s.BN), s.NumHidden())
			}
			for i, bn := range s.BN {
				if bn.Dim != s.Layers[i].OutDim ||
					len(bn.Gamma) != bn.Dim || len(bn.Beta) != bn.Dim ||
					len(bn.RunningMean) != bn.Dim || len(bn.RunningVar) != bn.Dim {
					return fmt.Errorf("%w: %s batch-norm %d has inconsistent sizes", ErrFormat, part.name, i)
				}
			}
		}
	}
	if m.Class.InDim() != m.Feature.OutDim() || m.Domain.InDim() != m.Feature.OutDim() {
		return fmt.Errorf("%w: heads do not match embedding width %d", ErrFormat, m.Feature.OutDim())
	}
	if len(m.Classes) != m.Class.OutDim() {
		return fmt.Errorf("%w: %d class names for %d outputs", ErrFormat, len(m.Classes), m.Class.OutDim())
	}
	return nil
}
