// Package emodann trains domain-adversarial speech emotion classifiers
// across languages.
package emodann

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/ieee0824/emodann/checkpoint"
	"github.com/ieee0824/emodann/config"
	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/metrics"
	"github.com/ieee0824/emodann/model"
	"github.com/ieee0824/emodann/train"
)

// Experiment is one source → target training run with its collaborators.
type Experiment struct {
	Config   *config.Config
	Arch     model.Architecture
	Registry *dataset.Registry
	Store    *checkpoint.Store
	Model    *model.DANN

	writer train.ScalarWriter
	series metrics.SeriesSource
	log    logrus.FieldLogger
	memory func() (float64, error)
}

// Option configures an Experiment.
type Option func(*Experiment)

// WithLogger sets the logger used by the experiment and its trainer.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Experiment) {
		e.log = l
	}
}

// WithArchitecture replaces the default layer widths. InputDim is taken
// from the source dataset.
func WithArchitecture(a model.Architecture) Option {
	return func(e *Experiment) {
		e.Arch = a
	}
}

// WithScalarWriter replaces the JSON-lines scalar log.
func WithScalarWriter(w train.ScalarWriter) Option {
	return func(e *Experiment) {
		e.writer = w
	}
}

// WithModel starts training from m instead of a freshly initialized model.
func WithModel(m *model.DANN) Option {
	return func(e *Experiment) {
		e.Model = m
	}
}

// WithRegistry uses loaders already registered in r.
func WithRegistry(r *dataset.Registry) Option {
	return func(e *Experiment) {
		e.Registry = r
	}
}

// WithMemorySampler overrides the end-of-epoch memory sampler.
func WithMemorySampler(f func() (float64, error)) Option {
	return func(e *Experiment) {
		e.memory = f
	}
}

// NewExperiment loads the four datasets of cfg and builds the model, the
// checkpoint store and the scalar log.
func NewExperiment(ctx context.Context, cfg *config.Config, opts ...Option) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Experiment{
		Config: cfg,
		Arch:   model.DefaultArchitecture(),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Registry == nil {
		e.Registry = dataset.NewRegistry(cfg.DatasetPaths(), cfg.BatchSize, cfg.Seed, cfg.Prefetch)
	}

	ids, err := experimentIDs(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Registry.Load(ctx, ids...); err != nil {
		return nil, fmt.Errorf("load datasets: %w", err)
	}

	src, err := e.Registry.Lookup(ids[0])
	if err != nil {
		return nil, err
	}
	if e.Model == nil {
		e.Arch.InputDim = src.Dim()
		e.Model = model.New(e.Arch, dataset.Emotions(), rand.New(rand.NewSource(cfg.Seed)))
	} else if e.Model.InputDim() != src.Dim() {
		return nil, fmt.Errorf("%w: model expects %d features, %s has %d", model.ErrShape, e.Model.InputDim(), ids[0], src.Dim())
	}
	for _, id := range ids[1:] {
		l, err := e.Registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		if l.Dim() != src.Dim() {
			return nil, fmt.Errorf("%w: %s has %d features, %s has %d", model.ErrShape, id, l.Dim(), ids[0], src.Dim())
		}
	}

	e.Store = checkpoint.New(cfg.ModelDir, cfg.SourceLanguage(), cfg.TargetLanguage())
	if e.writer == nil {
		fw, err := metrics.NewFileWriter(cfg.RunLogDir())
		if err != nil {
			return nil, fmt.Errorf("open scalar log: %w", err)
		}
		e.writer = fw
		e.series = fw
	} else if s, ok := e.writer.(metrics.SeriesSource); ok {
		e.series = s
	}
	e.log.WithFields(logrus.Fields{
		"source": cfg.Source,
		"target": cfg.Target,
		"params": e.Model.NumParams(),
		"logdir": cfg.RunLogDir(),
	}).Info("experiment ready")
	return e, nil
}

// experimentIDs returns source, target, source held-out and target held-out.
func experimentIDs(cfg *config.Config) ([]dataset.ID, error) {
	var ids []dataset.ID
	for _, f := range []func() (dataset.ID, error){cfg.SourceID, cfg.TargetID, cfg.SourceEvalID, cfg.TargetEvalID} {
		id, err := f()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Series returns the scalar log for the HTTP view, or nil when the writer
// does not keep series in memory.
func (e *Experiment) Series() metrics.SeriesSource { return e.series }

// Train runs the full schedule and closes the scalar log.
func (e *Experiment) Train(ctx context.Context) (*train.Summary, error) {
	ids, err := experimentIDs(e.Config)
	if err != nil {
		return nil, err
	}
	loaders := make([]train.Loader, len(ids))
	for i, id := range ids {
		lookup := e.Registry.Lookup
		if i >= 2 {
			lookup = e.Registry.LookupHeldOut
		}
		l, err := lookup(id)
		if err != nil {
			return nil, err
		}
		loaders[i] = l
	}

	var perturber dataset.Perturber
	if e.Config.Perturb {
		perturber = dataset.NewNoisePerturber(e.Config.PerturbSigma, e.Config.PerturbMask,
			rand.New(rand.NewSource(e.Config.Seed+1)))
		e.log.Info("perturbing training batches")
	}

	tr, err := train.New(e.Model, train.Config{
		SourceName:   e.Config.SourceLanguage(),
		TargetName:   e.Config.TargetLanguage(),
		Source:       loaders[0],
		Target:       loaders[1],
		SourceVal:    loaders[2],
		TargetVal:    loaders[3],
		Epochs:       e.Config.Epochs,
		LearningRate: e.Config.LearningRate,
		Store:        e.Store,
		Writer:       e.writer,
		Perturber:    perturber,
		Logger:       e.log,
		MemoryGB:     e.memory,
	})
	if err != nil {
		return nil, err
	}
	return tr.Run(ctx)
}

// Evaluate scores the checkpoint at path on loader.
func Evaluate(path string, loader train.Loader) (metrics.Summary, error) {
	m, err := checkpoint.Load(path)
	if err != nil {
		return metrics.Summary{}, err
	}
	state := metrics.NewClassification(m.NumClasses())
	if err := train.Score(m, loader, state, nil); err != nil {
		return metrics.Summary{}, err
	}
	return state.Summary(), nil
}
