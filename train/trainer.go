// Package train runs domain-adversarial training of a model.DANN.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ieee0824/emodann/checkpoint"
	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/internal/mathutil"
	"github.com/ieee0824/emodann/metrics"
	"github.com/ieee0824/emodann/model"
)

// ErrDataExhausted is returned when a loader ends before the epoch does.
var ErrDataExhausted = errors.New("train: loader exhausted before end of epoch")

// Domain labels fed to the domain head.
const (
	DomainSource = 0
	DomainTarget = 1
)

// Iterator yields the batches of one loader pass.
type Iterator = dataset.BatchIterator

// Loader produces one Iterator per pass. Len is the number of batches a pass yields.
type Loader interface {
	Len() int
	Iterate() dataset.BatchIterator
}

// ScalarWriter is the scalar log of a run.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int)
	Close() error
}

// Config holds the inputs of one training run.
type Config struct {
	SourceName string // language names used in checkpoint paths and logs
	TargetName string

	Source    Loader // source training batches, labelled
	Target    Loader // target training batches, labels used for metrics only
	SourceVal Loader
	TargetVal Loader

	Epochs       int
	LearningRate float64

	Store     *checkpoint.Store
	Writer    ScalarWriter
	Perturber dataset.Perturber // nil leaves batches untouched
	Logger    logrus.FieldLogger

	// MemoryGB samples memory in use at the end of each epoch. nil uses
	// metrics.UsedMemoryGB.
	MemoryGB func() (float64, error)
}

// Result is the record of one epoch.
type Result struct {
	Epoch          int     `yaml:"epoch"`
	SourceLabelErr float64 `yaml:"err_s_label"`
	SourceDomErr   float64 `yaml:"err_s_domain"`
	TargetDomErr   float64 `yaml:"err_t_domain"`
	SourceAccuracy float64 `yaml:"accuracy_source"`
	SourceF1       float64 `yaml:"f1_source"`
	TargetAccuracy float64 `yaml:"accuracy_target"`
	TargetF1       float64 `yaml:"f1_target"`
}

// Summary is what a finished run reports.
type Summary struct {
	Source             string   `yaml:"source"`
	Target             string   `yaml:"target"`
	BestSourceAccuracy float64  `yaml:"best_accuracy_source"`
	BestTargetAccuracy float64  `yaml:"best_accuracy_target"`
	BestEpoch          int      `yaml:"best_epoch"`
	BestPath           string   `yaml:"best_path"`
	FinalPath          string   `yaml:"final_path"`
	Results            []Result `yaml:"results"`
}

// Trainer owns the model, optimizer and metric states of a run.
type Trainer struct {
	cfg   Config
	model *model.DANN
	log   logrus.FieldLogger

	grads  *model.Grads
	params []model.Param
	opt    *Adam
	sched  *OneCycle

	stepsPerEpoch int

	domainTrain      *metrics.Classification
	classSourceTrain *metrics.Classification
	classTargetTrain *metrics.Classification
	classSourceVal   *metrics.Classification
	classTargetVal   *metrics.Classification

	eval *Evaluator

	sourceWS *model.Workspace
	targetWS *model.Workspace
}

// New validates cfg and prepares a trainer for m.
func New(m *model.DANN, cfg Config) (*Trainer, error) {
	switch {
	case cfg.Source == nil || cfg.Target == nil || cfg.SourceVal == nil || cfg.TargetVal == nil:
		return nil, errors.New("train: all four loaders are required")
	case cfg.Store == nil:
		return nil, errors.New("train: checkpoint store is required")
	case cfg.Writer == nil:
		return nil, errors.New("train: scalar writer is required")
	case cfg.Epochs <= 0:
		return nil, fmt.Errorf("train: epochs must be positive, got %d", cfg.Epochs)
	case cfg.LearningRate <= 0:
		return nil, fmt.Errorf("train: learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MemoryGB == nil {
		cfg.MemoryGB = metrics.UsedMemoryGB
	}

	steps := cfg.Source.Len()
	if n := cfg.Target.Len(); n < steps {
		steps = n
	}
	if steps == 0 {
		return nil, fmt.Errorf("%w: source has %d batches, target has %d", ErrDataExhausted, cfg.Source.Len(), cfg.Target.Len())
	}
	if cfg.SourceVal.Len() == 0 || cfg.TargetVal.Len() == 0 {
		return nil, fmt.Errorf("%w: held-out source has %d batches, target has %d", ErrDataExhausted, cfg.SourceVal.Len(), cfg.TargetVal.Len())
	}

	log := cfg.Logger.WithFields(logrus.Fields{"source": cfg.SourceName, "target": cfg.TargetName})
	grads := model.NewGrads(m)
	params := m.Params(grads)
	sched := NewOneCycle(cfg.LearningRate, cfg.Epochs*steps)
	opt := NewAdam(params, sched.LR())
	opt.Beta1 = sched.Beta1()

	nc := m.NumClasses()
	return &Trainer{
		cfg:              cfg,
		model:            m,
		log:              log,
		grads:            grads,
		params:           params,
		opt:              opt,
		sched:            sched,
		stepsPerEpoch:    steps,
		domainTrain:      metrics.NewClassification(m.NumDomains()),
		classSourceTrain: metrics.NewClassification(nc),
		classTargetTrain: metrics.NewClassification(nc),
		classSourceVal:   metrics.NewClassification(nc),
		classTargetVal:   metrics.NewClassification(nc),
		eval:             &Evaluator{Store: cfg.Store, Writer: cfg.Writer},
	}, nil
}

// StepsPerEpoch returns min(len(source), len(target)).
func (t *Trainer) StepsPerEpoch() int { return t.stepsPerEpoch }

// Model returns the model being trained.
func (t *Trainer) Model() *model.DANN { return t.model }

// stepLoss holds the losses of one step.
type stepLoss struct {
	sourceLabel  float64
	sourceDomain float64
	targetDomain float64
	targetLabel  float64 // diagnostic only, not backpropagated
}

func (l stepLoss) total() float64 { return l.targetDomain + l.sourceDomain + l.sourceLabel }

// Run trains for the configured number of epochs and closes the writer.
// ctx is checked between steps.
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{Source: t.cfg.SourceName, Target: t.cfg.TargetName, BestEpoch: -1}
	err := t.run(ctx, sum)
	if cerr := t.cfg.Writer.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close scalar writer: %w", cerr)
	}
	if err != nil {
		return sum, err
	}
	t.log.WithFields(logrus.Fields{
		"accuracy_source": sum.BestSourceAccuracy,
		"accuracy_target": sum.BestTargetAccuracy,
		"best":            sum.BestPath,
	}).Info("training finished")
	return sum, nil
}

func (t *Trainer) run(ctx context.Context, sum *Summary) error {
	w := t.cfg.Writer
	last := t.cfg.Epochs - 1
	for epoch := 0; epoch <= last; epoch++ {
		loss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return err
		}
		epochPath, err := t.cfg.Store.SaveEpoch(t.model, epoch)
		if err != nil {
			return err
		}

		t.domainTrain.Flush(w, "domain/target/train", epoch)
		t.classSourceTrain.Flush(w, "class/source/train", epoch)
		t.classTargetTrain.Flush(w, "class/target/train", epoch)

		if gb, err := t.cfg.MemoryGB(); err != nil {
			t.log.WithError(err).Warn("sample memory usage")
		} else {
			w.AddScalar("RAM usage", gb, epoch)
		}

		accS, f1S, err := t.eval.Evaluate(epoch, "source", t.cfg.SourceVal, t.classSourceVal)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", t.cfg.SourceName, err)
		}
		t.log.WithFields(logrus.Fields{"epoch": epoch, "dataset": t.cfg.SourceName, "accuracy": accS}).Info("evaluated")
		accT, f1T, err := t.eval.Evaluate(epoch, "target", t.cfg.TargetVal, t.classTargetVal)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", t.cfg.TargetName, err)
		}
		t.log.WithFields(logrus.Fields{"epoch": epoch, "dataset": t.cfg.TargetName, "accuracy": accT}).Info("evaluated")

		if sum.BestEpoch < 0 || accT > sum.BestTargetAccuracy {
			bestPath, err := t.cfg.Store.SaveBest(t.model)
			if err != nil {
				return err
			}
			sum.BestEpoch = epoch
			sum.BestSourceAccuracy = accS
			sum.BestTargetAccuracy = accT
			sum.BestPath = bestPath
		}
		sum.Results = append(sum.Results, Result{
			Epoch:          epoch,
			SourceLabelErr: loss.sourceLabel,
			SourceDomErr:   loss.sourceDomain,
			TargetDomErr:   loss.targetDomain,
			SourceAccuracy: accS,
			SourceF1:       f1S,
			TargetAccuracy: accT,
			TargetF1:       f1T,
		})

		if epoch != last {
			if err := t.cfg.Store.RemoveEpoch(epoch); err != nil {
				t.log.WithError(err).Warn("remove epoch checkpoint")
			}
		} else {
			sum.FinalPath = epochPath
		}
	}
	return nil
}

// trainEpoch runs stepsPerEpoch steps and returns the losses of the last one.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (stepLoss, error) {
	srcIt := t.cfg.Source.Iterate()
	defer srcIt.Close()
	tgtIt := t.cfg.Target.Iterate()
	defer tgtIt.Close()

	var loss stepLoss
	for i := 0; i < t.stepsPerEpoch; i++ {
		if err := ctx.Err(); err != nil {
			return loss, err
		}
		alpha := Alpha(Progress(i, epoch, t.stepsPerEpoch, t.cfg.Epochs))
		var err error
		loss, err = t.step(srcIt, tgtIt, alpha, epoch)
		if err != nil {
			return loss, fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
		}
		t.log.WithFields(logrus.Fields{
			"epoch":        epoch,
			"iter":         i + 1,
			"all":          t.stepsPerEpoch,
			"err_s_label":  loss.sourceLabel,
			"err_s_domain": loss.sourceDomain,
			"err_t_domain": loss.targetDomain,
		}).Info("step")
	}
	return loss, nil
}

func (t *Trainer) nextBatch(it Iterator, name string) (dataset.Batch, error) {
	b, err := it.Next()
	if errors.Is(err, io.EOF) {
		return b, fmt.Errorf("%w: %s", ErrDataExhausted, name)
	}
	if err != nil {
		return b, err
	}
	if t.cfg.Perturber != nil {
		b = t.cfg.Perturber.Perturb(b)
	}
	return b, nil
}

func workspaceFor(ws *model.Workspace, m *model.DANN, bs int) *model.Workspace {
	if ws == nil || ws.BatchSize() != bs {
		return model.NewWorkspace(m, bs)
	}
	return ws
}

// step performs one optimizer update on one source and one target batch.
func (t *Trainer) step(srcIt, tgtIt Iterator, alpha float64, epoch int) (stepLoss, error) {
	m := t.model
	nc, nd := m.NumClasses(), m.NumDomains()
	var loss stepLoss

	src, err := t.nextBatch(srcIt, t.cfg.SourceName)
	if err != nil {
		return loss, err
	}
	t.grads.Zero()
	t.sourceWS = workspaceFor(t.sourceWS, m, src.Size)
	classOut, domainOut, err := m.Forward(t.sourceWS, src.Features, alpha)
	if err != nil {
		return loss, err
	}
	classSourcePred := mathutil.ArgMaxRows(classOut, src.Size, nc)
	var dClassSource, dDomainSource, dDomainTarget []float64
	loss.sourceLabel, dClassSource, err = model.NLL(classOut, src.Labels, nc)
	if err != nil {
		return loss, err
	}
	loss.sourceDomain, dDomainSource, err = model.NLL(domainOut, constLabels(src.Size, DomainSource), nd)
	if err != nil {
		return loss, err
	}

	tgt, err := t.nextBatch(tgtIt, t.cfg.TargetName)
	if err != nil {
		return loss, err
	}
	t.targetWS = workspaceFor(t.targetWS, m, tgt.Size)
	classTargetOut, domainTargetOut, err := m.Forward(t.targetWS, tgt.Features, alpha)
	if err != nil {
		return loss, err
	}
	domainLabels := constLabels(tgt.Size, DomainTarget)
	domainTargetPred := mathutil.ArgMaxRows(domainTargetOut, tgt.Size, nd)
	classTargetPred := mathutil.ArgMaxRows(classTargetOut, tgt.Size, nc)
	loss.targetLabel, _, err = model.NLL(classTargetOut, tgt.Labels, nc)
	if err != nil {
		return loss, err
	}
	loss.targetDomain, dDomainTarget, err = model.NLL(domainTargetOut, domainLabels, nd)
	if err != nil {
		return loss, err
	}

	m.Backward(t.sourceWS, t.grads, dClassSource, dDomainSource)
	m.Backward(t.targetWS, t.grads, nil, dDomainTarget)
	t.opt.Step(t.params)

	if err := t.domainTrain.Update(domainTargetPred, domainLabels); err != nil {
		return loss, err
	}
	if err := t.classSourceTrain.Update(classSourcePred, src.Labels); err != nil {
		return loss, err
	}
	if err := t.classTargetTrain.Update(classTargetPred, tgt.Labels); err != nil {
		return loss, err
	}

	w := t.cfg.Writer
	w.AddScalar("Loss/domain/target/train", loss.targetDomain, epoch)
	w.AddScalar("Loss/class/target/train", loss.targetLabel, epoch)
	w.AddScalar("Loss/class/source/train", loss.sourceLabel, epoch)
	w.AddScalar("Loss/overall/train", loss.total(), epoch)
	w.AddScalar("Learning_rate", t.opt.LR, epoch)

	t.sched.Step()
	t.opt.LR = t.sched.LR()
	t.opt.Beta1 = t.sched.Beta1()
	return loss, nil
}

func constLabels(n, label int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = label
	}
	return labels
}
