package train

import (
	"errors"
	"fmt"
	"io"

	"github.com/ieee0824/emodann/checkpoint"
	"github.com/ieee0824/emodann/internal/mathutil"
	"github.com/ieee0824/emodann/metrics"
	"github.com/ieee0824/emodann/model"
)

// Evaluator scores a saved epoch checkpoint on a held-out loader.
type Evaluator struct {
	Store  *checkpoint.Store
	Writer metrics.ScalarWriter
}

// Evaluate reloads the checkpoint of epoch, classifies every batch of loader
// and flushes state under "class/{tag}/val". It returns accuracy and macro F1.
// state must be empty on entry.
func (e *Evaluator) Evaluate(epoch int, tag string, loader Loader, state *metrics.Classification) (accuracy, f1 float64, err error) {
	m, err := e.Store.LoadEpoch(epoch)
	if err != nil {
		return 0, 0, err
	}
	err = Score(m, loader, state, func(loss float64) {
		e.Writer.AddScalar("Loss/class/"+tag+"/val", loss, epoch)
	})
	if err != nil {
		state.Reset()
		return 0, 0, err
	}
	s := state.Flush(e.Writer, "class/"+tag+"/val", epoch)
	return s.Accuracy, s.F1, nil
}

// Score runs inference with m over one pass of loader and accumulates the
// emotion predictions into state. onLoss, if non-nil, receives the mean loss
// of each batch. A loader without batches yields ErrDataExhausted rather
// than an empty score.
func Score(m *model.DANN, loader Loader, state *metrics.Classification, onLoss func(float64)) error {
	if loader.Len() == 0 {
		return fmt.Errorf("%w: held-out loader has no batches", ErrDataExhausted)
	}
	nc := m.NumClasses()
	it := loader.Iterate()
	defer it.Close()
	for {
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		logp, _, err := m.Infer(b.Features, b.Size)
		if err != nil {
			return err
		}
		loss, _, err := model.NLL(logp, b.Labels, nc)
		if err != nil {
			return fmt.Errorf("%w: %v", metrics.ErrShapeMismatch, err)
		}
		if onLoss != nil {
			onLoss(loss)
		}
		if err := state.Update(mathutil.ArgMaxRows(logp, b.Size, nc), b.Labels); err != nil {
			return err
		}
	}
}
