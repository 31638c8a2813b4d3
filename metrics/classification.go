package metrics

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when predictions and labels disagree in length
// or a class id falls outside the configured range.
var ErrShapeMismatch = errors.New("prediction/label shape mismatch")

// ScalarWriter receives named scalar values keyed by step.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int)
}

// Classification accumulates a confusion matrix for one metric group.
// Rows are true classes, columns are predicted classes.
type Classification struct {
	numClasses int
	confusion  [][]int
	total      int
}

// NewClassification creates an empty state for numClasses classes.
func NewClassification(numClasses int) *Classification {
	c := &Classification{numClasses: numClasses}
	c.Reset()
	return c
}

// NumClasses returns the number of classes.
func (c *Classification) NumClasses() int { return c.numClasses }

// Reset clears the accumulated counts.
func (c *Classification) Reset() {
	c.confusion = make([][]int, c.numClasses)
	for i := range c.confusion {
		c.confusion[i] = make([]int, c.numClasses)
	}
	c.total = 0
}

// Update adds one batch of predictions.
func (c *Classification) Update(preds, labels []int) error {
	if len(preds) != len(labels) {
		return fmt.Errorf("%w: %d predictions for %d labels", ErrShapeMismatch, len(preds), len(labels))
	}
	for i := range preds {
		p, y := preds[i], labels[i]
		if p < 0 || p >= c.numClasses || y < 0 || y >= c.numClasses {
			return fmt.Errorf("%w: pair (%d,%d) outside %d classes", ErrShapeMismatch, p, y, c.numClasses)
		}
	}
	for i := range preds {
		c.confusion[labels[i]][preds[i]]++
	}
	c.total += len(preds)
	return nil
}

// Total returns the number of accumulated samples.
func (c *Classification) Total() int { return c.total }

// Correct returns the number of correct predictions.
func (c *Classification) Correct() int {
	n := 0
	for i := range c.confusion {
		n += c.confusion[i][i]
	}
	return n
}

// Confusion returns a copy of the confusion matrix.
func (c *Classification) Confusion() [][]int {
	out := make([][]int, len(c.confusion))
	for i, row := range c.confusion {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// Summary is the aggregate of one metric group.
type Summary struct {
	Accuracy  float64
	Precision float64 // macro average
	Recall    float64 // macro average
	F1        float64 // macro average
	Samples   int
}

// Summary computes the aggregates. Macro averages run over the classes that
// occur either as a label or as a prediction.
func (c *Classification) Summary() Summary {
	s := Summary{Samples: c.total}
	if c.total == 0 {
		return s
	}
	s.Accuracy = float64(c.Correct()) / float64(c.total)

	active := 0
	for k := 0; k < c.numClasses; k++ {
		tp := c.confusion[k][k]
		fp, fn := 0, 0
		for j := 0; j < c.numClasses; j++ {
			if j == k {
				continue
			}
			fp += c.confusion[j][k]
			fn += c.confusion[k][j]
		}
		if tp+fp+fn == 0 {
			continue
		}
		active++
		var precision, recall, f1 float64
		if tp+fp > 0 {
			precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			recall = float64(tp) / float64(tp+fn)
		}
		if tp > 0 {
			f1 = 2 * float64(tp) / float64(2*tp+fp+fn)
		}
		s.Precision += precision
		s.Recall += recall
		s.F1 += f1
	}
	if active > 0 {
		s.Precision /= float64(active)
		s.Recall /= float64(active)
		s.F1 /= float64(active)
	}
	return s
}

// Flush writes the group's aggregates to w under "Metrics/{group}/..." at
// step, then resets the state.
func (c *Classification) Flush(w ScalarWriter, group string, step int) Summary {
	s := c.Summary()
	w.AddScalar("Metrics/"+group+"/accuracy", s.Accuracy, step)
	w.AddScalar("Metrics/"+group+"/precision", s.Precision, step)
	w.AddScalar("Metrics/"+group+"/recall", s.Recall, step)
	w.AddScalar("Metrics/"+group+"/f1", s.F1, step)
	c.Reset()
	return s
}
