package train

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/ieee0824/emodann/checkpoint"
	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/metrics"
)

func TestEvaluate_IdempotentAndReadOnly(t *testing.T) {
	store := checkpoint.New(t.TempDir(), "mandarin", "english")
	m := testModel()
	if _, err := store.SaveEpoch(m, 4); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(store.EpochPath(4))
	if err != nil {
		t.Fatal(err)
	}

	w := newRecordWriter()
	e := &Evaluator{Store: store, Writer: w}
	loader := newLoader(t, 12, 7)
	state := metrics.NewClassification(dataset.NumEmotions)

	acc1, f1a, err := e.Evaluate(4, "target", loader, state)
	if err != nil {
		t.Fatal(err)
	}
	acc2, f1b, err := e.Evaluate(4, "target", loader, state)
	if err != nil {
		t.Fatal(err)
	}
	if acc1 != acc2 || f1a != f1b {
		t.Errorf("repeat evaluation differs: (%v,%v) vs (%v,%v)", acc1, f1a, acc2, f1b)
	}
	if acc1 < 0 || acc1 > 1 {
		t.Errorf("accuracy %v outside [0,1]", acc1)
	}
	if state.Total() != 0 {
		t.Errorf("state not reset after flush: %d samples", state.Total())
	}
	if n := len(w.points["Loss/class/target/val"]); n != 6 {
		t.Errorf("val loss logged %d times, want 6", n)
	}
	for _, s := range w.steps["Metrics/class/target/val/accuracy"] {
		if s != 4 {
			t.Errorf("metrics flushed at step %d, want 4", s)
		}
	}

	after, err := os.ReadFile(store.EpochPath(4))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("evaluation modified the checkpoint")
	}
}

func TestEvaluate_MissingCheckpoint(t *testing.T) {
	e := &Evaluator{Store: checkpoint.New(t.TempDir(), "english", "mandarin"), Writer: newRecordWriter()}
	state := metrics.NewClassification(dataset.NumEmotions)
	if _, _, err := e.Evaluate(0, "source", newLoader(t, 4, 1), state); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestScore_MatchesInfer(t *testing.T) {
	m := testModel()
	d := randomDataset(8, 11)
	loader, err := dataset.NewLoader(d, 8)
	if err != nil {
		t.Fatal(err)
	}
	state := metrics.NewClassification(dataset.NumEmotions)
	var losses []float64
	if err := Score(m, loader, state, func(l float64) { losses = append(losses, l) }); err != nil {
		t.Fatal(err)
	}
	if len(losses) != 1 || losses[0] <= 0 {
		t.Errorf("losses = %v", losses)
	}
	if state.Total() != 8 {
		t.Errorf("scored %d samples, want 8", state.Total())
	}
}

func TestScore_EmptyLoader(t *testing.T) {
	state := metrics.NewClassification(dataset.NumEmotions)
	called := false
	err := Score(testModel(), &sliceLoader{}, state, func(float64) { called = true })
	if !errors.Is(err, ErrDataExhausted) {
		t.Fatalf("err = %v, want ErrDataExhausted", err)
	}
	if called || state.Total() != 0 {
		t.Errorf("empty loader touched state: called=%v total=%d", called, state.Total())
	}
}

func TestEvaluate_EmptyLoader(t *testing.T) {
	store := checkpoint.New(t.TempDir(), "mandarin", "english")
	if _, err := store.SaveEpoch(testModel(), 0); err != nil {
		t.Fatal(err)
	}
	w := newRecordWriter()
	e := &Evaluator{Store: store, Writer: w}
	state := metrics.NewClassification(dataset.NumEmotions)
	if _, _, err := e.Evaluate(0, "target", &sliceLoader{}, state); !errors.Is(err, ErrDataExhausted) {
		t.Fatalf("err = %v, want ErrDataExhausted", err)
	}
	if len(w.points) != 0 {
		t.Errorf("scalars written for an empty loader: %v", w.points)
	}
}
