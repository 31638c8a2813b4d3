package train

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ieee0824/emodann/checkpoint"
	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/model"
)

const testDim = 4

type recordWriter struct {
	points map[string][]float64
	steps  map[string][]int
	closed int
}

func newRecordWriter() *recordWriter {
	return &recordWriter{points: map[string][]float64{}, steps: map[string][]int{}}
}

func (w *recordWriter) AddScalar(tag string, value float64, step int) {
	w.points[tag] = append(w.points[tag], value)
	w.steps[tag] = append(w.steps[tag], step)
}

func (w *recordWriter) Close() error {
	w.closed++
	return nil
}

// sliceLoader replays fixed batches and may claim more than it holds.
type sliceLoader struct {
	batches []dataset.Batch
	claimed int
}

func (l *sliceLoader) Len() int {
	if l.claimed > 0 {
		return l.claimed
	}
	return len(l.batches)
}

func (l *sliceLoader) Iterate() dataset.BatchIterator {
	return &sliceIterator{batches: l.batches}
}

type sliceIterator struct {
	batches []dataset.Batch
	pos     int
}

func (it *sliceIterator) Next() (dataset.Batch, error) {
	if it.pos >= len(it.batches) {
		return dataset.Batch{}, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *sliceIterator) Close() {}

func randomDataset(rows int, seed int64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	d := &dataset.Dataset{Features: make([]float64, rows*testDim), Labels: make([]int, rows), Dim: testDim}
	for i := range d.Features {
		d.Features[i] = rng.NormFloat64()
	}
	for i := range d.Labels {
		d.Labels[i] = i % dataset.NumEmotions
	}
	return d
}

func newLoader(t *testing.T, rows int, seed int64) *dataset.Loader {
	t.Helper()
	l, err := dataset.NewLoader(randomDataset(rows, seed), 4)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func testModel() *model.DANN {
	arch := model.Architecture{
		InputDim:      testDim,
		FeatureHidden: []int{8},
		EmbeddingDim:  6,
		ClassHidden:   []int{8},
		DomainHidden:  []int{8},
		NumDomains:    2,
		BatchNorm:     true,
	}
	return model.New(arch, dataset.Emotions(), rand.New(rand.NewSource(42)))
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T, epochs int) (Config, *recordWriter) {
	t.Helper()
	w := newRecordWriter()
	return Config{
		SourceName:   "english",
		TargetName:   "mandarin",
		Source:       newLoader(t, 8, 1),
		Target:       newLoader(t, 8, 2),
		SourceVal:    newLoader(t, 8, 3),
		TargetVal:    newLoader(t, 8, 4),
		Epochs:       epochs,
		LearningRate: 1e-3,
		Store:        checkpoint.New(t.TempDir(), "english", "mandarin"),
		Writer:       w,
		Logger:       quietLogger(),
		MemoryGB:     func() (float64, error) { return 1.5, nil },
	}, w
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRun_SingleEpochTwoSteps(t *testing.T) {
	cfg, w := testConfig(t, 1)
	tr, err := New(testModel(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tr.StepsPerEpoch() != 2 {
		t.Fatalf("StepsPerEpoch = %d, want 2", tr.StepsPerEpoch())
	}
	sum, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	for _, tag := range []string{
		"Loss/domain/target/train",
		"Loss/class/target/train",
		"Loss/class/source/train",
		"Loss/overall/train",
		"Learning_rate",
	} {
		if n := len(w.points[tag]); n != 2 {
			t.Errorf("%s logged %d times, want 2", tag, n)
		}
	}
	sched := NewOneCycle(1e-3, 2)
	for i, lr := range w.points["Learning_rate"] {
		if want := sched.LR(); math.Abs(lr-want) > 1e-15 {
			t.Errorf("learning rate at step %d = %v, want %v", i, lr, want)
		}
		sched.Step()
	}
	for i, overall := range w.points["Loss/overall/train"] {
		parts := w.points["Loss/domain/target/train"][i] + w.points["Loss/class/source/train"][i]
		if overall <= parts {
			t.Errorf("step %d: overall loss %v does not include the source domain loss", i, overall)
		}
	}
	for _, group := range []string{"domain/target/train", "class/source/train", "class/target/train", "class/source/val", "class/target/val"} {
		if n := len(w.points["Metrics/"+group+"/accuracy"]); n != 1 {
			t.Errorf("%s flushed %d times, want 1", group, n)
		}
	}
	if got := w.points["Metrics/domain/target/train/accuracy"][0]; got < 0 || got > 1 {
		t.Errorf("domain accuracy %v outside [0,1]", got)
	}
	if ram := w.points["RAM usage"]; len(ram) != 1 || ram[0] != 1.5 {
		t.Errorf("RAM usage = %v, want [1.5]", ram)
	}
	if n := len(w.points["Loss/class/source/val"]); n != 2 {
		t.Errorf("source val loss logged %d times, want 2", n)
	}
	if w.closed != 1 {
		t.Errorf("writer closed %d times, want 1", w.closed)
	}

	want := []string{
		"english_mandarin_model_epoch_0.pth",
		"english_mandarin_model_epoch_best.pth",
	}
	if got := dirNames(t, cfg.Store.Dir); !equalStrings(got, want) {
		t.Errorf("checkpoints = %v, want %v", got, want)
	}
	if sum.BestEpoch != 0 || sum.BestPath != cfg.Store.BestPath() || sum.FinalPath != cfg.Store.EpochPath(0) {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Results) != 1 || sum.Results[0].TargetAccuracy != sum.BestTargetAccuracy {
		t.Errorf("results = %+v", sum.Results)
	}
}

func TestRun_RemovesIntermediateCheckpoints(t *testing.T) {
	cfg, w := testConfig(t, 3)
	tr, err := New(testModel(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"english_mandarin_model_epoch_2.pth",
		"english_mandarin_model_epoch_best.pth",
	}
	if got := dirNames(t, cfg.Store.Dir); !equalStrings(got, want) {
		t.Errorf("checkpoints = %v, want %v", got, want)
	}
	if len(sum.Results) != 3 {
		t.Errorf("got %d results, want 3", len(sum.Results))
	}
	if n := len(w.points["Loss/overall/train"]); n != 6 {
		t.Errorf("%d steps logged, want 6", n)
	}
	if steps := w.steps["Loss/overall/train"]; steps[0] != 0 || steps[5] != 2 {
		t.Errorf("losses logged under steps %v, want epoch indices", steps)
	}

	best, err := checkpoint.Load(sum.BestPath)
	if err != nil {
		t.Fatal(err)
	}
	if best.NumClasses() != dataset.NumEmotions {
		t.Errorf("best model has %d classes", best.NumClasses())
	}
	for _, r := range sum.Results {
		if r.TargetAccuracy > sum.BestTargetAccuracy {
			t.Errorf("epoch %d target accuracy %v beats reported best %v", r.Epoch, r.TargetAccuracy, sum.BestTargetAccuracy)
		}
	}
}

func TestRun_UpdatesParameters(t *testing.T) {
	cfg, _ := testConfig(t, 1)
	m := testModel()
	var before bytes.Buffer
	if err := m.Save(&before); err != nil {
		t.Fatal(err)
	}
	tr, err := New(m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var after bytes.Buffer
	if err := m.Save(&after); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before.Bytes(), after.Bytes()) {
		t.Error("training left the model unchanged")
	}
}

func TestRun_UnknownLabelFails(t *testing.T) {
	cfg, w := testConfig(t, 1)
	d := randomDataset(4, 9)
	d.Labels[2] = dataset.NumEmotions + 2
	cfg.Source = &sliceLoader{batches: []dataset.Batch{{Features: d.Features, Labels: d.Labels, Size: 4, Dim: testDim}}}
	tr, err := New(testModel(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); !errors.Is(err, model.ErrShape) {
		t.Errorf("err = %v, want ErrShape", err)
	}
	if n := len(w.points["Loss/overall/train"]); n != 0 {
		t.Errorf("%d steps logged after a bad label", n)
	}
	if w.closed != 1 {
		t.Error("writer not closed after failure")
	}
}

func TestRun_DataExhausted(t *testing.T) {
	cfg, _ := testConfig(t, 1)
	d := randomDataset(4, 5)
	cfg.Source = &sliceLoader{
		batches: []dataset.Batch{{Features: d.Features, Labels: d.Labels, Size: 4, Dim: testDim}},
		claimed: 2,
	}
	tr, err := New(testModel(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); !errors.Is(err, ErrDataExhausted) {
		t.Errorf("err = %v, want ErrDataExhausted", err)
	}
}

func TestRun_Canceled(t *testing.T) {
	cfg, w := testConfig(t, 2)
	tr, err := New(testModel(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if w.closed != 1 {
		t.Error("writer not closed after cancel")
	}
	if names := dirNames(t, cfg.Store.Dir); len(names) != 0 {
		t.Errorf("checkpoints written after cancel: %v", names)
	}
}

type countingPerturber struct{ calls int }

func (p *countingPerturber) Perturb(b dataset.Batch) dataset.Batch {
	p.calls++
	return b
}

func TestRun_PerturbsBothDomains(t *testing.T) {
	cfg, _ := testConfig(t, 1)
	p := &countingPerturber{}
	cfg.Perturber = p
	tr, err := New(testModel(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.calls != 4 {
		t.Errorf("perturber called %d times, want 4", p.calls)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no loaders", func(c *Config) { c.Source = nil }},
		{"no store", func(c *Config) { c.Store = nil }},
		{"no writer", func(c *Config) { c.Writer = nil }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"negative lr", func(c *Config) { c.LearningRate = -1 }},
		{"empty target", func(c *Config) { c.Target = &sliceLoader{} }},
		{"empty held-out target", func(c *Config) { c.TargetVal = &sliceLoader{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t, 1)
			tt.mutate(&cfg)
			if _, err := New(testModel(), cfg); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
