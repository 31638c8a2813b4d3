package emodann

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ieee0824/emodann/config"
	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/metrics"
	"github.com/ieee0824/emodann/model"
)

func writeCSV(t *testing.T, path string, rows int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.WriteString("f0,f1,f2,label\n")
	for i := 0; i < rows; i++ {
		e := dataset.Emotion(i % dataset.NumEmotions)
		fmt.Fprintf(&b, "%g,%g,%g,%s\n", rng.NormFloat64()+float64(e), rng.NormFloat64(), rng.NormFloat64(), e)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return testConfigRows(t, 16)
}

func testConfigRows(t *testing.T, rows int) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	for i, id := range dataset.IDs() {
		p := filepath.Join(dir, id.String()+".csv")
		writeCSV(t, p, rows, int64(i))
		cfg.Datasets[id.String()] = p
	}
	cfg.Epochs = 2
	cfg.BatchSize = 4
	cfg.ModelDir = filepath.Join(dir, "models")
	cfg.LogDir = filepath.Join(dir, "runs")
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func smallArch() model.Architecture {
	return model.Architecture{
		FeatureHidden: []int{8},
		EmbeddingDim:  4,
		ClassHidden:   []int{8},
		DomainHidden:  []int{8},
		NumDomains:    2,
		BatchNorm:     true,
	}
}

func TestExperiment_TrainAndEvaluate(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewExperiment(context.Background(), cfg,
		WithLogger(quietLogger()),
		WithArchitecture(smallArch()),
		WithMemorySampler(func() (float64, error) { return 0.5, nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	if e.Model.InputDim() != 3 {
		t.Fatalf("InputDim = %d, want 3", e.Model.InputDim())
	}
	sum, err := e.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Results) != 2 {
		t.Errorf("got %d epoch results, want 2", len(sum.Results))
	}
	for _, p := range []string{
		filepath.Join(cfg.ModelDir, "english_mandarin_model_epoch_1.pth"),
		filepath.Join(cfg.ModelDir, "english_mandarin_model_epoch_best.pth"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.ModelDir, "english_mandarin_model_epoch_0.pth")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("epoch 0 checkpoint kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.LogDir, "english_mandarin_mlp", metrics.ScalarFile)); err != nil {
		t.Errorf("scalar log missing: %v", err)
	}
	if s := e.Series(); s == nil || len(s.Tags()) == 0 {
		t.Error("no scalar series recorded")
	}

	loader, err := e.Registry.LookupHeldOut(dataset.MandarinTest)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Evaluate(sum.BestPath, loader)
	if err != nil {
		t.Fatal(err)
	}
	if got.Samples != 16 {
		t.Errorf("evaluated %d samples, want 16", got.Samples)
	}
	if got.Accuracy != sum.BestTargetAccuracy {
		t.Errorf("re-evaluated accuracy %v, recorded best %v", got.Accuracy, sum.BestTargetAccuracy)
	}
}

func TestEvaluate_HeldOutRepeatable(t *testing.T) {
	cfg := testConfigRows(t, 10)
	cfg.Epochs = 1
	e, err := NewExperiment(context.Background(), cfg,
		WithLogger(quietLogger()),
		WithArchitecture(smallArch()),
		WithMemorySampler(func() (float64, error) { return 0, nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := e.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	loader, err := e.Registry.LookupHeldOut(dataset.MandarinTest)
	if err != nil {
		t.Fatal(err)
	}
	var first metrics.Summary
	for i := 0; i < 3; i++ {
		got, err := Evaluate(sum.BestPath, loader)
		if err != nil {
			t.Fatal(err)
		}
		if got.Samples != 10 {
			t.Errorf("pass %d scored %d samples, want 10", i, got.Samples)
		}
		if i == 0 {
			first = got
			continue
		}
		if got != first {
			t.Errorf("pass %d = %+v, want %+v", i, got, first)
		}
	}
	if first.Accuracy != sum.BestTargetAccuracy {
		t.Errorf("held-out accuracy %v, recorded best %v", first.Accuracy, sum.BestTargetAccuracy)
	}
}

func TestNewExperiment_UnknownLabel(t *testing.T) {
	cfg := testConfig(t)
	bad := cfg.Datasets["mandarin_train"]
	if err := os.WriteFile(bad, []byte("f0,f1,f2,label\n1,2,3,Bored\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewExperiment(context.Background(), cfg, WithLogger(quietLogger()), WithArchitecture(smallArch()))
	if !errors.Is(err, dataset.ErrUnknownLabel) {
		t.Errorf("err = %v, want ErrUnknownLabel", err)
	}
}

func TestNewExperiment_ModelWidthMismatch(t *testing.T) {
	cfg := testConfig(t)
	arch := smallArch()
	arch.InputDim = 7
	m := model.New(arch, dataset.Emotions(), rand.New(rand.NewSource(1)))
	_, err := NewExperiment(context.Background(), cfg, WithLogger(quietLogger()), WithModel(m))
	if !errors.Is(err, model.ErrShape) {
		t.Errorf("err = %v, want ErrShape", err)
	}
}
