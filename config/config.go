// Package config resolves run settings from defaults, a YAML file,
// DANN_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ieee0824/emodann/dataset"
)

// ErrInvalid is returned for settings that cannot start a run.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides, e.g. DANN_EPOCHS.
const EnvPrefix = "DANN"

// Config is the resolved configuration of one run.
type Config struct {
	Source string `mapstructure:"source" yaml:"source"`
	Target string `mapstructure:"target" yaml:"target"`
	// Held-out datasets; empty selects the test split of the training language.
	SourceEval string `mapstructure:"source_eval" yaml:"source_eval"`
	TargetEval string `mapstructure:"target_eval" yaml:"target_eval"`

	Epochs       int     `mapstructure:"epochs" yaml:"epochs"`
	LearningRate float64 `mapstructure:"lr" yaml:"lr"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	Seed         int64   `mapstructure:"seed" yaml:"seed"`
	Prefetch     int     `mapstructure:"prefetch" yaml:"prefetch"`

	Perturb      bool    `mapstructure:"perturb" yaml:"perturb"`
	PerturbSigma float64 `mapstructure:"perturb_sigma" yaml:"perturb_sigma"`
	PerturbMask  float64 `mapstructure:"perturb_mask" yaml:"perturb_mask"`

	ModelDir string `mapstructure:"model_dir" yaml:"model_dir"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`
	Encoder  string `mapstructure:"encoder" yaml:"encoder"`

	Listen   string `mapstructure:"listen" yaml:"listen"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Datasets maps dataset ids to preprocessed CSV files.
	Datasets map[string]string `mapstructure:"datasets" yaml:"datasets"`
}

const datasetDir = "./Dataset/ESD/ESD_preprocessed"

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source", dataset.EnglishTrain.String())
	v.SetDefault("target", dataset.MandarinTrain.String())
	v.SetDefault("source_eval", "")
	v.SetDefault("target_eval", "")
	v.SetDefault("epochs", 100)
	v.SetDefault("lr", 1e-3)
	v.SetDefault("batch_size", 64)
	v.SetDefault("seed", 42)
	v.SetDefault("prefetch", 2)
	v.SetDefault("perturb", false)
	v.SetDefault("perturb_sigma", 0.1)
	v.SetDefault("perturb_mask", 0.1)
	v.SetDefault("model_dir", "./models")
	v.SetDefault("log_dir", "./runs")
	v.SetDefault("encoder", "mlp")
	v.SetDefault("listen", "")
	v.SetDefault("log_level", "info")

	// One key per dataset, so a file overriding a single path keeps the rest.
	for _, id := range dataset.IDs() {
		v.SetDefault("datasets."+id.String(), filepath.Join(datasetDir, id.String()+".csv"))
	}
}

// New returns a viper instance with defaults and environment overrides set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ranges and dataset names.
func (c *Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalid, c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: lr must be positive, got %g", ErrInvalid, c.LearningRate)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, c.BatchSize)
	case c.Prefetch < 0:
		return fmt.Errorf("%w: prefetch must not be negative, got %d", ErrInvalid, c.Prefetch)
	case c.PerturbSigma < 0 || c.PerturbMask < 0 || c.PerturbMask >= 1:
		return fmt.Errorf("%w: perturb_sigma must be >= 0 and perturb_mask in [0,1)", ErrInvalid)
	case c.ModelDir == "" || c.LogDir == "":
		return fmt.Errorf("%w: model_dir and log_dir are required", ErrInvalid)
	}
	ids, err := c.ids()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if c.Datasets[id.String()] == "" {
			return fmt.Errorf("%w: no file configured for dataset %s", ErrInvalid, id)
		}
	}
	return nil
}

func (c *Config) ids() ([]dataset.ID, error) {
	src, err := c.SourceID()
	if err != nil {
		return nil, err
	}
	tgt, err := c.TargetID()
	if err != nil {
		return nil, err
	}
	srcEval, err := c.SourceEvalID()
	if err != nil {
		return nil, err
	}
	tgtEval, err := c.TargetEvalID()
	if err != nil {
		return nil, err
	}
	return []dataset.ID{src, tgt, srcEval, tgtEval}, nil
}

// SourceID parses Source.
func (c *Config) SourceID() (dataset.ID, error) { return dataset.ParseID(c.Source) }

// TargetID parses Target.
func (c *Config) TargetID() (dataset.ID, error) { return dataset.ParseID(c.Target) }

// SourceEvalID returns the held-out source dataset.
func (c *Config) SourceEvalID() (dataset.ID, error) { return evalID(c.SourceEval, c.Source) }

// TargetEvalID returns the held-out target dataset.
func (c *Config) TargetEvalID() (dataset.ID, error) { return evalID(c.TargetEval, c.Target) }

func evalID(eval, train string) (dataset.ID, error) {
	if eval != "" {
		return dataset.ParseID(eval)
	}
	id, err := dataset.ParseID(train)
	if err != nil {
		return id, err
	}
	return id.TestSplit(), nil
}

// DatasetPaths returns the configured CSV file of every known dataset id.
// Unknown keys are ignored.
func (c *Config) DatasetPaths() map[dataset.ID]string {
	out := make(map[dataset.ID]string, len(c.Datasets))
	for name, path := range c.Datasets {
		if id, err := dataset.ParseID(name); err == nil {
			out[id] = path
		}
	}
	return out
}

// SourceLanguage returns the language prefix of Source, e.g. "english".
func (c *Config) SourceLanguage() string { return language(c.Source) }

// TargetLanguage returns the language prefix of Target.
func (c *Config) TargetLanguage() string { return language(c.Target) }

func language(name string) string {
	if id, err := dataset.ParseID(name); err == nil {
		return id.Language()
	}
	lang, _, _ := strings.Cut(name, "_")
	return lang
}

// RunName is {source}_{target}_{encoder}, suffixed with _perturbed when
// perturbation is on.
func (c *Config) RunName() string {
	name := fmt.Sprintf("%s_%s_%s", c.SourceLanguage(), c.TargetLanguage(), c.Encoder)
	if c.Perturb {
		name += "_perturbed"
	}
	return name
}

// RunLogDir is the scalar log directory of the run.
func (c *Config) RunLogDir() string { return filepath.Join(c.LogDir, c.RunName()) }

// SummaryPath is where the run summary is written.
func (c *Config) SummaryPath() string {
	return filepath.Join(c.ModelDir, fmt.Sprintf("%s_%s_summary.yaml", c.SourceLanguage(), c.TargetLanguage()))
}
