package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ieee0824/emodann"
	"github.com/ieee0824/emodann/config"
	"github.com/ieee0824/emodann/metrics"
)

func newTrainCmd(v *viper.Viper, load func() (*config.Config, error), log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on a labelled source language and an unlabelled target language",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd, trainFlags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			entry := log.WithFields(logrus.Fields{"source": cfg.SourceLanguage(), "target": cfg.TargetLanguage()})

			exp, err := emodann.NewExperiment(ctx, cfg, emodann.WithLogger(entry))
			if err != nil {
				return err
			}
			if cfg.Listen != "" && exp.Series() != nil {
				metrics.Serve(ctx, cfg.Listen, exp.Series(), entry)
			}

			sum, err := exp.Train(ctx)
			if err != nil {
				return err
			}
			if err := writeSummary(cfg.SummaryPath(), sum); err != nil {
				return err
			}
			entry.WithFields(logrus.Fields{
				"accuracy_source": sum.BestSourceAccuracy,
				"accuracy_target": sum.BestTargetAccuracy,
				"best_epoch":      sum.BestEpoch,
			}).Infof("corresponding model was saved in %s", sum.BestPath)
			return nil
		},
	}

	f := cmd.Flags()
	f.String("source", "english_train", "source dataset id")
	f.String("target", "mandarin_train", "target dataset id")
	f.String("source-eval", "", "held-out source dataset id (default: test split of --source)")
	f.String("target-eval", "", "held-out target dataset id (default: test split of --target)")
	f.Int("epochs", 100, "training epochs")
	f.Float64("lr", 1e-3, "maximum learning rate of the one-cycle schedule")
	f.Int("batch-size", 64, "mini-batch size")
	f.Int64("seed", 42, "random seed")
	f.Bool("perturb", false, "perturb training batches")
	f.String("model-dir", "./models", "checkpoint directory")
	f.String("log-dir", "./runs", "scalar log directory")
	f.String("encoder", "mlp", "encoder name used in the run directory")
	f.String("listen", "", "serve scalars over HTTP on this address")

	return cmd
}

// trainFlags maps config keys to train flags.
var trainFlags = map[string]string{
	"source":      "source",
	"target":      "target",
	"source_eval": "source-eval",
	"target_eval": "target-eval",
	"epochs":      "epochs",
	"lr":          "lr",
	"batch_size":  "batch-size",
	"seed":        "seed",
	"perturb":     "perturb",
	"model_dir":   "model-dir",
	"log_dir":     "log-dir",
	"encoder":     "encoder",
	"listen":      "listen",
}

// bindFlags lets the flags of cmd override config keys. Binding happens when
// cmd runs, so subcommands sharing a key do not shadow each other.
func bindFlags(v *viper.Viper, cmd *cobra.Command, flags map[string]string) error {
	for key, name := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func writeSummary(path string, sum any) error {
	raw, err := yaml.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
