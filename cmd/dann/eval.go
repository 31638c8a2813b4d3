package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ieee0824/emodann"
	"github.com/ieee0824/emodann/config"
	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/metrics"
)

func newEvalCmd(v *viper.Viper, load func() (*config.Config, error), log *logrus.Logger) *cobra.Command {
	var checkpointPath, datasetName string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score a saved checkpoint on one dataset",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd, map[string]string{"batch_size": "batch-size"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			id, err := dataset.ParseID(datasetName)
			if err != nil {
				return err
			}
			s, err := evaluate(cmd.Context(), cfg, checkpointPath, id)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"dataset":   id,
				"samples":   s.Samples,
				"accuracy":  s.Accuracy,
				"precision": s.Precision,
				"recall":    s.Recall,
				"f1":        s.F1,
			}).Info("evaluated")
			fmt.Fprintf(cmd.OutOrStdout(), "Accuracy of the %s dataset: %f\n", id, s.Accuracy)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&checkpointPath, "checkpoint", "", "checkpoint file (.pth)")
	f.StringVar(&datasetName, "dataset", "", "dataset id, e.g. mandarin_test")
	f.Int("batch-size", 64, "mini-batch size")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func evaluate(ctx context.Context, cfg *config.Config, path string, id dataset.ID) (metrics.Summary, error) {
	reg := dataset.NewRegistry(cfg.DatasetPaths(), cfg.BatchSize, cfg.Seed, cfg.Prefetch)
	if err := reg.Load(ctx, id); err != nil {
		return metrics.Summary{}, err
	}
	l, err := reg.LookupHeldOut(id)
	if err != nil {
		return metrics.Summary{}, err
	}
	return emodann.Evaluate(path, l)
}
