// Command dann trains and evaluates domain-adversarial emotion classifiers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ieee0824/emodann/config"
)

var version = "dev"

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(log).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.WithError(err).Error("dann failed")
		os.Exit(1)
	}
}

func newRootCmd(log *logrus.Logger) *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "dann",
		Short:         "Domain-adversarial cross-lingual speech emotion recognition",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			level, err := logrus.ParseLevel(v.GetString("log_level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	mustBind(v.BindPFlag("log_level", pf.Lookup("log-level")))

	// The file, if any, has been read by PersistentPreRunE.
	load := func() (*config.Config, error) { return config.Load(v, "") }
	root.AddCommand(
		newTrainCmd(v, load, log),
		newEvalCmd(v, load, log),
		newVersionCmd(),
	)
	return root
}

func mustBind(err error) {
	if err != nil {
		panic(err)
	}
}
