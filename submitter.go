package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"submitter/pkg/config"
	"submitter/pkg/demo"
	"submitter/pkg/estimator"
	"submitter/pkg/explain"
	"submitter/pkg/flags"
	"submitter/pkg/monitor"
	"submitter/pkg/train"
)

type rootOptions struct {
	logLevel    string
	logFormat   string
	metricsAddr string
	metricsFile string
	workDir     string
	run         *flags.Binder
}

// withMonitor runs fn with training metrics, served and dumped as the
// flags ask.
func (o *rootOptions) withMonitor(ctx context.Context, kind string, fn func(estimator.Hooks) error) error {
	m := monitor.New(kind)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, o.metricsAddr); err != nil {
				log.Error().Err(err).Str("addr", o.metricsAddr).Msg("Metrics server failed")
			}
		}()
	}
	err := fn(m.Hooks(estimator.Hooks{}))
	if o.metricsFile != "" {
		if werr := m.WriteTextfile(o.metricsFile); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func TrainCommand(o *rootOptions) *cobra.Command {
	var jobFile string

	var cmd = &cobra.Command{
		Use:   "train -j jobFile",
		Short: "Trains the estimator described by the job file and exports the trained model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.Load(afero.NewOsFs(), jobFile)
			if err != nil {
				return err
			}
			return o.withMonitor(cmd.Context(), job.Estimator, func(hooks estimator.Hooks) error {
				jobArgs := job.TrainArgs(o.run.Flags())
				jobArgs.WorkDir = o.workDir
				jobArgs.Hooks = hooks
				_, err := train.Train(cmd.Context(), jobArgs)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&jobFile, "job", "j", "", "name of the yaml job file")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func ExplainCommand(o *rootOptions) *cobra.Command {
	var jobFile string

	var cmd = &cobra.Command{
		Use:   "explain -j jobFile",
		Short: "Explains the model trained by the job file and writes the explanation table and plot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.Load(afero.NewOsFs(), jobFile)
			if err != nil {
				return err
			}
			explainArgs := job.ExplainArgs(o.run.Flags())
			if explainArgs == nil {
				return fmt.Errorf("%s has no explain section", jobFile)
			}
			explainArgs.WorkDir = o.workDir
			_, err = explain.Explain(cmd.Context(), *explainArgs)
			return err
		},
	}

	cmd.Flags().StringVarP(&jobFile, "job", "j", "", "name of the yaml job file")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func ExampleCommand(o *rootOptions) *cobra.Command {
	var datasource string
	var seed bool

	var cmd = &cobra.Command{
		Use:   "example -d datasource",
		Short: "Trains and explains a boosted trees classifier on the iris tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withMonitor(cmd.Context(), estimator.KindBoostedTreesClassifier, func(hooks estimator.Hooks) error {
				result, err := demo.Run(cmd.Context(), demo.Options{
					Datasource: datasource,
					Seed:       seed,
					Flags:      o.run.Flags(),
					WorkDir:    o.workDir,
					Hooks:      hooks,
				})
				if err != nil {
					return err
				}
				for _, row := range result.Explanation {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.4f\t%.4f\n", row.Feature, row.DFC, row.Gain)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&datasource, "datasource", "d", "", "datasource attaching the iris schema, e.g. sqlite3:///tmp/main.db?attach=iris")
	cmd.Flags().BoolVarP(&seed, "seed", "", false, "create the iris tables before training")
	_ = cmd.MarkFlagRequired("datasource")

	return cmd
}

func RootCommand() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "submitter",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(o.logLevel, o.logFormat)
		},
	}

	root.PersistentFlags().StringVarP(&o.logLevel, "log-level", "", "info", "Logging level: info error or debug")
	root.PersistentFlags().StringVarP(&o.logFormat, "log-format", "", "pretty", "Logging format: pretty or json")
	root.PersistentFlags().StringVarP(&o.metricsAddr, "metrics-addr", "", "", "address serving prometheus metrics while training (optional)")
	root.PersistentFlags().StringVarP(&o.metricsFile, "metrics-file", "", "", "textfile receiving the final training metrics (optional)")
	root.PersistentFlags().StringVarP(&o.workDir, "work-dir", "", "", "directory receiving exported_path and summary.png")
	o.run = flags.Bind(root.PersistentFlags())

	root.AddCommand(TrainCommand(o))
	root.AddCommand(ExplainCommand(o))
	root.AddCommand(ExampleCommand(o))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := RootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Failed")
		panic(err)
	}
}

func setupLogging(level, format string) error {
	switch level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return fmt.Errorf("invalid logging level %q", level)
	}

	switch format {
	case "pretty":
		setupPrettyLogging()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}
	}
	log.Logger = log.Output(writer)
}
