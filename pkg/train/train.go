// Package train runs one estimator training job and exports the result.
package train

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"submitter/pkg/estimator"
	"submitter/pkg/feature"
	"submitter/pkg/flags"
	"submitter/pkg/metrics"
	"submitter/pkg/runconfig"
	"submitter/pkg/serving"
)

// ExportedPathFile receives the export directory of a finished run.
const ExportedPathFile = "exported_path"

type Args struct {
	Config estimator.Config
	// Save is the local model directory and the export base.
	Save  string
	Flags flags.RunFlags
	// IsPAI selects managed-cluster mode: checkpoints go to Flags.CheckpointPath.
	IsPAI bool

	TrainInput estimator.InputFn
	// ValidationInput is optional. When set training is interleaved with
	// evaluation.
	ValidationInput estimator.InputFn

	LogEveryNIter        int
	MaxSteps             int
	EvalStartDelay       time.Duration
	EvalThrottle         time.Duration
	SaveCheckpointsSteps int
	MetricNames          []string
	// AddMetricsSupported reports that the estimator accepts extra evaluation
	// metrics.
	AddMetricsSupported bool

	Fs afero.Fs
	// WorkDir receives ExportedPathFile, the current directory when empty.
	WorkDir string
	Hooks   estimator.Hooks
}

// Result describes a finished training run. ExportPath is empty when this
// process did not export.
type Result struct {
	ModelDir   string
	ExportPath string
	Evaluation metrics.Result
}

// TrainAndSave trains the estimator built from args.Config and exports it
// with a parsing serving receiver over all of its feature columns.
func TrainAndSave(ctx context.Context, args Args) (*Result, error) {
	fs := args.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log.Info().Str("estimator", args.Config.Kind()).Msg("Start training using estimator model")

	columns, err := estimator.AllFeatureColumns(args.Config)
	if err != nil {
		return nil, err
	}
	if err := args.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", args.Config.Kind(), err)
	}

	// Accuracy is already reported by classifiers and breaks regressors.
	var extra map[string]metrics.Func
	if args.AddMetricsSupported && len(args.MetricNames) > 0 && !metrics.IsDefault(args.MetricNames) {
		if estimator.IsRegressor(args.Config) {
			if err := metrics.CheckRegression(args.MetricNames); err != nil {
				return nil, fmt.Errorf("%s: %w", args.Config.Kind(), err)
			}
		}
		if extra, err = metrics.Get(args.MetricNames); err != nil {
			return nil, err
		}
	}

	if args.IsPAI && args.Flags.IsChiefWorker() {
		if err := removeCheckpoints(fs, args.Flags.CheckpointPath); err != nil {
			return nil, err
		}
	}

	distributed := args.IsPAI && len(args.Flags.WorkerHosts) > 1
	config := runconfig.MakeDistributed(args.Flags, distributed, args.SaveCheckpointsSteps)
	if args.LogEveryNIter > 0 {
		config.LogStepCountSteps = args.LogEveryNIter
	}
	if distributed {
		tfConfig, err := config.TFConfig()
		if err != nil {
			return nil, err
		}
		log.Info().RawJSON("tf_config", tfConfig).Msg("Distributed run")
	}
	modelDir := args.Save
	if args.IsPAI {
		log.Info().Str("checkpoint_path", args.Flags.CheckpointPath).Msg("Using checkpoint path")
		modelDir = args.Flags.CheckpointPath
	}

	est, err := args.Config.New(estimator.Env{ModelDir: modelDir, Config: config, Fs: fs, Hooks: args.Hooks})
	if err != nil {
		return nil, fmt.Errorf("error creating %s: %w", args.Config.Kind(), err)
	}

	if extra != nil {
		est = estimator.AddMetrics(est, extra)
	}

	result := &Result{ModelDir: modelDir}
	if args.ValidationInput != nil {
		evaluation, err := estimator.TrainAndEvaluate(ctx, est,
			estimator.TrainSpec{Input: args.TrainInput},
			estimator.EvalSpec{Input: args.ValidationInput, StartDelay: args.EvalStartDelay, Throttle: args.EvalThrottle})
		if err != nil {
			return nil, err
		}
		result.Evaluation = evaluation
		if evaluation != nil {
			logResult(evaluation)
		}
	} else if _, err := est.Train(ctx, args.TrainInput, args.MaxSteps); err != nil {
		return nil, err
	}

	if args.IsPAI && !args.Flags.IsChiefWorker() {
		log.Info().Str("job_name", args.Flags.JobName).Int("task_index", args.Flags.TaskIndex).Msg("Skip exporting model on non-chief task")
		return result, nil
	}

	spec, err := feature.MakeParseExampleSpec(columns)
	if err != nil {
		return nil, err
	}
	exported, err := est.ExportSavedModel(ctx, args.Save, serving.BuildParsingServingInputReceiverFn(spec))
	if err != nil {
		return nil, err
	}
	result.ExportPath = string(exported)
	if err := afero.WriteFile(fs, filepath.Join(args.WorkDir, ExportedPathFile), exported, 0o644); err != nil {
		return nil, fmt.Errorf("error writing %s: %w", ExportedPathFile, err)
	}
	log.Info().Str("export_path", result.ExportPath).Msg("Done training")
	return result, nil
}

func logResult(r metrics.Result) {
	e := log.Info()
	for _, k := range r.Keys() {
		e = e.Float64(k, r[k])
	}
	e.Msg("Evaluation result")
}

// removeCheckpoints deletes every file under dir, then the directories
// from the deepest up.
func removeCheckpoints(fs afero.Fs, dir string) error {
	if dir == "" {
		return nil
	}
	exists, err := afero.DirExists(fs, dir)
	if err != nil || !exists {
		return err
	}
	var dirs []string
	err = afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		return fs.Remove(path)
	})
	if err != nil {
		return fmt.Errorf("error removing checkpoints in %s: %w", dir, err)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, d := range dirs {
		if err := fs.RemoveAll(d); err != nil {
			return fmt.Errorf("error removing %s: %w", d, err)
		}
	}
	log.Info().Str("checkpoint_path", dir).Int("dirs", len(dirs)).Msg("Removed checkpoints")
	return nil
}
