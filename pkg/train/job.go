package train

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"submitter/pkg/db"
	"submitter/pkg/estimator"
	"submitter/pkg/flags"
	"submitter/pkg/io"
)

const (
	DefaultLogEveryNIter        = 10
	DefaultSaveCheckpointsSteps = 100
	DefaultEvalStartDelay       = 120 * time.Second
	DefaultEvalThrottle         = 600 * time.Second
)

// JobArgs describe a training job against a datasource.
type JobArgs struct {
	Datasource       string
	Estimator        string
	Select           string
	ValidationSelect string
	FeatureMetas     []io.FieldMeta
	LabelMeta        io.FieldMeta
	// ModelParams holds hyperparameters and the feature column lists.
	ModelParams map[string]interface{}
	MetricNames []string
	Save        string
	BatchSize   int
	Epochs      int
	Verbose     int
	MaxSteps    int

	LogEveryNIter        int
	SaveCheckpointsSteps int
	EvalStartDelay       time.Duration
	EvalThrottle         time.Duration

	IsPAI   bool
	Flags   flags.RunFlags
	Fs      afero.Fs
	WorkDir string
	Hooks   estimator.Hooks
}

func (a *JobArgs) setDefaults() {
	if a.BatchSize < 1 {
		a.BatchSize = 1
	}
	if a.Epochs < 1 {
		a.Epochs = 1
	}
	if a.LogEveryNIter < 1 {
		a.LogEveryNIter = DefaultLogEveryNIter
	}
	if a.SaveCheckpointsSteps < 1 {
		a.SaveCheckpointsSteps = DefaultSaveCheckpointsSteps
	}
	if a.EvalStartDelay <= 0 {
		a.EvalStartDelay = DefaultEvalStartDelay
	}
	if a.EvalThrottle <= 0 {
		a.EvalThrottle = DefaultEvalThrottle
	}
	if len(a.MetricNames) == 0 {
		a.MetricNames = []string{"Accuracy"}
	}
}

// Train reads the selections from the datasource, then trains and exports
// the configured estimator.
func Train(ctx context.Context, args JobArgs) (*Result, error) {
	args.setDefaults()
	if args.Verbose > 1 {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := estimator.FromParams(args.Estimator, args.ModelParams)
	if err != nil {
		return nil, err
	}
	metas := make([]io.FieldMeta, len(args.FeatureMetas))
	copy(metas, args.FeatureMetas)
	for i := range metas {
		if err := metas[i].Resolve(); err != nil {
			return nil, err
		}
	}
	label := args.LabelMeta
	if err := label.Resolve(); err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, args.Datasource)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	seed := int64(args.Flags.TaskIndex)
	trainArgs := Args{
		Config:               cfg,
		Save:                 args.Save,
		Flags:                args.Flags,
		IsPAI:                args.IsPAI,
		TrainInput:           conn.InputFn(args.Select, metas, label, args.BatchSize, args.Epochs, true, seed),
		LogEveryNIter:        args.LogEveryNIter,
		MaxSteps:             args.MaxSteps,
		EvalStartDelay:       args.EvalStartDelay,
		EvalThrottle:         args.EvalThrottle,
		SaveCheckpointsSteps: args.SaveCheckpointsSteps,
		MetricNames:          args.MetricNames,
		AddMetricsSupported:  true,
		Fs:                   args.Fs,
		WorkDir:              args.WorkDir,
		Hooks:                args.Hooks,
	}
	if args.ValidationSelect != "" {
		trainArgs.ValidationInput = conn.InputFn(args.ValidationSelect, metas, label, args.BatchSize, 1, false, seed)
	}

	log.Info().
		Str("datasource", conn.Driver).
		Str("select", args.Select).
		Str("validation_select", args.ValidationSelect).
		Int("batch_size", args.BatchSize).
		Int("epochs", args.Epochs).
		Msg("Training job")
	result, err := TrainAndSave(ctx, trainArgs)
	if err != nil {
		return nil, fmt.Errorf("training %s: %w", args.Estimator, err)
	}
	return result, nil
}
