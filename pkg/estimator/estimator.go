// Package estimator implements trainable models with a common train,
// evaluate, predict and export contract. Estimators checkpoint into a model
// directory and resume from the latest checkpoint when constructed again.
package estimator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"submitter/pkg/feature"
	"submitter/pkg/io"
	"submitter/pkg/metrics"
	"submitter/pkg/runconfig"
	"submitter/pkg/serving"
)

var ErrNoFeatureColumns = errors.New("no expected feature columns in model params")

type InputFn = io.InputFn

// CheckpointListener is called after every checkpoint save.
type CheckpointListener func(ctx context.Context, step int) error

type Prediction struct {
	Class         int
	Probabilities []float64
	Value         float64
	Logits        []float64
}

type Estimator interface {
	Kind() string
	ModelDir() string
	Config() runconfig.RunConfig
	// Train runs until the dataset is exhausted or the global step reaches
	// maxSteps. A non-positive maxSteps does not bound training.
	Train(ctx context.Context, input InputFn, maxSteps int, listeners ...CheckpointListener) (int, error)
	// Evaluate runs at most steps batches, all of them when steps is not positive.
	Evaluate(ctx context.Context, input InputFn, steps int) (metrics.Result, error)
	EvaluateWithMetrics(ctx context.Context, input InputFn, steps int, extra map[string]metrics.Func) (metrics.Result, error)
	Predict(ctx context.Context, features []feature.Features) ([]Prediction, error)
	// ExportSavedModel writes a servable model under a new timestamped
	// directory of base and returns that directory.
	ExportSavedModel(ctx context.Context, base string, receiverFn serving.ReceiverFn) ([]byte, error)
}

// Hooks observe training progress.
type Hooks struct {
	OnStep     func(step int, loss float64)
	OnEvaluate func(step int, result metrics.Result)
}

// Env is what the trainer injects into every estimator.
type Env struct {
	ModelDir string
	Config   runconfig.RunConfig
	Fs       afero.Fs
	Hooks    Hooks
}

// Config is the validated, typed configuration of one estimator family.
type Config interface {
	Kind() string
	Validate() error
	New(env Env) (Estimator, error)
}

type singleTower interface {
	Columns() []feature.Column
}

type twoTower interface {
	TowerColumns() (linear, dnn []feature.Column)
}

// AllFeatureColumns returns the single column list of cfg unchanged, or
// its linear columns followed by its dnn columns.
func AllFeatureColumns(cfg Config) ([]feature.Column, error) {
	switch c := cfg.(type) {
	case singleTower:
		if cols := c.Columns(); cols != nil {
			return cols, nil
		}
	case twoTower:
		linear, dnn := c.TowerColumns()
		if linear != nil && dnn != nil {
			all := make([]feature.Column, 0, len(linear)+len(dnn))
			all = append(all, linear...)
			return append(all, dnn...), nil
		}
	}
	return nil, ErrNoFeatureColumns
}

// IsRegressor reports whether estimators built from cfg predict values
// rather than classes.
func IsRegressor(cfg Config) bool {
	switch cfg.(type) {
	case *LinearRegressor, *DNNRegressor, *BoostedTreesRegressor:
		return true
	}
	return false
}

type metricsEstimator struct {
	Estimator
	fns map[string]metrics.Func
}

// AddMetrics wraps est so every evaluation also computes fns.
func AddMetrics(est Estimator, fns map[string]metrics.Func) Estimator {
	return &metricsEstimator{Estimator: est, fns: fns}
}

func (m *metricsEstimator) Evaluate(ctx context.Context, input InputFn, steps int) (metrics.Result, error) {
	return m.EvaluateWithMetrics(ctx, input, steps, nil)
}

func (m *metricsEstimator) EvaluateWithMetrics(ctx context.Context, input InputFn, steps int, extra map[string]metrics.Func) (metrics.Result, error) {
	all := make(map[string]metrics.Func, len(m.fns)+len(extra))
	for name, fn := range m.fns {
		all[name] = fn
	}
	for name, fn := range extra {
		all[name] = fn
	}
	return m.Estimator.EvaluateWithMetrics(ctx, input, steps, all)
}

type TrainSpec struct {
	Input    InputFn
	MaxSteps int
}

type EvalSpec struct {
	Input      InputFn
	Steps      int
	StartDelay time.Duration
	Throttle   time.Duration
}

// TrainAndEvaluate trains est and evaluates it on checkpoint saves once
// StartDelay has passed since the start and Throttle since the previous
// evaluation. The final checkpoint is always evaluated; its result is
// returned.
func TrainAndEvaluate(ctx context.Context, est Estimator, train TrainSpec, eval EvalSpec) (metrics.Result, error) {
	start := time.Now()
	var lastEval time.Time
	lastStep := -1
	var result metrics.Result

	evaluate := func(ctx context.Context, step int) error {
		r, err := est.Evaluate(ctx, eval.Input, eval.Steps)
		if err != nil {
			return err
		}
		lastEval, lastStep, result = time.Now(), step, r
		log.Info().Int("step", step).Fields(resultFields(r)).Msg("Evaluation")
		return nil
	}

	listener := func(ctx context.Context, step int) error {
		if time.Since(start) < eval.StartDelay {
			return nil
		}
		if !lastEval.IsZero() && time.Since(lastEval) < eval.Throttle {
			return nil
		}
		return evaluate(ctx, step)
	}

	step, err := est.Train(ctx, train.Input, train.MaxSteps, listener)
	if err != nil {
		return nil, err
	}
	if lastStep != step {
		if err := evaluate(ctx, step); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func resultFields(r metrics.Result) map[string]interface{} {
	fields := make(map[string]interface{}, len(r))
	for k, v := range r {
		fields[k] = v
	}
	return fields
}
