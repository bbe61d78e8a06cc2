// Package demo trains a boosted trees classifier on two iris classes and
// explains it.
package demo

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"submitter/pkg/estimator"
	"submitter/pkg/explain"
	"submitter/pkg/feature"
	"submitter/pkg/flags"
	"submitter/pkg/io"
	"submitter/pkg/train"
)

const (
	Save        = "btmodel"
	ResultTable = "iris.explain_result"

	trainSelect    = "SELECT * FROM iris.train WHERE class!=2"
	validateSelect = "SELECT * FROM iris.test WHERE class!=2"
)

var (
	featureMetas = []io.FieldMeta{
		{Name: "sepal_length", DType: feature.Float32},
		{Name: "sepal_width", DType: feature.Float32},
		{Name: "petal_length", DType: feature.Float32},
		{Name: "petal_width", DType: feature.Float32},
	}
	labelMeta = io.FieldMeta{Name: "class", DType: feature.Int64}
)

func modelParams() map[string]interface{} {
	cols := make([]feature.Column, len(featureMetas))
	for i, m := range featureMetas {
		cols[i] = feature.Numeric(m.Name)
	}
	return map[string]interface{}{
		"feature_columns":     cols,
		"n_batches_per_layer": 1,
		"n_classes":           2,
		"n_trees":             50,
		"center_bias":         true,
	}
}

type Options struct {
	// Datasource must attach the iris schema.
	Datasource string
	// Seed writes the bundled iris tables first.
	Seed    bool
	Flags   flags.RunFlags
	Fs      afero.Fs
	WorkDir string
	Hooks   estimator.Hooks
}

type Result struct {
	Train       *train.Result
	Explanation []explain.Row
}

func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Seed {
		if err := SeedIris(ctx, opts.Datasource); err != nil {
			return nil, err
		}
		log.Info().Str("datasource", opts.Datasource).Msg("Seeded iris tables")
	}
	save := filepath.Join(opts.WorkDir, Save)

	trained, err := train.Train(ctx, train.JobArgs{
		Datasource:       opts.Datasource,
		Estimator:        estimator.KindBoostedTreesClassifier,
		Select:           trainSelect,
		ValidationSelect: validateSelect,
		FeatureMetas:     featureMetas,
		LabelMeta:        labelMeta,
		ModelParams:      modelParams(),
		Save:             save,
		BatchSize:        100,
		Epochs:           20,
		Flags:            opts.Flags,
		Fs:               opts.Fs,
		WorkDir:          opts.WorkDir,
		Hooks:            opts.Hooks,
	})
	if err != nil {
		return nil, err
	}

	rows, err := explain.Explain(ctx, explain.Args{
		Datasource:   opts.Datasource,
		Estimator:    estimator.KindBoostedTreesClassifier,
		Select:       validateSelect,
		FeatureMetas: featureMetas,
		LabelMeta:    labelMeta,
		ModelParams:  modelParams(),
		Save:         save,
		Flags:        opts.Flags,
		PlotType:     explain.PlotBar,
		ResultTable:  ResultTable,
		Fs:           opts.Fs,
		WorkDir:      opts.WorkDir,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Train: trained, Explanation: rows}, nil
}
