// Package config reads job files describing a training run and an optional
// explanation of the trained model.
package config

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"submitter/pkg/estimator"
	"submitter/pkg/explain"
	"submitter/pkg/flags"
	"submitter/pkg/io"
	"submitter/pkg/train"
)

// Job is the content of a job file. Params carry the estimator
// hyperparameters next to its feature column definitions.
type Job struct {
	Datasource       string                 `yaml:"datasource"`
	Estimator        string                 `yaml:"estimator"`
	Select           string                 `yaml:"select"`
	ValidationSelect string                 `yaml:"validation_select"`
	Features         []io.FieldMeta         `yaml:"features"`
	Label            io.FieldMeta           `yaml:"label"`
	Params           map[string]interface{} `yaml:"params"`
	Metrics          []string               `yaml:"metrics"`
	Save             string                 `yaml:"save"`
	BatchSize        int                    `yaml:"batch_size"`
	Epochs           int                    `yaml:"epochs"`
	Verbose          int                    `yaml:"verbose"`
	MaxSteps         int                    `yaml:"max_steps"`
	IsPAI            bool                   `yaml:"is_pai"`

	LogEveryNIter        int `yaml:"log_every_n_iter"`
	SaveCheckpointsSteps int `yaml:"save_checkpoints_steps"`
	EvalStartDelaySecs   int `yaml:"eval_start_delay_secs"`
	EvalThrottleSecs     int `yaml:"eval_throttle_secs"`

	Explain *Explain `yaml:"explain"`
}

type Explain struct {
	// Select defaults to the validation selection.
	Select      string `yaml:"select"`
	ResultTable string `yaml:"result_table"`
	PlotType    string `yaml:"plot_type"`
}

func Load(fs afero.Fs, path string) (*Job, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("error reading job file: %w", err)
	}
	job, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return job, nil
}

// Parse decodes and validates a job file. Unknown keys are rejected.
func Parse(raw []byte) (*Job, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var job Job
	if err := decoder.Decode(&job); err != nil {
		return nil, fmt.Errorf("error decoding job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Validate checks the job without touching the datasource.
func (j *Job) Validate() error {
	switch {
	case j.Datasource == "":
		return fmt.Errorf("job needs a datasource")
	case j.Select == "":
		return fmt.Errorf("job needs a select statement")
	case j.Save == "":
		return fmt.Errorf("job needs a save directory")
	case j.Label.Name == "":
		return fmt.Errorf("job needs a label")
	case len(j.Features) == 0:
		return fmt.Errorf("job needs features")
	}
	for _, m := range append([]io.FieldMeta{j.Label}, j.Features...) {
		if err := m.Resolve(); err != nil {
			return err
		}
	}
	cfg, err := estimator.FromParams(j.Estimator, j.Params)
	if err != nil {
		return err
	}
	if _, err := estimator.AllFeatureColumns(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if j.Explain != nil && j.Explain.Select == "" && j.ValidationSelect == "" {
		return fmt.Errorf("explain needs a select statement")
	}
	return nil
}

func (j *Job) TrainArgs(runFlags flags.RunFlags) train.JobArgs {
	return train.JobArgs{
		Datasource:           j.Datasource,
		Estimator:            j.Estimator,
		Select:               j.Select,
		ValidationSelect:     j.ValidationSelect,
		FeatureMetas:         j.Features,
		LabelMeta:            j.Label,
		ModelParams:          j.Params,
		MetricNames:          j.Metrics,
		Save:                 j.Save,
		BatchSize:            j.BatchSize,
		Epochs:               j.Epochs,
		Verbose:              j.Verbose,
		MaxSteps:             j.MaxSteps,
		LogEveryNIter:        j.LogEveryNIter,
		SaveCheckpointsSteps: j.SaveCheckpointsSteps,
		EvalStartDelay:       time.Duration(j.EvalStartDelaySecs) * time.Second,
		EvalThrottle:         time.Duration(j.EvalThrottleSecs) * time.Second,
		IsPAI:                j.IsPAI,
		Flags:                runFlags,
	}
}

// ExplainArgs is nil when the job has no explain section.
func (j *Job) ExplainArgs(runFlags flags.RunFlags) *explain.Args {
	if j.Explain == nil {
		return nil
	}
	selection := j.Explain.Select
	if selection == "" {
		selection = j.ValidationSelect
	}
	return &explain.Args{
		Datasource:   j.Datasource,
		Estimator:    j.Estimator,
		Select:       selection,
		FeatureMetas: j.Features,
		LabelMeta:    j.Label,
		ModelParams:  j.Params,
		Save:         j.Save,
		IsPAI:        j.IsPAI,
		Flags:        runFlags,
		PlotType:     j.Explain.PlotType,
		ResultTable:  j.Explain.ResultTable,
	}
}
