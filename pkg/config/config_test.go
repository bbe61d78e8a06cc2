package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"submitter/pkg/flags"
)

const irisJob = `
datasource: sqlite3://:memory:?attach=iris
estimator: BoostedTreesClassifier
select: SELECT * FROM iris.train WHERE class != 2
validation_select: SELECT * FROM iris.test WHERE class != 2
features:
  - name: sepal_length
  - name: petal_length
    dtype: float32
label:
  name: class
  dtype: int64
params:
  n_trees: 50
  center_bias: true
  feature_columns:
    - type: numeric
      key: sepal_length
    - type: bucketized
      source:
        key: petal_length
      boundaries: [2, 4]
metrics: [Accuracy, AUC]
save: btmodel
batch_size: 100
epochs: 20
eval_start_delay_secs: 30
explain:
  result_table: iris.explain_result
  plot_type: bar
`

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/jobs/iris.yaml", []byte(irisJob), 0o644))

	job, err := Load(fs, "/jobs/iris.yaml")
	require.NoError(t, err)
	require.Equal(t, "BoostedTreesClassifier", job.Estimator)
	require.Len(t, job.Features, 2)
	require.Equal(t, "int64", job.Label.DTypeName)

	runFlags := flags.RunFlags{TaskIndex: 0, JobName: flags.JobWorker}
	args := job.TrainArgs(runFlags)
	require.Equal(t, 100, args.BatchSize)
	require.Equal(t, 20, args.Epochs)
	require.Equal(t, 30*time.Second, args.EvalStartDelay)
	require.Zero(t, args.EvalThrottle)
	require.Equal(t, []string{"Accuracy", "AUC"}, args.MetricNames)
	require.Equal(t, runFlags, args.Flags)

	explainArgs := job.ExplainArgs(runFlags)
	require.NotNil(t, explainArgs)
	require.Equal(t, job.ValidationSelect, explainArgs.Select)
	require.Equal(t, "iris.explain_result", explainArgs.ResultTable)
	require.Equal(t, "btmodel", explainArgs.Save)

	_, err = Load(fs, "/jobs/missing.yaml")
	require.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"unknown key":      "datasource: csv:///tmp\nselect: a.csv\nsave: m\nbogus: 1\n",
		"no datasource":    "select: a.csv\nsave: m\n",
		"no label":         "datasource: csv:///tmp\nselect: a.csv\nsave: m\nfeatures: [{name: x}]\n",
		"unknown estimator": `
datasource: csv:///tmp
select: a.csv
save: m
label: {name: y}
features: [{name: x}]
estimator: KMeans
`,
		"no feature columns": `
datasource: csv:///tmp
select: a.csv
save: m
label: {name: y}
features: [{name: x}]
estimator: DNNLinearCombinedClassifier
`,
		"bad dtype": `
datasource: csv:///tmp
select: a.csv
save: m
label: {name: y, dtype: complex}
features: [{name: x}]
estimator: LinearRegressor
params:
  feature_columns: [{type: numeric, key: x}]
`,
		"explain without select": `
datasource: csv:///tmp
select: a.csv
save: m
label: {name: y}
features: [{name: x}]
estimator: LinearRegressor
params:
  feature_columns: [{type: numeric, key: x}]
explain: {}
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestNoExplain(t *testing.T) {
	job, err := Parse([]byte(`
datasource: csv:///tmp
select: a.csv
save: m
label: {name: y}
features: [{name: x}]
estimator: LinearRegressor
params:
  feature_columns: [{type: numeric, key: x}]
  learning_rate: 0.1
`))
	require.NoError(t, err)
	require.Nil(t, job.ExplainArgs(flags.RunFlags{}))
}
