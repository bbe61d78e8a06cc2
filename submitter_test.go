package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"submitter/pkg/demo"
)

func execute(t *testing.T, args ...string) string {
	root := RootCommand()
	out := bytes.NewBufferString("")
	root.SetOut(out)
	root.SetArgs(append([]string{"--log-format", "json", "--log-level", "error"}, args...))
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestExample(t *testing.T) {
	dir := t.TempDir()
	datasource := "sqlite3://" + filepath.Join(dir, "main.db") + "?attach=iris"

	out := execute(t, "--work-dir", dir, "example", "-d", datasource, "--seed")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)

	exported, err := os.ReadFile(filepath.Join(dir, "exported_path"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(exported), filepath.Join(dir, "btmodel")))
	_, err = os.Stat(filepath.Join(dir, "summary.png"))
	require.NoError(t, err)
}

func TestTrainAndExplain(t *testing.T) {
	dir := t.TempDir()
	datasource := "sqlite3://" + filepath.Join(dir, "main.db") + "?attach=iris"
	require.NoError(t, demo.SeedIris(context.Background(), datasource))

	job := `
datasource: ` + datasource + `
estimator: BoostedTreesClassifier
select: SELECT * FROM iris.train WHERE class != 2
validation_select: SELECT * FROM iris.test WHERE class != 2
features:
  - name: petal_length
  - name: petal_width
label: {name: class, dtype: int64}
params:
  n_trees: 3
  feature_columns:
    - {type: numeric, key: petal_length}
    - {type: numeric, key: petal_width}
save: ` + filepath.Join(dir, "model") + `
batch_size: 100
epochs: 4
explain:
  result_table: iris.explain_result
`
	jobFile := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte(job), 0o644))
	metricsFile := filepath.Join(dir, "train.prom")

	execute(t, "--work-dir", dir, "--metrics-file", metricsFile, "train", "-j", jobFile)
	exported, err := os.ReadFile(filepath.Join(dir, "exported_path"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(exported), filepath.Join(dir, "model")))
	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	require.Contains(t, string(metrics), `submitter_train_steps_total{estimator="BoostedTreesClassifier"} 4`)
	require.Contains(t, string(metrics), `submitter_eval_metric{estimator="BoostedTreesClassifier",metric="accuracy"} 1`)

	execute(t, "--work-dir", dir, "explain", "-j", jobFile)
	_, err = os.Stat(filepath.Join(dir, "summary.png"))
	require.NoError(t, err)
}

func TestInvalidFlags(t *testing.T) {
	root := RootCommand()
	root.SetArgs([]string{"--log-level", "loud", "example", "-d", "sqlite3://:memory:"})
	require.Error(t, root.ExecuteContext(context.Background()))

	root = RootCommand()
	root.SetArgs([]string{"--log-format", "json", "train"})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	stderr, logger := os.Stderr, log.Logger
	defer func() { os.Stderr, log.Logger = stderr, logger }()
	f, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	require.NoError(t, err)
	defer f.Close()
	os.Stderr = f

	require.NoError(t, setupLogging("debug", "pretty"))
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	require.NoError(t, setupLogging("info", "json"))
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	log.Info().Str("k", "v").Msg("m")

	raw, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	line := strings.TrimSpace(string(raw))
	require.True(t, strings.HasPrefix(line, "{"), line)
	require.Contains(t, line, `"k":"v"`)
	require.Contains(t, line, `"time":`)

	require.Error(t, setupLogging("info", "xml"))
}
