package demo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"submitter/pkg/db"
	"submitter/pkg/estimator"
	"submitter/pkg/feature"
	"submitter/pkg/io"
)

func datasource(t *testing.T) string {
	return "sqlite3://" + filepath.Join(t.TempDir(), "main.db") + "?attach=iris"
}

func TestSeedIris(t *testing.T) {
	ds := datasource(t)
	ctx := context.Background()
	require.NoError(t, SeedIris(ctx, ds))
	// seeding twice replaces the tables
	require.NoError(t, SeedIris(ctx, ds))

	conn, err := db.Open(ctx, ds)
	require.NoError(t, err)
	defer conn.Close()
	records, err := conn.Query(ctx, trainSelect, featureMetas, labelMeta)
	require.NoError(t, err)
	require.Len(t, records, 50)
	records, err = conn.Query(ctx, "SELECT * FROM iris.test", featureMetas, labelMeta)
	require.NoError(t, err)
	require.Len(t, records, len(irisTest))
}

func TestRun(t *testing.T) {
	ds := datasource(t)
	fs := afero.NewMemMapFs()
	steps := 0
	result, err := Run(context.Background(), Options{
		Datasource: ds,
		Seed:       true,
		Fs:         fs,
		WorkDir:    "/work",
		Hooks:      estimator.Hooks{OnStep: func(int, float64) { steps++ }},
	})
	require.NoError(t, err)
	require.Equal(t, 20, steps)

	require.Equal(t, "/work/btmodel", result.Train.ModelDir)
	require.Equal(t, 1.0, result.Train.Evaluation["accuracy"])
	exported, err := afero.ReadFile(fs, "/work/exported_path")
	require.NoError(t, err)
	require.Equal(t, result.Train.ExportPath, string(exported))

	require.Len(t, result.Explanation, 4)
	require.Contains(t, []string{"petal_length", "petal_width"}, result.Explanation[0].Feature)
	exists, err := afero.Exists(fs, "/work/summary.png")
	require.NoError(t, err)
	require.True(t, exists)

	conn, err := db.Open(context.Background(), ds)
	require.NoError(t, err)
	defer conn.Close()
	written, err := conn.Query(context.Background(), "SELECT * FROM "+ResultTable, []io.FieldMeta{{Name: "feature", DType: feature.String}}, io.FieldMeta{})
	require.NoError(t, err)
	require.Len(t, written, 4)
}
