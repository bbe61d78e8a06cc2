package io

import (
	"bytes"
	"context"
	gio "io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"submitter/pkg/feature"
)

func records(n int) []*Record {
	result := make([]*Record, n)
	for i := range result {
		result[i] = &Record{Features: feature.Features{"x": {Floats: []float64{float64(i)}}}, Label: float64(i % 2)}
	}
	return result
}

func TestEpochDataset(t *testing.T) {
	ctx := context.Background()
	ds := NewEpochDataset(records(5), 2, 2, false, 1)

	var sizes []int
	var first []float64
	for {
		batch, err := ds.Next(ctx)
		if err == gio.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.Size())
		first = append(first, batch.Features[0]["x"].Floats[0])
	}
	require.Equal(t, []int{2, 2, 1, 2, 2, 1}, sizes)
	require.Equal(t, []float64{0, 2, 4, 0, 2, 4}, first)
}

func TestEpochDatasetShuffle(t *testing.T) {
	ds := NewEpochDataset(records(20), 20, 1, true, 7)
	batch, err := ds.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, batch.Size())

	seen := map[float64]bool{}
	for _, f := range batch.Features {
		seen[f["x"].Floats[0]] = true
	}
	require.Len(t, seen, 20)

	_, err = ds.Next(context.Background())
	require.Equal(t, gio.EOF, err)
}

func TestEpochDatasetEmpty(t *testing.T) {
	_, err := NewEpochDataset(nil, 2, 0, false, 1).Next(context.Background())
	require.Equal(t, gio.EOF, err)
}

func TestParseField(t *testing.T) {
	v, err := ParseField(FieldMeta{Name: "d", Shape: []int{3}, Delimiter: ","}, []byte("1, 2,3.5"))
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3.5}, v.Floats)

	_, err = ParseField(FieldMeta{Name: "d", Shape: []int{2}, Delimiter: ","}, "1,2,3")
	require.Error(t, err)

	v, err = ParseField(FieldMeta{Name: "s", DType: feature.String}, "red")
	require.NoError(t, err)
	require.Equal(t, []string{"red"}, v.Strings)

	v, err = ParseField(FieldMeta{Name: "i", DType: feature.Int64}, int64(4))
	require.NoError(t, err)
	require.Equal(t, []float64{4}, v.Floats)

	_, err = ParseField(FieldMeta{Name: "n"}, nil)
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	m := FieldMeta{Name: "x", DTypeName: "int64"}
	require.NoError(t, m.Resolve())
	require.Equal(t, feature.Int64, m.DType)

	m.DTypeName = "complex"
	require.Error(t, m.Resolve())
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,label\n1,2,0\nx,3,1\n4,5,1\n"), 0o644))

	recs, dataErrors, err := LoadCSV(path, []FieldMeta{{Name: "a"}, {Name: "b"}}, FieldMeta{Name: "label"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Len(t, dataErrors, 1)
	require.Equal(t, 3, dataErrors[0].Line)
	require.Equal(t, []float64{4}, recs[1].Features["a"].Floats)
	require.Equal(t, 1.0, recs[1].Label)

	_, _, err = LoadCSV(path, []FieldMeta{{Name: "c"}}, FieldMeta{Name: "label"})
	require.Error(t, err)
}

func TestGob(t *testing.T) {
	var buf bytes.Buffer
	in := map[string][]float64{"w": {1, 2}}
	require.NoError(t, SaveGob(in, &buf))

	var out map[string][]float64
	require.NoError(t, LoadGob(&buf, &out))
	require.Equal(t, in, out)
}
