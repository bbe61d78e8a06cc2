package serving

import (
	"testing"

	"github.com/stretchr/testify/require"

	"submitter/pkg/feature"
)

func TestParseExamples(t *testing.T) {
	spec, err := feature.MakeParseExampleSpec([]feature.Column{
		feature.NumericColumn{Name: "x", Shape: 2},
		feature.Indicator(feature.CategoryHashColumn{Name: "city", BucketSize: 8}),
		feature.NumericColumn{Name: "y", Shape: 1, Default: []float64{-1}},
	})
	require.NoError(t, err)

	first, err := EncodeExample(feature.Features{
		"x":     {Floats: []float64{1, 2}},
		"city":  {Strings: []string{"paris"}},
		"extra": {Floats: []float64{3}},
	})
	require.NoError(t, err)
	second, err := EncodeExample(feature.Features{"x": {Floats: []float64{0, 0}}, "y": {Floats: []float64{5}}})
	require.NoError(t, err)

	receiver := BuildParsingServingInputReceiverFn(spec)()
	parsed, err := receiver.Parse([][]byte{first, second})
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	require.Equal(t, []float64{1, 2}, parsed[0]["x"].Floats)
	require.Equal(t, []string{"paris"}, parsed[0]["city"].Strings)
	require.Equal(t, []float64{-1}, parsed[0]["y"].Floats)
	_, ok := parsed[0]["extra"]
	require.False(t, ok)

	_, ok = parsed[1]["city"]
	require.False(t, ok)
	require.Equal(t, []float64{5}, parsed[1]["y"].Floats)
}

func TestParseExamplesErrors(t *testing.T) {
	spec := map[string]feature.Spec{"x": {DType: feature.Float32, Shape: []int{2}}}

	short, err := EncodeExample(feature.Features{"x": {Floats: []float64{1}}})
	require.NoError(t, err)
	_, err = ParseExamples([][]byte{short}, spec)
	require.Error(t, err)

	missing, err := EncodeExample(feature.Features{})
	require.NoError(t, err)
	_, err = ParseExamples([][]byte{missing}, spec)
	require.Error(t, err)

	wrongType, err := EncodeExample(feature.Features{"x": {Strings: []string{"a", "b"}}})
	require.NoError(t, err)
	_, err = ParseExamples([][]byte{wrongType}, spec)
	require.Error(t, err)

	ints := map[string]feature.Spec{"id": {DType: feature.Int64, VarLen: true}}
	frac, err := EncodeExample(feature.Features{"id": {Floats: []float64{1.5}}})
	require.NoError(t, err)
	_, err = ParseExamples([][]byte{frac}, ints)
	require.Error(t, err)

	_, err = ParseExamples([][]byte{{0xff, 0xff}}, spec)
	require.Error(t, err)
}
