package feature

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputLayer(t *testing.T) {
	age, err := Bucketized(Numeric("age"), []float64{18, 65})
	require.NoError(t, err)
	cols := []Column{
		NumericColumn{Name: "x", Shape: 2},
		age,
		Indicator(VocabularyColumn{Name: "color", Vocabulary: []string{"red", "green"}}),
	}
	require.Equal(t, 2+3+2, Dimension(cols))

	out, err := InputLayer(cols, Features{
		"x":     {Floats: []float64{1.5, -2}},
		"age":   {Floats: []float64{30}},
		"color": {Strings: []string{"green", "blue"}},
	})
	require.NoError(t, err)
	require.Equal(t, []float64{1.5, -2, 0, 1, 0, 0, 1}, out)

	require.Equal(t, []Slice{{"x", 0, 2}, {"age_bucketized", 2, 5}, {"color_indicator", 5, 7}}, Slices(cols))
	require.Equal(t, []string{"color_red", "color_green"}, cols[2].Names())
}

func TestNumericMissing(t *testing.T) {
	_, err := Numeric("x").Transform(Features{})
	require.Error(t, err)

	c := NumericColumn{Name: "x", Shape: 1, Default: []float64{7}}
	out, err := c.Transform(Features{})
	require.NoError(t, err)
	require.Equal(t, []float64{7}, out)
}

func TestBucketizedBoundaries(t *testing.T) {
	_, err := Bucketized(Numeric("x"), []float64{3, 1})
	require.Error(t, err)

	c, err := Bucketized(Numeric("x"), []float64{1, 3})
	require.NoError(t, err)
	require.Equal(t, 0, c.bucket(0.5))
	require.Equal(t, 1, c.bucket(1))
	require.Equal(t, 2, c.bucket(3))
}

func TestCategoricalIDs(t *testing.T) {
	ids, err := CategoryIDColumn{Name: "c", Buckets: 3}.IDs(Features{"c": {Floats: []float64{0, 2}}})
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, ids)

	_, err = CategoryIDColumn{Name: "c", Buckets: 3}.IDs(Features{"c": {Floats: []float64{3}}})
	require.Error(t, err)

	def := 1
	ids, err = CategoryIDColumn{Name: "c", Buckets: 3, Default: &def}.IDs(Features{"c": {Floats: []float64{9}}})
	require.NoError(t, err)
	require.Equal(t, []int{1}, ids)

	hash := CategoryHashColumn{Name: "h", BucketSize: 10}
	first, err := hash.IDs(Features{"h": {Strings: []string{"alpha"}}})
	require.NoError(t, err)
	second, err := hash.IDs(Features{"h": {Strings: []string{"alpha"}}})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.True(t, first[0] >= 0 && first[0] < 10)

	vocab := VocabularyColumn{Name: "v", Vocabulary: []string{"a"}, NumOOVBuckets: 2}
	ids, err = vocab.IDs(Features{"v": {Strings: []string{"a", "zzz"}}})
	require.NoError(t, err)
	require.Equal(t, 0, ids[0])
	require.True(t, ids[1] == 1 || ids[1] == 2)
}

func TestMakeParseExampleSpec(t *testing.T) {
	x := Numeric("x")
	bx, err := Bucketized(x, []float64{0})
	require.NoError(t, err)

	spec, err := MakeParseExampleSpec([]Column{x, bx, Indicator(CategoryHashColumn{Name: "h", BucketSize: 4})})
	require.NoError(t, err)
	require.Len(t, spec, 2)
	require.Equal(t, Float32, spec["x"].DType)
	require.Equal(t, []int{1}, spec["x"].Shape)
	require.True(t, spec["h"].VarLen)

	_, err = MakeParseExampleSpec([]Column{x, NumericColumn{Name: "x", Shape: 3}})
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	cols, err := Decode([]map[string]interface{}{
		{"type": "numeric", "key": "sepal_length"},
		{"type": "numeric", "key": "dense", "shape": 4},
		{"type": "bucketized", "source": map[string]interface{}{"key": "age"}, "boundaries": []interface{}{10, 20.5}},
		{"type": "category_hash", "key": "city", "bucket_size": 100},
		{"type": "indicator", "categorical": map[string]interface{}{"type": "vocabulary", "key": "c", "vocabulary": []interface{}{"x", "y"}}},
	})
	require.NoError(t, err)
	require.Len(t, cols, 5)
	require.Equal(t, Numeric("sepal_length"), cols[0])
	require.Equal(t, 4, cols[1].Dimension())
	require.Equal(t, 3, cols[2].Dimension())
	require.Equal(t, Indicator(CategoryHashColumn{Name: "city", BucketSize: 100}), cols[3])
	require.Equal(t, 2, cols[4].Dimension())

	_, err = Decode([]map[string]interface{}{{"type": "numeric", "key": "x", "shap": 1}})
	require.Error(t, err)

	_, err = Decode([]map[string]interface{}{{"type": "embedding", "key": "x"}})
	require.Error(t, err)

	_, err = Decode([]map[string]interface{}{{"type": "category_id", "key": "k", "num_buckets": 3, "default": 5}})
	require.Error(t, err)
	_, err = Decode([]map[string]interface{}{{"type": "category_id", "key": "k", "num_buckets": 3, "default": -1}})
	require.Error(t, err)
	_, err = Decode([]map[string]interface{}{{"type": "vocabulary", "key": "c", "vocabulary": []interface{}{"x"}, "num_oov_buckets": -2}})
	require.Error(t, err)
	cols, err = Decode([]map[string]interface{}{{"type": "category_id", "key": "k", "num_buckets": 3, "default": 2}})
	require.NoError(t, err)
	out, err := cols[0].Transform(Features{"k": {Floats: []float64{7}}})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 1}, out)
}

func TestInvalidCategoricalColumns(t *testing.T) {
	five := 5
	cols := []Column{
		Indicator(CategoryIDColumn{Name: "k", Buckets: 3, Default: &five}),
		Indicator(VocabularyColumn{Name: "c", Vocabulary: []string{"x"}, NumOOVBuckets: -2}),
		Indicator(CategoryHashColumn{Name: "h"}),
	}
	f := Features{
		"k": {Floats: []float64{9}},
		"c": {Strings: []string{"x"}},
		"h": {Strings: []string{"a"}},
	}
	for _, c := range cols {
		require.NotPanics(t, func() {
			_, err := c.Transform(f)
			require.Error(t, err, c.Key())
		})
	}
}
