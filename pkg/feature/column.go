package feature

import (
	"encoding/gob"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	farm "github.com/dgryski/go-farm"
)

type DType int

const (
	Float32 DType = iota
	Int64
	String
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case String:
		return "string"
	}
	return "unknown"
}

// Value holds the raw values of one feature of one example. Integer
// features use Floats.
type Value struct {
	Floats  []float64
	Strings []string
}

func (v Value) Len() int {
	if v.Strings != nil {
		return len(v.Strings)
	}
	return len(v.Floats)
}

// Features maps a feature name to its raw values.
type Features map[string]Value

// Spec describes how a named feature is parsed from a serialized example.
type Spec struct {
	DType      DType
	Shape      []int
	VarLen     bool
	HasDefault bool
	Default    Value
}

// Size is the number of values a fixed-length feature holds.
func (s Spec) Size() int {
	size := 1
	for _, d := range s.Shape {
		size *= d
	}
	return size
}

// Column produces a dense slice of model inputs from raw features.
type Column interface {
	Key() string
	Dimension() int
	ParseSpec() map[string]Spec
	Transform(f Features) ([]float64, error)
	Names() []string
}

// CategoricalColumn maps raw features to category ids in [0, NumBuckets).
type CategoricalColumn interface {
	Key() string
	NumBuckets() int
	ParseSpec() map[string]Spec
	IDs(f Features) ([]int, error)
}

func init() {
	gob.Register(NumericColumn{})
	gob.Register(BucketizedColumn{})
	gob.Register(IndicatorColumn{})
	gob.Register(CategoryIDColumn{})
	gob.Register(CategoryHashColumn{})
	gob.Register(VocabularyColumn{})
}

type NumericColumn struct {
	Name    string
	Shape   int
	Default []float64
}

func Numeric(name string) NumericColumn {
	return NumericColumn{Name: name, Shape: 1}
}

func (c NumericColumn) Key() string { return c.Name }

func (c NumericColumn) Dimension() int {
	if c.Shape < 1 {
		return 1
	}
	return c.Shape
}

func (c NumericColumn) ParseSpec() map[string]Spec {
	spec := Spec{DType: Float32, Shape: []int{c.Dimension()}}
	if c.Default != nil {
		spec.HasDefault = true
		spec.Default = Value{Floats: c.Default}
	}
	return map[string]Spec{c.Name: spec}
}

func (c NumericColumn) Transform(f Features) ([]float64, error) {
	v, ok := f[c.Name]
	if !ok {
		if c.Default == nil {
			return nil, fmt.Errorf("missing feature %s", c.Name)
		}
		v = Value{Floats: c.Default}
	}
	if len(v.Floats) != c.Dimension() {
		return nil, fmt.Errorf("feature %s has %d values, expected %d", c.Name, len(v.Floats), c.Dimension())
	}
	out := make([]float64, len(v.Floats))
	copy(out, v.Floats)
	return out, nil
}

func (c NumericColumn) Names() []string {
	if c.Dimension() == 1 {
		return []string{c.Name}
	}
	return indexedNames(c.Name, c.Dimension())
}

// BucketizedColumn one-hot encodes each source value by the range it falls in.
type BucketizedColumn struct {
	Source     NumericColumn
	Boundaries []float64
}

func Bucketized(source NumericColumn, boundaries []float64) (BucketizedColumn, error) {
	if len(boundaries) == 0 || !sort.Float64sAreSorted(boundaries) {
		return BucketizedColumn{}, fmt.Errorf("boundaries of %s must be non-empty and sorted", source.Name)
	}
	return BucketizedColumn{Source: source, Boundaries: boundaries}, nil
}

func (c BucketizedColumn) Key() string { return c.Source.Name + "_bucketized" }

func (c BucketizedColumn) buckets() int { return len(c.Boundaries) + 1 }

func (c BucketizedColumn) Dimension() int {
	return c.Source.Dimension() * c.buckets()
}

func (c BucketizedColumn) ParseSpec() map[string]Spec {
	return c.Source.ParseSpec()
}

func (c BucketizedColumn) bucket(v float64) int {
	return sort.Search(len(c.Boundaries), func(i int) bool { return v < c.Boundaries[i] })
}

func (c BucketizedColumn) Transform(f Features) ([]float64, error) {
	values, err := c.Source.Transform(f)
	if err != nil {
		return nil, err
	}
	out := make([]float64, c.Dimension())
	for i, v := range values {
		out[i*c.buckets()+c.bucket(v)] = 1
	}
	return out, nil
}

func (c BucketizedColumn) Names() []string {
	return indexedNames(c.Key(), c.Dimension())
}

// IndicatorColumn multi-hot encodes a categorical column.
type IndicatorColumn struct {
	Categorical CategoricalColumn
}

func Indicator(c CategoricalColumn) IndicatorColumn {
	return IndicatorColumn{Categorical: c}
}

func (c IndicatorColumn) Key() string { return c.Categorical.Key() + "_indicator" }

func (c IndicatorColumn) Dimension() int { return c.Categorical.NumBuckets() }

func (c IndicatorColumn) ParseSpec() map[string]Spec { return c.Categorical.ParseSpec() }

func (c IndicatorColumn) Transform(f Features) ([]float64, error) {
	ids, err := c.Categorical.IDs(f)
	if err != nil {
		return nil, err
	}
	out := make([]float64, c.Dimension())
	for _, id := range ids {
		if id < 0 || id >= len(out) {
			return nil, fmt.Errorf("id %d of feature %s out of range [0, %d)", id, c.Categorical.Key(), len(out))
		}
		out[id]++
	}
	return out, nil
}

func (c IndicatorColumn) Names() []string {
	if v, ok := c.Categorical.(VocabularyColumn); ok {
		names := make([]string, 0, c.Dimension())
		for _, word := range v.Vocabulary {
			names = append(names, v.Name+"_"+word)
		}
		for i := 0; i < v.NumOOVBuckets; i++ {
			names = append(names, v.Name+"_oov_"+strconv.Itoa(i))
		}
		return names
	}
	return indexedNames(c.Categorical.Key(), c.Dimension())
}

// CategoryIDColumn uses integer feature values as category ids.
type CategoryIDColumn struct {
	Name    string
	Buckets int
	// Default replaces out of range ids when set, otherwise they are an error.
	Default *int
}

func (c CategoryIDColumn) Key() string     { return c.Name }
func (c CategoryIDColumn) NumBuckets() int { return c.Buckets }

func (c CategoryIDColumn) ParseSpec() map[string]Spec {
	return map[string]Spec{c.Name: {DType: Int64, VarLen: true}}
}

func (c CategoryIDColumn) IDs(f Features) ([]int, error) {
	v, ok := f[c.Name]
	if !ok {
		return nil, nil
	}
	ids := make([]int, 0, len(v.Floats))
	for _, x := range v.Floats {
		id := int(x)
		if id < 0 || id >= c.Buckets {
			if c.Default == nil {
				return nil, fmt.Errorf("id %d of feature %s out of range [0, %d)", id, c.Name, c.Buckets)
			}
			id = *c.Default
			if id < 0 || id >= c.Buckets {
				return nil, fmt.Errorf("default %d of feature %s out of range [0, %d)", id, c.Name, c.Buckets)
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CategoryHashColumn hashes string values into a fixed number of buckets.
type CategoryHashColumn struct {
	Name       string
	BucketSize int
}

func (c CategoryHashColumn) Key() string     { return c.Name }
func (c CategoryHashColumn) NumBuckets() int { return c.BucketSize }

func (c CategoryHashColumn) ParseSpec() map[string]Spec {
	return map[string]Spec{c.Name: {DType: String, VarLen: true}}
}

func (c CategoryHashColumn) IDs(f Features) ([]int, error) {
	v, ok := f[c.Name]
	if !ok {
		return nil, nil
	}
	if c.BucketSize < 1 {
		return nil, fmt.Errorf("feature %s has bucket size %d", c.Name, c.BucketSize)
	}
	ids := make([]int, 0, v.Len())
	for _, s := range stringValues(v) {
		ids = append(ids, hashBucket(s, c.BucketSize))
	}
	return ids, nil
}

// VocabularyColumn maps string values to their position in Vocabulary.
// Unknown values go to one of NumOOVBuckets hash buckets, or are dropped
// when there are none.
type VocabularyColumn struct {
	Name          string
	Vocabulary    []string
	NumOOVBuckets int
}

func (c VocabularyColumn) Key() string     { return c.Name }
func (c VocabularyColumn) NumBuckets() int { return len(c.Vocabulary) + c.NumOOVBuckets }

func (c VocabularyColumn) ParseSpec() map[string]Spec {
	return map[string]Spec{c.Name: {DType: String, VarLen: true}}
}

func (c VocabularyColumn) IDs(f Features) ([]int, error) {
	v, ok := f[c.Name]
	if !ok {
		return nil, nil
	}
	if c.NumOOVBuckets < 0 {
		return nil, fmt.Errorf("feature %s has negative oov buckets %d", c.Name, c.NumOOVBuckets)
	}
	ids := make([]int, 0, v.Len())
	for _, s := range stringValues(v) {
		id := -1
		for i, word := range c.Vocabulary {
			if word == s {
				id = i
				break
			}
		}
		if id < 0 && c.NumOOVBuckets > 0 {
			id = len(c.Vocabulary) + hashBucket(s, c.NumOOVBuckets)
		}
		if id >= 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func hashBucket(s string, size int) int {
	return int(farm.Fingerprint64([]byte(s)) % uint64(size))
}

func stringValues(v Value) []string {
	if v.Strings != nil {
		return v.Strings
	}
	out := make([]string, len(v.Floats))
	for i, x := range v.Floats {
		out[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return out
}

func indexedNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = prefix + "_" + strconv.Itoa(i)
	}
	return names
}

// MakeParseExampleSpec merges the parse specs of cols. Two columns reading
// the same feature must agree on how to parse it.
func MakeParseExampleSpec(cols []Column) (map[string]Spec, error) {
	result := map[string]Spec{}
	for _, col := range cols {
		for key, spec := range col.ParseSpec() {
			if existing, ok := result[key]; ok && !reflect.DeepEqual(existing, spec) {
				return nil, fmt.Errorf("conflicting parse specs for feature %s", key)
			}
			result[key] = spec
		}
	}
	return result, nil
}

// Dimension is the width of the dense input produced by cols.
func Dimension(cols []Column) int {
	d := 0
	for _, c := range cols {
		d += c.Dimension()
	}
	return d
}

// InputLayer concatenates the dense outputs of cols in order.
func InputLayer(cols []Column, f Features) ([]float64, error) {
	out := make([]float64, 0, Dimension(cols))
	for _, c := range cols {
		values, err := c.Transform(f)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	return out, nil
}

// Slice locates the dense inputs of one column.
type Slice struct {
	Key        string
	Start, End int
}

func Slices(cols []Column) []Slice {
	result := make([]Slice, len(cols))
	start := 0
	for i, c := range cols {
		result[i] = Slice{Key: c.Key(), Start: start, End: start + c.Dimension()}
		start += c.Dimension()
	}
	return result
}

// Keys returns the raw feature names read by cols, sorted.
func Keys(cols []Column) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, c := range cols {
		for k := range c.ParseSpec() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
