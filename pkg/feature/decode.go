package feature

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

type numericDef struct {
	Key     string    `mapstructure:"key"`
	Shape   int       `mapstructure:"shape"`
	Default []float64 `mapstructure:"default"`
}

type bucketizedDef struct {
	Source     numericDef `mapstructure:"source"`
	Boundaries []float64  `mapstructure:"boundaries"`
}

type categoricalDef struct {
	Type          string   `mapstructure:"type"`
	Key           string   `mapstructure:"key"`
	NumBuckets    int      `mapstructure:"num_buckets"`
	BucketSize    int      `mapstructure:"bucket_size"`
	Vocabulary    []string `mapstructure:"vocabulary"`
	NumOOVBuckets int      `mapstructure:"num_oov_buckets"`
	Default       *int     `mapstructure:"default"`
}

type indicatorDef struct {
	Categorical map[string]interface{} `mapstructure:"categorical"`
}

func decodeStrict(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// Decode builds columns from their definitions in a job file. Each
// definition has a "type" of numeric, bucketized or indicator; categorical
// types (category_id, category_hash, vocabulary) at the top level are
// wrapped in an indicator column.
func Decode(defs []map[string]interface{}) ([]Column, error) {
	cols := make([]Column, 0, len(defs))
	for i, def := range defs {
		col, err := decodeColumn(def)
		if err != nil {
			return nil, fmt.Errorf("feature column %d: %w", i, err)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func decodeColumn(def map[string]interface{}) (Column, error) {
	kind, rest := splitType(def)
	switch kind {
	case "numeric":
		var d numericDef
		if err := decodeStrict(rest, &d); err != nil {
			return nil, err
		}
		return d.column()
	case "bucketized":
		var d bucketizedDef
		if err := decodeStrict(rest, &d); err != nil {
			return nil, err
		}
		source, err := d.Source.column()
		if err != nil {
			return nil, err
		}
		return Bucketized(source, d.Boundaries)
	case "indicator":
		var d indicatorDef
		if err := decodeStrict(rest, &d); err != nil {
			return nil, err
		}
		c, err := decodeCategorical(d.Categorical)
		if err != nil {
			return nil, err
		}
		return Indicator(c), nil
	case "category_id", "category_hash", "vocabulary":
		c, err := decodeCategorical(def)
		if err != nil {
			return nil, err
		}
		return Indicator(c), nil
	}
	return nil, fmt.Errorf("unknown column type %q", kind)
}

func decodeCategorical(def map[string]interface{}) (CategoricalColumn, error) {
	var d categoricalDef
	if err := decodeStrict(def, &d); err != nil {
		return nil, err
	}
	if d.Key == "" {
		return nil, fmt.Errorf("categorical column without key")
	}
	switch d.Type {
	case "category_id":
		if d.NumBuckets < 1 {
			return nil, fmt.Errorf("column %s needs num_buckets", d.Key)
		}
		if d.Default != nil && (*d.Default < 0 || *d.Default >= d.NumBuckets) {
			return nil, fmt.Errorf("column %s default %d out of range [0, %d)", d.Key, *d.Default, d.NumBuckets)
		}
		return CategoryIDColumn{Name: d.Key, Buckets: d.NumBuckets, Default: d.Default}, nil
	case "category_hash":
		if d.BucketSize < 1 {
			return nil, fmt.Errorf("column %s needs bucket_size", d.Key)
		}
		return CategoryHashColumn{Name: d.Key, BucketSize: d.BucketSize}, nil
	case "vocabulary":
		if len(d.Vocabulary) == 0 {
			return nil, fmt.Errorf("column %s needs a vocabulary", d.Key)
		}
		if d.NumOOVBuckets < 0 {
			return nil, fmt.Errorf("column %s has negative num_oov_buckets %d", d.Key, d.NumOOVBuckets)
		}
		return VocabularyColumn{Name: d.Key, Vocabulary: d.Vocabulary, NumOOVBuckets: d.NumOOVBuckets}, nil
	}
	return nil, fmt.Errorf("unknown categorical column type %q", d.Type)
}

func (d numericDef) column() (NumericColumn, error) {
	if d.Key == "" {
		return NumericColumn{}, fmt.Errorf("numeric column without key")
	}
	c := Numeric(d.Key)
	if d.Shape > 0 {
		c.Shape = d.Shape
	}
	if d.Default != nil && len(d.Default) != c.Dimension() {
		return NumericColumn{}, fmt.Errorf("default of %s has %d values, expected %d", d.Key, len(d.Default), c.Dimension())
	}
	c.Default = d.Default
	return c, nil
}

func splitType(def map[string]interface{}) (string, map[string]interface{}) {
	kind, _ := def["type"].(string)
	rest := make(map[string]interface{}, len(def))
	for k, v := range def {
		if k != "type" {
			rest[k] = v
		}
	}
	return kind, rest
}
