package estimator

import (
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"

	"submitter/pkg/feature"
)

const (
	KindLinearClassifier            = "LinearClassifier"
	KindLinearRegressor             = "LinearRegressor"
	KindDNNClassifier               = "DNNClassifier"
	KindDNNRegressor                = "DNNRegressor"
	KindDNNLinearCombinedClassifier = "DNNLinearCombinedClassifier"
	KindBoostedTreesClassifier      = "BoostedTreesClassifier"
	KindBoostedTreesRegressor       = "BoostedTreesRegressor"
)

const (
	keyFeatureColumns       = "feature_columns"
	keyLinearFeatureColumns = "linear_feature_columns"
	keyDNNFeatureColumns    = "dnn_feature_columns"
)

func init() {
	gob.Register(&LinearClassifier{})
	gob.Register(&LinearRegressor{})
	gob.Register(&DNNClassifier{})
	gob.Register(&DNNRegressor{})
	gob.Register(&DNNLinearCombinedClassifier{})
	gob.Register(&BoostedTreesClassifier{})
	gob.Register(&BoostedTreesRegressor{})
}

const (
	OptimizerSGD     = "SGD"
	OptimizerAdagrad = "Adagrad"
	OptimizerAdam    = "Adam"
)

type Optimizer struct {
	Optimizer    string  `mapstructure:"optimizer"`
	LearningRate float64 `mapstructure:"learning_rate"`
}

func (o Optimizer) validate() error {
	switch o.Optimizer {
	case OptimizerSGD, OptimizerAdagrad, OptimizerAdam:
	default:
		return fmt.Errorf("unsupported optimizer %q", o.Optimizer)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", o.LearningRate)
	}
	return nil
}

func validateClasses(n int) error {
	if n < 2 {
		return fmt.Errorf("n_classes must be at least 2, got %d", n)
	}
	return nil
}

func validateColumns(name string, cols []feature.Column) error {
	if len(cols) == 0 {
		return fmt.Errorf("%s: %w", name, ErrNoFeatureColumns)
	}
	if _, err := feature.MakeParseExampleSpec(cols); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func validateHidden(units []int) error {
	if len(units) == 0 {
		return fmt.Errorf("hidden_units must not be empty")
	}
	for _, u := range units {
		if u < 1 {
			return fmt.Errorf("hidden_units must be positive, got %v", units)
		}
	}
	return nil
}

type LinearClassifier struct {
	FeatureColumns []feature.Column `mapstructure:"-"`
	NClasses       int              `mapstructure:"n_classes"`
	Optimizer      `mapstructure:",squash"`
}

func (c *LinearClassifier) Kind() string              { return KindLinearClassifier }
func (c *LinearClassifier) Columns() []feature.Column { return c.FeatureColumns }

func (c *LinearClassifier) Validate() error {
	if err := validateColumns(keyFeatureColumns, c.FeatureColumns); err != nil {
		return err
	}
	if err := validateClasses(c.NClasses); err != nil {
		return err
	}
	return c.Optimizer.validate()
}

func (c *LinearClassifier) New(env Env) (Estimator, error) {
	h := classificationHead{NClasses: c.NClasses}
	return newNetworkEstimator(c, env, h, c.FeatureColumns, nil, nil, c.Optimizer)
}

type LinearRegressor struct {
	FeatureColumns []feature.Column `mapstructure:"-"`
	Optimizer      `mapstructure:",squash"`
}

func (c *LinearRegressor) Kind() string              { return KindLinearRegressor }
func (c *LinearRegressor) Columns() []feature.Column { return c.FeatureColumns }

func (c *LinearRegressor) Validate() error {
	if err := validateColumns(keyFeatureColumns, c.FeatureColumns); err != nil {
		return err
	}
	return c.Optimizer.validate()
}

func (c *LinearRegressor) New(env Env) (Estimator, error) {
	return newNetworkEstimator(c, env, regressionHead{}, c.FeatureColumns, nil, nil, c.Optimizer)
}

type DNNClassifier struct {
	FeatureColumns []feature.Column `mapstructure:"-"`
	HiddenUnits    []int            `mapstructure:"hidden_units"`
	NClasses       int              `mapstructure:"n_classes"`
	Optimizer      `mapstructure:",squash"`
}

func (c *DNNClassifier) Kind() string              { return KindDNNClassifier }
func (c *DNNClassifier) Columns() []feature.Column { return c.FeatureColumns }

func (c *DNNClassifier) Validate() error {
	if err := validateColumns(keyFeatureColumns, c.FeatureColumns); err != nil {
		return err
	}
	if err := validateHidden(c.HiddenUnits); err != nil {
		return err
	}
	if err := validateClasses(c.NClasses); err != nil {
		return err
	}
	return c.Optimizer.validate()
}

func (c *DNNClassifier) New(env Env) (Estimator, error) {
	h := classificationHead{NClasses: c.NClasses}
	return newNetworkEstimator(c, env, h, nil, c.FeatureColumns, c.HiddenUnits, c.Optimizer)
}

type DNNRegressor struct {
	FeatureColumns []feature.Column `mapstructure:"-"`
	HiddenUnits    []int            `mapstructure:"hidden_units"`
	Optimizer      `mapstructure:",squash"`
}

func (c *DNNRegressor) Kind() string              { return KindDNNRegressor }
func (c *DNNRegressor) Columns() []feature.Column { return c.FeatureColumns }

func (c *DNNRegressor) Validate() error {
	if err := validateColumns(keyFeatureColumns, c.FeatureColumns); err != nil {
		return err
	}
	if err := validateHidden(c.HiddenUnits); err != nil {
		return err
	}
	return c.Optimizer.validate()
}

func (c *DNNRegressor) New(env Env) (Estimator, error) {
	return newNetworkEstimator(c, env, regressionHead{}, nil, c.FeatureColumns, c.HiddenUnits, c.Optimizer)
}

// DNNLinearCombinedClassifier sums the logits of a linear tower and a dnn tower.
type DNNLinearCombinedClassifier struct {
	LinearFeatureColumns []feature.Column `mapstructure:"-"`
	DNNFeatureColumns    []feature.Column `mapstructure:"-"`
	DNNHiddenUnits       []int            `mapstructure:"dnn_hidden_units"`
	NClasses             int              `mapstructure:"n_classes"`
	Optimizer            `mapstructure:",squash"`
}

func (c *DNNLinearCombinedClassifier) Kind() string { return KindDNNLinearCombinedClassifier }

func (c *DNNLinearCombinedClassifier) TowerColumns() ([]feature.Column, []feature.Column) {
	return c.LinearFeatureColumns, c.DNNFeatureColumns
}

func (c *DNNLinearCombinedClassifier) Validate() error {
	if err := validateColumns(keyLinearFeatureColumns, c.LinearFeatureColumns); err != nil {
		return err
	}
	if err := validateColumns(keyDNNFeatureColumns, c.DNNFeatureColumns); err != nil {
		return err
	}
	if err := validateHidden(c.DNNHiddenUnits); err != nil {
		return err
	}
	if err := validateClasses(c.NClasses); err != nil {
		return err
	}
	return c.Optimizer.validate()
}

func (c *DNNLinearCombinedClassifier) New(env Env) (Estimator, error) {
	h := classificationHead{NClasses: c.NClasses}
	return newNetworkEstimator(c, env, h, c.LinearFeatureColumns, c.DNNFeatureColumns, c.DNNHiddenUnits, c.Optimizer)
}

// TreeParams configure gradient boosting.
type TreeParams struct {
	NBatchesPerLayer int     `mapstructure:"n_batches_per_layer"`
	NTrees           int     `mapstructure:"n_trees"`
	MaxDepth         int     `mapstructure:"max_depth"`
	LearningRate     float64 `mapstructure:"learning_rate"`
	L2Regularization float64 `mapstructure:"l2_regularization"`
	TreeComplexity   float64 `mapstructure:"tree_complexity"`
	MinNodeWeight    float64 `mapstructure:"min_node_weight"`
	CenterBias       bool    `mapstructure:"center_bias"`
	// Quantiles is the number of candidate thresholds per dense input.
	Quantiles int `mapstructure:"quantiles"`
}

func (p TreeParams) validate() error {
	switch {
	case p.NBatchesPerLayer < 1:
		return fmt.Errorf("n_batches_per_layer must be positive, got %d", p.NBatchesPerLayer)
	case p.NTrees < 1:
		return fmt.Errorf("n_trees must be positive, got %d", p.NTrees)
	case p.MaxDepth < 1:
		return fmt.Errorf("max_depth must be positive, got %d", p.MaxDepth)
	case p.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %v", p.LearningRate)
	case p.L2Regularization < 0 || p.TreeComplexity < 0 || p.MinNodeWeight < 0:
		return fmt.Errorf("regularization parameters must not be negative")
	case p.Quantiles < 1:
		return fmt.Errorf("quantiles must be positive, got %d", p.Quantiles)
	}
	return nil
}

type BoostedTreesClassifier struct {
	FeatureColumns []feature.Column `mapstructure:"-"`
	NClasses       int              `mapstructure:"n_classes"`
	TreeParams     `mapstructure:",squash"`
}

func (c *BoostedTreesClassifier) Kind() string              { return KindBoostedTreesClassifier }
func (c *BoostedTreesClassifier) Columns() []feature.Column { return c.FeatureColumns }

func (c *BoostedTreesClassifier) Validate() error {
	if err := validateColumns(keyFeatureColumns, c.FeatureColumns); err != nil {
		return err
	}
	if err := validateClasses(c.NClasses); err != nil {
		return err
	}
	return c.TreeParams.validate()
}

func (c *BoostedTreesClassifier) New(env Env) (Estimator, error) {
	return newTreesEstimator(c, env, classificationHead{NClasses: c.NClasses}, c.FeatureColumns, c.TreeParams)
}

type BoostedTreesRegressor struct {
	FeatureColumns []feature.Column `mapstructure:"-"`
	TreeParams     `mapstructure:",squash"`
}

func (c *BoostedTreesRegressor) Kind() string              { return KindBoostedTreesRegressor }
func (c *BoostedTreesRegressor) Columns() []feature.Column { return c.FeatureColumns }

func (c *BoostedTreesRegressor) Validate() error {
	if err := validateColumns(keyFeatureColumns, c.FeatureColumns); err != nil {
		return err
	}
	return c.TreeParams.validate()
}

func (c *BoostedTreesRegressor) New(env Env) (Estimator, error) {
	return newTreesEstimator(c, env, regressionHead{}, c.FeatureColumns, c.TreeParams)
}

func defaultTreeParams() TreeParams {
	return TreeParams{
		NBatchesPerLayer: 1,
		NTrees:           100,
		MaxDepth:         6,
		LearningRate:     0.1,
		MinNodeWeight:    0,
		Quantiles:        100,
	}
}

// Kinds returns the estimator kinds FromParams accepts, sorted.
func Kinds() []string {
	kinds := []string{
		KindLinearClassifier, KindLinearRegressor, KindDNNClassifier, KindDNNRegressor,
		KindDNNLinearCombinedClassifier, KindBoostedTreesClassifier, KindBoostedTreesRegressor,
	}
	sort.Strings(kinds)
	return kinds
}

// FromParams builds the config of kind from loose hyperparameters. Feature
// column lists are taken out of params first; they may hold columns or
// column definitions. Remaining keys must all be known to kind.
func FromParams(kind string, params map[string]interface{}) (Config, error) {
	rest := make(map[string]interface{}, len(params))
	for k, v := range params {
		rest[k] = v
	}
	columns := map[string][]feature.Column{}
	for _, key := range []string{keyFeatureColumns, keyLinearFeatureColumns, keyDNNFeatureColumns} {
		raw, ok := rest[key]
		if !ok {
			continue
		}
		delete(rest, key)
		cols, err := toColumns(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		columns[key] = cols
	}

	var cfg Config
	switch kind {
	case KindLinearClassifier:
		cfg = &LinearClassifier{FeatureColumns: columns[keyFeatureColumns], NClasses: 2,
			Optimizer: Optimizer{Optimizer: OptimizerAdagrad, LearningRate: 0.2}}
	case KindLinearRegressor:
		cfg = &LinearRegressor{FeatureColumns: columns[keyFeatureColumns],
			Optimizer: Optimizer{Optimizer: OptimizerAdagrad, LearningRate: 0.2}}
	case KindDNNClassifier:
		cfg = &DNNClassifier{FeatureColumns: columns[keyFeatureColumns], NClasses: 2,
			Optimizer: Optimizer{Optimizer: OptimizerAdagrad, LearningRate: 0.05}}
	case KindDNNRegressor:
		cfg = &DNNRegressor{FeatureColumns: columns[keyFeatureColumns],
			Optimizer: Optimizer{Optimizer: OptimizerAdagrad, LearningRate: 0.05}}
	case KindDNNLinearCombinedClassifier:
		cfg = &DNNLinearCombinedClassifier{
			LinearFeatureColumns: columns[keyLinearFeatureColumns],
			DNNFeatureColumns:    columns[keyDNNFeatureColumns],
			NClasses:             2,
			Optimizer:            Optimizer{Optimizer: OptimizerAdagrad, LearningRate: 0.05},
		}
	case KindBoostedTreesClassifier:
		cfg = &BoostedTreesClassifier{FeatureColumns: columns[keyFeatureColumns], NClasses: 2, TreeParams: defaultTreeParams()}
	case KindBoostedTreesRegressor:
		cfg = &BoostedTreesRegressor{FeatureColumns: columns[keyFeatureColumns], TreeParams: defaultTreeParams()}
	default:
		return nil, fmt.Errorf("unsupported estimator %q, expected one of %v", kind, Kinds())
	}

	if err := decodeParams(rest, cfg); err != nil {
		return nil, fmt.Errorf("%s params: %w", kind, err)
	}
	return cfg, nil
}

func decodeParams(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(params)
}

func toColumns(raw interface{}) ([]feature.Column, error) {
	switch v := raw.(type) {
	case []feature.Column:
		return v, nil
	case []map[string]interface{}:
		return feature.Decode(v)
	case []interface{}:
		if len(v) > 0 {
			if _, ok := v[0].(feature.Column); ok {
				return columnsOf(v)
			}
		}
		defs := make([]map[string]interface{}, len(v))
		for i, item := range v {
			def, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected feature column definition %T", item)
			}
			defs[i] = def
		}
		return feature.Decode(defs)
	}
	return nil, fmt.Errorf("unexpected feature columns %T", raw)
}

func columnsOf(items []interface{}) ([]feature.Column, error) {
	cols := make([]feature.Column, len(items))
	for i, item := range items {
		col, ok := item.(feature.Column)
		if !ok {
			return nil, fmt.Errorf("unexpected feature column %T", item)
		}
		cols[i] = col
	}
	return cols, nil
}
