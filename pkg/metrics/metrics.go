package metrics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Predictions are the outputs of a model over an evaluation set. Classifiers
// fill Classes and Probabilities, regressors fill Values.
type Predictions struct {
	Classes       []int
	Probabilities [][]float64
	Values        []float64
}

// Result maps a metric name to its value. "loss" and "global_step" are
// always present in evaluation results.
type Result map[string]float64

// Keys returns the metric names of r, sorted.
func (r Result) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Func func(labels []float64, p Predictions) float64

const DefaultMetric = "Accuracy"

var registry = map[string]Func{
	"Accuracy":                    accuracy,
	"Precision":                   precision,
	"Recall":                      recall,
	"AUC":                         auc,
	"MeanSquaredError":            meanSquaredError,
	"MeanAbsoluteError":           meanAbsoluteError,
	"MeanAbsolutePercentageError": meanAbsolutePercentageError,
}

// Get resolves metric names. Unknown names are an error.
func Get(names []string) (map[string]Func, error) {
	result := make(map[string]Func, len(names))
	for _, name := range names {
		fn, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unsupported metric %s", name)
		}
		result[name] = fn
	}
	return result, nil
}

// MustGet is Get for names known to be registered.
func MustGet(names []string) map[string]Func {
	fns, err := Get(names)
	if err != nil {
		panic(err)
	}
	return fns
}

var needsClasses = map[string]bool{"Accuracy": true, "Precision": true, "Recall": true}

// CheckRegression rejects the metrics that need predicted classes.
func CheckRegression(names []string) error {
	for _, name := range names {
		if needsClasses[name] {
			return fmt.Errorf("metric %s needs predicted classes, regressors have none", name)
		}
	}
	return nil
}

// IsDefault reports whether names is exactly the default metric list.
func IsDefault(names []string) bool {
	return len(names) == 1 && names[0] == DefaultMetric
}

func accuracy(labels []float64, p Predictions) float64 {
	if len(labels) == 0 {
		return 0
	}
	if len(p.Classes) < len(labels) {
		return math.NaN()
	}
	correct := 0
	for i, label := range labels {
		if p.Classes[i] == int(label) {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

func binaryCounts(labels []float64, p Predictions) ClassMetrics {
	var m ClassMetrics
	for i, label := range labels {
		actual, predicted := int(label) == 1, p.Classes[i] == 1
		switch {
		case actual && predicted:
			m.TruePos++
		case actual:
			m.FalseNeg++
		case predicted:
			m.FalsePos++
		default:
			m.TrueNeg++
		}
	}
	return m
}

func precision(labels []float64, p Predictions) float64 {
	if len(p.Classes) < len(labels) {
		return math.NaN()
	}
	m := binaryCounts(labels, p)
	return m.Precision()
}

func recall(labels []float64, p Predictions) float64 {
	if len(p.Classes) < len(labels) {
		return math.NaN()
	}
	m := binaryCounts(labels, p)
	return m.Recall()
}

// positiveScores returns the score of class 1 for every example. Values
// take precedence so a logistic regressor output can be scored directly.
func positiveScores(p Predictions) []float64 {
	if p.Values != nil {
		return append([]float64(nil), p.Values...)
	}
	scores := make([]float64, len(p.Probabilities))
	for i, probs := range p.Probabilities {
		if len(probs) > 1 {
			scores[i] = probs[1]
		}
	}
	return scores
}

func auc(labels []float64, p Predictions) float64 {
	scores := positiveScores(p)
	classes := make([]bool, len(labels))
	for i, label := range labels {
		classes[i] = int(label) == 1
	}
	stat.SortWeightedLabeled(scores, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, scores, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func meanSquaredError(labels []float64, p Predictions) float64 {
	return meanOf(labels, p, func(label, value float64) float64 { return (label - value) * (label - value) })
}

func meanAbsoluteError(labels []float64, p Predictions) float64 {
	return meanOf(labels, p, func(label, value float64) float64 { return math.Abs(label - value) })
}

func meanAbsolutePercentageError(labels []float64, p Predictions) float64 {
	return meanOf(labels, p, func(label, value float64) float64 {
		return 100 * math.Abs((label-value)/math.Max(math.Abs(label), 1e-7))
	})
}

func meanOf(labels []float64, p Predictions, f func(label, value float64) float64) float64 {
	values := p.Values
	if values == nil {
		values = make([]float64, len(p.Classes))
		for i, c := range p.Classes {
			values[i] = float64(c)
		}
	}
	errs := make([]float64, len(labels))
	for i, label := range labels {
		errs[i] = f(label, values[i])
	}
	return stat.Mean(errs, nil)
}
