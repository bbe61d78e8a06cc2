package estimator

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"gonum.org/v1/gonum/floats"

	"submitter/pkg/metrics"
)

// head turns logits into losses, gradients and predictions.
type head interface {
	logitsDimension() int
	checkLabel(label float64) error
	// gradients returns the loss of one example and the first and second
	// derivatives of the loss with respect to each logit.
	gradients(logits []float64, label float64) (loss float64, grad, hess []float64)
	// graphLoss is the loss of one example as a node of g.
	graphLoss(g *ag.Graph, logits ag.Node, label float64) ag.Node
	predict(logits []float64) Prediction
	// initialLogits is the constant prediction minimizing the loss over labels.
	initialLogits(labels []float64) []float64
	evalMetrics(labels []float64, p metrics.Predictions) metrics.Result
}

type classificationHead struct {
	NClasses int
}

func (h classificationHead) binary() bool { return h.NClasses == 2 }

func (h classificationHead) logitsDimension() int {
	if h.binary() {
		return 1
	}
	return h.NClasses
}

func (h classificationHead) checkLabel(label float64) error {
	if label != math.Trunc(label) || label < 0 || int(label) >= h.NClasses {
		return fmt.Errorf("label %v is not a class id in [0, %d)", label, h.NClasses)
	}
	return nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	max := floats.Max(logits)
	for i, z := range logits {
		out[i] = math.Exp(z - max)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func (h classificationHead) gradients(logits []float64, label float64) (float64, []float64, []float64) {
	if h.binary() {
		z, y := logits[0], label
		p := sigmoid(z)
		loss := math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		return loss, []float64{p - y}, []float64{math.Max(p*(1-p), 1e-16)}
	}
	p := softmax(logits)
	class := int(label)
	grad := make([]float64, len(p))
	hess := make([]float64, len(p))
	for k := range p {
		grad[k] = p[k]
		if k == class {
			grad[k] -= 1
		}
		hess[k] = math.Max(p[k]*(1-p[k]), 1e-16)
	}
	return -math.Log(math.Max(p[class], 1e-16)), grad, hess
}

func (h classificationHead) graphLoss(g *ag.Graph, logits ag.Node, label float64) ag.Node {
	if h.binary() {
		// the sigmoid of z is the softmax of [0, z] at 1
		logits = g.Concat(g.NewScalar(0), logits)
	}
	return losses.CrossEntropy(g, logits, int(label))
}

func (h classificationHead) predict(logits []float64) Prediction {
	var probs []float64
	if h.binary() {
		p := sigmoid(logits[0])
		probs = []float64{1 - p, p}
	} else {
		probs = softmax(logits)
	}
	class := floats.MaxIdx(probs)
	return Prediction{
		Class:         class,
		Probabilities: probs,
		Value:         probs[len(probs)-1],
		Logits:        logits,
	}
}

func (h classificationHead) initialLogits(labels []float64) []float64 {
	counts := make([]float64, h.NClasses)
	for _, y := range labels {
		counts[int(y)]++
	}
	const smoothing = 1.0
	for k := range counts {
		counts[k] = (counts[k] + smoothing) / (float64(len(labels)) + smoothing*float64(h.NClasses))
	}
	if h.binary() {
		return []float64{math.Log(counts[1] / counts[0])}
	}
	for k := range counts {
		counts[k] = math.Log(counts[k])
	}
	return counts
}

func (h classificationHead) evalMetrics(labels []float64, p metrics.Predictions) metrics.Result {
	fns := []string{"Accuracy"}
	if h.binary() {
		fns = append(fns, "AUC", "Precision", "Recall")
	}
	result := metrics.Result{}
	for name, fn := range metrics.MustGet(fns) {
		result[lowerName(name)] = fn(labels, p)
	}
	if h.binary() {
		result["label/mean"] = mean(labels)
		var sum float64
		for _, probs := range p.Probabilities {
			sum += probs[1]
		}
		result["prediction/mean"] = sum / float64(len(labels))
	}
	metrics.LogClassReport(labels, p.Classes)
	return result
}

type regressionHead struct{}

func (regressionHead) logitsDimension() int { return 1 }

func (regressionHead) checkLabel(label float64) error {
	if math.IsNaN(label) || math.IsInf(label, 0) {
		return fmt.Errorf("label %v is not finite", label)
	}
	return nil
}

func (regressionHead) gradients(logits []float64, label float64) (float64, []float64, []float64) {
	diff := logits[0] - label
	return diff * diff, []float64{2 * diff}, []float64{2}
}

func (regressionHead) graphLoss(g *ag.Graph, logits ag.Node, label float64) ag.Node {
	diff := g.Sub(logits, g.NewScalar(label))
	return g.Prod(diff, diff)
}

func (regressionHead) predict(logits []float64) Prediction {
	return Prediction{Value: logits[0], Logits: logits}
}

func (regressionHead) initialLogits(labels []float64) []float64 {
	return []float64{mean(labels)}
}

func (regressionHead) evalMetrics(labels []float64, p metrics.Predictions) metrics.Result {
	return metrics.Result{
		"label/mean":      mean(labels),
		"prediction/mean": mean(p.Values),
	}
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Sum(x) / float64(len(x))
}

func lowerName(name string) string {
	switch name {
	case "AUC":
		return "auc"
	case "Accuracy":
		return "accuracy"
	case "Precision":
		return "precision"
	case "Recall":
		return "recall"
	}
	return name
}
