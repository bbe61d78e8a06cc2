package estimator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"submitter/pkg/feature"
	"submitter/pkg/io"
)

var ErrMultiClassExplanation = errors.New("explanations are only supported for regression and binary classification")

// Explanation splits a prediction into a bias and one directional feature
// contribution per dense input, in logit space. Bias plus the sum of DFC
// equals the single logit.
type Explanation struct {
	Prediction
	Bias float64
	DFC  []float64
}

// Explainer is implemented by estimators that can attribute predictions to
// their inputs.
type Explainer interface {
	Estimator
	FeatureColumns() []feature.Column
	PredictWithExplanations(ctx context.Context, fs []feature.Features) ([]Explanation, error)
	// FeatureImportances returns the split gain accumulated by every dense
	// input, scaled to sum to one when normalize is set.
	FeatureImportances(normalize bool) []float64
	GlobalStep() int
}

// node is a leaf when Left is zero. Left and Right index the tree's nodes.
type node struct {
	Feature     int
	Threshold   float64
	Left, Right int
	Value       []float64
	Gain        float64
	Depth       int
}

func (n *node) leaf() bool { return n.Left == 0 }

type tree struct {
	Nodes []node
}

// route returns the path of node indices taken by x, from the root.
func (t *tree) route(x []float64) []int {
	path := []int{0}
	for i := 0; !t.Nodes[i].leaf(); {
		if n := &t.Nodes[i]; x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		path = append(path, i)
	}
	return path
}

func (t *tree) leafValue(x []float64) []float64 {
	path := t.route(x)
	return t.Nodes[path[len(path)-1]].Value
}

// forest grows gradient boosted trees one layer per buffer of batches. The
// tree being grown fits gradients of the bias and the completed trees.
type forest struct {
	Params       TreeParams
	Dims         int
	Bias         []float64
	BiasCentered bool
	Trees        []*tree
	Growing      *tree
	Gains        []float64
	Done         bool

	cols    []feature.Column
	head    head
	buffer  [][]float64
	labels  []float64
	batches int
}

func newForest(h head, cols []feature.Column, params TreeParams) *forest {
	k := h.logitsDimension()
	return &forest{
		Params: params,
		Dims:   k,
		Bias:   make([]float64, k),
		Gains:  make([]float64, feature.Dimension(cols)),
		cols:   cols,
		head:   h,
	}
}

func (f *forest) inputs(fs []feature.Features) ([][]float64, error) {
	x := make([][]float64, len(fs))
	for i, features := range fs {
		row, err := feature.InputLayer(f.cols, features)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		x[i] = row
	}
	return x, nil
}

// raw sums the bias and the completed trees, plus the growing tree when
// withGrowing is set.
func (f *forest) raw(x []float64, withGrowing bool) []float64 {
	z := append([]float64(nil), f.Bias...)
	for _, t := range f.Trees {
		floats.Add(z, t.leafValue(x))
	}
	if withGrowing && f.Growing != nil {
		floats.Add(z, f.Growing.leafValue(x))
	}
	return z
}

func (f *forest) fit(batch *io.Batch) (float64, error) {
	x, err := f.inputs(batch.Features)
	if err != nil {
		return 0, err
	}
	var loss float64
	for i, row := range x {
		l, _, _ := f.head.gradients(f.raw(row, true), batch.Labels[i])
		loss += l
	}
	f.buffer = append(f.buffer, x...)
	f.labels = append(f.labels, batch.Labels...)
	f.batches++
	if f.batches >= f.Params.NBatchesPerLayer {
		f.growLayer()
		f.buffer, f.labels, f.batches = nil, nil, 0
	}
	return loss / float64(len(x)), nil
}

func (f *forest) logits(fs []feature.Features) ([][]float64, error) {
	x, err := f.inputs(fs)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = f.raw(row, true)
	}
	return out, nil
}

func (f *forest) finished() bool { return f.Done }

// stats are gradient and hessian sums per logit.
type stats struct {
	G, H []float64
	N    int
}

func newStats(k int) stats {
	return stats{G: make([]float64, k), H: make([]float64, k)}
}

func (s *stats) add(g, h []float64) {
	floats.Add(s.G, g)
	floats.Add(s.H, h)
	s.N++
}

func (f *forest) score(s stats) float64 {
	var total float64
	for k := range s.G {
		if d := s.H[k] + f.Params.L2Regularization; d > 0 {
			total += s.G[k] * s.G[k] / d
		}
	}
	return total
}

func (f *forest) value(s stats) []float64 {
	v := make([]float64, len(s.G))
	for k := range v {
		if d := s.H[k] + f.Params.L2Regularization; d > 0 {
			v[k] = -f.Params.LearningRate * s.G[k] / d
		}
	}
	return v
}

func (f *forest) weight(s stats) float64 {
	return floats.Sum(s.H) / float64(len(s.H))
}

type split struct {
	feature     int
	threshold   float64
	gain        float64
	left, right stats
}

func (f *forest) growLayer() {
	if f.Params.CenterBias && !f.BiasCentered {
		f.Bias = f.head.initialLogits(f.labels)
		f.BiasCentered = true
		return
	}

	grads := make([][]float64, len(f.buffer))
	hess := make([][]float64, len(f.buffer))
	for i, row := range f.buffer {
		_, grads[i], hess[i] = f.head.gradients(f.raw(row, false), f.labels[i])
	}

	if f.Growing == nil {
		root := newStats(f.Dims)
		for i := range f.buffer {
			root.add(grads[i], hess[i])
		}
		f.Growing = &tree{Nodes: []node{{Value: f.value(root)}}}
	}
	t := f.Growing
	depth := t.Nodes[len(t.Nodes)-1].Depth

	members := map[int][]int{}
	for i, row := range f.buffer {
		path := t.route(row)
		if leaf := path[len(path)-1]; t.Nodes[leaf].Depth == depth {
			members[leaf] = append(members[leaf], i)
		}
	}
	leaves := make([]int, 0, len(members))
	for leaf := range members {
		leaves = append(leaves, leaf)
	}
	sort.Ints(leaves)

	grown := 0
	for _, leaf := range leaves {
		s, ok := f.bestSplit(members[leaf], grads, hess)
		if !ok {
			continue
		}
		left := node{Value: f.value(s.left), Depth: depth + 1}
		right := node{Value: f.value(s.right), Depth: depth + 1}
		t.Nodes = append(t.Nodes, left, right)
		n := &t.Nodes[leaf]
		n.Feature, n.Threshold, n.Gain = s.feature, s.threshold, s.gain
		n.Left, n.Right = len(t.Nodes)-2, len(t.Nodes)-1
		f.Gains[s.feature] += s.gain
		grown++
	}

	if grown == 0 || depth+1 >= f.Params.MaxDepth {
		f.Trees = append(f.Trees, t)
		f.Growing = nil
		if len(f.Trees) >= f.Params.NTrees {
			f.Done = true
		}
	}
}

// candidates returns thresholds for sorted values: every distinct value
// but the largest, thinned to quantiles when there are too many.
func (f *forest) candidates(sorted []float64) []float64 {
	var distinct []float64
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}
	distinct = distinct[:len(distinct)-1]
	q := f.Params.Quantiles
	if len(distinct) <= q {
		return distinct
	}
	var out []float64
	for i := 1; i <= q; i++ {
		v := stat.Quantile(float64(i)/float64(q+1), stat.Empirical, distinct, nil)
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func (f *forest) bestSplit(members []int, grads, hess [][]float64) (split, bool) {
	total := newStats(f.Dims)
	for _, i := range members {
		total.add(grads[i], hess[i])
	}
	parent := f.score(total)

	best := split{gain: 0}
	found := false
	order := append([]int(nil), members...)
	values := make([]float64, len(order))
	for d := range f.Gains {
		sort.Slice(order, func(a, b int) bool { return f.buffer[order[a]][d] < f.buffer[order[b]][d] })
		for i, idx := range order {
			values[i] = f.buffer[idx][d]
		}

		left := newStats(f.Dims)
		p := 0
		for _, threshold := range f.candidates(values) {
			for p < len(order) && values[p] <= threshold {
				left.add(grads[order[p]], hess[order[p]])
				p++
			}
			right := newStats(f.Dims)
			floats.SubTo(right.G, total.G, left.G)
			floats.SubTo(right.H, total.H, left.H)
			right.N = total.N - left.N
			if left.N == 0 || right.N == 0 {
				continue
			}
			if f.weight(left) < f.Params.MinNodeWeight || f.weight(right) < f.Params.MinNodeWeight {
				continue
			}
			gain := 0.5*(f.score(left)+f.score(right)-parent) - f.Params.TreeComplexity
			if gain > best.gain {
				best = split{feature: d, threshold: threshold, gain: gain, left: copyStats(left), right: right}
				found = true
			}
		}
	}
	return best, found
}

func copyStats(s stats) stats {
	return stats{G: append([]float64(nil), s.G...), H: append([]float64(nil), s.H...), N: s.N}
}

// explain walks every tree for x. The bias collects the root values; each
// step from a parent to a child adds the change in value to the parent's
// split input.
func (f *forest) explain(x []float64) (float64, []float64) {
	bias := f.Bias[0]
	dfc := make([]float64, len(x))
	trees := f.Trees
	if f.Growing != nil {
		trees = append(trees[:len(trees):len(trees)], f.Growing)
	}
	for _, t := range trees {
		path := t.route(x)
		bias += t.Nodes[0].Value[0]
		for i := 1; i < len(path); i++ {
			parent, child := &t.Nodes[path[i-1]], &t.Nodes[path[i]]
			dfc[parent.Feature] += child.Value[0] - parent.Value[0]
		}
	}
	return bias, dfc
}

type treesEstimator struct {
	*base
	forest *forest
}

func newTreesEstimator(cfg Config, env Env, h head, cols []feature.Column, params TreeParams) (Estimator, error) {
	f := newForest(h, cols, params)
	b, err := newBase(cfg, env, h, f)
	if err != nil {
		return nil, err
	}
	return &treesEstimator{base: b, forest: f}, nil
}

func (e *treesEstimator) FeatureColumns() []feature.Column { return e.forest.cols }

func (e *treesEstimator) PredictWithExplanations(ctx context.Context, fs []feature.Features) ([]Explanation, error) {
	if e.forest.Dims != 1 {
		return nil, ErrMultiClassExplanation
	}
	predictions, err := e.Predict(ctx, fs)
	if err != nil {
		return nil, err
	}
	x, err := e.forest.inputs(fs)
	if err != nil {
		return nil, err
	}
	out := make([]Explanation, len(x))
	for i, row := range x {
		bias, dfc := e.forest.explain(row)
		out[i] = Explanation{Prediction: predictions[i], Bias: bias, DFC: dfc}
	}
	return out, nil
}

func (e *treesEstimator) FeatureImportances(normalize bool) []float64 {
	gains := append([]float64(nil), e.forest.Gains...)
	if total := floats.Sum(gains); normalize && total > 0 {
		floats.Scale(1/total, gains)
	}
	return gains
}
