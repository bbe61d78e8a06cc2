package estimator

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adagrad"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/sgd"

	"submitter/pkg/feature"
	"submitter/pkg/io"
)

const (
	gradientClip   = 2000.0
	adagradEpsilon = 1e-8
)

// network is a linear tower, a dnn tower, or both with summed logits.
type network struct {
	Linear *linear.Model
	Hidden []*linear.Model
	Output *linear.Model

	linearCols, dnnCols []feature.Column
	head                head
	optimizer           *gd.GradientDescent
}

func newUpdater(o Optimizer) gd.Method {
	switch o.Optimizer {
	case OptimizerAdam:
		cfg := adam.NewDefaultConfig()
		cfg.StepSize = o.LearningRate
		return adam.New(cfg)
	case OptimizerSGD:
		return sgd.New(sgd.NewConfig(o.LearningRate, 0, false))
	default:
		return adagrad.New(adagrad.NewConfig(o.LearningRate, adagradEpsilon))
	}
}

// newNetwork starts the linear tower at zero and the dnn tower at seeded
// Glorot uniform weights.
func newNetwork(h head, linearCols, dnnCols []feature.Column, hidden []int, opt Optimizer, seed int64) *network {
	k := h.logitsDimension()
	n := &network{linearCols: linearCols, dnnCols: dnnCols, head: h}
	if len(linearCols) > 0 {
		n.Linear = linear.New(feature.Dimension(linearCols), k)
	}
	if len(dnnCols) > 0 {
		rnd := rand.NewLockedRand(uint64(seed))
		in := feature.Dimension(dnnCols)
		for _, units := range hidden {
			l := linear.New(in, units)
			initializers.XavierUniform(l.W.Value(), initializers.Gain(ag.OpReLU), rnd)
			n.Hidden = append(n.Hidden, l)
			in = units
		}
		n.Output = linear.New(in, k)
		initializers.XavierUniform(n.Output.W.Value(), initializers.Gain(ag.OpIdentity), rnd)
	}
	n.optimizer = gd.NewOptimizer(newUpdater(opt), nn.NewDefaultParamsIterator(n.models()...), gd.ClipGradByValue(gradientClip))
	return n
}

func (n *network) models() []nn.Model {
	var models []nn.Model
	if n.Linear != nil {
		models = append(models, n.Linear)
	}
	for _, l := range n.Hidden {
		models = append(models, l)
	}
	if n.Output != nil {
		models = append(models, n.Output)
	}
	return models
}

// params lists every weight and bias in a fixed order.
func (n *network) params() []*nn.Param {
	var params []*nn.Param
	for _, m := range n.models() {
		l := m.(*linear.Model)
		params = append(params, l.W, l.B)
	}
	return params
}

func inputNodes(g *ag.Graph, cols []feature.Column, fs []feature.Features) ([]ag.Node, error) {
	xs := make([]ag.Node, len(fs))
	for i, f := range fs {
		row, err := feature.InputLayer(cols, f)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		xs[i] = g.NewVariable(mat.NewVecDense(row), false)
	}
	return xs, nil
}

// forward returns one logits node per example.
func (n *network) forward(g *ag.Graph, mode nn.ProcessingMode, fs []feature.Features) ([]ag.Node, error) {
	newProc := func(m *linear.Model) nn.Processor {
		p := m.NewProc(g)
		p.SetMode(mode)
		return p
	}
	logits := make([]ag.Node, len(fs))
	if n.Linear != nil {
		xs, err := inputNodes(g, n.linearCols, fs)
		if err != nil {
			return nil, err
		}
		copy(logits, newProc(n.Linear).Forward(xs...))
	}
	if n.Output != nil {
		xs, err := inputNodes(g, n.dnnCols, fs)
		if err != nil {
			return nil, err
		}
		for _, l := range n.Hidden {
			xs = newProc(l).Forward(xs...)
			for i, x := range xs {
				xs[i] = g.ReLU(x)
			}
		}
		for i, y := range newProc(n.Output).Forward(xs...) {
			if logits[i] == nil {
				logits[i] = y
			} else {
				logits[i] = g.Add(logits[i], y)
			}
		}
	}
	return logits, nil
}

func (n *network) fit(batch *io.Batch) (float64, error) {
	g := ag.NewGraph()
	defer g.Clear()

	logits, err := n.forward(g, nn.Training, batch.Features)
	if err != nil {
		return 0, err
	}
	var loss ag.Node
	for i, label := range batch.Labels {
		l := n.head.graphLoss(g, logits[i], label)
		if loss == nil {
			loss = l
		} else {
			loss = g.Add(loss, l)
		}
	}
	loss = g.Div(loss, g.NewScalar(float64(batch.Size())))

	n.optimizer.IncBatch()
	g.Backward(loss)
	n.optimizer.Optimize()
	return loss.ScalarValue(), nil
}

func (n *network) logits(fs []feature.Features) ([][]float64, error) {
	g := ag.NewGraph()
	defer g.Clear()

	nodes, err := n.forward(g, nn.Inference, fs)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(nodes))
	for i, node := range nodes {
		out[i] = append([]float64(nil), node.Value().Data()...)
	}
	return out, nil
}

func (n *network) finished() bool { return false }

// GobEncode saves the parameter values. Optimizer state is not kept, a
// restored network resumes with fresh accumulators.
func (n *network) GobEncode() ([]byte, error) {
	params := n.params()
	values := make([][]float64, len(params))
	for i, p := range params {
		values[i] = p.Value().Data()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode restores the values written by GobEncode into a network of the
// same shape.
func (n *network) GobDecode(data []byte) error {
	var values [][]float64
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return err
	}
	params := n.params()
	if len(values) != len(params) {
		return fmt.Errorf("checkpoint has %d parameters, network has %d", len(values), len(params))
	}
	for i, p := range params {
		dst := p.Value().Data()
		if len(values[i]) != len(dst) {
			return fmt.Errorf("checkpoint parameter %d has size %d, network has %d", i, len(values[i]), len(dst))
		}
		copy(dst, values[i])
	}
	return nil
}

func newNetworkEstimator(cfg Config, env Env, h head, linearCols, dnnCols []feature.Column, hidden []int, opt Optimizer) (Estimator, error) {
	b, err := newBase(cfg, env, h, newNetwork(h, linearCols, dnnCols, hidden, opt, env.Config.RandomSeed))
	if err != nil {
		return nil, err
	}
	return b, nil
}
