package recurrent

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Optimizer updates the model variables from the accumulated gradients.
type Optimizer interface {
	ZeroGrad() error
	Step() error
}

// AdamConfig holds Adam hyperparameters. Zero values fall back to the usual
// defaults (lr 1e-3, beta1 0.9, beta2 0.999, eps 1e-8). ClipNorm <= 0
// disables gradient clipping.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	ClipNorm     float64
}

// Adam applies gomlx's Adam to the gradients accumulated by an LSTM, after
// optional global-norm clipping.
type Adam struct {
	cfg   AdamConfig
	model *LSTM
	opt   train.OptimizeWithGradients
	apply *context.Exec

	steps    int
	lastNorm float64
}

// NewAdam creates an optimizer over the variables of m.
func NewAdam(m *LSTM, cfg AdamConfig) (*Adam, error) {
	if m == nil {
		return nil, errors.New("no model to optimize")
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-3
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	opt, ok := optimizers.Adam().
		LearningRate(cfg.LearningRate).
		Betas(cfg.Beta1, cfg.Beta2).
		Epsilon(cfg.Epsilon).
		Done().(train.OptimizeWithGradients)
	if !ok {
		return nil, errors.New("adam does not accept precomputed gradients")
	}
	a := &Adam{cfg: cfg, model: m, opt: opt}
	var err error
	a.apply, err = context.NewExec(m.backend, m.ctx, a.applyGraph)
	if err != nil {
		return nil, errors.Wrap(err, "adam graph")
	}
	return a, nil
}

// applyGraph feeds the (clipped) accumulators to Adam and returns their
// global norm before clipping.
func (a *Adam) applyGraph(ctx *context.Context, g *Graph) *Node {
	vars := trainable(ctx)
	grads := make([]*Node, len(vars))
	for i, v := range vars {
		// Adam only updates variables used by the graph.
		v.ValueGraph(g)
		grads[i] = accumulator(ctx, v).ValueGraph(g)
	}

	sumSq := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sumSq = Add(sumSq, ReduceAllSum(Square(grad)))
	}
	norm := Sqrt(sumSq)
	if a.cfg.ClipNorm > 0 {
		limit := Scalar(g, dtypes.Float32, a.cfg.ClipNorm)
		scale := Div(limit, Max(norm, limit))
		for i := range grads {
			grads[i] = Mul(grads[i], scale)
		}
	}
	a.opt.UpdateGraphWithGradients(ctx, grads, dtypes.Float32)
	return norm
}

// ZeroGrad clears every gradient accumulator.
func (a *Adam) ZeroGrad() error {
	for _, acc := range accumulators(a.model.ctx) {
		acc.SetValue(tensors.FromShape(acc.Shape()))
	}
	return nil
}

// Step applies one update.
func (a *Adam) Step() error {
	norm, err := a.apply.Exec1()
	if err != nil {
		return errors.Wrap(err, "run adam graph")
	}
	a.lastNorm = float64(tensors.ToScalar[float32](norm))
	norm.FinalizeAll()
	a.steps++
	return nil
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.steps }

// GradNorm returns the global gradient norm seen by the last Step, before
// clipping.
func (a *Adam) GradNorm() float64 { return a.lastNorm }
