// Package recurrent holds the star-rating regressor: a gomlx LSTM over the
// padded review sequences with a dense head on the last valid state.
package recurrent

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"

	"github.com/Noofbiz/starcast/datasets"
)

const (
	lstmScope = "lstm"
	headScope = "head"

	// gradScope holds one gradient accumulator per trainable variable.
	gradScope = "/grads"

	// maxCachedGraphs bounds the compiled graphs kept per executor. Sequence
	// lengths are bucketed to powers of two, so few are ever needed.
	maxCachedGraphs = 32
)

// Config holds the hyperparameters of the recurrent regressor.
type Config struct {
	// InputDim is the size of each feature vector. Required.
	InputDim int

	// HiddenSize is the size of the recurrent state. Default 64.
	HiddenSize int

	// OutputDim is the size of the target vector. Default 5.
	OutputDim int

	// Seed controls weight initialization. If zero, time-based seed is used.
	Seed int64

	// Name identifies the model in checkpoint file names. Default "starrnn".
	Name string
}

// Model is what the training loop needs from a network.
type Model interface {
	Name() string
	// Forward returns one output row per batch column and the mean squared
	// error against the batch targets.
	Forward(b *datasets.Batch) ([][]float32, float64, error)
	// Backward adds the loss gradients of the last forwarded batch to the
	// gradient accumulators.
	Backward() error
	State() map[string][]float32
}

// LSTM runs the regressor as gomlx graphs on a backend:
//
//	h = LSTM(x[:length])    padded steps keep the previous state
//	y = W h + b
//
// Gradients are accumulated in non-trainable variables by Backward and
// consumed by an Optimizer created with NewAdam.
type LSTM struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context

	predict    *context.Exec
	accumulate *context.Exec

	// inputs of the last Forward call, kept for Backward.
	feat, lengths, targets *tensors.Tensor
}

// NewLSTM creates the network on backend and initializes its weights.
func NewLSTM(backend backends.Backend, cfg Config) (*LSTM, error) {
	if backend == nil {
		return nil, errors.New("backend is nil")
	}
	if cfg.InputDim <= 0 {
		return nil, errors.Errorf("input dimension must be > 0 (got %d)", cfg.InputDim)
	}
	if cfg.HiddenSize == 0 {
		cfg.HiddenSize = 64
	}
	if cfg.OutputDim == 0 {
		cfg.OutputDim = 5
	}
	if cfg.Name == "" {
		cfg.Name = "starrnn"
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	m := &LSTM{cfg: cfg, backend: backend}
	m.ctx = context.New().Checked(false)
	m.ctx.SetParam(initializers.ParamInitialSeed, cfg.Seed)

	var err error
	m.predict, err = context.NewExec(backend, m.ctx, m.predictGraph)
	if err != nil {
		return nil, errors.Wrap(err, "predict graph")
	}
	m.predict.SetMaxCache(maxCachedGraphs)
	m.accumulate, err = context.NewExec(backend, m.ctx, m.accumulateGraph)
	if err != nil {
		return nil, errors.Wrap(err, "gradient graph")
	}
	m.accumulate.SetMaxCache(maxCachedGraphs)

	// One step through a zero review creates and initializes the variables.
	warm := &datasets.Batch{
		Features:   make([]float32, cfg.InputDim),
		Lengths:    []int{1},
		Targets:    make([]float32, cfg.OutputDim),
		Order:      []int{0},
		MaxLen:     1,
		Size:       1,
		FeatureDim: cfg.InputDim,
		TargetDim:  cfg.OutputDim,
	}
	if _, _, err := m.Forward(warm); err != nil {
		return nil, errors.Wrap(err, "initialize variables")
	}
	m.dropInputs()

	// Start the head near the middle of the rating scale.
	if bias := m.ctx.GetVariableByScopeAndName("/"+headScope+"/dense", "biases"); bias != nil {
		vals := tensors.CopyFlatData[float32](bias.Value())
		vals[0] = 3
		bias.SetValue(tensors.FromFlatDataAndDimensions(vals, bias.Shape().Dimensions...))
	}
	return m, nil
}

// Name returns the model name used for checkpoints.
func (m *LSTM) Name() string { return m.cfg.Name }

// Config returns the resolved configuration.
func (m *LSTM) Config() Config { return m.cfg }

// Backend returns the backend the graphs run on.
func (m *LSTM) Backend() backends.Backend { return m.backend }

// network maps time-major features [steps, batch, features] and column
// lengths [batch] to predictions [batch, OutputDim].
func (m *LSTM) network(ctx *context.Context, feat, lengths *Node) *Node {
	x := TransposeAllDims(feat, 1, 0, 2)
	batchSize := x.Shape().Dim(0)
	_, last, _ := lstm.New(ctx.In(lstmScope), x, m.cfg.HiddenSize).Ragged(lengths).Done()
	h := Reshape(last, batchSize, m.cfg.HiddenSize)
	return layers.DenseWithBias(ctx.In(headScope), h, m.cfg.OutputDim)
}

func (m *LSTM) predictGraph(ctx *context.Context, feat, lengths, targets *Node) (*Node, *Node) {
	pred := m.network(ctx, feat, lengths)
	loss := losses.MeanSquaredError([]*Node{targets}, []*Node{pred})
	return pred, loss
}

func (m *LSTM) accumulateGraph(ctx *context.Context, feat, lengths, targets *Node) {
	g := feat.Graph()
	ctx.SetTraining(g, true)
	pred := m.network(ctx, feat, lengths)
	loss := losses.MeanSquaredError([]*Node{targets}, []*Node{pred})
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	vars := trainable(ctx)
	if len(vars) != len(grads) {
		panic(errors.Errorf("%d gradients for %d trainable variables", len(grads), len(vars)))
	}
	for i, v := range vars {
		acc := accumulator(ctx, v)
		acc.SetValueGraph(Add(acc.ValueGraph(g), grads[i]))
	}
}

// Forward runs the batch through the network. The time axis is padded to the
// next power of two, which the ragged LSTM ignores.
func (m *LSTM) Forward(b *datasets.Batch) ([][]float32, float64, error) {
	if b == nil || b.Size == 0 {
		return nil, 0, errors.New("empty batch")
	}
	if b.FeatureDim != m.cfg.InputDim {
		return nil, 0, errors.Errorf("batch feature dimension %d, model expects %d", b.FeatureDim, m.cfg.InputDim)
	}
	if b.TargetDim != m.cfg.OutputDim {
		return nil, 0, errors.Errorf("batch target dimension %d, model outputs %d", b.TargetDim, m.cfg.OutputDim)
	}
	feat, lengths, targets, err := b.ToGomlxTensorsPadded(bucket(b.MaxLen))
	if err != nil {
		return nil, 0, err
	}
	predT, lossT, err := m.predict.Exec2(feat, lengths, targets)
	if err != nil {
		return nil, 0, errors.Wrap(err, "run predict graph")
	}
	defer predT.FinalizeAll()
	defer lossT.FinalizeAll()

	flat := tensors.CopyFlatData[float32](predT)
	out := make([][]float32, b.Size)
	for i := range out {
		out[i] = flat[i*m.cfg.OutputDim : (i+1)*m.cfg.OutputDim : (i+1)*m.cfg.OutputDim]
	}
	loss := float64(tensors.ToScalar[float32](lossT))

	m.dropInputs()
	m.feat, m.lengths, m.targets = feat, lengths, targets
	return out, loss, nil
}

// Backward accumulates the gradients of the last Forward call.
func (m *LSTM) Backward() error {
	if m.feat == nil {
		return errors.New("backward called before forward")
	}
	if _, err := m.accumulate.Exec(m.feat, m.lengths, m.targets); err != nil {
		return errors.Wrap(err, "run gradient graph")
	}
	return nil
}

func (m *LSTM) dropInputs() {
	for _, t := range []*tensors.Tensor{m.feat, m.lengths, m.targets} {
		if t != nil {
			t.FinalizeAll()
		}
	}
	m.feat, m.lengths, m.targets = nil, nil, nil
}

// State returns a copy of every trainable variable keyed by scope and name.
func (m *LSTM) State() map[string][]float32 {
	vars := trainable(m.ctx)
	state := make(map[string][]float32, len(vars))
	for _, v := range vars {
		state[v.ScopeAndName()] = tensors.CopyFlatData[float32](v.Value())
	}
	return state
}

// LoadState replaces the trainable variables with values from state.
func (m *LSTM) LoadState(state map[string][]float32) error {
	vars := trainable(m.ctx)
	for _, v := range vars {
		vals, ok := state[v.ScopeAndName()]
		if !ok {
			return errors.Errorf("state is missing variable %q", v.ScopeAndName())
		}
		if len(vals) != v.Shape().Size() {
			return errors.Errorf("variable %q has %d values, expected %d", v.ScopeAndName(), len(vals), v.Shape().Size())
		}
	}
	for _, v := range vars {
		vals := append([]float32(nil), state[v.ScopeAndName()]...)
		v.SetValue(tensors.FromFlatDataAndDimensions(vals, v.Shape().Dimensions...))
	}
	return nil
}

// Finalize releases the compiled graphs and variable buffers.
func (m *LSTM) Finalize() {
	m.dropInputs()
	m.predict.Finalize()
	m.accumulate.Finalize()
	m.ctx.Finalize()
}

// HiddenSizeFromState recovers the hidden size of a saved LSTM.
func HiddenSizeFromState(state map[string][]float32) (int, error) {
	key := context.JoinScope("/"+lstmScope, "biasesW")
	b, ok := state[key]
	if !ok {
		return 0, fmt.Errorf("state has no %q variable", key)
	}
	// biases are [directions=1, 8, hidden]
	if len(b) == 0 || len(b)%8 != 0 {
		return 0, fmt.Errorf("variable %q has %d values, not a multiple of 8", key, len(b))
	}
	return len(b) / 8, nil
}

// trainable lists the trainable variables in the order the optimizers and
// gradient builders enumerate them.
func trainable(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// accumulator returns the zero-initialized gradient accumulator of v.
func accumulator(ctx *context.Context, v *context.Variable) *context.Variable {
	return ctx.InAbsPath(gradScope+v.Scope()).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name(), v.Shape()).
		SetTrainable(false)
}

// accumulators lists the gradient accumulators created so far.
func accumulators(ctx *context.Context) []*context.Variable {
	var accs []*context.Variable
	for v := range ctx.IterVariables() {
		if !v.Trainable && strings.HasPrefix(v.Scope(), gradScope) {
			accs = append(accs, v)
		}
	}
	return accs
}

func bucket(n int) int {
	b := 1
	for b < n {
		b <<= 1
	}
	return b
}
