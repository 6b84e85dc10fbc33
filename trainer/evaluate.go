package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Noofbiz/starcast/datasets"
	"github.com/Noofbiz/starcast/recurrent"
)

// OrderedSource is a BatchSource that walks the dataset in index order, such
// as a *datasets.Loader built without Shuffle.
type OrderedSource interface {
	BatchSource
	BatchSize() int
}

// Prediction pairs the model output for one sample with its target.
type Prediction struct {
	Index  int
	Output []float32
	Target []float32
}

// EvalResult summarizes an evaluation pass.
type EvalResult struct {
	Predictions []Prediction
	// RMSE per target column.
	RMSE []float64
	// StarAccuracy is the fraction of samples whose rounded first output
	// matches the rounded first target.
	StarAccuracy float64
}

// Evaluate runs the model forward over one epoch of src and collects a
// prediction per sample, sorted by dataset index. No weights are updated.
func Evaluate(ctx context.Context, model recurrent.Model, src OrderedSource, bins int) (EvalResult, error) {
	if model == nil || src == nil {
		return EvalResult{}, errors.New("evaluate: model and source are required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errc := src.Epoch(ctx)

	var res EvalResult
	var sumSq []float64
	hits := 0
	k := 0
	for b := range batches {
		out, _, err := model.Forward(b)
		if err != nil {
			b.Release()
			return res, fmt.Errorf("batch %d: %w", k, err)
		}
		if sumSq == nil {
			sumSq = make([]float64, b.TargetDim)
		}
		base := k * src.BatchSize()
		for i := range b.Size {
			tgt := append([]float32(nil), b.Target(i)...)
			res.Predictions = append(res.Predictions, Prediction{
				Index:  base + b.Order[i],
				Output: out[i],
				Target: tgt,
			})
			for j := range tgt {
				d := float64(out[i][j]) - float64(tgt[j])
				sumSq[j] += d * d
			}
			if StarBucket(out[i][0], bins) == StarBucket(tgt[0], bins) {
				hits++
			}
		}
		b.Release()
		k++
	}
	if err := <-errc; err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	n := len(res.Predictions)
	if n == 0 {
		return res, datasets.ErrEmptyDataset
	}
	res.RMSE = make([]float64, len(sumSq))
	for j, s := range sumSq {
		res.RMSE[j] = math.Sqrt(s / float64(n))
	}
	res.StarAccuracy = float64(hits) / float64(n)

	// Columns inside a batch are length sorted; restore dataset order.
	ordered := make([]Prediction, n)
	for _, p := range res.Predictions {
		if p.Index < 0 || p.Index >= n {
			return res, fmt.Errorf("evaluate: source is not in index order (index %d of %d)", p.Index, n)
		}
		ordered[p.Index] = p
	}
	res.Predictions = ordered
	return res, nil
}
