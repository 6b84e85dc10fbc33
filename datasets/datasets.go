package datasets

import "errors"

// This package turns CSV review data into padded minibatches for the
// recurrent star regressor.
//
// Layout and intended usage:
//
// ReviewDataset
//   - Stores paths to CSV files matching a pattern
//   - Rows are grouped by a review identifier; one group is one Sample
//   - Features per time step: the configured feature columns (float32)
//   - Targets per review: the configured target columns, stars first
//
// Collate
//   - Sorts a list of Samples by sequence length, longest first
//   - Zero-pads them into one time-major buffer of shape (max_L, N, F)
//   - Stacks the targets into (N, D) in the same order
//
// Loader
//   - Shuffles indices each epoch, loads and collates batches on a small
//     worker pool and hands them to the training loop in order
//
// Batches convert to gomlx tensors through Batch.ToGomlxTensors.

// ErrEmptyDataset is returned when a dataset has no examples to iterate.
var ErrEmptyDataset = errors.New("dataset has no examples")

// Sample is one review: a variable-length sequence of feature vectors and a
// fixed-size target vector. Target[0] is the star rating.
type Sample struct {
	Features [][]float32
	Target   []float32
}

// Len returns the number of time steps in the sample.
func (s Sample) Len() int {
	return len(s.Features)
}

// Dataset is the minimal interface the Loader needs from a dataset.
type Dataset interface {
	Len() int
	Example(i int) (Sample, error)
}
