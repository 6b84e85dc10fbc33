package datasets

import (
	"fmt"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// MalformedSampleError reports a sample that cannot be collated.
// Index refers to the position in the list passed to Collate, or -1 when the
// list itself is at fault.
type MalformedSampleError struct {
	Index  int
	Reason string
}

func (e *MalformedSampleError) Error() string {
	if e.Index < 0 {
		return "malformed batch: " + e.Reason
	}
	return fmt.Sprintf("malformed sample %d: %s", e.Index, e.Reason)
}

// Batch is a padded, length-sorted minibatch.
//
// Features is a flat time-major buffer of shape (MaxLen, Size, FeatureDim):
// the vector for time step t of column i starts at (t*Size+i)*FeatureDim.
// Column 0 holds the longest sequence. Lengths and Targets follow the same
// column order. Order maps each column back to its position in the list that
// was collated.
type Batch struct {
	Features   []float32
	Lengths    []int
	Targets    []float32
	Order      []int
	MaxLen     int
	Size       int
	FeatureDim int
	TargetDim  int

	release func([]float32)
}

// Collate sorts samples by sequence length (descending, stable), zero-pads
// them to the longest length and stacks their targets in the same order.
func Collate(samples []Sample) (*Batch, error) {
	return collateInto(samples, nil)
}

// collateInto is Collate with an optional buffer source for the padded
// features. The source must return a zeroed slice of exactly n elements.
func collateInto(samples []Sample, alloc func(n int) []float32) (*Batch, error) {
	if len(samples) == 0 {
		return nil, &MalformedSampleError{Index: -1, Reason: "no samples"}
	}

	featureDim := -1
	targetDim := len(samples[0].Target)
	if targetDim == 0 {
		return nil, &MalformedSampleError{Index: 0, Reason: "empty target"}
	}
	for i, s := range samples {
		if s.Len() == 0 {
			return nil, &MalformedSampleError{Index: i, Reason: "empty feature sequence"}
		}
		if len(s.Target) != targetDim {
			return nil, &MalformedSampleError{Index: i,
				Reason: fmt.Sprintf("target dimension %d, expected %d", len(s.Target), targetDim)}
		}
		for t, vec := range s.Features {
			if featureDim < 0 {
				featureDim = len(vec)
			}
			if len(vec) != featureDim || featureDim == 0 {
				return nil, &MalformedSampleError{Index: i,
					Reason: fmt.Sprintf("feature dimension %d at step %d, expected %d", len(vec), t, featureDim)}
			}
		}
	}

	n := len(samples)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return samples[order[a]].Len() > samples[order[b]].Len()
	})

	maxLen := samples[order[0]].Len()
	lengths := make([]int, n)
	targets := make([]float32, n*targetDim)

	var features []float32
	if alloc != nil {
		features = alloc(maxLen * n * featureDim)
	} else {
		features = make([]float32, maxLen*n*featureDim)
	}

	for col, src := range order {
		s := samples[src]
		lengths[col] = s.Len()
		copy(targets[col*targetDim:], s.Target)
		for t, vec := range s.Features {
			copy(features[(t*n+col)*featureDim:], vec)
		}
	}

	return &Batch{
		Features:   features,
		Lengths:    lengths,
		Targets:    targets,
		Order:      order,
		MaxLen:     maxLen,
		Size:       n,
		FeatureDim: featureDim,
		TargetDim:  targetDim,
	}, nil
}

// At returns the feature vector of column i at time step t. Steps past the
// column's length are zero padding.
func (b *Batch) At(t, i int) []float32 {
	off := (t*b.Size + i) * b.FeatureDim
	return b.Features[off : off+b.FeatureDim]
}

// Sequence returns a copy of the unpadded feature rows of column i.
func (b *Batch) Sequence(i int) [][]float32 {
	seq := make([][]float32, b.Lengths[i])
	for t := range seq {
		seq[t] = append([]float32(nil), b.At(t, i)...)
	}
	return seq
}

// Target returns the target vector of column i.
func (b *Batch) Target(i int) []float32 {
	return b.Targets[i*b.TargetDim : (i+1)*b.TargetDim]
}

// Release hands the feature buffer back to the loader that produced the
// batch. The batch must not be used afterwards. It is a no-op for batches
// built by Collate directly.
func (b *Batch) Release() {
	if b == nil || b.release == nil {
		return
	}
	b.release(b.Features)
	b.release = nil
	b.Features = nil
}

// ToGomlxTensors converts the batch to gomlx tensors of shapes
// (MaxLen, Size, FeatureDim) and (Size, TargetDim).
func (b *Batch) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	feat, _, targ, err := b.ToGomlxTensorsPadded(b.MaxLen)
	return feat, targ, err
}

// ToGomlxTensorsPadded is like ToGomlxTensors but pads the time axis with
// zero steps up to steps, so batches of different MaxLen can share one
// compiled graph. It also returns the column lengths as an int32 tensor of
// shape (Size).
func (b *Batch) ToGomlxTensorsPadded(steps int) (feat, lengths, targ *tensors.Tensor, err error) {
	if b.Size == 0 || b.MaxLen == 0 || b.FeatureDim == 0 {
		return nil, nil, nil, fmt.Errorf("cannot convert empty batch")
	}
	n := b.MaxLen * b.Size * b.FeatureDim
	if len(b.Features) != n {
		return nil, nil, nil, fmt.Errorf("feature buffer has %d values, expected %d", len(b.Features), n)
	}
	if steps < b.MaxLen {
		return nil, nil, nil, fmt.Errorf("cannot pad %d steps down to %d", b.MaxLen, steps)
	}
	// Time-major layout: the extra steps are a zero tail.
	flat := make([]float32, steps*b.Size*b.FeatureDim)
	copy(flat, b.Features)
	lens := make([]int32, b.Size)
	for i, l := range b.Lengths {
		lens[i] = int32(l)
	}
	feat = tensors.FromFlatDataAndDimensions(flat, steps, b.Size, b.FeatureDim)
	lengths = tensors.FromFlatDataAndDimensions(lens, b.Size)
	targ = tensors.FromFlatDataAndDimensions(append([]float32(nil), b.Targets...), b.Size, b.TargetDim)
	return feat, lengths, targ, nil
}
