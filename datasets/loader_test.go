package datasets

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// mockDataset serves samples whose length and star rating are derived from
// the index.
type mockDataset struct {
	n       int
	failAt  int
	dim     int
	lengths func(i int) int
}

func (m *mockDataset) Len() int { return m.n }

func (m *mockDataset) Example(i int) (Sample, error) {
	if i == m.failAt {
		return Sample{}, fmt.Errorf("broken example %d", i)
	}
	l := 1 + i%7
	if m.lengths != nil {
		l = m.lengths(i)
	}
	return Sample{
		Features: seq(float32(i), l, m.dim),
		Target:   []float32{float32(i), 0, 0, 0, 0},
	}, nil
}

func drain(t *testing.T, l *Loader) ([]*Batch, error) {
	t.Helper()
	batches, errs := l.Epoch(context.Background())
	var out []*Batch
	for b := range batches {
		out = append(out, b)
	}
	return out, <-errs
}

func TestLoader_CoversDatasetOnce(t *testing.T) {
	ds := &mockDataset{n: 53, failAt: -1, dim: 3}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 8, Shuffle: true, NumWorkers: 4, Seed: 11})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	if l.Len() != 7 {
		t.Fatalf("expected 7 batches, got %d", l.Len())
	}

	batches, err := drain(t, l)
	if err != nil {
		t.Fatalf("epoch error: %v", err)
	}
	if len(batches) != 7 {
		t.Fatalf("expected 7 batches, got %d", len(batches))
	}
	if batches[6].Size != 53-6*8 {
		t.Fatalf("expected final partial batch of %d, got %d", 53-6*8, batches[6].Size)
	}

	seen := make(map[int]int)
	for _, b := range batches {
		for i := 1; i < b.Size; i++ {
			if b.Lengths[i] > b.Lengths[i-1] {
				t.Fatalf("batch lengths not sorted: %v", b.Lengths)
			}
		}
		for col := range b.Size {
			seen[int(b.Target(col)[0])]++
		}
	}
	for i := range ds.n {
		if seen[i] != 1 {
			t.Fatalf("example %d seen %d times", i, seen[i])
		}
	}
}

func TestLoader_DeterministicForSeed(t *testing.T) {
	ds := &mockDataset{n: 40, failAt: -1, dim: 2}
	order := func() []float32 {
		l, err := NewLoader(ds, LoaderOptions{BatchSize: 5, Shuffle: true, NumWorkers: 3, Seed: 99})
		if err != nil {
			t.Fatalf("NewLoader error: %v", err)
		}
		batches, err := drain(t, l)
		if err != nil {
			t.Fatalf("epoch error: %v", err)
		}
		var ids []float32
		for _, b := range batches {
			ids = append(ids, b.Targets...)
		}
		return ids
	}
	a, b := order(), order()
	if len(a) != len(b) {
		t.Fatalf("length mismatch %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("batch order differs at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestLoader_PropagatesErrors(t *testing.T) {
	ds := &mockDataset{n: 20, failAt: 13, dim: 2}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 4, NumWorkers: 2, Seed: 1})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	batches, err := drain(t, l)
	if err == nil {
		t.Fatalf("expected epoch error")
	}
	if len(batches) > 3 {
		t.Fatalf("expected at most 3 batches before the failure, got %d", len(batches))
	}
}

func TestLoader_MalformedSample(t *testing.T) {
	ds := &mockDataset{n: 6, failAt: -1, dim: 2, lengths: func(i int) int {
		if i == 4 {
			return 0
		}
		return 2
	}}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 3, Seed: 1})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	_, err = drain(t, l)
	var malformed *MalformedSampleError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedSampleError, got %v", err)
	}
}

func TestLoader_PinMemoryRecyclesBuffers(t *testing.T) {
	ds := &mockDataset{n: 30, failAt: -1, dim: 4, lengths: func(i int) int { return 5 }}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 5, PinMemory: true, Seed: 3})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	batches, errs := l.Epoch(context.Background())
	for b := range batches {
		for col := range b.Size {
			idx := b.Target(col)[0]
			if b.At(0, col)[0] != idx {
				t.Fatalf("stale data in recycled buffer: got %v want %v", b.At(0, col)[0], idx)
			}
		}
		b.Release()
		if b.Features != nil {
			t.Fatalf("expected Release to drop the feature buffer")
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("epoch error: %v", err)
	}
}

// TestLoader_FailedEpochReturnsBuffers checks that batches built ahead of a
// failing one are handed back to the pool, not just the delivered ones.
func TestLoader_FailedEpochReturnsBuffers(t *testing.T) {
	ds := &mockDataset{n: 40, failAt: 9, dim: 3}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 2, NumWorkers: 4, PinMemory: true, Seed: 8})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	batches, errs := l.Epoch(context.Background())
	for b := range batches {
		b.Release()
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected epoch error")
	}
	if n := l.InUse(); n != 0 {
		t.Fatalf("%d feature buffers were never released", n)
	}
}

func TestLoader_CancelReturnsBuffers(t *testing.T) {
	ds := &mockDataset{n: 60, failAt: -1, dim: 3}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 3, NumWorkers: 3, PinMemory: true, Seed: 2})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	batches, errs := l.Epoch(ctx)
	(<-batches).Release()
	cancel()
	for b := range batches {
		b.Release()
	}
	<-errs
	if n := l.InUse(); n != 0 {
		t.Fatalf("%d feature buffers were never released", n)
	}
}

func TestLoader_Cancel(t *testing.T) {
	ds := &mockDataset{n: 100, failAt: -1, dim: 2}
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 2, NumWorkers: 2, Seed: 5})
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	batches, errs := l.Epoch(ctx)
	<-batches
	cancel()
	for range batches {
	}
	<-errs
}

func TestNewLoader_Validation(t *testing.T) {
	if _, err := NewLoader(nil, LoaderOptions{BatchSize: 1}); err == nil {
		t.Fatalf("expected error for nil dataset")
	}
	if _, err := NewLoader(&mockDataset{n: 0}, LoaderOptions{BatchSize: 1}); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
	if _, err := NewLoader(&mockDataset{n: 3, failAt: -1}, LoaderOptions{}); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}
