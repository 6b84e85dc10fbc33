package trainer

import "math"

// Distribution is an exponentially decayed histogram of star ratings.
// Bucket k counts rating k+1.
type Distribution struct {
	Values []float64
	Decay  float64
}

// NewDistribution creates an empty distribution over ratings 1..bins.
func NewDistribution(bins int, decay float64) *Distribution {
	return &Distribution{Values: make([]float64, bins), Decay: decay}
}

// Add counts each rating once, then decays the whole histogram.
func (d *Distribution) Add(stars []int) {
	for _, s := range stars {
		d.Values[s-1]++
	}
	for i := range d.Values {
		d.Values[i] *= d.Decay
	}
}

// Snapshot returns a copy of the bucket values.
func (d *Distribution) Snapshot() []float64 {
	return append([]float64(nil), d.Values...)
}

// StarBucket rounds v to the nearest whole star and clips it to 1..bins.
func StarBucket(v float32, bins int) int {
	if math.IsNaN(float64(v)) {
		return 1
	}
	s := int(math.Round(float64(v)))
	return min(max(s, 1), bins)
}

// Smoother tracks an exponential moving average of the loss.
type Smoother struct {
	Value float64
	Decay float64
}

// Update folds loss into the average and returns the new value.
func (s *Smoother) Update(loss float64) float64 {
	s.Value = s.Value*s.Decay + (1-s.Decay)*loss
	return s.Value
}
