package util

import (
	"math"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

// Stats summarizes a set of values.
type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation and the min/max range.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	ratio := 1.0
	if hi > 0 {
		ratio = lo / hi
	}

	return Stats{
		StdDeviation: math.Sqrt(sq / float64(len(values))),
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

// DistributionStats rates how evenly values (e.g. bytes per unit) are spread.
type DistributionStats struct {
	Stats
	// DistributionQuality is 1 for a perfectly even spread and approaches 0 for a skewed one.
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats combines the coefficient of variation and the
// min/max ratio into a single quality score.
func NewDistributionStats(values []float64) DistributionStats {
	stats := NewStats(values)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the upper bounds of the histogram buckets (powers of four
// from 16 bytes to 4 GiB). A final bucket takes everything larger.
var sizeBoundaries = []int64{
	16, 64, 256, 1 << 10, 4 << 10,
	16 << 10, 64 << 10, 256 << 10, 1 << 20,
	4 << 20, 16 << 20, 64 << 20,
	256 << 20, 1 << 30, 4 << 30,
}

// SizeHistogram tracks the distribution of serialized object sizes.
// The zero value is not usable, use NewSizeHistogram.
//
// Thread-safety: all methods are safe for concurrent use. Readers may observe a
// sample in count but not yet in sum, which only skews estimates marginally.
type SizeHistogram struct {
	buckets []atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{buckets: make([]atomic.Int64, len(sizeBoundaries)+1)}
}

func bucketOf(size int64) int {
	for i, b := range sizeBoundaries {
		if size <= b {
			return i
		}
	}
	return len(sizeBoundaries)
}

// AddSample records one object of the given size.
func (h *SizeHistogram) AddSample(size int) {
	h.buckets[bucketOf(int64(size))].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// Count returns the number of samples.
func (h *SizeHistogram) Count() int64 {
	return h.count.Load()
}

// Sum returns the sum of all samples.
func (h *SizeHistogram) Sum() int64 {
	return h.sum.Load()
}

// AverageSize returns the mean sample size.
func (h *SizeHistogram) AverageSize() int {
	n := h.count.Load()
	if n <= 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// MedianEstimate estimates the median sample size.
func (h *SizeHistogram) MedianEstimate() int {
	return h.PercentileEstimate(50)
}

// PercentileEstimate returns an estimate for the given percentile (0-100).
// The estimate is the midpoint of the bucket holding the percentile.
func (h *SizeHistogram) PercentileEstimate(percentile int) int {
	n := h.count.Load()
	if n <= 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(n) * float64(percentile) / 100.0))
	if target == 0 {
		target = 1
	}
	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			return int(bucketMidpoint(i))
		}
	}
	return h.AverageSize()
}

func bucketMidpoint(i int) int64 {
	switch {
	case i == 0:
		return sizeBoundaries[0] / 2
	case i < len(sizeBoundaries):
		return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
	default:
		return sizeBoundaries[len(sizeBoundaries)-1] * 2
	}
}

// SizeDistribution returns the bucket upper bounds and the share of samples
// (in percent) per bucket. The last share belongs to the overflow bucket.
func (h *SizeHistogram) SizeDistribution() ([]int64, []float64) {
	shares := make([]float64, len(h.buckets))
	n := h.count.Load()
	if n <= 0 {
		return sizeBoundaries, shares
	}
	for i := range h.buckets {
		shares[i] = float64(h.buckets[i].Load()) * 100.0 / float64(n)
	}
	return sizeBoundaries, shares
}

// Reset clears all samples.
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}
