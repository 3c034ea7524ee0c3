package util

import (
	"math"
	"testing"
)

func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if s.Mean != 5 {
		t.Errorf("Expected mean 5, got %v", s.Mean)
	}
	if s.StdDeviation != 2 {
		t.Errorf("Expected std deviation 2, got %v", s.StdDeviation)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("Expected min 2 and max 9, got %v and %v", s.Min, s.Max)
	}

	if (NewStats(nil) != Stats{}) {
		t.Errorf("Expected zero stats for empty input")
	}
}

func TestDistributionStats(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10})
	if even.DistributionQuality != 1 {
		t.Errorf("Expected quality 1 for even distribution, got %v", even.DistributionQuality)
	}
	skewed := NewDistributionStats([]float64{1, 1, 100})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("Skewed distribution should rate lower, got %v", skewed.DistributionQuality)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.AverageSize() != 0 || h.MedianEstimate() != 0 {
		t.Errorf("Empty histogram should report zero")
	}

	for i := 0; i < 9; i++ {
		h.AddSample(100) // bucket (64, 256]
	}
	h.AddSample(1 << 20)

	if h.Count() != 10 {
		t.Errorf("Expected count 10, got %d", h.Count())
	}
	if got := h.MedianEstimate(); got != (64+256)/2 {
		t.Errorf("Expected median estimate 160, got %d", got)
	}
	if got := h.PercentileEstimate(100); got != (256<<10+1<<20)/2 {
		t.Errorf("Unexpected p100 estimate %d", got)
	}

	_, shares := h.SizeDistribution()
	var total float64
	for _, s := range shares {
		total += s
	}
	if math.Abs(total-100) > 1e-9 {
		t.Errorf("Shares should add up to 100, got %v", total)
	}

	h.Reset()
	if h.Count() != 0 || h.Sum() != 0 {
		t.Errorf("Reset should clear the histogram")
	}
}

func TestChecksum(t *testing.T) {
	d := NewDigest()
	_, _ = d.Write([]byte("hello "))
	_, _ = d.Write([]byte("world"))
	if d.Sum64() != Checksum([]byte("hello world")) {
		t.Errorf("streaming and one-shot checksum differ")
	}
}
