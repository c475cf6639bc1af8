package strategy

import (
	"math"
	"testing"
)

func TestRollingStatsAddRemoveMatchesDirectComputation(t *testing.T) {
	values := []float64{0.01, -0.02, 0.015, 0.03, -0.01}
	var s RollingStats
	for _, v := range values {
		s.Add(v)
	}

	s.Remove(values[0])
	s.Remove(values[1])

	var direct RollingStats
	for _, v := range values[2:] {
		direct.Add(v)
	}

	if s.Count() != direct.Count() {
		t.Fatalf("count = %d, want %d", s.Count(), direct.Count())
	}
	if diff := math.Abs(s.Mean() - direct.Mean()); diff > 1e-9 {
		t.Fatalf("mean = %v, want %v", s.Mean(), direct.Mean())
	}
	if diff := math.Abs(s.Stddev() - direct.Stddev()); diff > 1e-9 {
		t.Fatalf("stddev = %v, want %v", s.Stddev(), direct.Stddev())
	}
}

func TestRollingStatsRemoveToEmpty(t *testing.T) {
	var s RollingStats
	s.Add(1.0)
	s.Remove(1.0)
	if s.Count() != 0 || s.Mean() != 0 || s.Stddev() != 0 {
		t.Fatalf("expected zeroed stats, got count=%d mean=%v stddev=%v", s.Count(), s.Mean(), s.Stddev())
	}
}
