// Package feed implements the oracle, spot, and HTTP-fallback price feed
// clients (spec.md §4.1-§4.3): normalized tick production with
// reconnect/backoff/heartbeat, nested-key frame parsing, and divergence
// metadata fused from a companion spot sample.
package feed

import (
	"math"
	"strconv"
)

// Source tags attached to every tick.
const (
	SourceOracle       = "oracle"
	SourceSpot         = "spot"
	SourceSpotFallback = "spot_liveness_fallback"
)

// Tick is a normalized price observation (spec.md §3 "Price tick").
type Tick struct {
	EventTimeSec      float64
	Price             float64
	Source            string
	PayloadTimestamp  float64
	ReceivedTimestamp float64
	DivergencePct     *float64
	SpotPrice         *float64
}

// normalizeTimestamp divides by 1000 if the value looks like milliseconds
// (> 1e12), per spec.md §3.
func normalizeTimestamp(ts float64) float64 {
	if ts > 1e12 {
		return ts / 1000
	}
	return ts
}

// findNestedFloat searches a decoded JSON object for the first key in keys,
// checking the top level before descending into nested objects, and returns
// its value as float64. Values may arrive as JSON numbers or numeric strings.
func findNestedFloat(obj map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	for _, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			if f, ok := findNestedFloat(nested, keys); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// divergencePct computes 100*|a-b|/max(|b|, eps).
func divergencePct(a, b float64) float64 {
	denom := math.Abs(b)
	const eps = 1e-9
	if denom < eps {
		denom = eps
	}
	return 100.0 * math.Abs(a-b) / denom
}
