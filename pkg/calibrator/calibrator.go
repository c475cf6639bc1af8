// Package calibrator implements the probability calibrator as a tagged
// variant (identity, logistic, isotonic) instead of dynamic dispatch,
// precomputing the isotonic monotone envelope once at load time.
package calibrator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Input selects which value is fed into the calibrator: the raw EV
// probability estimate, or the directional z-score it was derived from.
type Input string

const (
	InputPHat   Input = "p_hat"
	InputZScore Input = "z_score"
)

// Method names the calibration strategy.
type Method string

const (
	MethodNone     Method = "none"
	MethodLogistic Method = "logistic"
	MethodIsotonic Method = "isotonic"
)

// Calibrator maps a raw value to a calibrated probability in [0, 1].
type Calibrator struct {
	method     Method
	coef       float64
	intercept  float64
	x          []float64
	y          []float64
}

// Identity returns a no-op calibrator that only clips to [0, 1].
func Identity() *Calibrator {
	return &Calibrator{method: MethodNone}
}

// Logistic returns a calibrator applying the logistic function
// 1/(1+exp(-(coef*value + intercept))).
func Logistic(coef, intercept float64) *Calibrator {
	return &Calibrator{method: MethodLogistic, coef: coef, intercept: intercept}
}

// Isotonic returns a calibrator built from (x, y) pairs, sorted by x with
// y made non-decreasing by a running maximum (starting from 0) and
// clipped to [0, 1]. Requires at least two points.
func Isotonic(x, y []float64) (*Calibrator, error) {
	if len(x) != len(y) || len(x) < 2 {
		return nil, fmt.Errorf("isotonic calibrator requires >=2 x/y points of equal length")
	}
	type pair struct{ x, y float64 }
	pairs := make([]pair, len(x))
	for i := range x {
		pairs[i] = pair{x[i], y[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].x < pairs[j].x })

	sortedX := make([]float64, len(pairs))
	monotoneY := make([]float64, len(pairs))
	running := 0.0
	for i, p := range pairs {
		sortedX[i] = p.x
		if p.y > running {
			running = p.y
		}
		monotoneY[i] = math.Min(1.0, math.Max(0.0, running))
	}
	return &Calibrator{method: MethodIsotonic, x: sortedX, y: monotoneY}, nil
}

// Calibrate maps value to a probability according to the configured method.
func (c *Calibrator) Calibrate(value float64) float64 {
	switch c.method {
	case MethodLogistic:
		logit := c.coef*value + c.intercept
		return 1.0 / (1.0 + math.Exp(-logit))
	case MethodIsotonic:
		return c.interpolate(value)
	default:
		return math.Min(1.0, math.Max(0.0, value))
	}
}

func (c *Calibrator) interpolate(value float64) float64 {
	if value <= c.x[0] {
		return c.y[0]
	}
	last := len(c.x) - 1
	if value >= c.x[last] {
		return c.y[last]
	}
	for i := 1; i <= last; i++ {
		if value <= c.x[i] {
			x0, x1 := c.x[i-1], c.x[i]
			y0, y1 := c.y[i-1], c.y[i]
			span := x1 - x0
			if span <= 0 {
				return y1
			}
			w := (value - x0) / span
			return y0 + w*(y1-y0)
		}
	}
	return c.y[last]
}

// isotonicParams is the on-disk shape for a precomputed isotonic envelope.
type isotonicParams struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

type logisticParams struct {
	Coef      float64 `json:"coef"`
	Intercept float64 `json:"intercept"`
}

// Load builds a Calibrator for method, reading coefficients/points from
// paramsPath when provided. It never returns an error: on a read or parse
// failure the logistic method uses logisticCoef/logisticIntercept, and the
// isotonic method (or an unknown method) falls back to identity.
func Load(method Method, paramsPath string, logisticCoef, logisticIntercept float64) *Calibrator {
	if method == MethodNone {
		return Identity()
	}

	raw, err := readParams(paramsPath)

	switch method {
	case MethodLogistic:
		if err == nil {
			var p logisticParams
			if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
				return Logistic(orDefault(p.Coef, logisticCoef), orDefault(p.Intercept, logisticIntercept))
			}
		}
		return Logistic(logisticCoef, logisticIntercept)
	case MethodIsotonic:
		if err != nil {
			return Identity()
		}
		var p isotonicParams
		if jsonErr := json.Unmarshal(raw, &p); jsonErr != nil {
			return Identity()
		}
		cal, calErr := Isotonic(p.X, p.Y)
		if calErr != nil {
			return Identity()
		}
		return cal
	default:
		return Identity()
	}
}

func readParams(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no params path configured")
	}
	return os.ReadFile(path)
}

func orDefault(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
