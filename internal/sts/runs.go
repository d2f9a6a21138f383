package sts

import (
	"fmt"
	"log"
	"math"

	"randomness-sts/internal/bitstream"
	"randomness-sts/internal/specfunc"
)

const runsOp = "runs"

// Runs counts uninterrupted runs of identical bits and compares the total to
// its expectation given the observed proportion of ones.
type Runs struct {
	bits         bitstream.Bits
	n            int
	significance float64
}

// RunsStatistics holds the intermediate values of a runs test.
type RunsStatistics struct {
	Ones    int     `json:"ones"`
	Pi      float64 `json:"pi"`
	Tau     float64 `json:"tau"`
	Runs    int     `json:"runs"`
	PValue  float64 `json:"p_value"`
	Skipped bool    `json:"frequency_prerequisite_failed,omitempty"`
}

// NewRuns binds the first n bits of src.
func NewRuns(src BitSource, n int, opts ...Option) (*Runs, error) {
	cfg, err := buildOptions(runsOp, opts)
	if err != nil {
		return nil, err
	}
	bits, err := bindBits(runsOp, src, n)
	if err != nil {
		return nil, err
	}
	return &Runs{bits: bits, n: n, significance: cfg.significance}, nil
}

// Name implements Test.
func (r *Runs) Name() string {
	return "runs"
}

// Describe implements Test.
func (r *Runs) Describe() string {
	return fmt.Sprintf("Runs Test (n=%d)", r.n)
}

// Run implements Test. When the proportion of ones is too far from 1/2 the
// runs statistic is meaningless and the p-value is 0.
func (r *Runs) Run(collectDiagnostics bool) (Result, error) {
	n := float64(r.n)
	ones := r.bits.Ones()
	pi := float64(ones) / n
	tau := 2 / math.Sqrt(n)

	stats := RunsStatistics{Ones: ones, Pi: pi, Tau: tau}
	if math.Abs(pi-0.5) >= tau {
		stats.Skipped = true
	} else {
		stats.Runs = countRuns(r.bits)
		q := pi * (1 - pi)
		z := math.Abs(float64(stats.Runs)-2*n*q) / (2 * math.Sqrt(2*n) * q)
		p, err := specfunc.Erfc(z)
		if err != nil {
			return Result{}, wrapError(runsOp, ErrNumerical, err, "V=%d pi=%v", stats.Runs, pi)
		}
		stats.PValue = p
	}

	result := Result{
		Test:         r.Name(),
		Description:  r.Describe(),
		PValues:      []float64{stats.PValue},
		Significance: r.significance,
	}
	if collectDiagnostics {
		log.Printf("sts: %s pi=%.6f tau=%.6f V=%d skipped=%t p=%.6f", r.Name(), pi, tau, stats.Runs, stats.Skipped, stats.PValue)
		result.Details = stats
	}
	return result, nil
}

func countRuns(b bitstream.Bits) int {
	if b.Len() == 0 {
		return 0
	}
	runs := 1
	last := b.At(0)
	for i := 1; i < b.Len(); i++ {
		bit := b.At(i)
		if bit != last {
			runs++
			last = bit
		}
	}
	return runs
}
