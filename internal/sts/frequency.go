package sts

import (
	"fmt"
	"log"
	"math"

	"randomness-sts/internal/bitstream"
	"randomness-sts/internal/specfunc"
)

const frequencyOp = "frequency"

// Frequency is the monobit test: it checks that ones and zeros occur in
// roughly equal proportion over the first n bits.
type Frequency struct {
	bits         bitstream.Bits
	n            int
	significance float64
}

// FrequencyStatistics holds the intermediate values of a frequency run.
type FrequencyStatistics struct {
	Ones        int     `json:"ones"`
	PartialSum  int     `json:"partial_sum"`
	Observed    float64 `json:"s_obs"`
	PValue      float64 `json:"p_value"`
	OnesRatio   float64 `json:"ones_ratio"`
	SampleCount int     `json:"n"`
}

// NewFrequency binds the first n bits of src.
func NewFrequency(src BitSource, n int, opts ...Option) (*Frequency, error) {
	cfg, err := buildOptions(frequencyOp, opts)
	if err != nil {
		return nil, err
	}
	bits, err := bindBits(frequencyOp, src, n)
	if err != nil {
		return nil, err
	}
	return &Frequency{bits: bits, n: n, significance: cfg.significance}, nil
}

// Name implements Test.
func (f *Frequency) Name() string {
	return "frequency"
}

// Describe implements Test.
func (f *Frequency) Describe() string {
	return fmt.Sprintf("Frequency (Monobit) Test (n=%d)", f.n)
}

// Run implements Test. The p-value is erfc(|S_n| / sqrt(2n)) where S_n is the
// sum of the bits mapped to +1 and -1.
func (f *Frequency) Run(collectDiagnostics bool) (Result, error) {
	ones := f.bits.Ones()
	sum := 2*ones - f.n
	observed := math.Abs(float64(sum)) / math.Sqrt(float64(f.n))

	p, err := specfunc.Erfc(observed / math.Sqrt2)
	if err != nil {
		return Result{}, wrapError(frequencyOp, ErrNumerical, err, "s_obs=%v", observed)
	}

	result := Result{
		Test:         f.Name(),
		Description:  f.Describe(),
		PValues:      []float64{p},
		Significance: f.significance,
	}
	if collectDiagnostics {
		stats := FrequencyStatistics{
			Ones:        ones,
			PartialSum:  sum,
			Observed:    observed,
			PValue:      p,
			OnesRatio:   float64(ones) / float64(f.n),
			SampleCount: f.n,
		}
		log.Printf("sts: %s ones=%d S=%d s_obs=%.6f p=%.6f", f.Name(), ones, sum, observed, p)
		result.Details = stats
	}
	return result, nil
}
