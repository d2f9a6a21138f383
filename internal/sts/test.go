// Package sts implements statistical tests for randomness modelled on the
// NIST SP 800-22 suite. Every test satisfies the Test interface, so a caller
// can hold a heterogeneous list of tests and run them uniformly, either one by
// one or through a Battery.
//
// Tests bind a read-only view of the bit sequence at construction time and
// validate their parameters there; Run only computes. A test instance owns its
// scratch state for the duration of a Run call and never mutates the bits, so
// distinct instances may run concurrently over views of the same sequence.
package sts

import (
	"randomness-sts/internal/bitstream"
)

// DefaultSignificance is the advisory 1% level used to classify a p-value as
// a failure.
const DefaultSignificance = 0.01

// BitSource supplies the bits a test is bound to. Both *bitstream.Source and
// bitstream.Bits satisfy it.
type BitSource interface {
	Bits() bitstream.Bits
}

// Test is the contract shared by every statistical test.
type Test interface {
	// Name is a stable machine-readable identifier, e.g. "frequency".
	Name() string
	// Describe identifies the test and its effective parameters for reports.
	Describe() string
	// Run computes one p-value per sub-statistic. When collectDiagnostics is
	// true the intermediate statistics are logged and attached to
	// Result.Details.
	Run(collectDiagnostics bool) (Result, error)
}

// Result is the output of a single test run.
type Result struct {
	Test         string    `json:"test"`
	Description  string    `json:"description"`
	PValues      []float64 `json:"p_values"`
	Significance float64   `json:"significance"`
	Details      any       `json:"details,omitempty"`
}

// Failures counts the p-values below the significance level.
func (r Result) Failures() int {
	failures := 0
	for _, p := range r.PValues {
		if p < r.Significance {
			failures++
		}
	}
	return failures
}

// Passed reports whether every p-value reaches the significance level. The
// decision is advisory; the p-values are the result.
func (r Result) Passed() bool {
	return len(r.PValues) > 0 && r.Failures() == 0
}

// Option tunes a test at construction time. Options that do not apply to a
// given test are ignored by it.
type Option func(*options)

type options struct {
	significance  float64
	blockCount    int
	templateIndex int
	allTemplates  bool
}

// WithSignificance sets the advisory significance level, 0 < alpha < 1.
func WithSignificance(alpha float64) Option {
	return func(o *options) {
		o.significance = alpha
	}
}

// WithBlockCount sets the number of blocks N the sequence is partitioned into
// for block-based tests.
func WithBlockCount(blocks int) Option {
	return func(o *options) {
		o.blockCount = blocks
	}
}

// WithTemplateIndex selects the i-th library template when a template test is
// constructed by length.
func WithTemplateIndex(i int) Option {
	return func(o *options) {
		o.templateIndex = i
	}
}

// WithAllTemplates makes a template test constructed by length evaluate every
// library template of that length, yielding one p-value per template.
func WithAllTemplates() Option {
	return func(o *options) {
		o.allTemplates = true
	}
}

func buildOptions(op string, opts []Option) (options, error) {
	o := options{
		significance: DefaultSignificance,
		blockCount:   DefaultBlockCount,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if !(o.significance > 0 && o.significance < 1) {
		return o, newError(op, ErrInvalidParameter, "significance must be in (0, 1), got %v", o.significance)
	}
	if o.blockCount < 1 {
		return o, newError(op, ErrInvalidParameter, "block count must be at least 1, got %d", o.blockCount)
	}
	if o.templateIndex < 0 {
		return o, newError(op, ErrInvalidParameter, "template index must be non-negative, got %d", o.templateIndex)
	}
	return o, nil
}

// bindBits validates n against the source and returns the first n bits.
func bindBits(op string, src BitSource, n int) (bitstream.Bits, error) {
	if src == nil {
		return bitstream.Bits{}, newError(op, ErrInvalidParameter, "bit source is nil")
	}
	if n <= 0 {
		return bitstream.Bits{}, newError(op, ErrInvalidParameter, "n must be positive, got %d", n)
	}
	available := src.Bits()
	if n > available.Len() {
		return bitstream.Bits{}, newError(op, ErrInsufficientData, "n=%d exceeds the %d available bits", n, available.Len())
	}
	return available.Prefix(n), nil
}
