package sts

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"randomness-sts/internal/metrics"
	"randomness-sts/internal/specfunc"
)

// uniformityBins is the number of equal-width p-value bins of the
// second-level uniformity check.
const uniformityBins = 10

// Battery runs a heterogeneous list of tests. A failing test is recorded in
// its Outcome and never prevents the others from running.
type Battery struct {
	tests        []Test
	parallelism  int
	significance float64
	bits         int
}

// BatteryOption configures a Battery.
type BatteryOption func(*Battery)

// WithParallelism bounds the number of tests running at once. Values below 1
// select runtime.NumCPU().
func WithParallelism(n int) BatteryOption {
	return func(b *Battery) {
		b.parallelism = n
	}
}

// WithReportSignificance sets the level used by Report.Summary for the
// pass proportion.
func WithReportSignificance(alpha float64) BatteryOption {
	return func(b *Battery) {
		b.significance = alpha
	}
}

// WithInputBits records the size of the input sequence for metrics.
func WithInputBits(n int) BatteryOption {
	return func(b *Battery) {
		b.bits = n
	}
}

// NewBattery returns a battery over tests.
func NewBattery(tests []Test, opts ...BatteryOption) *Battery {
	b := &Battery{
		tests:        append([]Test(nil), tests...),
		significance: DefaultSignificance,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.parallelism < 1 {
		b.parallelism = runtime.NumCPU()
	}
	if !(b.significance > 0 && b.significance < 1) {
		b.significance = DefaultSignificance
	}
	return b
}

// Add appends a test.
func (b *Battery) Add(t Test) {
	b.tests = append(b.tests, t)
}

// Len is the number of tests.
func (b *Battery) Len() int {
	return len(b.tests)
}

// Outcome is the result of one test within a battery run. Exactly one of
// Result and Err is set.
type Outcome struct {
	Test        string        `json:"test"`
	Description string        `json:"description"`
	Result      *Result       `json:"result,omitempty"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// Report collects the outcomes of a battery run in input order.
type Report struct {
	Outcomes     []Outcome     `json:"outcomes"`
	Significance float64       `json:"significance"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration_ns"`
}

// Run executes every test and waits for all of them. Tests that have not
// started when ctx is done are reported with ctx.Err().
func (b *Battery) Run(ctx context.Context, collectDiagnostics bool) Report {
	started := time.Now()
	report := Report{
		Outcomes:     make([]Outcome, len(b.tests)),
		Significance: b.significance,
		Started:      started,
	}

	var g errgroup.Group
	g.SetLimit(b.parallelism)

	for i, t := range b.tests {
		report.Outcomes[i] = Outcome{Test: testName(t), Description: testDescription(t)}
		if err := ctx.Err(); err != nil {
			report.Outcomes[i].setErr(err)
			continue
		}
		g.Go(func() error {
			out := &report.Outcomes[i]
			if err := ctx.Err(); err != nil {
				out.setErr(err)
				return nil
			}
			runOne(t, out, collectDiagnostics)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	metrics.RecordBatteryRun(b.bits, report.Duration)
	for _, out := range report.Outcomes {
		if out.Err != nil {
			metrics.RecordTestError(out.Test, out.ErrorKind)
		}
	}
	log.Printf("battery: ran %d tests in %s", len(b.tests), report.Duration)
	return report
}

func runOne(t Test, out *Outcome, collectDiagnostics bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Result = nil
			out.setErr(fmt.Errorf("battery: test %s panicked: %v", out.Test, r))
		}
		out.Duration = time.Since(start)
	}()

	if t == nil {
		out.setErr(newError("battery", ErrInvalidParameter, "nil test"))
		return
	}

	result, err := t.Run(collectDiagnostics)
	if err != nil {
		out.setErr(err)
		log.Printf("battery: %s failed: %v", out.Test, err)
		return
	}
	out.Result = &result
	metrics.RecordTestRun(result.Test, time.Since(start), result.PValues, result.Failures())
}

func (o *Outcome) setErr(err error) {
	o.Err = err
	o.Error = err.Error()
	o.ErrorKind = ErrorKind(err)
}

func testName(t Test) string {
	if t == nil {
		return "unknown"
	}
	return t.Name()
}

func testDescription(t Test) string {
	if t == nil {
		return ""
	}
	return t.Describe()
}

// Err aggregates the per-test errors, or returns nil when every test
// produced a result.
func (r Report) Err() error {
	var result *multierror.Error
	for _, out := range r.Outcomes {
		if out.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", out.Test, out.Err))
		}
	}
	return result.ErrorOrNil()
}

// PValues returns every p-value of the report in outcome order.
func (r Report) PValues() []float64 {
	var out []float64
	for _, o := range r.Outcomes {
		if o.Result != nil {
			out = append(out, o.Result.PValues...)
		}
	}
	return out
}

// Summary describes the p-values of a report. The pass proportion must not
// fall below (1-alpha) - 3 sqrt(alpha(1-alpha)/count); Uniformity
// is the chi-square p-value of the p-value histogram over ten bins and is only
// computed for at least ten p-values.
type Summary struct {
	Tests          int      `json:"tests"`
	Errors         int      `json:"errors"`
	Count          int      `json:"p_value_count"`
	Failures       int      `json:"failures"`
	Mean           float64  `json:"mean"`
	Median         float64  `json:"median"`
	Min            float64  `json:"min"`
	Max            float64  `json:"max"`
	StdDev         float64  `json:"std_dev"`
	Proportion     float64  `json:"proportion"`
	ProportionLow  float64  `json:"proportion_low"`
	ProportionHigh float64  `json:"proportion_high"`
	ProportionOK   bool     `json:"proportion_ok"`
	Histogram      []int    `json:"histogram,omitempty"`
	Uniformity     *float64 `json:"uniformity,omitempty"`
}

// Summary computes the report summary.
func (r Report) Summary() (Summary, error) {
	s := Summary{Tests: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		if o.Err != nil {
			s.Errors++
		}
	}

	pValues := r.PValues()
	s.Count = len(pValues)
	if s.Count == 0 {
		return s, nil
	}

	alpha := r.Significance
	if !(alpha > 0 && alpha < 1) {
		alpha = DefaultSignificance
	}
	for _, p := range pValues {
		if p < alpha {
			s.Failures++
		}
	}

	data := stats.Float64Data(pValues)
	var err error
	if s.Mean, err = data.Mean(); err != nil {
		return s, summaryError(err)
	}
	if s.Median, err = data.Median(); err != nil {
		return s, summaryError(err)
	}
	if s.Min, err = data.Min(); err != nil {
		return s, summaryError(err)
	}
	if s.Max, err = data.Max(); err != nil {
		return s, summaryError(err)
	}
	if s.StdDev, err = data.StandardDeviation(); err != nil {
		return s, summaryError(err)
	}

	count := float64(s.Count)
	passRate := 1 - alpha
	margin := 3 * math.Sqrt(alpha*passRate/count)
	s.Proportion = float64(s.Count-s.Failures) / count
	s.ProportionLow = passRate - margin
	s.ProportionHigh = passRate + margin
	s.ProportionOK = s.Proportion >= s.ProportionLow

	s.Histogram = histogram(pValues)
	if s.Count >= uniformityBins {
		u, err := uniformity(s.Histogram, s.Count)
		if err != nil {
			return s, err
		}
		s.Uniformity = &u
	}
	return s, nil
}

func summaryError(err error) error {
	return wrapError("summary", ErrNumerical, err, "describe p-values")
}

func histogram(pValues []float64) []int {
	bins := make([]int, uniformityBins)
	for _, p := range pValues {
		i := int(p * uniformityBins)
		if i >= uniformityBins {
			i = uniformityBins - 1
		}
		if i < 0 {
			i = 0
		}
		bins[i]++
	}
	return bins
}

func uniformity(bins []int, count int) (float64, error) {
	expected := float64(count) / float64(len(bins))
	chi2 := 0.0
	for _, f := range bins {
		d := float64(f) - expected
		chi2 += d * d / expected
	}
	p, err := specfunc.GammaQ(float64(len(bins)-1)/2, chi2/2)
	if err != nil {
		return 0, wrapError("summary", ErrNumerical, err, "uniformity chi2=%v", chi2)
	}
	return p, nil
}
