package sts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"randomness-sts/internal/bitstream"
)

type stubTest struct {
	name    string
	pValues []float64
	err     error
	panics  bool
	delay   time.Duration
	active  *atomic.Int32
	peak    *atomic.Int32
}

func (s *stubTest) Name() string     { return s.name }
func (s *stubTest) Describe() string { return "stub " + s.name }

func (s *stubTest) Run(bool) (Result, error) {
	if s.active != nil {
		n := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			peak := s.peak.Load()
			if n <= peak || s.peak.CompareAndSwap(peak, n) {
				break
			}
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.panics {
		panic("scratch buffer overrun")
	}
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Test: s.name, PValues: s.pValues, Significance: DefaultSignificance}, nil
}

func TestBatteryRunsHeterogeneousTests(t *testing.T) {
	t.Parallel()

	bits := bitstream.MustParse(nistTemplateExample)
	template, err := NewNonOverlappingTemplate(bits, "001", 20, WithBlockCount(2))
	require.NoError(t, err)
	frequency, err := NewFrequency(bits, 20)
	require.NoError(t, err)
	runs, err := NewRuns(bits, 20)
	require.NoError(t, err)

	battery := NewBattery([]Test{template, frequency, runs}, WithInputBits(bits.Len()))
	require.Equal(t, 3, battery.Len())

	report := battery.Run(context.Background(), false)
	require.NoError(t, report.Err())
	require.Len(t, report.Outcomes, 3)

	assert.Equal(t, "non_overlapping_template", report.Outcomes[0].Test)
	assert.Equal(t, "frequency", report.Outcomes[1].Test)
	assert.Equal(t, "runs", report.Outcomes[2].Test)
	assert.InDelta(t, 0.344154, report.Outcomes[0].Result.PValues[0], 1e-6)
	assert.Len(t, report.PValues(), 3)
}

func TestBatteryIsolatesFailures(t *testing.T) {
	t.Parallel()

	boom := newError("stub", ErrInsufficientData, "not enough")
	battery := NewBattery([]Test{
		&stubTest{name: "first", pValues: []float64{0.5}},
		&stubTest{name: "broken", err: boom},
		&stubTest{name: "panics", panics: true},
		nil,
		&stubTest{name: "last", pValues: []float64{0.2, 0.3}},
	})

	report := battery.Run(context.Background(), false)
	require.Len(t, report.Outcomes, 5)

	assert.NotNil(t, report.Outcomes[0].Result)
	assert.NoError(t, report.Outcomes[0].Err)

	assert.Nil(t, report.Outcomes[1].Result)
	assert.ErrorIs(t, report.Outcomes[1].Err, ErrInsufficientData)
	assert.Equal(t, "insufficient_data", report.Outcomes[1].ErrorKind)

	assert.Nil(t, report.Outcomes[2].Result)
	assert.Contains(t, report.Outcomes[2].Error, "panicked")
	assert.Equal(t, "internal", report.Outcomes[2].ErrorKind)

	assert.Equal(t, "unknown", report.Outcomes[3].Test)
	assert.ErrorIs(t, report.Outcomes[3].Err, ErrInvalidParameter)

	assert.Equal(t, []float64{0.2, 0.3}, report.Outcomes[4].Result.PValues)

	err := report.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Contains(t, err.Error(), "3 errors occurred")
	assert.Equal(t, []float64{0.5, 0.2, 0.3}, report.PValues())
}

func TestBatteryHonorsParallelism(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	tests := make([]Test, 8)
	for i := range tests {
		tests[i] = &stubTest{name: "slow", pValues: []float64{0.5}, delay: 10 * time.Millisecond, active: &active, peak: &peak}
	}

	report := NewBattery(tests, WithParallelism(2)).Run(context.Background(), false)
	require.NoError(t, report.Err())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestBatteryCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewBattery([]Test{
		&stubTest{name: "a", pValues: []float64{0.5}},
		&stubTest{name: "b", pValues: []float64{0.5}},
	}).Run(ctx, false)

	for _, out := range report.Outcomes {
		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Equal(t, "canceled", out.ErrorKind)
		assert.Nil(t, out.Result)
	}
	assert.True(t, errors.Is(report.Err(), context.Canceled))
}

func TestReportSummary(t *testing.T) {
	t.Parallel()

	pValues := []float64{0.05, 0.15, 0.25, 0.35, 0.45, 0.55, 0.65, 0.75, 0.85, 0.95}
	report := Report{
		Significance: DefaultSignificance,
		Outcomes: []Outcome{
			{Test: "stub", Result: &Result{PValues: pValues[:5], Significance: DefaultSignificance}},
			{Test: "stub", Result: &Result{PValues: pValues[5:], Significance: DefaultSignificance}},
			{Test: "broken", Err: ErrNumerical},
		},
	}

	s, err := report.Summary()
	require.NoError(t, err)
	assert.Equal(t, 3, s.Tests)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 10, s.Count)
	assert.Equal(t, 0, s.Failures)
	assert.InDelta(t, 0.5, s.Mean, 1e-12)
	assert.InDelta(t, 0.5, s.Median, 1e-12)
	assert.InDelta(t, 0.05, s.Min, 1e-12)
	assert.InDelta(t, 0.95, s.Max, 1e-12)
	assert.Equal(t, 1.0, s.Proportion)
	assert.True(t, s.ProportionOK)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, s.Histogram)
	require.NotNil(t, s.Uniformity)
	assert.InDelta(t, 1.0, *s.Uniformity, 1e-12)
}

func TestReportSummaryProportionAndSkew(t *testing.T) {
	t.Parallel()

	pValues := make([]float64, 20)
	for i := range pValues {
		pValues[i] = 0.001
	}
	pValues[0] = 1

	s, err := Report{
		Significance: DefaultSignificance,
		Outcomes:     []Outcome{{Result: &Result{PValues: pValues}}},
	}.Summary()
	require.NoError(t, err)
	assert.Equal(t, 19, s.Failures)
	assert.False(t, s.ProportionOK)
	assert.Equal(t, 19, s.Histogram[0])
	assert.Equal(t, 1, s.Histogram[9])
	require.NotNil(t, s.Uniformity)
	assert.Less(t, *s.Uniformity, 1e-6)
}

func TestReportSummaryWithoutPValues(t *testing.T) {
	t.Parallel()

	s, err := Report{Outcomes: []Outcome{{Err: ErrInvalidParameter}}}.Summary()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Count)
	assert.Equal(t, 1, s.Errors)
	assert.Nil(t, s.Uniformity)

	few, err := Report{Outcomes: []Outcome{{Result: &Result{PValues: []float64{0.4, 0.6}}}}}.Summary()
	require.NoError(t, err)
	assert.Nil(t, few.Uniformity)
	assert.InDelta(t, 0.5, few.Mean, 1e-12)
}
