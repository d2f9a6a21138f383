// Package assess runs the configured test battery over byte samples, either
// submitted through the local HTTP API or delivered by the sample collector.
package assess

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"randomness-sts/internal/bitstream"
	"randomness-sts/internal/collector"
	"randomness-sts/internal/plan"
	"randomness-sts/internal/report"
	"randomness-sts/internal/sts"
)

// ErrPlan marks assessment requests whose plan cannot be built against the
// submitted bits, e.g. because the sample is too short.
var ErrPlan = errors.New("assess: plan cannot be built for sample")

// Assessor builds the plan against each sample and runs it as a battery.
// It is safe for concurrent use.
type Assessor struct {
	plan        *plan.Plan
	lib         sts.Library
	parallelism int
	diagnostics bool
	newID       func() string

	mu     sync.Mutex
	latest *report.Document
	count  uint64
}

// AssessorOption tunes an Assessor.
type AssessorOption func(*Assessor)

// WithParallelism bounds concurrently running tests per assessment.
func WithParallelism(n int) AssessorOption {
	return func(a *Assessor) {
		a.parallelism = n
	}
}

// WithDiagnostics attaches intermediate statistics to every result.
func WithDiagnostics(enabled bool) AssessorOption {
	return func(a *Assessor) {
		a.diagnostics = enabled
	}
}

// WithIDGenerator replaces the uuid-based assessment id generator.
func WithIDGenerator(fn func() string) AssessorOption {
	return func(a *Assessor) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewAssessor validates p and returns an Assessor. A nil lib selects the
// generated aperiodic template library.
func NewAssessor(p *plan.Plan, lib sts.Library, opts ...AssessorOption) (*Assessor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if lib == nil {
		lib = sts.DefaultLibrary()
	}
	a := &Assessor{
		plan:  p,
		lib:   lib,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Plan returns the plan every sample is assessed with.
func (a *Assessor) Plan() *plan.Plan {
	return a.plan
}

// Library returns the template library tests are built from.
func (a *Assessor) Library() sts.Library {
	return a.lib
}

// Assess runs the battery over data. Only plan construction fails the call;
// per-test failures are reported inside the document.
func (a *Assessor) Assess(ctx context.Context, source string, data []byte) (report.Document, error) {
	bits := bitstream.FromBytes(data)
	tests, err := plan.Build(a.plan, bits, a.lib)
	if err != nil {
		return report.Document{}, fmt.Errorf("%w: %w", ErrPlan, err)
	}

	opts := []sts.BatteryOption{
		sts.WithReportSignificance(a.plan.SignificanceLevel()),
		sts.WithInputBits(bits.Len()),
	}
	if a.parallelism > 0 {
		opts = append(opts, sts.WithParallelism(a.parallelism))
	}
	rep := sts.NewBattery(tests, opts...).Run(ctx, a.diagnostics)
	doc := report.New(a.newID(), source, bits.Len(), rep)

	a.mu.Lock()
	a.latest = &doc
	a.count++
	a.mu.Unlock()
	return doc, nil
}

// AssessSample implements collector.SampleSink.
func (a *Assessor) AssessSample(ctx context.Context, sample collector.Sample) error {
	source := fmt.Sprintf("sample-%d", sample.Sequence)
	doc, err := a.Assess(ctx, source, sample.Data)
	if err != nil {
		return err
	}
	s := doc.Summary
	log.Printf("assess: %s (%s, %d bytes) id=%s p-values=%d failures=%d errors=%d proportion_ok=%t",
		source, sample.Trigger, len(sample.Data), doc.ID, s.Count, s.Failures, s.Errors, s.ProportionOK)
	return doc.Report.Err()
}

// Latest returns the most recent assessment, if any.
func (a *Assessor) Latest() (report.Document, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest == nil {
		return report.Document{}, false
	}
	return *a.latest, true
}

// Count returns the number of completed assessments.
func (a *Assessor) Count() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
