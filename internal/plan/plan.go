// Package plan describes a test battery declaratively and builds it against a
// bit sequence. Plans are YAML documents:
//
//	significance: 0.01
//	tests:
//	  - name: non_overlapping_template
//	    template_length: 9
//	    all_templates: true
//	  - name: frequency
//	  - name: runs
//	    bits: 100000
//
// Structural checks run here; parameter semantics are left to the test
// constructors so both paths report the same errors.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"randomness-sts/internal/config"
	"randomness-sts/internal/sts"
)

// Test names understood by Build.
const (
	NonOverlappingTemplate = "non_overlapping_template"
	Frequency              = "frequency"
	Runs                   = "runs"
)

// ErrInvalidPlan is returned when a plan fails structural validation or names
// a test that cannot be built.
var ErrInvalidPlan = errors.New("plan: invalid plan")

// planValidate is the validator instance for plan documents.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
	_ = planValidate.RegisterValidation("binarydigits", validateBinaryDigits)
}

// validateBinaryDigits accepts strings made only of '0' and '1'.
func validateBinaryDigits(fl validator.FieldLevel) bool {
	return strings.Trim(fl.Field().String(), "01") == ""
}

// Plan is a declarative battery.
type Plan struct {
	Significance  float64    `json:"significance" yaml:"significance" validate:"gte=0,lt=1"`
	BlockSizeBits int        `json:"block_size_bits,omitempty" yaml:"block_size_bits" validate:"gte=0"`
	Tests         []TestSpec `json:"tests" yaml:"tests" validate:"required,min=1,dive"`
}

// TestSpec configures one test. Bits 0 means every available bit; zero
// values elsewhere select the test's defaults.
type TestSpec struct {
	Name           string `json:"name" yaml:"name" validate:"required,oneof=non_overlapping_template frequency runs"`
	Bits           int    `json:"bits,omitempty" yaml:"bits" validate:"gte=0"`
	Template       string `json:"template,omitempty" yaml:"template" validate:"omitempty,binarydigits"`
	TemplateLength int    `json:"template_length,omitempty" yaml:"template_length" validate:"gte=0"`
	TemplateIndex  int    `json:"template_index,omitempty" yaml:"template_index" validate:"gte=0"`
	AllTemplates   bool   `json:"all_templates,omitempty" yaml:"all_templates"`
	BlockCount     int    `json:"block_count,omitempty" yaml:"block_count" validate:"gte=0"`
}

// Parse decodes and validates a YAML plan. Unknown keys are rejected.
func Parse(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads the plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	p, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks the plan's structure.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	err := planValidate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fe.Namespace() + " fails " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(msgs, "; "))
}

// Build constructs the plan's tests bound to src. Any construction error
// aborts the build and names the offending entry.
func Build(p *Plan, src sts.BitSource, lib sts.Library) ([]sts.Test, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil bit source", ErrInvalidPlan)
	}
	if lib == nil {
		lib = sts.DefaultLibrary()
	}

	available := src.Bits().Len()
	tests := make([]sts.Test, 0, len(p.Tests))
	for i, spec := range p.Tests {
		test, err := buildTest(spec, src, available, lib, p.SignificanceLevel())
		if err != nil {
			return nil, fmt.Errorf("plan: tests[%d] (%s): %w", i, spec.Name, err)
		}
		tests = append(tests, test)
	}
	return tests, nil
}

// SignificanceLevel is the level tests and the report summary are judged
// at, defaulting to sts.DefaultSignificance.
func (p *Plan) SignificanceLevel() float64 {
	if p.Significance == 0 {
		return sts.DefaultSignificance
	}
	return p.Significance
}

func buildTest(spec TestSpec, src sts.BitSource, available int, lib sts.Library, alpha float64) (sts.Test, error) {
	n := spec.Bits
	if n == 0 {
		n = available
	}
	opts := []sts.Option{sts.WithSignificance(alpha)}

	switch spec.Name {
	case Frequency:
		return sts.NewFrequency(src, n, opts...)
	case Runs:
		return sts.NewRuns(src, n, opts...)
	case NonOverlappingTemplate:
		if spec.BlockCount > 0 {
			opts = append(opts, sts.WithBlockCount(spec.BlockCount))
		}
		if spec.Template != "" {
			return sts.NewNonOverlappingTemplate(src, spec.Template, n, opts...)
		}
		if spec.TemplateLength == 0 {
			return nil, fmt.Errorf("%w: template or template_length is required", sts.ErrInvalidParameter)
		}
		opts = append(opts, sts.WithTemplateIndex(spec.TemplateIndex))
		if spec.AllTemplates {
			opts = append(opts, sts.WithAllTemplates())
		}
		return sts.NewNonOverlappingTemplateByLength(src, spec.TemplateLength, n, lib, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown test %q", ErrInvalidPlan, spec.Name)
	}
}

// Default derives the plan used when no plan file is configured: the
// configured template test followed by frequency and runs over the same
// bits.
func Default(cfg config.Battery) *Plan {
	template := TestSpec{
		Name:          NonOverlappingTemplate,
		Bits:          cfg.Bits,
		TemplateIndex: cfg.TemplateIndex,
		AllTemplates:  cfg.AllTemplates,
		BlockCount:    cfg.BlockCount,
	}
	if cfg.Template != "" {
		template.Template = cfg.Template
	} else {
		template.TemplateLength = cfg.TemplateLength
	}

	return &Plan{
		Significance:  cfg.Significance,
		BlockSizeBits: cfg.BlockSizeBits,
		Tests: []TestSpec{
			template,
			{Name: Frequency, Bits: cfg.Bits},
			{Name: Runs, Bits: cfg.Bits},
		},
	}
}

// FromConfig returns the plan named by cfg.PlanFile, or Default(cfg) when no
// file is configured.
func FromConfig(cfg config.Battery) (*Plan, error) {
	if cfg.PlanFile == "" {
		return Default(cfg), nil
	}
	return Load(cfg.PlanFile)
}
