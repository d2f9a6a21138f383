package sts

import (
	"fmt"
	"log"
	"math"

	"randomness-sts/internal/bitstream"
	"randomness-sts/internal/specfunc"
)

// DefaultBlockCount is the number of blocks N the non-overlapping template
// test partitions its input into.
const DefaultBlockCount = 8

const nonOverlappingOp = "non-overlapping template"

// NonOverlappingTemplate detects too many or too few occurrences of an
// aperiodic m-bit pattern. The first n bits are split into N blocks of
// M = n/N bits (trailing bits are dropped) and each block is scanned with an
// m-bit window that slides by one bit on a miss and jumps past the whole
// window on a hit. The per-block counts are compared to their expectation
// under randomness with a chi-square statistic on N degrees of freedom.
type NonOverlappingTemplate struct {
	bits         bitstream.Bits
	n            int
	m            int
	blockCount   int
	blockLength  int
	mean         float64
	variance     float64
	templates    []Template
	significance float64
	byLength     bool
}

// TemplateStatistics holds the intermediate values for one template.
type TemplateStatistics struct {
	Template    Template `json:"template"`
	BlockCount  int      `json:"block_count"`
	BlockLength int      `json:"block_length"`
	Mean        float64  `json:"mean"`
	Variance    float64  `json:"variance"`
	Counts      []int    `json:"counts"`
	ChiSquare   float64  `json:"chi_square"`
	PValue      float64  `json:"p_value"`
}

// NewNonOverlappingTemplate binds the first n bits of src and a literal
// template such as "000000001".
func NewNonOverlappingTemplate(src BitSource, template string, n int, opts ...Option) (*NonOverlappingTemplate, error) {
	cfg, err := buildOptions(nonOverlappingOp, opts)
	if err != nil {
		return nil, err
	}
	tmpl, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}
	return newNonOverlappingTemplate(src, []Template{tmpl}, n, cfg, false)
}

// NewNonOverlappingTemplateByLength binds the first n bits of src and the
// library template(s) of length m. By default the first template is used;
// see WithTemplateIndex and WithAllTemplates. A nil lib selects
// DefaultLibrary.
func NewNonOverlappingTemplateByLength(src BitSource, m int, n int, lib Library, opts ...Option) (*NonOverlappingTemplate, error) {
	cfg, err := buildOptions(nonOverlappingOp, opts)
	if err != nil {
		return nil, err
	}
	if m < 1 || m > MaxTemplateLength {
		return nil, newError(nonOverlappingOp, ErrInvalidParameter, "m must be between 1 and %d, got %d", MaxTemplateLength, m)
	}
	if lib == nil {
		lib = DefaultLibrary()
	}

	templates, err := lib.Templates(m)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, newError(nonOverlappingOp, ErrInvalidParameter, "library has no templates of length %d", m)
	}
	if !cfg.allTemplates {
		if cfg.templateIndex >= len(templates) {
			return nil, newError(nonOverlappingOp, ErrInvalidParameter, "template index %d out of range, %d templates of length %d", cfg.templateIndex, len(templates), m)
		}
		templates = templates[cfg.templateIndex : cfg.templateIndex+1]
	}
	return newNonOverlappingTemplate(src, templates, n, cfg, true)
}

func newNonOverlappingTemplate(src BitSource, templates []Template, n int, cfg options, byLength bool) (*NonOverlappingTemplate, error) {
	bits, err := bindBits(nonOverlappingOp, src, n)
	if err != nil {
		return nil, err
	}

	m := templates[0].Len()
	for _, t := range templates[1:] {
		if t.Len() != m {
			return nil, newError(nonOverlappingOp, ErrInvalidParameter, "templates of mixed lengths %d and %d", m, t.Len())
		}
	}

	blockLength := n / cfg.blockCount
	if blockLength == 0 {
		return nil, newError(nonOverlappingOp, ErrInvalidParameter, "n=%d leaves no bits per block for N=%d", n, cfg.blockCount)
	}

	return &NonOverlappingTemplate{
		bits:         bits,
		n:            n,
		m:            m,
		blockCount:   cfg.blockCount,
		blockLength:  blockLength,
		mean:         templateMean(blockLength, m),
		variance:     templateVariance(blockLength, m),
		templates:    templates,
		significance: cfg.significance,
		byLength:     byLength,
	}, nil
}

// templateMean is the expected number of non-overlapping matches per block,
// (M - m + 1) / 2^m. It goes negative for M < m; the scan still counts 0.
func templateMean(blockLength, m int) float64 {
	return float64(blockLength-m+1) / math.Exp2(float64(m))
}

// templateVariance is M * (1/2^m - (2m-1)/2^(2m)), positive for M >= 1.
func templateVariance(blockLength, m int) float64 {
	fm := float64(m)
	return float64(blockLength) * (1/math.Exp2(fm) - (2*fm-1)/math.Exp2(2*fm))
}

// Name implements Test.
func (t *NonOverlappingTemplate) Name() string {
	return "non_overlapping_template"
}

// Describe implements Test.
func (t *NonOverlappingTemplate) Describe() string {
	templates := t.templates[0].String()
	if len(t.templates) > 1 {
		templates = fmt.Sprintf("all %d", len(t.templates))
	}
	return fmt.Sprintf("Non-overlapping Template Matching Test (n=%d, m=%d, N=%d, M=%d, templates=%s)",
		t.n, t.m, t.blockCount, t.blockLength, templates)
}

// BlockCount is N.
func (t *NonOverlappingTemplate) BlockCount() int { return t.blockCount }

// BlockLength is M = n / N.
func (t *NonOverlappingTemplate) BlockLength() int { return t.blockLength }

// Mean is the expected per-block match count.
func (t *NonOverlappingTemplate) Mean() float64 { return t.mean }

// Variance is the per-block match count variance.
func (t *NonOverlappingTemplate) Variance() float64 { return t.variance }

// Templates returns the templates evaluated by Run, in order.
func (t *NonOverlappingTemplate) Templates() []Template {
	return append([]Template(nil), t.templates...)
}

// Run implements Test. It returns one p-value per template.
func (t *NonOverlappingTemplate) Run(collectDiagnostics bool) (Result, error) {
	result := Result{
		Test:         t.Name(),
		Description:  t.Describe(),
		PValues:      make([]float64, 0, len(t.templates)),
		Significance: t.significance,
	}

	var details []TemplateStatistics
	for _, tmpl := range t.templates {
		stats, err := t.evaluate(tmpl)
		if err != nil {
			return Result{}, err
		}
		result.PValues = append(result.PValues, stats.PValue)
		if collectDiagnostics {
			log.Printf("sts: %s template=%s W=%v mu=%.6f sigma2=%.6f chi2=%.6f p=%.6f",
				t.Name(), tmpl, stats.Counts, stats.Mean, stats.Variance, stats.ChiSquare, stats.PValue)
			details = append(details, stats)
		}
	}

	if collectDiagnostics {
		result.Details = details
	}
	return result, nil
}

// Statistics evaluates a single template without the Result wrapper.
func (t *NonOverlappingTemplate) Statistics(tmpl Template) (TemplateStatistics, error) {
	if tmpl.Len() != t.m {
		return TemplateStatistics{}, newError(nonOverlappingOp, ErrInvalidParameter, "template length %d, test bound to m=%d", tmpl.Len(), t.m)
	}
	return t.evaluate(tmpl)
}

func (t *NonOverlappingTemplate) evaluate(tmpl Template) (TemplateStatistics, error) {
	counts := make([]int, t.blockCount)
	chi2 := 0.0
	for i := range counts {
		block := t.bits.Slice(i*t.blockLength, (i+1)*t.blockLength)
		counts[i] = scanNonOverlapping(block, tmpl, nil)
		d := float64(counts[i]) - t.mean
		chi2 += d * d / t.variance
	}

	p, err := specfunc.GammaQ(float64(t.blockCount)/2, chi2/2)
	if err != nil {
		return TemplateStatistics{}, wrapError(nonOverlappingOp, ErrNumerical, err, "template %s chi2=%v", tmpl, chi2)
	}

	return TemplateStatistics{
		Template:    tmpl,
		BlockCount:  t.blockCount,
		BlockLength: t.blockLength,
		Mean:        t.mean,
		Variance:    t.variance,
		Counts:      counts,
		ChiSquare:   chi2,
		PValue:      p,
	}, nil
}

// MatchPositions returns the start offsets of the non-overlapping matches of
// tmpl in block, in increasing order.
func MatchPositions(block bitstream.Bits, tmpl Template) []int {
	positions := []int{}
	scanNonOverlapping(block, tmpl, &positions)
	return positions
}

// scanNonOverlapping counts matches of tmpl in block. The window holds the
// last m bits read; filled counts how many of them belong to the current
// search, so resetting it after a hit makes the next candidate start right
// after the matched window.
func scanNonOverlapping(block bitstream.Bits, tmpl Template, positions *[]int) int {
	m := tmpl.Len()
	if block.Len() < m {
		return 0
	}

	mask := uint32(1)<<uint(m) - 1
	var window uint32
	filled := 0
	count := 0
	for i := 0; i < block.Len(); i++ {
		window = (window<<1 | uint32(block.At(i))) & mask
		filled++
		if filled >= m && window == tmpl.pattern {
			count++
			if positions != nil {
				*positions = append(*positions, i-m+1)
			}
			filled = 0
		}
	}
	return count
}
