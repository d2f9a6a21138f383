// Package report renders battery reports as a text table in the layout of
// the NIST final analysis report, or as JSON.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"randomness-sts/internal/sts"
)

// Format selects a rendering.
type Format string

// Supported formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("report: unknown format %q (want text or json)", s)
	}
}

// Document is a rendered unit: a battery report plus its summary and the
// identity of the assessed input.
type Document struct {
	ID           string      `json:"id,omitempty"`
	Source       string      `json:"source,omitempty"`
	Bits         int         `json:"bits"`
	Report       sts.Report  `json:"report"`
	Summary      sts.Summary `json:"summary"`
	SummaryError string      `json:"summary_error,omitempty"`
}

// New assembles a document and computes the report summary. A summary
// failure is recorded in the document rather than returned.
func New(id, source string, bits int, r sts.Report) Document {
	doc := Document{ID: id, Source: source, Bits: bits, Report: r}
	summary, err := r.Summary()
	doc.Summary = summary
	if err != nil {
		doc.SummaryError = err.Error()
	}
	return doc
}

// Write renders doc to w in the requested format.
func Write(w io.Writer, format Format, doc Document) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, doc)
	case FormatText, "":
		return WriteText(w, doc)
	default:
		return fmt.Errorf("report: unknown format %q", format)
	}
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

// WriteText writes the per-test p-value histogram (C1..C10), the uniformity
// p-value, the pass proportion and the test description, followed by the
// battery summary and any test errors. Rows whose proportion falls below the
// acceptable minimum are flagged with '*'.
func WriteText(w io.Writer, doc Document) error {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "RESULTS FOR THE UNIFORMITY OF P-VALUES AND THE PROPORTION OF PASSING SEQUENCES")
	header := fmt.Sprintf("bits: %d  significance: %s", doc.Bits, formatFloat(doc.Report.Significance))
	if doc.Source != "" {
		header = "source: " + doc.Source + "  " + header
	}
	if doc.ID != "" {
		header = "id: " + doc.ID + "  " + header
	}
	fmt.Fprintln(&buf, header)
	fmt.Fprintln(&buf)

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"C1", "C2", "C3", "C4", "C5", "C6", "C7", "C8", "C9", "C10", "P-VALUE", "PROPORTION", "STATISTICAL TEST"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	var errs []sts.Outcome
	for _, o := range doc.Report.Outcomes {
		if o.Result == nil {
			errs = append(errs, o)
			continue
		}
		table.Append(outcomeRow(o, doc.Report.Significance))
	}
	table.Render()

	s := doc.Summary
	fmt.Fprintln(&buf)
	fmt.Fprintf(&buf, "tests: %d  errors: %d  p-values: %d  failures: %d\n", s.Tests, s.Errors, s.Count, s.Failures)
	if s.Count > 0 {
		fmt.Fprintf(&buf, "mean: %.6f  median: %.6f  min: %.6f  max: %.6f  stddev: %.6f\n", s.Mean, s.Median, s.Min, s.Max, s.StdDev)
		fmt.Fprintf(&buf, "proportion: %.4f  acceptable range: [%.4f, %.4f]\n", s.Proportion, s.ProportionLow, s.ProportionHigh)
	}
	if s.Uniformity != nil {
		fmt.Fprintf(&buf, "uniformity p-value: %.6f\n", *s.Uniformity)
	}
	if doc.SummaryError != "" {
		fmt.Fprintf(&buf, "summary error: %s\n", doc.SummaryError)
	}
	if doc.Report.Duration > 0 {
		fmt.Fprintf(&buf, "elapsed: %s\n", doc.Report.Duration.Round(time.Microsecond))
	}

	for _, o := range errs {
		fmt.Fprintf(&buf, "ERROR %s [%s]: %s\n", o.Test, o.ErrorKind, o.Error)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("report: write text: %w", err)
	}
	return nil
}

func outcomeRow(o sts.Outcome, significance float64) []string {
	single := sts.Report{Outcomes: []sts.Outcome{o}, Significance: significance}
	s, err := single.Summary()

	row := make([]string, 0, 13)
	for i := 0; i < 10; i++ {
		count := 0
		if i < len(s.Histogram) {
			count = s.Histogram[i]
		}
		row = append(row, strconv.Itoa(count))
	}

	uniformity := "----"
	if err == nil && s.Uniformity != nil {
		uniformity = fmt.Sprintf("%.6f", *s.Uniformity)
	}
	proportion := fmt.Sprintf("%d/%d", s.Count-s.Failures, s.Count)
	if err == nil && s.Count > 0 && !s.ProportionOK {
		proportion += " *"
	}

	description := o.Description
	if description == "" {
		description = o.Test
	}
	return append(row, uniformity, proportion, description)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
