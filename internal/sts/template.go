package sts

import (
	"strings"
)

// MaxTemplateLength is the longest template the matching tests accept.
const MaxTemplateLength = 21

// Template is an immutable pattern of 1 to MaxTemplateLength bits. The first
// digit of the pattern is held in the most significant of the length bits.
type Template struct {
	pattern uint32
	length  int
}

// NewTemplate builds a template of length m from the low m bits of pattern.
func NewTemplate(pattern uint32, m int) (Template, error) {
	const op = "template"
	if m < 1 || m > MaxTemplateLength {
		return Template{}, newError(op, ErrInvalidParameter, "length must be between 1 and %d, got %d", MaxTemplateLength, m)
	}
	if pattern>>uint(m) != 0 {
		return Template{}, newError(op, ErrTemplateOverflow, "pattern %#x does not fit in %d bits", pattern, m)
	}
	return Template{pattern: pattern, length: m}, nil
}

// ParseTemplate parses a literal digit string such as "000000001". Characters
// other than '0' and '1' fail with ErrMalformedTemplate; a well-formed string
// longer than MaxTemplateLength fails with ErrTemplateOverflow.
func ParseTemplate(digits string) (Template, error) {
	const op = "parse template"
	if digits == "" {
		return Template{}, newError(op, ErrInvalidParameter, "template is empty")
	}

	for i := 0; i < len(digits); i++ {
		if c := digits[i]; c != '0' && c != '1' {
			return Template{}, newError(op, ErrMalformedTemplate, "character %q at offset %d in %q is not a binary digit", c, i, digits)
		}
	}
	if len(digits) > MaxTemplateLength {
		return Template{}, newError(op, ErrTemplateOverflow, "%d digits exceed the maximum template length %d", len(digits), MaxTemplateLength)
	}

	var pattern uint32
	for i := 0; i < len(digits); i++ {
		pattern = pattern<<1 | uint32(digits[i]-'0')
	}
	return Template{pattern: pattern, length: len(digits)}, nil
}

// Len is the template length m.
func (t Template) Len() int {
	return t.length
}

// Pattern returns the template bits right-aligned.
func (t Template) Pattern() uint32 {
	return t.pattern
}

// Aperiodic reports whether no proper prefix of the template equals the
// suffix of the same length, i.e. two occurrences can never overlap.
func (t Template) Aperiodic() bool {
	for shift := 1; shift < t.length; shift++ {
		width := uint(t.length - shift)
		prefix := t.pattern >> uint(shift)
		suffix := t.pattern & (1<<width - 1)
		if prefix == suffix {
			return false
		}
	}
	return true
}

// String renders the template as digits.
func (t Template) String() string {
	var sb strings.Builder
	sb.Grow(t.length)
	for i := t.length - 1; i >= 0; i-- {
		sb.WriteByte('0' + byte(t.pattern>>uint(i)&1))
	}
	return sb.String()
}

// MarshalText encodes the template as its digit string.
func (t Template) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
