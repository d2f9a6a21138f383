package sts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Library supplies the predefined templates for a given length.
type Library interface {
	Templates(m int) ([]Template, error)
}

// AperiodicLibrary enumerates every aperiodic template of a length in
// ascending order, the ordering of the NIST templates/templateM files.
// Results are computed lazily and cached. It is safe for concurrent use.
type AperiodicLibrary struct {
	mu    sync.Mutex
	cache map[int][]Template
}

// NewAperiodicLibrary returns an empty library.
func NewAperiodicLibrary() *AperiodicLibrary {
	return &AperiodicLibrary{cache: make(map[int][]Template)}
}

var defaultLibrary = NewAperiodicLibrary()

// DefaultLibrary is the process-wide generated library.
func DefaultLibrary() Library {
	return defaultLibrary
}

// Templates returns the aperiodic templates of length m.
func (l *AperiodicLibrary) Templates(m int) ([]Template, error) {
	if m < 1 || m > MaxTemplateLength {
		return nil, newError("template library", ErrInvalidParameter, "length must be between 1 and %d, got %d", MaxTemplateLength, m)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[m]; ok {
		return append([]Template(nil), cached...), nil
	}

	var templates []Template
	for pattern := uint32(0); pattern < 1<<uint(m); pattern++ {
		t := Template{pattern: pattern, length: m}
		if t.Aperiodic() {
			templates = append(templates, t)
		}
	}
	l.cache[m] = templates
	return append([]Template(nil), templates...), nil
}

// DirLibrary reads templates from a directory laid out like the NIST suite:
// one file per length named template<m>, one template per line with the
// digits optionally separated by whitespace.
type DirLibrary struct {
	dir   string
	mu    sync.Mutex
	cache map[int][]Template
}

// NewDirLibrary returns a library backed by dir. Files are read on first use.
func NewDirLibrary(dir string) *DirLibrary {
	return &DirLibrary{dir: dir, cache: make(map[int][]Template)}
}

// Templates loads and validates the templates of length m.
func (l *DirLibrary) Templates(m int) ([]Template, error) {
	const op = "template library"
	if m < 1 || m > MaxTemplateLength {
		return nil, newError(op, ErrInvalidParameter, "length must be between 1 and %d, got %d", MaxTemplateLength, m)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[m]; ok {
		return append([]Template(nil), cached...), nil
	}

	path := filepath.Join(l.dir, fmt.Sprintf("template%d", m))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, wrapError(op, ErrSourceUnavailable, err, "no templates of length %d in %s", m, l.dir)
		}
		return nil, wrapError(op, ErrSourceUnavailable, err, "open %s", path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("sts: error closing %s: %v", path, err)
		}
	}()

	templates, err := readTemplates(op, f, m)
	if err != nil {
		return nil, err
	}
	log.Printf("sts: loaded %d templates of length %d from %s", len(templates), m, path)

	l.cache[m] = templates
	return append([]Template(nil), templates...), nil
}

func readTemplates(op string, r io.Reader, m int) ([]Template, error) {
	var templates []Template
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		digits := strings.Join(strings.Fields(scanner.Text()), "")
		if digits == "" {
			continue
		}
		t, err := ParseTemplate(digits)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", op, line, err)
		}
		if t.Len() != m {
			return nil, newError(op, ErrMalformedTemplate, "line %d holds %d digits, want %d", line, t.Len(), m)
		}
		templates = append(templates, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapError(op, ErrSourceUnavailable, err, "read templates of length %d", m)
	}
	if len(templates) == 0 {
		return nil, newError(op, ErrInvalidParameter, "no templates of length %d", m)
	}
	return templates, nil
}
