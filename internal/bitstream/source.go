package bitstream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

// DefaultBlockSizeBits bounds how many bits a Source buffers per block.
const DefaultBlockSizeBits = 8192

var (
	// ErrSourceUnavailable reports that the byte source could not be opened
	// or read.
	ErrSourceUnavailable = errors.New("bitstream: source unavailable")
	// ErrInsufficientData reports that fewer bits are available than a
	// consumer requires.
	ErrInsufficientData = errors.New("bitstream: insufficient data")
	// ErrInvalidBlockSize reports a block size that is not a positive
	// multiple of eight bits.
	ErrInvalidBlockSize = errors.New("bitstream: block size must be a positive multiple of 8 bits")
)

// Source reads a byte source block by block and exposes the current block as
// Bits. A Source is not safe for concurrent use; give each goroutine its own
// Source or materialize the data once with Load and share the views.
type Source struct {
	name       string
	reader     io.Reader
	closer     io.Closer
	blockBytes int
	current    Bits
	bytesRead  int64
	closed     bool
}

// Open opens the file at path as a Source with the given block size in bits.
func Open(path string, blockSizeBits int) (*Source, error) {
	if err := validateBlockSize(blockSizeBits); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bitstream: open %s: %w: %w", path, ErrSourceUnavailable, err)
	}

	src := &Source{
		name:       path,
		reader:     f,
		closer:     f,
		blockBytes: blockSizeBits / 8,
	}
	log.Printf("bitstream: opened %s (block_size_bits=%d)", path, blockSizeBits)
	return src, nil
}

// NewSource wraps r as a Source. If r also implements io.Closer, Close
// releases it.
func NewSource(r io.Reader, blockSizeBits int) (*Source, error) {
	if r == nil {
		return nil, fmt.Errorf("bitstream: nil reader: %w", ErrSourceUnavailable)
	}
	if err := validateBlockSize(blockSizeBits); err != nil {
		return nil, err
	}

	src := &Source{
		name:       "reader",
		reader:     r,
		blockBytes: blockSizeBits / 8,
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

func validateBlockSize(blockSizeBits int) error {
	if blockSizeBits <= 0 || blockSizeBits%8 != 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidBlockSize, blockSizeBits)
	}
	return nil
}

// Name identifies the underlying source (a file path or "reader").
func (s *Source) Name() string {
	return s.name
}

// BlockSizeBits reports the configured block size.
func (s *Source) BlockSizeBits() int {
	return s.blockBytes * 8
}

// BytesRead reports the total number of bytes consumed from the source.
func (s *Source) BytesRead() int64 {
	return s.bytesRead
}

// NextBlock reads up to one block, replaces the buffered bits with it and
// returns the number of bits produced. At end of source it returns 0 and a
// nil error. Views returned by earlier Bits calls stay valid.
func (s *Source) NextBlock() (int, error) {
	block, err := s.readBlock()
	if err != nil {
		return 0, err
	}
	s.current = FromBytes(block)
	return s.current.Len(), nil
}

// Accumulate appends blocks to the buffered bits until at least n bits are
// available or the source is exhausted. It returns the buffered bits; when
// fewer than n are available the error wraps ErrInsufficientData.
func (s *Source) Accumulate(n int) (Bits, error) {
	data := s.current.Bytes()
	for len(data)*8 < n {
		block, err := s.readBlock()
		if err != nil {
			return s.current, err
		}
		if len(block) == 0 {
			break
		}
		data = append(data, block...)
	}

	s.current = FromBytes(data)
	if s.current.Len() < n {
		return s.current, fmt.Errorf("bitstream: %s holds %d bits, need %d: %w", s.name, s.current.Len(), n, ErrInsufficientData)
	}
	return s.current, nil
}

// Bits returns a read-only view of the buffered bits.
func (s *Source) Bits() Bits {
	return s.current
}

// Close releases the underlying reader. It is safe to call more than once.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.current = Bits{}
	if s.closer == nil {
		return nil
	}
	if err := s.closer.Close(); err != nil {
		return fmt.Errorf("bitstream: close %s: %w", s.name, err)
	}
	return nil
}

func (s *Source) readBlock() ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("bitstream: %s is closed: %w", s.name, ErrSourceUnavailable)
	}

	block := make([]byte, s.blockBytes)
	n, err := io.ReadFull(s.reader, block)
	s.bytesRead += int64(n)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// Short or empty final block.
	default:
		return nil, fmt.Errorf("bitstream: read %s: %w: %w", s.name, ErrSourceUnavailable, err)
	}
	return block[:n], nil
}

// Load reads r to the end and returns its bits. Use it to materialize a
// sequence once and share read-only views across concurrently running tests.
func Load(r io.Reader) (Bits, error) {
	if r == nil {
		return Bits{}, fmt.Errorf("bitstream: nil reader: %w", ErrSourceUnavailable)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Bits{}, fmt.Errorf("bitstream: load: %w: %w", ErrSourceUnavailable, err)
	}
	return FromBytes(data), nil
}

// LoadFile materializes the file at path.
func LoadFile(path string) (Bits, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bits{}, fmt.Errorf("bitstream: open %s: %w: %w", path, ErrSourceUnavailable, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("bitstream: error closing %s: %v", path, err)
		}
	}()
	return Load(f)
}
