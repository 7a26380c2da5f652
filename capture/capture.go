// Package capture stores raw exit event streams as zstd compressed files
// of little-endian words, so they can be replayed through the decoder.
package capture

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"

	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/types"
)

// Writer appends words to a compressed capture.
type Writer struct {
	enc    *zstd.Encoder
	closer io.Closer
	words  uint64
}

// Create truncates or creates the capture file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter compresses into w. Closing the Writer does not close w.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// WriteWords appends words to the capture.
func (w *Writer) WriteWords(words []uint64) error {
	if len(words) == 0 {
		return nil
	}
	if _, err := w.enc.Write(record.Bytes(words)); err != nil {
		return err
	}
	w.words += uint64(len(words))
	return nil
}

// Words returns the number of words written so far.
func (w *Writer) Words() uint64 {
	return w.words
}

// Flush makes everything written so far readable from the underlying file.
func (w *Writer) Flush() error {
	return w.enc.Flush()
}

// Close finishes the zstd stream and closes the file opened by Create.
func (w *Writer) Close() error {
	var result *multierror.Error
	if err := w.enc.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Reader reads words back from a capture.
type Reader struct {
	dec    *zstd.Decoder
	closer io.Closer
	buf    []byte
	rest   []byte
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader decompresses from r.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{dec: dec, buf: make([]byte, 64<<10)}, nil
}

// ReadWords returns up to max words. It returns io.EOF once the capture
// is exhausted and record.ErrTruncated if it ends inside a word.
func (r *Reader) ReadWords(max int) ([]uint64, error) {
	if max <= 0 {
		return nil, nil
	}
	limit := max * types.WordSize
	if limit > len(r.buf) {
		limit = len(r.buf) - len(r.buf)%types.WordSize
	}

	for {
		n := copy(r.buf, r.rest)
		m, err := r.dec.Read(r.buf[n:limit])
		n += m

		words, rest := record.Words(r.buf[:n])
		r.rest = append(r.rest[:0], rest...)
		if len(words) > 0 {
			return words, nil
		}
		if err == io.EOF {
			if len(r.rest) > 0 {
				return nil, fmt.Errorf("%d trailing bytes: %w", len(r.rest), record.ErrTruncated)
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close releases the decoder and closes the file opened by Open.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
