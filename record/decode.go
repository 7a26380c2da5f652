package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jnesss/exitnotify/types"
)

// MaxModules bounds the module count a decoder accepts in one frame.
const MaxModules = 1 << 20

var (
	// ErrMalformed reports words that do not form a valid frame.
	ErrMalformed = errors.New("malformed record")
	// ErrTruncated reports a stream that ended inside a frame.
	ErrTruncated = errors.New("truncated record")
)

// Decoder turns a word stream delivered in arbitrary chunks back into
// records. After a malformed frame it skips ahead to the next
// RECORD_BEGIN marker.
type Decoder struct {
	pending []uint64
	skipped uint64
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write queues more words for decoding.
func (d *Decoder) Write(words []uint64) {
	if len(d.pending) == 0 {
		d.pending = append(d.pending[:0], words...)
		return
	}
	d.pending = append(d.pending, words...)
}

// Next returns the next complete record. It returns nil, nil when more
// words are needed. A malformed frame is reported once and skipped, so
// callers keep calling Next after an error.
func (d *Decoder) Next() (*Record, error) {
	if len(d.pending) == 0 {
		return nil, nil
	}

	rec, n, err := parse(d.pending)
	if err != nil {
		d.resync()
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	d.pending = d.pending[n:]
	return rec, nil
}

// Finish reports ErrTruncated if a partial frame is still queued, and
// drops it.
func (d *Decoder) Finish() error {
	if len(d.pending) == 0 {
		return nil
	}
	n := len(d.pending)
	d.skipped += uint64(n)
	d.pending = nil
	return fmt.Errorf("%w: %d words left over", ErrTruncated, n)
}

// Buffered returns the number of queued words not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

// Skipped returns the number of words discarded while resynchronising.
func (d *Decoder) Skipped() uint64 {
	return d.skipped
}

func (d *Decoder) resync() {
	w := d.pending
	drop := len(w)
	for i := 1; i < len(w); i++ {
		if w[i] != types.EscapeCode {
			continue
		}
		if i+1 == len(w) || w[i+1] == uint64(types.RecordBegin) {
			drop = i
			break
		}
	}
	d.skipped += uint64(drop)
	d.pending = w[drop:]
}

// parse decodes the frame at the start of w. It returns a nil record and
// no error when w holds only part of a frame.
func parse(w []uint64) (*Record, int, error) {
	pos := 0
	need := func(n int) bool {
		return len(w)-pos >= n
	}
	control := func(code types.Code) error {
		if w[pos] != types.EscapeCode || w[pos+1] != uint64(code) {
			return fmt.Errorf("%w: expected %v at word %d", ErrMalformed, code, pos)
		}
		pos += 2
		return nil
	}

	if !need(2) {
		return nil, 0, nil
	}
	if err := control(types.RecordBegin); err != nil {
		return nil, 0, err
	}
	if !need(2) {
		return nil, 0, nil
	}
	if err := control(types.ThreadInfoBegin); err != nil {
		return nil, 0, err
	}
	if !need(types.ThreadInfoWords + 2) {
		return nil, 0, nil
	}

	ti := w[pos : pos+types.ThreadInfoWords]
	rec := &Record{
		Thread: ThreadInfo{
			TGID:       uint32(ti[0]),
			PID:        uint32(ti[1]),
			UserTime:   time.Duration(ti[2]) * time.Microsecond,
			SystemTime: time.Duration(ti[3]) * time.Microsecond,
			StartTime:  fromUnix(ti[4], ti[5]),
			Now:        fromUnix(ti[6], ti[7]),
		},
	}
	pos += types.ThreadInfoWords

	if err := control(types.ThreadInfoEnd); err != nil {
		return nil, 0, err
	}
	if !need(3) {
		return nil, 0, nil
	}
	if err := control(types.ModuleListBegin); err != nil {
		return nil, 0, err
	}

	count := w[pos]
	if count > MaxModules {
		return nil, 0, fmt.Errorf("%w: module count %d", ErrMalformed, count)
	}
	pos++
	n := int(count)
	if !need(n*types.ModuleWords + 4) {
		return nil, 0, nil
	}

	if n > 0 {
		rec.Modules = make([]Module, n)
		for i := range rec.Modules {
			m := w[pos : pos+types.ModuleWords]
			rec.Modules[i] = Module{Start: m[0], End: m[1], Flags: m[2], Cookie: m[3], Offset: m[4]}
			pos += types.ModuleWords
		}
	}

	if err := control(types.ModuleListEnd); err != nil {
		return nil, 0, err
	}
	if err := control(types.RecordEnd); err != nil {
		return nil, 0, err
	}
	return rec, pos, nil
}

// Decode parses a complete word stream. Records are returned even when
// some frames were malformed; the error then lists every problem found.
func Decode(words []uint64) ([]*Record, error) {
	d := NewDecoder()
	d.Write(words)

	var records []*Record
	var result *multierror.Error
	for {
		rec, err := d.Next()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if rec == nil {
			break
		}
		records = append(records, rec)
	}
	if err := d.Finish(); err != nil {
		result = multierror.Append(result, err)
	}
	return records, result.ErrorOrNil()
}
