// Package buffer implements the fixed-capacity word ring that carries
// encoded exit records from producers to the single reader.
//
// Producers never block: a sequence that does not fit is rejected as a
// whole with ErrOverflow. The reader blocks while the ring is
// empty and is woken once the buffered word count reaches the
// watermark, or when the ring is flushed or stopped. Wake-ups are
// broadcast to every blocked reader.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
)

// MaxCapacity bounds the ring size in words (1 GiB of 8-byte words).
const MaxCapacity = 1 << 27

var (
	// ErrAllocationFailed is returned by Start when storage cannot be obtained.
	ErrAllocationFailed = errors.New("buffer allocation failed")
	// ErrInvalidWatermark is returned by Start for a watermark outside [1, capacity].
	ErrInvalidWatermark = errors.New("invalid buffer watermark")
	// ErrOverflow is returned by Append when the sequence does not fit.
	ErrOverflow = errors.New("buffer overflow")
	// ErrStopped is returned by Append when the ring does not accept data.
	ErrStopped = errors.New("buffer stopped")
)

// RingBuffer is a lossy single-writer/single-reader word ring. Writers
// are expected to serialize among themselves; Append still takes the
// ring mutex so the reader can run concurrently.
type RingBuffer struct {
	mu        sync.Mutex
	data      []uint64
	writePos  int
	used      int
	watermark int
	running   bool

	// wake is closed and replaced on every wake-up.
	wake chan struct{}

	parked atomic.Int32 // readers waiting on wake
}

// New returns a stopped ring. Call Start to allocate storage.
func New() *RingBuffer {
	return &RingBuffer{wake: make(chan struct{})}
}

// Start allocates capacity words of storage and resets the ring to
// empty. Any previous storage is dropped.
func (b *RingBuffer) Start(capacity, watermark int) (err error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return fmt.Errorf("%w: capacity %d words", ErrAllocationFailed, capacity)
	}
	if watermark <= 0 || watermark > capacity {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidWatermark, watermark, capacity)
	}

	data, err := allocate(capacity)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = data
	b.writePos = 0
	b.used = 0
	b.watermark = watermark
	b.running = true
	return nil
}

func allocate(capacity int) (data []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("%w: %v", ErrAllocationFailed, r)
		}
	}()
	return make([]uint64, capacity), nil
}

// Stop releases the storage. Unread data is discarded and a blocked
// reader returns io.EOF.
func (b *RingBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = nil
	b.writePos = 0
	b.used = 0
	b.running = false
	b.signal()
}

// Flush stops accepting data and wakes the reader so it can drain what
// is left. Once empty, Read reports io.EOF until the next Start.
func (b *RingBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.running = false
	b.signal()
}

// Append stores words contiguously (modulo wraparound) or not at all.
func (b *RingBuffer) Append(words []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return ErrStopped
	}

	capacity := len(b.data)
	if len(words) > capacity-b.used {
		return ErrOverflow
	}
	if len(words) == 0 {
		return nil
	}

	for offset := 0; offset < len(words); {
		n := copy(b.data[b.writePos:], words[offset:])
		b.writePos = (b.writePos + n) % capacity
		offset += n
	}

	before := b.used
	b.used += len(words)
	if before < b.watermark && b.used >= b.watermark {
		b.signal()
	}
	return nil
}

// Read returns up to max of the oldest buffered words. It blocks while
// the ring is empty and running. io.EOF marks end-of-stream: the ring
// was flushed or stopped and nothing is left.
func (b *RingBuffer) Read(ctx context.Context, max int) ([]uint64, error) {
	if max <= 0 {
		return nil, nil
	}

	for {
		b.mu.Lock()
		if b.used > 0 {
			out := b.take(max)
			b.mu.Unlock()
			return out, nil
		}
		running := b.running
		wake := b.wake
		b.mu.Unlock()

		if !running {
			return nil, io.EOF
		}

		b.parked.Inc()
		select {
		case <-wake:
			b.parked.Dec()
		case <-ctx.Done():
			b.parked.Dec()
			return nil, ctx.Err()
		}
	}
}

// take must be called with b.mu held and b.used > 0.
func (b *RingBuffer) take(max int) []uint64 {
	n := b.used
	if n > max {
		n = max
	}

	capacity := len(b.data)
	readPos := b.writePos - b.used
	if readPos < 0 {
		readPos += capacity
	}

	out := make([]uint64, n)
	for copied := 0; copied < n; {
		end := readPos + (n - copied)
		if end > capacity {
			end = capacity
		}
		copied += copy(out[copied:], b.data[readPos:end])
		readPos = end % capacity
	}

	b.used -= n
	return out
}

// signal wakes every parked reader. It must be called with b.mu held.
func (b *RingBuffer) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Used returns the number of buffered words.
func (b *RingBuffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Capacity returns the allocated size in words, 0 when stopped.
func (b *RingBuffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Watermark returns the reader wake-up threshold in words.
func (b *RingBuffer) Watermark() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watermark
}

// Running reports whether Append currently accepts data.
func (b *RingBuffer) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
