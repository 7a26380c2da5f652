// Package notify is the exit notification subsystem: it encodes exit
// snapshots into frames, queues them in the ring buffer and exposes the
// controls and counters a consumer needs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/jnesss/exitnotify/buffer"
	"github.com/jnesss/exitnotify/cookie"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/types"
)

// Defaults for a new Notifier, in words.
const (
	DefaultBufferSize = (1 << 20) / types.WordSize
	DefaultWatermark  = (256 << 10) / types.WordSize
)

var (
	// ErrBusy is returned for configuration changes while capture runs.
	ErrBusy = errors.New("capture is running")
	// ErrNotStarted is returned by Read before the first Start.
	ErrNotStarted = errors.New("capture was never started")
	// ErrAllocationFailed is returned by Start when the buffer cannot be set up.
	ErrAllocationFailed = buffer.ErrAllocationFailed
	// ErrInvalidWatermark is returned by Start for a watermark the buffer rejects.
	ErrInvalidWatermark = buffer.ErrInvalidWatermark
)

// Notifier owns the ring buffer, the cookie cache and the counters.
type Notifier struct {
	// ctl serializes lifecycle and configuration changes.
	ctl        sync.Mutex
	bufferSize int
	watermark  int

	// mu is the producer mutex; it covers encoding and appending.
	mu      sync.Mutex
	scratch []uint64

	started atomic.Bool
	debug   atomic.Bool
	level   log.Level // restored when debug is turned off

	buf   *buffer.RingBuffer
	cache *cookie.Cache
	stats Stats
	clock clock.Clock
}

var _ process.LifecycleObserver = (*Notifier)(nil)

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock sets the clock used for the exit timestamp.
func WithClock(clk clock.Clock) Option {
	return func(n *Notifier) { n.clock = clk }
}

// WithBufferSize sets the initial buffer size in words.
func WithBufferSize(words int) Option {
	return func(n *Notifier) { n.bufferSize = words }
}

// WithWatermark sets the initial reader wake-up threshold in words.
func WithWatermark(words int) Option {
	return func(n *Notifier) { n.watermark = words }
}

// WithCacheSize sets the cookie cache capacity.
func WithCacheSize(entries int) Option {
	return func(n *Notifier) { n.cache = cookie.NewCache(entries) }
}

// New creates a stopped notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		bufferSize: DefaultBufferSize,
		watermark:  DefaultWatermark,
		buf:        buffer.New(),
		clock:      clock.New(),
		level:      log.GetLevel(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.cache == nil {
		n.cache = cookie.NewCache(cookie.DefaultMaxEntries)
	}
	return n
}

// Configure sets the buffer geometry used by the next Start.
func (n *Notifier) Configure(size, watermark int) error {
	n.ctl.Lock()
	defer n.ctl.Unlock()

	if n.started.Load() {
		return ErrBusy
	}
	n.bufferSize = size
	n.watermark = watermark
	return nil
}

// SetBufferSize sets the buffer size in words used by the next Start.
func (n *Notifier) SetBufferSize(words int) error {
	n.ctl.Lock()
	defer n.ctl.Unlock()

	if n.started.Load() {
		return ErrBusy
	}
	n.bufferSize = words
	return nil
}

// SetWatermark sets the watermark in words used by the next Start.
func (n *Notifier) SetWatermark(words int) error {
	n.ctl.Lock()
	defer n.ctl.Unlock()

	if n.started.Load() {
		return ErrBusy
	}
	n.watermark = words
	return nil
}

// BufferSize returns the configured buffer size in words.
func (n *Notifier) BufferSize() int {
	n.ctl.Lock()
	defer n.ctl.Unlock()
	return n.bufferSize
}

// Watermark returns the configured watermark in words.
func (n *Notifier) Watermark() int {
	n.ctl.Lock()
	defer n.ctl.Unlock()
	return n.watermark
}

// Start begins capture with an empty buffer of the configured geometry.
// Words left unread by a previous run are discarded and the counters
// are reset. Starting a running notifier does nothing.
func (n *Notifier) Start() error {
	n.ctl.Lock()
	defer n.ctl.Unlock()

	if n.started.Load() {
		return nil
	}

	if err := n.buf.Start(n.bufferSize, n.watermark); err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}
	log.Printf("Allocated %s event buffer (%d words, watermark %d)",
		humanize.IBytes(uint64(n.bufferSize*types.WordSize)), n.bufferSize, n.watermark)

	n.stats.reset()
	n.started.Store(true)
	log.Debugf("capture started")
	return nil
}

// Stop ends capture. The reader is woken to drain what is buffered and
// then sees end-of-stream.
func (n *Notifier) Stop() {
	n.ctl.Lock()
	defer n.ctl.Unlock()

	if !n.started.Load() {
		return
	}
	n.mu.Lock()
	n.started.Store(false)
	n.mu.Unlock()

	n.buf.Flush()
	log.Debugf("capture stopped")
}

// Shutdown stops capture, releases the buffer and forgets every cookie.
func (n *Notifier) Shutdown() {
	n.Stop()

	n.ctl.Lock()
	defer n.ctl.Unlock()

	n.buf.Stop()
	n.cache.Reset()
}

// Enabled reports whether capture is running.
func (n *Notifier) Enabled() bool {
	return n.started.Load()
}

// Debug reports whether debug output is on.
func (n *Notifier) Debug() bool {
	return n.debug.Load()
}

// SetDebug toggles debug output.
func (n *Notifier) SetDebug(on bool) {
	was := n.debug.Swap(on)
	if was && !on {
		log.Debugf("debug output disabled")
	}
	if on {
		log.SetLevel(log.DebugLevel)
		log.Debugf("debug output enabled")
	} else {
		log.SetLevel(n.level)
	}
}

// Stats returns a copy of the counters.
func (n *Notifier) Stats() StatsSnapshot {
	return n.stats.Snapshot()
}

// ResetStats zeroes the counters. It fails with ErrBusy while capturing.
func (n *Notifier) ResetStats() error {
	n.ctl.Lock()
	defer n.ctl.Unlock()

	if n.started.Load() {
		return ErrBusy
	}
	n.stats.reset()
	return nil
}

// Read returns up to max buffered words, blocking while the buffer is
// empty and capture runs. io.EOF marks end-of-stream.
func (n *Notifier) Read(ctx context.Context, max int) ([]uint64, error) {
	if n.buf.Capacity() == 0 {
		return nil, ErrNotStarted
	}
	return n.buf.Read(ctx, max)
}

// Used returns the number of buffered words.
func (n *Notifier) Used() int {
	return n.buf.Used()
}

// Capacity returns the allocated buffer size in words.
func (n *Notifier) Capacity() int {
	return n.buf.Capacity()
}

// Cookies returns the cache that resolves module cookies back to paths.
func (n *Notifier) Cookies() *cookie.Cache {
	return n.cache
}

// ProcessExited encodes an exit. It never blocks on the reader; exits
// reported while capture is stopped are dropped.
func (n *Notifier) ProcessExited(snap *process.Snapshot) {
	if snap == nil || !n.started.Load() {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started.Load() {
		return
	}
	n.encode(snap)
}
