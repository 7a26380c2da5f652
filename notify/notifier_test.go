package notify

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/exitnotify/cookie"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/types"
)

const rx = types.VMRead | types.VMExec

var (
	exePath  = &cookie.Path{Dev: 8, Ino: 100, Name: "/usr/bin/make"}
	libcPath = &cookie.Path{Dev: 8, Ino: 200, Name: "/usr/lib/libc.so.6"}
	ldPath   = &cookie.Path{Dev: 8, Ino: 300, Name: "/usr/lib/ld-linux-x86-64.so.2"}
	dataPath = &cookie.Path{Dev: 8, Ino: 400, Name: "/usr/share/locale/locale.alias"}
)

func newNotifier(t *testing.T, opts ...Option) (*Notifier, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000100, 42))
	n := New(append([]Option{WithClock(mock)}, opts...)...)
	t.Cleanup(n.Shutdown)
	return n, mock
}

func makeMappings() []process.Mapping {
	return []process.Mapping{
		{Start: 0x400000, End: 0x420000, Flags: rx, Offset: 0x1000, File: exePath},
		{Start: 0x620000, End: 0x622000, Flags: types.VMRead | types.VMWrite, Offset: 0x20000, File: exePath},
		{Start: 0x7f0000000000, End: 0x7f0000100000, Flags: rx, Offset: 0x28000, File: libcPath},
		{Start: 0x7f0000200000, End: 0x7f0000210000, Flags: types.VMRead | types.VMWrite},
		{Start: 0x7f0000300000, End: 0x7f0000320000, Flags: rx, Offset: 0x1000, File: ldPath},
		{Start: 0x7ffff7ff0000, End: 0x7ffff7ff2000, Flags: rx},
		{Start: 0x7f0000400000, End: 0x7f0000401000, Flags: types.VMRead, File: dataPath},
	}
}

func exitingMake() *process.Snapshot {
	return &process.Snapshot{
		TGID:       5000,
		PID:        5000,
		Comm:       "make",
		UserTime:   12 * time.Millisecond,
		SystemTime: 4 * time.Millisecond,
		StartTime:  time.Unix(1700000000, 500),
		Memory:     process.NewMemoryContext(makeMappings(), exePath),
	}
}

func drain(t *testing.T, n *Notifier) []*record.Record {
	t.Helper()
	words, err := n.Read(context.Background(), n.Capacity())
	require.NoError(t, err)
	records, err := record.Decode(words)
	require.NoError(t, err)
	return records
}

func TestDefaults(t *testing.T) {
	n, _ := newNotifier(t)

	assert.Equal(t, 131072, n.BufferSize())
	assert.Equal(t, 32768, n.Watermark())
	assert.False(t, n.Enabled())
	assert.Equal(t, StatsSnapshot{}, n.Stats())
}

func TestEncodeCountsQualifyingModules(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())

	n.ProcessExited(exitingMake())

	records := drain(t, n)
	require.Len(t, records, 1)
	rec := records[0]
	require.Len(t, rec.Modules, 3)

	cache := n.Cookies()
	for i, want := range []*cookie.Path{exePath, libcPath, ldPath} {
		assert.Equal(t, cache.Resolve(want), rec.Modules[i].Cookie)
	}
	assert.Equal(t, uint64(1), n.Stats().EventReceived)
}

func TestRoundTrip(t *testing.T) {
	n, mock := newNotifier(t)
	require.NoError(t, n.Start())

	snap := exitingMake()
	n.ProcessExited(snap)
	rec := drain(t, n)[0]

	assert.Equal(t, uint32(5000), rec.Thread.TGID)
	assert.Equal(t, uint32(5000), rec.Thread.PID)
	assert.Equal(t, 12*time.Millisecond, rec.Thread.UserTime)
	assert.Equal(t, 4*time.Millisecond, rec.Thread.SystemTime)
	assert.True(t, snap.StartTime.Equal(rec.Thread.StartTime))
	assert.True(t, mock.Now().Equal(rec.Thread.Now))

	want := []struct {
		start, end, offset uint64
		path               string
	}{
		{0x400000, 0x420000, 0x1000, "/usr/bin/make"},
		{0x7f0000000000, 0x7f0000100000, 0x28000, "/usr/lib/libc.so.6"},
		{0x7f0000300000, 0x7f0000320000, 0x1000, "/usr/lib/ld-linux-x86-64.so.2"},
	}
	require.Len(t, rec.Modules, len(want))
	for i, w := range want {
		m := rec.Modules[i]
		assert.Equal(t, w.start, m.Start)
		assert.Equal(t, w.end, m.End)
		assert.Equal(t, w.offset, m.Offset)
		path, ok := n.Cookies().Lookup(m.Cookie)
		require.True(t, ok)
		assert.Equal(t, w.path, path)
	}

	assert.Equal(t, rx|types.VMExecutable, rec.Modules[0].Flags)
	assert.Equal(t, rx, rec.Modules[1].Flags)
	assert.Equal(t, rx, rec.Modules[2].Flags)
}

func TestMissingMemoryContext(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())

	snap := exitingMake()
	snap.Memory = nil
	n.ProcessExited(snap)

	stats := n.Stats()
	assert.Equal(t, uint64(1), stats.SampleLostNoContext)
	assert.Equal(t, uint64(1), stats.EventReceived)

	rec := drain(t, n)[0]
	assert.Empty(t, rec.Modules)
	assert.Equal(t, types.FrameOverhead, rec.Words())
}

func TestOverflowCountsAndKeepsReceived(t *testing.T) {
	n, _ := newNotifier(t, WithBufferSize(16), WithWatermark(16))
	require.NoError(t, n.Start())

	n.ProcessExited(exitingMake())

	stats := n.Stats()
	assert.Equal(t, uint64(1), stats.EventReceived)
	assert.Equal(t, uint64(1), stats.EventLostOverflow)
	assert.Equal(t, 0, n.Used())
}

func TestOverflowAfterPartialFill(t *testing.T) {
	frame := types.FrameWords(3)
	n, _ := newNotifier(t, WithBufferSize(frame*2+5), WithWatermark(frame))
	require.NoError(t, n.Start())

	for i := 0; i < 3; i++ {
		n.ProcessExited(exitingMake())
	}
	assert.Equal(t, uint64(3), n.Stats().EventReceived)
	assert.Equal(t, uint64(1), n.Stats().EventLostOverflow)
	assert.Equal(t, frame*2, n.Used())
	assert.Len(t, drain(t, n), 2)
}

func TestExecutableFlagNeedsValidCookie(t *testing.T) {
	// a one-entry cache: the exe takes the only cookie, libs get INVALID
	n, _ := newNotifier(t, WithCacheSize(1))
	require.NoError(t, n.Start())

	n.ProcessExited(exitingMake())
	rec := drain(t, n)[0]
	require.Len(t, rec.Modules, 3)
	assert.True(t, rec.Modules[0].IsMainExecutable())
	assert.Equal(t, types.InvalidCookie, rec.Modules[1].Cookie)
	assert.False(t, rec.Modules[1].IsMainExecutable())
}

func TestInvalidExecutableCookieNeverMatches(t *testing.T) {
	n, _ := newNotifier(t, WithCacheSize(1))
	require.NoError(t, n.Start())

	// fill the cache so every further identity is unresolved
	n.Cookies().Resolve(&cookie.Path{Ino: 1, Name: "/bin/filler"})

	snap := exitingMake()
	n.ProcessExited(snap)
	rec := drain(t, n)[0]

	require.Len(t, rec.Modules, 3)
	for _, m := range rec.Modules {
		assert.Equal(t, types.InvalidCookie, m.Cookie)
		assert.False(t, m.IsMainExecutable())
	}
}

func TestNoExecutableIdentity(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())

	snap := exitingMake()
	snap.Memory = process.NewMemoryContext(makeMappings(), nil)
	n.ProcessExited(snap)

	for _, m := range drain(t, n)[0].Modules {
		assert.False(t, m.IsMainExecutable())
	}
}

func TestStoppedNotifierDropsExits(t *testing.T) {
	n, _ := newNotifier(t)
	n.ProcessExited(exitingMake())
	assert.Equal(t, uint64(0), n.Stats().EventReceived)

	_, err := n.Read(context.Background(), 8)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, n.Start())
	n.Stop()
	n.ProcessExited(exitingMake())
	assert.Equal(t, uint64(0), n.Stats().EventReceived)
	assert.Equal(t, 0, n.Used())
}

func TestConfigureWhileRunningIsBusy(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())

	assert.ErrorIs(t, n.SetBufferSize(1024), ErrBusy)
	assert.ErrorIs(t, n.SetWatermark(16), ErrBusy)
	assert.ErrorIs(t, n.Configure(1024, 16), ErrBusy)
	assert.ErrorIs(t, n.ResetStats(), ErrBusy)
	assert.Equal(t, DefaultBufferSize, n.BufferSize())

	n.Stop()
	require.NoError(t, n.Configure(1024, 16))
	require.NoError(t, n.ResetStats())
	require.NoError(t, n.Start())
	assert.Equal(t, 1024, n.Capacity())
}

func TestStartFailureLeavesStopped(t *testing.T) {
	n, _ := newNotifier(t, WithBufferSize(0))
	assert.ErrorIs(t, n.Start(), ErrAllocationFailed)
	assert.False(t, n.Enabled())

	require.NoError(t, n.Configure(64, 65))
	assert.ErrorIs(t, n.Start(), ErrInvalidWatermark)
	assert.False(t, n.Enabled())
}

func TestStartResetsStats(t *testing.T) {
	n, _ := newNotifier(t, WithBufferSize(16), WithWatermark(16))
	require.NoError(t, n.Start())
	n.ProcessExited(exitingMake())
	n.Stop()
	assert.Equal(t, uint64(1), n.Stats().EventLostOverflow)

	require.NoError(t, n.Start())
	assert.Equal(t, StatsSnapshot{}, n.Stats())
}

func TestStopWakesReaderAndKeepsData(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())
	n.ProcessExited(exitingMake())
	n.Stop()

	words, err := n.Read(context.Background(), n.Capacity())
	require.NoError(t, err)
	assert.Len(t, words, types.FrameWords(3))

	_, err = n.Read(context.Background(), n.Capacity())
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, n.Start())
	n.ProcessExited(exitingMake())
	assert.Len(t, drain(t, n), 1)
}

func TestRestartDiscardsUnreadFrames(t *testing.T) {
	frame := types.FrameWords(0)
	n, _ := newNotifier(t, WithBufferSize(frame+4), WithWatermark(frame))
	require.NoError(t, n.Start())

	n.ProcessExited(&process.Snapshot{TGID: 1, PID: 1})
	n.ProcessExited(&process.Snapshot{TGID: 2, PID: 2})
	require.Equal(t, frame, n.Used())
	require.Equal(t, uint64(1), n.Stats().EventLostOverflow)
	n.Stop()

	// same geometry, nothing read: the new run starts empty
	require.NoError(t, n.Start())
	assert.Equal(t, 0, n.Used())
	assert.Equal(t, StatsSnapshot{}, n.Stats())

	n.ProcessExited(&process.Snapshot{TGID: 3, PID: 3})
	records := drain(t, n)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(3), records[0].Thread.TGID)
}

func TestShutdownForgetsCookies(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())
	n.ProcessExited(exitingMake())
	require.NotZero(t, n.Cookies().Len())

	n.Shutdown()
	assert.Equal(t, 0, n.Cookies().Len())
	assert.Equal(t, 0, n.Capacity())
	assert.False(t, n.Enabled())
}

func TestDebugToggle(t *testing.T) {
	n, _ := newNotifier(t)
	assert.False(t, n.Debug())
	n.SetDebug(true)
	assert.True(t, n.Debug())
	n.SetDebug(false)
	assert.False(t, n.Debug())
}

func TestConcurrentProducersWriteWholeFrames(t *testing.T) {
	frame := types.FrameWords(3)
	n, _ := newNotifier(t, WithBufferSize(frame*40+7), WithWatermark(frame))
	require.NoError(t, n.Start())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				snap := exitingMake()
				snap.PID = uint32(6000 + g*100 + i)
				n.ProcessExited(snap)
			}
		}(g)
	}
	wg.Wait()

	stats := n.Stats()
	assert.Equal(t, uint64(80), stats.EventReceived)
	assert.Equal(t, uint64(40), stats.EventLostOverflow)

	records := drain(t, n)
	assert.Len(t, records, 40)
	for _, rec := range records {
		assert.Len(t, rec.Modules, 3)
	}
}

func TestCollectors(t *testing.T) {
	n, _ := newNotifier(t)
	require.NoError(t, n.Start())
	n.ProcessExited(exitingMake())

	reg := prometheus.NewRegistry()
	reg.MustRegister(n.Collectors()...)
	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), values["exitnotify_events_received_total"])
	assert.Equal(t, float64(types.FrameWords(3)), values["exitnotify_buffer_used_words"])
	assert.Equal(t, float64(DefaultBufferSize), values["exitnotify_buffer_capacity_words"])
	assert.Equal(t, float64(1), values["exitnotify_capture_enabled"])
}
