package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/exitnotify/binary"
	"github.com/jnesss/exitnotify/capture"
	"github.com/jnesss/exitnotify/cookie"
	"github.com/jnesss/exitnotify/database"
	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/sigma"
	"github.com/jnesss/exitnotify/types"
)

const rx = types.VMRead | types.VMExec

func exitingProcess(t *testing.T) *process.Snapshot {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "worker")
	lib := filepath.Join(dir, "libplugin.so")
	require.NoError(t, os.WriteFile(exe, []byte("\x7fELF exe"), 0o755))
	require.NoError(t, os.WriteFile(lib, []byte("\x7fELF lib"), 0o755))

	exePath := &cookie.Path{Dev: 1, Ino: 11, Name: exe}
	libPath := &cookie.Path{Dev: 1, Ino: 12, Name: lib}
	return &process.Snapshot{
		TGID:      4242,
		PID:       4242,
		UserTime:  30 * time.Millisecond,
		StartTime: time.Now().Add(-time.Second),
		Memory: process.NewMemoryContext([]process.Mapping{
			{Start: 0x400000, End: 0x401000, Flags: rx, File: exePath},
			{Start: 0x7f0000000000, End: 0x7f0000010000, Flags: rx, File: libPath},
			{Start: 0x7f0000020000, End: 0x7f0000030000, Flags: rx, Offset: 0x10000, File: libPath},
		}, exePath),
	}
}

func TestConsumerStoresRecords(t *testing.T) {
	n := notify.New(notify.WithBufferSize(1024), notify.WithWatermark(1))
	defer n.Shutdown()
	require.NoError(t, n.Start())

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	rulesDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rulesDir, "enabled_rules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "enabled_rules", "plugin.yml"), []byte(`title: Plugin Library Loaded
id: 5d1e9a0c-2c4f-4f7e-b1a2-9c3e7d6f0a11
logsource:
  category: image_load
  product: linux
detection:
  selection:
    ImageLoaded|endswith: '/libplugin.so'
  condition: selection
level: medium
`), 0o644))
	detector, err := sigma.NewDetector(rulesDir)
	require.NoError(t, err)
	defer detector.Close()

	archive, err := binary.NewArchive(16, t.TempDir())
	require.NoError(t, err)

	capturePath := filepath.Join(t.TempDir(), "raw.zst")
	writer, err := capture.Create(capturePath)
	require.NoError(t, err)

	c := NewConsumer(n, 16)
	c.db = db
	c.detector = detector
	c.archive = archive
	c.capture = writer

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	n.ProcessExited(exitingProcess(t))
	n.ProcessExited(&process.Snapshot{TGID: 77, PID: 77})

	require.Eventually(t, func() bool {
		exits, err := db.RecentExits(10)
		return err == nil && len(exits) == 2
	}, 5*time.Second, 10*time.Millisecond)

	c.Drain()
	n.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain")
	}
	assert.Equal(t, 2, c.records)
	require.NoError(t, writer.Close())

	exits, err := db.RecentExits(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), exits[0].PID)
	assert.Equal(t, 0, exits[0].ModuleCount)

	worker := exits[1]
	assert.Equal(t, uint32(4242), worker.TGID)
	assert.True(t, strings.HasSuffix(worker.ExePath, "/worker"))
	assert.Equal(t, 30*time.Millisecond, worker.UserTime)

	modules, err := db.ExitModules(worker.ID)
	require.NoError(t, err)
	require.Len(t, modules, 3)
	assert.True(t, modules[0].MainExecutable)
	assert.NotEmpty(t, modules[1].Hash)
	assert.Equal(t, modules[1].Hash, modules[2].Hash)
	assert.True(t, archive.HasBinary(modules[1].Hash))

	matches, err := db.RecentMatches(10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, worker.ID, matches[0].ExitID)
	assert.True(t, strings.HasSuffix(matches[0].ImageLoaded, "/libplugin.so"))

	var out bytes.Buffer
	count, err := replay(capturePath, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, out.String(), "EXIT: pid=4242 tgid=4242")
	assert.Contains(t, out.String(), "EXIT: pid=77 tgid=77")
}

func TestConsumerWaitsForStart(t *testing.T) {
	n := notify.New(notify.WithBufferSize(256), notify.WithWatermark(1))
	defer n.Shutdown()

	c := NewConsumer(n, 64)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	// not started yet: the consumer idles instead of failing
	require.NoError(t, n.Start())
	n.ProcessExited(&process.Snapshot{TGID: 5, PID: 5})

	c.Drain()
	n.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not return")
	}
}

func TestReplaySkipsGarbage(t *testing.T) {
	rec := &record.Record{Thread: record.ThreadInfo{TGID: 9, PID: 10}}

	path := filepath.Join(t.TempDir(), "raw.zst")
	w, err := capture.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteWords([]uint64{1, 2, 3}))
	require.NoError(t, w.WriteWords(record.Append(nil, rec)))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	count, err := replay(path, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, strings.HasPrefix(out.String(), "THREAD_EXIT: pid=10 tgid=9 "), out.String())

	_, err = replay(filepath.Join(t.TempDir(), "missing.zst"), &out)
	assert.Error(t, err)
}
