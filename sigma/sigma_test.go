package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/exitnotify/database"
	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/types"
)

const tmpLibraryRule = `title: Shared Object Loaded From Temp
id: 7c5a2c39-0a4e-4b55-9a70-1d3f6c0e2f11
status: experimental
logsource:
  category: image_load
  product: linux
detection:
  selection:
    ImageLoaded|startswith: '/tmp/'
  condition: selection
level: high
`

const pythonRule = `title: Python Interpreter Exit
id: 0f4b7d1e-3a92-4c61-8e55-2b9d0c7a6e40
status: experimental
logsource:
  category: image_load
  product: linux
detection:
  selection:
    Image|endswith: '/python3'
  condition: selection
level: low
`

var paths = map[uint64]string{
	1: "/usr/bin/python3",
	2: "/usr/lib/libc.so.6",
	3: "/tmp/evil.so",
}

func resolve(c uint64) (string, bool) {
	p, ok := paths[c]
	return p, ok
}

func testRecord() *record.Record {
	return &record.Record{
		Thread: record.ThreadInfo{TGID: 42, PID: 42, Now: time.Unix(1792192000, 0)},
		Modules: []record.Module{
			{Start: 0x1000, End: 0x2000, Flags: types.VMRead | types.VMExec | types.VMExecutable, Cookie: 1},
			{Start: 0x3000, End: 0x4000, Flags: types.VMRead | types.VMExec, Cookie: 2},
			{Start: 0x5000, End: 0x6000, Flags: types.VMRead | types.VMExec, Cookie: 3},
			{Start: 0x7000, End: 0x8000, Flags: types.VMRead | types.VMExec, Cookie: 3},
			{Start: 0x9000, End: 0xa000, Flags: types.VMRead | types.VMExec, Cookie: types.InvalidCookie},
		},
	}
}

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enabled_rules", name), []byte(content), 0o644))
}

func newTestDetector(t *testing.T, rules map[string]string) (*Detector, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "enabled_rules"), 0o755))
	for name, content := range rules {
		writeRule(t, dir, name, content)
	}
	d, err := NewDetector(dir)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, dir
}

func TestEvents(t *testing.T) {
	events := Events(testRecord(), resolve)
	require.Len(t, events, 3)

	loaded := make([]string, 0, len(events))
	for _, ev := range events {
		assert.Equal(t, "/usr/bin/python3", ev["Image"])
		assert.Equal(t, uint32(42), ev["ProcessId"])
		assert.Equal(t, EventType, ev["EventType"])
		loaded = append(loaded, ev["ImageLoaded"].(string))
	}
	assert.Equal(t, []string{"/usr/bin/python3", "/usr/lib/libc.so.6", "/tmp/evil.so"}, loaded)

	assert.Nil(t, Events(testRecord(), nil))
}

func TestNewDetectorCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetector(dir)
	require.NoError(t, err)
	defer d.Close()

	assert.DirExists(t, filepath.Join(dir, "enabled_rules"))
	assert.DirExists(t, filepath.Join(dir, "disabled_rules"))
	assert.Equal(t, 0, d.RuleCount())
}

func TestCheckRecord(t *testing.T) {
	d, _ := newTestDetector(t, map[string]string{
		"tmp_library.yml": tmpLibraryRule,
		"not_a_rule.yml":  "foo: bar\n",
		"readme.txt":      "ignored",
	})
	assert.Equal(t, 1, d.RuleCount())

	matches := d.CheckRecord(context.Background(), testRecord(), resolve)
	require.Len(t, matches, 1)
	assert.Equal(t, "Shared Object Loaded From Temp", matches[0].Rule.Title)
	assert.Equal(t, "/tmp/evil.so", matches[0].Event["ImageLoaded"])
	assert.Contains(t, matches[0].MatchDetails, "selection")
}

func TestRulesReloadOnChange(t *testing.T) {
	d, dir := newTestDetector(t, map[string]string{"tmp_library.yml": tmpLibraryRule})
	require.Equal(t, 1, d.RuleCount())

	writeRule(t, dir, "python.yaml", pythonRule)
	require.Eventually(t, func() bool { return d.RuleCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	// python3 is the image of every event
	matches := d.CheckRecord(context.Background(), testRecord(), resolve)
	assert.Len(t, matches, 4)

	require.NoError(t, os.Remove(filepath.Join(dir, "enabled_rules", "tmp_library.yml")))
	require.Eventually(t, func() bool { return d.RuleCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestStoreMatch(t *testing.T) {
	d, _ := newTestDetector(t, map[string]string{"tmp_library.yml": tmpLibraryRule})

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	rec := testRecord()
	exitID, err := db.InsertExit(&database.ExitRecord{Timestamp: rec.Thread.Now, TGID: 42, PID: 42})
	require.NoError(t, err)

	matches := d.CheckRecord(context.Background(), rec, resolve)
	require.Len(t, matches, 1)
	require.NoError(t, StoreMatch(db, exitID, rec, matches[0]))

	stored, err := db.RecentMatches(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, exitID, stored[0].ExitID)
	assert.Equal(t, "high", stored[0].Severity)
	assert.Equal(t, "/usr/bin/python3", stored[0].Image)
	assert.Equal(t, "/tmp/evil.so", stored[0].ImageLoaded)
	assert.Equal(t, uint32(42), stored[0].ProcessID)
}
