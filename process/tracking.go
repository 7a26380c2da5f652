package process

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jnesss/exitnotify/record"
)

// Tracker is a thread-safe map of the live thread groups, keyed by TGID
type Tracker struct {
	processes map[uint32]*Snapshot
	mu        sync.RWMutex
}

// NewTracker creates a new tracker
func NewTracker() *Tracker {
	return &Tracker{
		processes: make(map[uint32]*Snapshot),
	}
}

// Add adds or replaces a thread group
func (t *Tracker) Add(snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processes[snap.TGID] = snap
}

// Get retrieves a thread group
func (t *Tracker) Get(tgid uint32) (*Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, exists := t.processes[tgid]
	return snap, exists
}

// Remove removes a thread group and returns its last snapshot
func (t *Tracker) Remove(tgid uint32) (*Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, exists := t.processes[tgid]
	delete(t.processes, tgid)
	return snap, exists
}

// List returns all tracked thread groups
func (t *Tracker) List() []*Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snaps := make([]*Snapshot, 0, len(t.processes))
	for _, s := range t.processes {
		snaps = append(snaps, s)
	}
	return snaps
}

// Len returns the number of tracked thread groups
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processes)
}

// Merge publishes a fresh capture of a tracked group. When the group is
// already known and has the same start time, its memory context is
// updated in place so exit handlers holding the old snapshot see the
// latest mappings. A different start time means the pid was reused; the
// previous group is returned as replaced.
func (t *Tracker) Merge(snap *Snapshot) (replaced *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.processes[snap.TGID]
	switch {
	case !ok:
	case !old.StartTime.Equal(snap.StartTime):
		replaced = old
	case old.Memory != nil && snap.Memory != nil:
		snap.Memory.View(old.Memory.Update)
		snap.Memory = old.Memory
	case old.Memory != nil:
		// keep the last known mappings when the new capture had none
		snap.Memory = old.Memory
	}
	t.processes[snap.TGID] = snap
	return replaced
}

// FormatRecord formats a decoded exit record for logging. resolve maps
// cookies back to paths and may be nil.
func FormatRecord(rec *record.Record, resolve func(uint64) (string, bool)) string {
	ti := rec.Thread

	kind := "EXIT"
	if ti.PID != ti.TGID {
		kind = "THREAD_EXIT"
	}
	basic := fmt.Sprintf("%s: pid=%d tgid=%d", kind, ti.PID, ti.TGID)

	runtime := "unknown"
	if !ti.StartTime.IsZero() && !ti.Now.IsZero() {
		runtime = ti.Now.Sub(ti.StartTime).Round(time.Millisecond).String()
	}
	details := fmt.Sprintf("runtime=%s utime=%s stime=%s modules=%d",
		runtime, ti.UserTime, ti.SystemTime, len(rec.Modules))

	var exe string
	var mapped uint64
	names := make([]string, 0, len(rec.Modules))
	seen := make(map[uint64]bool)
	for _, m := range rec.Modules {
		mapped += m.Size()
		if seen[m.Cookie] {
			continue
		}
		seen[m.Cookie] = true

		name := fmt.Sprintf("cookie:%d", m.Cookie)
		if resolve != nil {
			if path, ok := resolve(m.Cookie); ok {
				name = path
			}
		}
		if m.IsMainExecutable() {
			exe = name
			continue
		}
		names = append(names, name)
	}
	if len(rec.Modules) > 0 {
		details += fmt.Sprintf(" mapped=%s", humanize.IBytes(mapped))
	}
	if exe != "" {
		details += fmt.Sprintf(" exe=%s", exe)
	}
	if len(names) > 0 {
		sort.Strings(names)
		details += fmt.Sprintf(" libs=%s", strings.Join(names, ","))
	}

	return fmt.Sprintf("%s %s", basic, details)
}
