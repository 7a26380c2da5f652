package process

import (
	"sync"
	"time"

	"github.com/jnesss/exitnotify/cookie"
	"github.com/jnesss/exitnotify/types"
)

// Snapshot is what the host knows about a thread at the moment it is
// reported. A published Snapshot is not modified; refreshes replace it.
type Snapshot struct {
	TGID uint32
	PID  uint32
	Comm string

	// Accounting
	UserTime   time.Duration
	SystemTime time.Duration
	StartTime  time.Time

	// Memory is shared by every thread of the group. Nil when the
	// address space could not be read.
	Memory *MemoryContext
}

// IsLeader reports whether the snapshot describes the thread group leader.
func (s *Snapshot) IsLeader() bool {
	return s.PID == s.TGID
}

// ForThread returns a copy of s describing thread pid of the same group.
func (s *Snapshot) ForThread(pid uint32) *Snapshot {
	c := *s
	c.PID = pid
	return &c
}

// Mapping is one region of a process address space.
type Mapping struct {
	Start  uint64
	End    uint64
	Flags  uint64 // types.VM* bits
	Offset uint64
	File   *cookie.Path // nil for anonymous mappings
}

// IsExecutable reports whether the region is mapped executable.
func (m *Mapping) IsExecutable() bool {
	return m.Flags&types.VMExec != 0
}

// IsFileBacked reports whether the region maps a file.
func (m *Mapping) IsFileBacked() bool {
	return m.File != nil
}

// MemoryContext holds the mappings of a thread group and the identity
// of its main executable.
type MemoryContext struct {
	mu       sync.RWMutex
	mappings []Mapping
	exe      *cookie.Path
}

// NewMemoryContext creates a context holding mappings and exe.
func NewMemoryContext(mappings []Mapping, exe *cookie.Path) *MemoryContext {
	return &MemoryContext{mappings: mappings, exe: exe}
}

// Update replaces the mappings and executable identity.
func (mc *MemoryContext) Update(mappings []Mapping, exe *cookie.Path) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.mappings = mappings
	mc.exe = exe
}

// View calls fn with the current mappings under a shared lock. fn must
// not retain the slice or call back into the context.
func (mc *MemoryContext) View(fn func(mappings []Mapping, exe *cookie.Path)) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	fn(mc.mappings, mc.exe)
}

// Len returns the number of mappings.
func (mc *MemoryContext) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.mappings)
}

// LifecycleObserver is notified when a thread exits.
type LifecycleObserver interface {
	ProcessExited(snap *Snapshot)
}

// ObserverFunc adapts a function to LifecycleObserver.
type ObserverFunc func(snap *Snapshot)

// ProcessExited calls f(snap).
func (f ObserverFunc) ProcessExited(snap *Snapshot) {
	f(snap)
}

// Capturer takes snapshots of live processes.
type Capturer interface {
	Capture(pid uint32) (*Snapshot, error)
	Pids() ([]uint32, error)
}

// ProcessTracker defines the interface for process tracking
type ProcessTracker interface {
	Add(snap *Snapshot)
	Get(tgid uint32) (*Snapshot, bool)
	Remove(tgid uint32) (*Snapshot, bool)
	List() []*Snapshot
}
