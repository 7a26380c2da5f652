package platform

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jnesss/exitnotify/process"
)

// Exit detection modes
const (
	ModeAuto = "auto" // ebpf when it loads, poll otherwise
	ModeEBPF = "ebpf"
	ModePoll = "poll"
)

// ErrUnsupported is returned when the kernel exit tracepoint cannot be used
// on this platform.
var ErrUnsupported = errors.New("exit tracepoint not supported on this platform")

// ExitEvent identifies a thread that exited.
type ExitEvent struct {
	TGID uint32
	PID  uint32
}

// decodePidTgid splits a bpf_get_current_pid_tgid value.
func decodePidTgid(v uint64) ExitEvent {
	return ExitEvent{TGID: uint32(v >> 32), PID: uint32(v)}
}

// ExitSource delivers kernel exit notifications.
type ExitSource interface {
	// Run calls handle for every exit until ctx is done or the source is
	// closed.
	Run(ctx context.Context, handle func(ExitEvent)) error
	Close() error
}

// Source captures snapshots of processes and of single threads.
type Source interface {
	process.Capturer
	CaptureThread(tgid, tid uint32) (*process.Snapshot, error)
}

// MonitorConfig holds configuration for creating a new monitor
type MonitorConfig struct {
	Source   Source
	Observer process.LifecycleObserver

	// Mode is one of ModeAuto, ModeEBPF or ModePoll.
	Mode string
	// Exits overrides the kernel exit source.
	Exits ExitSource

	RefreshInterval time.Duration
	// ThreadExits reports non-leader thread exits as their own records
	// when the exit source can see them.
	ThreadExits bool
	Clock       clock.Clock
}
