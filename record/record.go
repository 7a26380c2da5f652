// Package record builds and parses the frames carried by the exit
// event stream.
//
// A frame is a sequence of words:
//
//	ESC RECORD_BEGIN
//	ESC THREAD_INFO_BEGIN tgid pid utime_us stime_us start_sec start_nsec now_sec now_nsec ESC THREAD_INFO_END
//	ESC MODULE_LIST_BEGIN n (start end flags cookie offset)*n ESC MODULE_LIST_END
//	ESC RECORD_END
package record

import (
	"time"

	"github.com/jnesss/exitnotify/types"
)

// ThreadInfo is the identity and accounting of the exiting thread.
type ThreadInfo struct {
	TGID       uint32
	PID        uint32
	UserTime   time.Duration
	SystemTime time.Duration
	StartTime  time.Time
	Now        time.Time
}

// Module is one executable, file backed mapping of the exiting process.
type Module struct {
	Start  uint64
	End    uint64
	Flags  uint64
	Cookie uint64
	Offset uint64
}

// IsMainExecutable reports whether the mapping backs the process image.
func (m Module) IsMainExecutable() bool {
	return m.Flags&types.VMExecutable != 0
}

// Size returns the length of the mapped range in bytes.
func (m Module) Size() uint64 {
	if m.End < m.Start {
		return 0
	}
	return m.End - m.Start
}

// Record is a decoded frame.
type Record struct {
	Thread  ThreadInfo
	Modules []Module
}

// Words returns the encoded size of the record.
func (r *Record) Words() int {
	return types.FrameWords(len(r.Modules))
}

// AppendControl appends an escaped control code.
func AppendControl(dst []uint64, code types.Code) []uint64 {
	return append(dst, types.EscapeCode, uint64(code))
}

// AppendThreadInfo appends a complete thread info section.
func AppendThreadInfo(dst []uint64, ti ThreadInfo) []uint64 {
	dst = AppendControl(dst, types.ThreadInfoBegin)
	dst = append(dst,
		uint64(ti.TGID),
		uint64(ti.PID),
		uint64(ti.UserTime/time.Microsecond),
		uint64(ti.SystemTime/time.Microsecond),
		unixSec(ti.StartTime),
		unixNsec(ti.StartTime),
		unixSec(ti.Now),
		unixNsec(ti.Now),
	)
	return AppendControl(dst, types.ThreadInfoEnd)
}

// AppendModule appends the five words of one module entry.
func AppendModule(dst []uint64, m Module) []uint64 {
	return append(dst, m.Start, m.End, m.Flags, m.Cookie, m.Offset)
}

// Append appends the full frame for r.
func Append(dst []uint64, r *Record) []uint64 {
	dst = AppendControl(dst, types.RecordBegin)
	dst = AppendThreadInfo(dst, r.Thread)
	dst = AppendControl(dst, types.ModuleListBegin)
	dst = append(dst, uint64(len(r.Modules)))
	for _, m := range r.Modules {
		dst = AppendModule(dst, m)
	}
	dst = AppendControl(dst, types.ModuleListEnd)
	return AppendControl(dst, types.RecordEnd)
}

func unixSec(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func unixNsec(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Nanosecond())
}

func fromUnix(sec, nsec uint64) time.Time {
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}
