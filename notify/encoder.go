package notify

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/jnesss/exitnotify/buffer"
	"github.com/jnesss/exitnotify/cookie"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/types"
)

// encode writes the frame for snap into the ring. It must be called
// with n.mu held.
func (n *Notifier) encode(snap *process.Snapshot) {
	n.stats.EventReceived.Inc()

	frame := n.scratch[:0]
	frame = record.AppendControl(frame, types.RecordBegin)
	frame = record.AppendThreadInfo(frame, record.ThreadInfo{
		TGID:       snap.TGID,
		PID:        snap.PID,
		UserTime:   snap.UserTime,
		SystemTime: snap.SystemTime,
		StartTime:  snap.StartTime,
		Now:        n.clock.Now(),
	})
	frame = record.AppendControl(frame, types.ModuleListBegin)

	if snap.Memory == nil {
		n.stats.SampleLostNoContext.Inc()
		frame = append(frame, 0)
	} else {
		snap.Memory.View(func(mappings []process.Mapping, exe *cookie.Path) {
			frame = n.appendModules(frame, mappings, exe)
		})
	}

	frame = record.AppendControl(frame, types.ModuleListEnd)
	frame = record.AppendControl(frame, types.RecordEnd)
	n.scratch = frame

	err := n.buf.Append(frame)
	switch {
	case err == nil:
	case errors.Is(err, buffer.ErrOverflow):
		n.stats.EventLostOverflow.Inc()
		log.Debugf("Dropped exit of pid %d: %d word frame does not fit", snap.PID, len(frame))
	default:
		log.Debugf("Dropped exit of pid %d: %v", snap.PID, err)
	}
}

func (n *Notifier) appendModules(frame []uint64, mappings []process.Mapping, exe *cookie.Path) []uint64 {
	count := 0
	for i := range mappings {
		if mappings[i].IsExecutable() && mappings[i].IsFileBacked() {
			count++
		}
	}
	frame = append(frame, uint64(count))
	if count == 0 {
		return frame
	}

	exeCookie := n.cache.Resolve(exe)
	for i := range mappings {
		m := &mappings[i]
		if !m.IsExecutable() || !m.IsFileBacked() {
			continue
		}

		ck := n.cache.Resolve(m.File)
		flags := m.Flags
		if ck == exeCookie && ck != types.NoCookie && ck != types.InvalidCookie {
			flags |= types.VMExecutable
		}
		frame = record.AppendModule(frame, record.Module{
			Start:  m.Start,
			End:    m.End,
			Flags:  flags,
			Cookie: ck,
			Offset: m.Offset,
		})
	}
	return frame
}
