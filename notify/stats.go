package notify

import (
	"go.uber.org/atomic"
)

// Stats holds the subsystem counters. Producers update them without
// locking; they are reset only while capture is stopped.
type Stats struct {
	// SampleLostNoContext counts exits reported without a memory context.
	SampleLostNoContext atomic.Uint64
	// EventLostOverflow counts frames rejected by a full buffer.
	EventLostOverflow atomic.Uint64
	// EventReceived counts exits handed to the encoder.
	EventReceived atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SampleLostNoContext uint64 `json:"sample_lost_no_mm"`
	EventLostOverflow   uint64 `json:"event_lost_overflow"`
	EventReceived       uint64 `json:"event_received"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SampleLostNoContext: s.SampleLostNoContext.Load(),
		EventLostOverflow:   s.EventLostOverflow.Load(),
		EventReceived:       s.EventReceived.Load(),
	}
}

func (s *Stats) reset() {
	s.SampleLostNoContext.Store(0)
	s.EventLostOverflow.Store(0)
	s.EventReceived.Store(0)
}

// Lookup returns a counter by its control surface name.
func (s StatsSnapshot) Lookup(name string) (uint64, bool) {
	switch name {
	case "sample_lost_no_mm":
		return s.SampleLostNoContext, true
	case "event_lost_overflow":
		return s.EventLostOverflow, true
	case "event_received":
		return s.EventReceived, true
	default:
		return 0, false
	}
}
