package process

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Refresher keeps the tracker's snapshots current by re-capturing every
// live thread group on a fixed interval. Groups that disappear between
// two passes are handed to the exit callback.
type Refresher struct {
	source   Capturer
	tracker  *Tracker
	interval time.Duration
	clock    clock.Clock

	// onExit is called for groups that vanished or whose pid was reused.
	// Nil means disappearances are only dropped from the tracker.
	onExit func(*Snapshot)
}

// NewRefresher creates a new refresher
func NewRefresher(source Capturer, tracker *Tracker, interval time.Duration, clk clock.Clock, onExit func(*Snapshot)) *Refresher {
	if clk == nil {
		clk = clock.New()
	}
	return &Refresher{
		source:   source,
		tracker:  tracker,
		interval: interval,
		clock:    clk,
		onExit:   onExit,
	}
}

// Start runs a pass immediately, then one per interval until ctx is done.
func (r *Refresher) Start(ctx context.Context) error {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	log.Printf("Refreshing process snapshots every %v", r.interval)

	if err := r.Refresh(); err != nil {
		log.Printf("Error refreshing processes: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(); err != nil {
				log.Printf("Error refreshing processes: %v", err)
			}
		}
	}
}

// Refresh performs a single pass.
func (r *Refresher) Refresh() error {
	pids, err := r.source.Pids()
	if err != nil {
		return err
	}

	live := make(map[uint32]bool, len(pids))
	for _, pid := range pids {
		snap, err := r.source.Capture(pid)
		if err != nil {
			// usually the process exited between listing and capture;
			// the disappearance is handled below
			log.Debugf("Capture of pid %d failed: %v", pid, err)
			continue
		}
		live[snap.TGID] = true

		if replaced := r.tracker.Merge(snap); replaced != nil {
			log.Debugf("pid %d reused, reporting previous process as exited", pid)
			r.exited(replaced)
		}
	}

	for _, snap := range r.tracker.List() {
		if live[snap.TGID] {
			continue
		}
		if gone, ok := r.tracker.Remove(snap.TGID); ok {
			r.exited(gone)
		}
	}
	return nil
}

func (r *Refresher) exited(snap *Snapshot) {
	if r.onExit != nil {
		r.onExit(snap)
	}
}
