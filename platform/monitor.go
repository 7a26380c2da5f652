package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/jnesss/exitnotify/process"
)

// DefaultRefreshInterval is how often tracked snapshots are re-captured.
const DefaultRefreshInterval = 2 * time.Second

// Monitor keeps snapshots of live processes and reports their exits to
// the observer.
type Monitor struct {
	cfg       MonitorConfig
	tracker   *process.Tracker
	refresher *process.Refresher
	exits     ExitSource
	mode      string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error
}

// NewMonitor validates cfg and creates a stopped monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, errors.New("monitor needs a process source")
	}
	if cfg.Observer == nil {
		return nil, errors.New("monitor needs an exit observer")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeAuto
	case ModeAuto, ModeEBPF, ModePoll:
	default:
		return nil, fmt.Errorf("unknown exit detection mode %q", cfg.Mode)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	return &Monitor{
		cfg:     cfg,
		tracker: process.NewTracker(),
	}, nil
}

// Start picks the exit source and begins monitoring in the background.
func (m *Monitor) Start(ctx context.Context) error {
	exits, mode, err := m.selectSource()
	if err != nil {
		return err
	}
	m.exits = exits
	m.mode = mode

	var onExit func(*process.Snapshot)
	if mode == ModePoll {
		onExit = m.cfg.Observer.ProcessExited
	}
	m.refresher = process.NewRefresher(m.cfg.Source, m.tracker, m.cfg.RefreshInterval, m.cfg.Clock, onExit)

	ctx, m.cancel = context.WithCancel(ctx)
	m.errs = make(chan error, 2)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.refresher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.errs <- err
		}
	}()

	if exits != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := exits.Run(ctx, m.handleExit); err != nil {
				m.errs <- err
			}
		}()
	}

	log.Printf("Monitoring process exits (mode %s, refresh every %v)", mode, m.cfg.RefreshInterval)
	return nil
}

func (m *Monitor) selectSource() (ExitSource, string, error) {
	if m.cfg.Exits != nil {
		return m.cfg.Exits, ModeEBPF, nil
	}

	switch m.cfg.Mode {
	case ModePoll:
		return nil, ModePoll, nil
	case ModeEBPF:
		src, err := newExitSource()
		if err != nil {
			return nil, "", err
		}
		return src, ModeEBPF, nil
	default:
		src, err := newExitSource()
		if err != nil {
			log.Printf("Warning: exit tracepoint unavailable, polling instead: %v", err)
			return nil, ModePoll, nil
		}
		return src, ModeEBPF, nil
	}
}

// handleExit turns a kernel exit notification into a snapshot.
func (m *Monitor) handleExit(ev ExitEvent) {
	if ev.PID == ev.TGID {
		snap, ok := m.tracker.Remove(ev.TGID)
		if !ok {
			// born after the last refresh; its address space is already gone
			snap = m.captureLate(ev)
		}
		m.cfg.Observer.ProcessExited(snap)
		return
	}

	if !m.cfg.ThreadExits {
		return
	}

	leader, tracked := m.tracker.Get(ev.TGID)
	snap, err := m.cfg.Source.CaptureThread(ev.TGID, ev.PID)
	if err != nil {
		log.Debugf("Capture of thread %d/%d failed: %v", ev.TGID, ev.PID, err)
		if tracked {
			snap = leader.ForThread(ev.PID)
		} else {
			snap = &process.Snapshot{TGID: ev.TGID, PID: ev.PID}
		}
	}
	if tracked {
		snap.Memory = leader.Memory
		if snap.Comm == "" {
			snap.Comm = leader.Comm
		}
	}
	m.cfg.Observer.ProcessExited(snap)
}

func (m *Monitor) captureLate(ev ExitEvent) *process.Snapshot {
	snap, err := m.cfg.Source.Capture(ev.TGID)
	if err != nil {
		log.Debugf("Capture of exiting pid %d failed: %v", ev.TGID, err)
		return &process.Snapshot{TGID: ev.TGID, PID: ev.PID}
	}
	return snap
}

// Stop ends monitoring and waits for the background work to finish.
func (m *Monitor) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	var result *multierror.Error
	if m.exits != nil {
		if err := m.exits.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.wg.Wait()
	close(m.errs)
	for err := range m.errs {
		result = multierror.Append(result, err)
	}
	m.cancel = nil
	return result.ErrorOrNil()
}

// Mode returns the exit detection mode in use after Start.
func (m *Monitor) Mode() string {
	return m.mode
}

// Tracker returns the table of live thread groups.
func (m *Monitor) Tracker() *process.Tracker {
	return m.tracker
}
