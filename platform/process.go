package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jnesss/exitnotify/cookie"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/types"
)

// userHZ is the kernel's USER_HZ, the unit of the stat time fields.
const userHZ = 100

// DefaultPathTableSize bounds the number of interned path identities.
const DefaultPathTableSize = 16 * 1024

type pathKey struct {
	dev  uint64
	ino  uint64
	name string
}

// ProcSource captures snapshots from a procfs mount.
type ProcSource struct {
	root     string
	fs       procfs.FS
	bootTime time.Time

	// paths interns identities so every capture of the same file hands
	// out the same *cookie.Path
	paths *lru.Cache
}

// NewProcSource opens the procfs mounted at root.
func NewProcSource(root string, pathTableSize int) (*ProcSource, error) {
	if pathTableSize <= 0 {
		pathTableSize = DefaultPathTableSize
	}

	pfs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", root, err)
	}
	stat, err := pfs.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading boot time: %w", err)
	}
	paths, err := lru.New(pathTableSize)
	if err != nil {
		return nil, err
	}

	return &ProcSource{
		root:     root,
		fs:       pfs,
		bootTime: time.Unix(int64(stat.BootTime), 0),
		paths:    paths,
	}, nil
}

// Pids lists the thread group ids of live processes.
func (s *ProcSource) Pids() ([]uint32, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	pids := make([]uint32, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, uint32(p.PID))
	}
	return pids, nil
}

// Capture snapshots thread group pid. The memory context is nil when the
// address space is empty or unreadable.
func (s *ProcSource) Capture(pid uint32) (*process.Snapshot, error) {
	p, err := s.fs.Proc(int(pid))
	if err != nil {
		return nil, err
	}

	snap, err := s.accounting(p)
	if err != nil {
		return nil, err
	}
	snap.TGID = pid
	snap.PID = pid

	maps, err := p.ProcMaps()
	switch {
	case err != nil:
		log.Debugf("Cannot read maps of pid %d: %v", pid, err)
	case len(maps) == 0:
		// kernel thread or zombie
	default:
		snap.Memory = process.NewMemoryContext(s.mappings(maps), s.executable(pid))
	}
	return snap, nil
}

// CaptureThread snapshots one thread of group tgid. The returned
// snapshot carries no memory context; callers attach the group's.
func (s *ProcSource) CaptureThread(tgid, tid uint32) (*process.Snapshot, error) {
	p, err := s.fs.Proc(int(tgid))
	if err != nil {
		return nil, err
	}
	t, err := p.Thread(int(tid))
	if err != nil {
		return nil, err
	}

	snap, err := s.accounting(t)
	if err != nil {
		return nil, err
	}
	snap.TGID = tgid
	snap.PID = tid
	return snap, nil
}

func (s *ProcSource) accounting(p procfs.Proc) (*process.Snapshot, error) {
	stat, err := p.Stat()
	if err != nil {
		return nil, err
	}
	return &process.Snapshot{
		Comm:       stat.Comm,
		UserTime:   ticks(uint64(stat.UTime)),
		SystemTime: ticks(uint64(stat.STime)),
		StartTime:  s.bootTime.Add(ticks(stat.Starttime)),
	}, nil
}

func ticks(n uint64) time.Duration {
	return time.Duration(n) * time.Second / userHZ
}

func (s *ProcSource) mappings(maps []*procfs.ProcMap) []process.Mapping {
	out := make([]process.Mapping, 0, len(maps))
	for _, pm := range maps {
		m := process.Mapping{
			Start:  uint64(pm.StartAddr),
			End:    uint64(pm.EndAddr),
			Offset: uint64(pm.Offset),
		}
		if pm.Perms != nil {
			if pm.Perms.Read {
				m.Flags |= types.VMRead
			}
			if pm.Perms.Write {
				m.Flags |= types.VMWrite
			}
			if pm.Perms.Execute {
				m.Flags |= types.VMExec
			}
			if pm.Perms.Shared {
				m.Flags |= types.VMShared
			}
		}
		if pm.Inode != 0 && pm.Pathname != "" && !strings.HasPrefix(pm.Pathname, "[") {
			m.File = s.intern(pm.Dev, pm.Inode, strings.TrimSuffix(pm.Pathname, " (deleted)"))
		}
		out = append(out, m)
	}
	return out
}

func (s *ProcSource) executable(pid uint32) *cookie.Path {
	link := filepath.Join(s.root, fmt.Sprint(pid), "exe")

	var st unix.Stat_t
	if err := unix.Stat(link, &st); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Debugf("Cannot stat executable of pid %d: %v", pid, err)
		}
		return nil
	}

	name := ""
	if p, err := s.fs.Proc(int(pid)); err == nil {
		name, _ = p.Executable()
	}
	return s.intern(uint64(st.Dev), uint64(st.Ino), strings.TrimSuffix(name, " (deleted)"))
}

func (s *ProcSource) intern(dev, ino uint64, name string) *cookie.Path {
	key := pathKey{dev: dev, ino: ino}
	if ino == 0 {
		key = pathKey{name: name}
	}
	if v, ok := s.paths.Get(key); ok {
		return v.(*cookie.Path)
	}
	p := &cookie.Path{Dev: dev, Ino: ino, Name: name}
	s.paths.Add(key, p)
	return p
}
