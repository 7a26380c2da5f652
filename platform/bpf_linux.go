//go:build linux

package platform

import (
	"context"
	binenc "encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// ringSize is the size of the kernel to user ring in bytes.
const ringSize = 1 << 20

// bpfExitSource reports every task passing the sched_process_exit
// tracepoint. Each sample is the 8-byte result of
// bpf_get_current_pid_tgid: tgid in the upper half, tid in the lower.
type bpfExitSource struct {
	events *ebpf.Map
	prog   *ebpf.Program
	tp     link.Link
	reader *ringbuf.Reader

	closeOnce sync.Once
}

func newExitSource() (ExitSource, error) {
	// Remove resource limits
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "exit_events",
		Type:       ebpf.RingBuf,
		MaxEntries: ringSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exit ring: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "trace_exit",
		Type:         ebpf.TracePoint,
		License:      "GPL",
		Instructions: exitProgram(events.FD()),
	})
	if err != nil {
		events.Close()
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			log.Debugf("%+v", verr)
		}
		return nil, fmt.Errorf("failed to load exit program: %w", err)
	}

	tp, err := link.Tracepoint("sched", "sched_process_exit", prog, nil)
	if err != nil {
		prog.Close()
		events.Close()
		return nil, fmt.Errorf("failed to attach exit tracepoint: %w", err)
	}

	reader, err := ringbuf.NewReader(events)
	if err != nil {
		tp.Close()
		prog.Close()
		events.Close()
		return nil, fmt.Errorf("failed to create exit ringbuf reader: %w", err)
	}

	return &bpfExitSource{events: events, prog: prog, tp: tp, reader: reader}, nil
}

func exitProgram(ringFD int) asm.Instructions {
	return asm.Instructions{
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, -8, asm.R0, asm.DWord),
		asm.LoadMapPtr(asm.R1, ringFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.Mov.Imm(asm.R3, 8),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
}

func (s *bpfExitSource) Run(ctx context.Context, handle func(ExitEvent)) error {
	go func() {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			log.Printf("Error closing exit tracepoint: %v", err)
		}
	}()

	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			log.Printf("Error reading from exit ring buffer: %v", err)
			continue
		}

		if len(record.RawSample) < 8 {
			log.Printf("Short exit sample: %d bytes", len(record.RawSample))
			continue
		}
		handle(decodePidTgid(binenc.LittleEndian.Uint64(record.RawSample)))
	}
}

func (s *bpfExitSource) Close() error {
	var result *multierror.Error
	s.closeOnce.Do(func() {
		if err := s.reader.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.tp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.prog.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.events.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}
