package pario

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-pario/internal/constants"
	"github.com/behrlich/go-pario/internal/errpolicy"
	"github.com/behrlich/go-pario/internal/logging"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/registry"
	"github.com/behrlich/go-pario/internal/substrate"
)

// commBroadcaster adapts a substrate.Comm to errpolicy.Broadcaster, so the
// error policy's Broadcast kind can ride the same Comm every other
// collective in a system uses instead of a second transport.
type commBroadcaster struct{ c substrate.Comm }

func (b commBroadcaster) BroadcastInt(root int, v *int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(int64(*v)))
	if err := b.c.Bcast(root, buf); err != nil {
		return err
	}
	*v = int(int64(binary.LittleEndian.Uint64(buf)))
	return nil
}

// applyPolicy threads err through sys's error policy over its union group.
func (s *IoSystem) applyPolicy(op string, err error) error {
	return s.policy.Apply(op, commBroadcaster{s.unionComm}, s.ioRoot(), err)
}

// systems is the process-wide IoSystem table, the same shape
// ctrl.Controller kept for devices, generalized to a standalone generic
// table (internal/registry) shared with the File table below.
var systems = registry.New[*IoSystem]()

// IoSystem is the caller-visible handle describing the union group a set
// of compute ranks and I/O ranks share, plus which of those ranks this
// process is. Every rank in unionComm must build its IoSystem with
// matching InitIntracomm arguments, in the same order.
type IoSystem struct {
	id int32

	unionComm substrate.Comm
	ioComm    substrate.Comm // nil unless this rank isIO
	ioRanks   []int          // union-rank indices of the I/O ranks, sorted

	rearranger rearrange.Kind
	policy     errpolicy.Policy
	byteBudget int64

	metrics *Metrics
	log     *logging.Logger
}

// ID returns the process-wide identifier InitIntracomm assigned this
// system, the id space Error.SysID refers back to for error reporting.
func (s *IoSystem) ID() int32 { return s.id }

// IsIORank reports whether the calling rank is one of this system's I/O
// ranks.
func (s *IoSystem) IsIORank() bool { return s.ioComm != nil }

// UnionComm returns the full compute+I/O group this system was built over.
func (s *IoSystem) UnionComm() substrate.Comm { return s.unionComm }

// ioRoot is the union-rank index every metadata-mutating driver call
// (DefDim, DefVar, PutAtt, Create, ...) actually runs on; every other
// rank, I/O or compute, learns the result by broadcast. Only the data-path
// operations (WriteDarray/ReadDarray, via internal/iopath) have every I/O
// rank touch the driver directly, each with its own region.
func (s *IoSystem) ioRoot() int { return s.ioRanks[0] }

// resolveIoRanks applies the (numIOTasks, ioStride, ioBase) defaults and
// computes the union-rank indices of the I/O tasks, shared by
// InitIntracomm and InitAsync so the two never drift apart on how a
// process list turns into an io-rank set.
func resolveIoRanks(comm substrate.Comm, numIOTasks, ioStride, ioBase int) ([]int, error) {
	if numIOTasks <= 0 {
		numIOTasks = constants.DefaultNumIOTasks
	}
	if ioStride <= 0 {
		ioStride = constants.DefaultIOStride
	}

	n := comm.Size()
	ioRanks := make([]int, 0, numIOTasks)
	for i := 0; i < numIOTasks; i++ {
		r := ioBase + i*ioStride
		if r >= n {
			return nil, fmt.Errorf("io rank %d out of range for group of size %d", r, n)
		}
		ioRanks = append(ioRanks, r)
	}
	return ioRanks, nil
}

// buildIoSystem splits comm into its I/O subgroup and registers the
// resulting IoSystem. Every rank of comm must call it with an identical
// ioRanks, since comm.IncludeRanks barriers comm's whole membership.
func buildIoSystem(comm substrate.Comm, ioRanks []int, rearranger rearrange.Kind, policy errpolicy.Kind) (*IoSystem, error) {
	isIO := false
	for _, r := range ioRanks {
		if r == comm.Rank() {
			isIO = true
			break
		}
	}

	// Every rank of comm calls IncludeRanks, not just the I/O ranks:
	// localComm.IncludeRanks barriers its whole parent group before anyone
	// derives a child hub, so a rank that skipped the call would leave the
	// I/O ranks waiting on a round that never completes. Ranks outside
	// ioRanks get back (nil, nil), exactly what isIO == false needs.
	c, err := comm.IncludeRanks(ioRanks)
	if err != nil {
		return nil, fmt.Errorf("split io group: %w", err)
	}
	var ioComm substrate.Comm
	if isIO {
		ioComm = c
	}

	s := &IoSystem{
		unionComm:  comm,
		ioComm:     ioComm,
		ioRanks:    ioRanks,
		rearranger: rearranger,
		policy:     errpolicy.New(policy),
		byteBudget: constants.DefaultIOByteBudget,
		metrics:    NewMetrics(),
	}
	s.id = systems.Add(s)
	s.log = logging.Default().With("sys", s.id, "rearranger", rearranger)
	s.log.Debug("system registered", "comm_size", comm.Size(), "num_io_ranks", len(ioRanks), "is_io", isIO)
	return s, nil
}

// InitIntracomm builds an IoSystem from numIOTasks ranks of comm, spaced
// ioStride apart starting at ioBase; the caller picks which ranks act as
// I/O tasks. Every rank of comm must call InitIntracomm with identical
// arguments.
func InitIntracomm(comm substrate.Comm, numIOTasks, ioStride, ioBase int, rearranger rearrange.Kind, policy errpolicy.Kind) (*IoSystem, error) {
	ioRanks, err := resolveIoRanks(comm, numIOTasks, ioStride, ioBase)
	if err != nil {
		return nil, fmt.Errorf("pario: InitIntracomm: %w", err)
	}
	s, err := buildIoSystem(comm, ioRanks, rearranger, policy)
	if err != nil {
		return nil, fmt.Errorf("pario: InitIntracomm: %w", err)
	}
	return s, nil
}

// Finalize releases sys's I/O subgroup and removes it from the process
// registry. Every rank of sys.UnionComm() must call Finalize.
func Finalize(sys *IoSystem) error {
	if sys.ioComm != nil {
		if err := sys.ioComm.Free(); err != nil && err != substrate.ErrFreed {
			return sys.applyPolicy("Finalize", err)
		}
	}
	sys.log.Debug("system finalized")
	systems.Remove(sys.id)
	return nil
}
