package pario

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-pario/internal/asyncloop"
	"github.com/behrlich/go-pario/internal/errpolicy"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
)

// writeDarrayTag/writeDarrayLenTag are the InterComm tags the WriteDarray
// RPC's length-then-payload frame rides; headerTag (asyncloop's opcode
// announcement) is 1, so these start well clear of it.
const (
	writeDarrayLenTag = 10
	writeDarrayTag    = 11
)

// AsyncHandle is InitAsync's half of the wiring that doesn't fit inside
// IoSystem: on I/O ranks, the IoSystem built purely over sys's I/O ranks
// (the one a handler's CreateFile/DefDim/DefVar/WriteDarray calls actually
// run against) plus one InterComm per registered compute component; on a
// compute component's root rank, the single InterComm it sends opcodes
// over. Every other rank (a non-root compute rank) gets a zero AsyncHandle.
type AsyncHandle struct {
	ioSys      *IoSystem
	components []*substrate.InterComm
	toIO       *substrate.InterComm
	remoteSize int
}

// IOSystem returns the IoSystem built over sys's I/O ranks alone — the
// union group every handler's CreateFile/DefDim/InitDecomp/WriteDarray
// call must run against, collectively, before Loop.Run starts dispatching.
// Nil on compute ranks.
func (h *AsyncHandle) IOSystem() *IoSystem { return h.ioSys }

// ToIO is the InterComm a compute component's root rank sends opcodes
// over. Nil on every rank except a component's local rank 0, and on I/O
// ranks.
func (h *AsyncHandle) ToIO() *substrate.InterComm { return h.toIO }

// NewLoop builds this I/O rank's asyncloop.Loop against handlers. It's a
// method on AsyncHandle rather than something InitAsync builds itself
// because handlers almost always close over a *File, and that File has to
// be created (via the ordinary, broadcast-consistent CreateFile/DefDim/
// DefVar calls, against h.IOSystem()) after InitAsync returns, not before
// — InitAsync's own scope stops at topology: who talks to whom, and over
// what, not what the I/O side serves once it starts listening. Nil on
// compute ranks.
func (h *AsyncHandle) NewLoop(handlers asyncloop.HandlerTable) *asyncloop.Loop {
	if h.ioSys == nil {
		return nil
	}
	return asyncloop.NewLoop(h.ioSys.UnionComm(), h.components, handlers)
}

// InitAsync builds an IoSystem the way InitIntracomm does, then layers the
// async transport on top: an InterComm bridging each compute component in
// compRanksPerComponent to the I/O ranks (resolved the same
// numIOTasks/ioStride/ioBase way InitIntracomm resolves them). Every rank
// of comm — I/O and compute alike — must call InitAsync with identical
// comm, compRanksPerComponent, numIOTasks, ioStride, and ioBase, the same
// all-ranks-agree contract InitIntracomm and IncludeRanks already require.
func InitAsync(comm substrate.Comm, compRanksPerComponent [][]int, numIOTasks, ioStride, ioBase int, rearranger rearrange.Kind, policy errpolicy.Kind) (*IoSystem, *AsyncHandle, error) {
	ioRanks, err := resolveIoRanks(comm, numIOTasks, ioStride, ioBase)
	if err != nil {
		return nil, nil, fmt.Errorf("pario: InitAsync: %w", err)
	}
	sys, err := buildIoSystem(comm, ioRanks, rearranger, policy)
	if err != nil {
		return nil, nil, fmt.Errorf("pario: InitAsync: %w", err)
	}

	h := &AsyncHandle{remoteSize: len(ioRanks)}
	isIO := sys.IsIORank()

	if isIO {
		h.ioSys, err = InitIntracomm(sys.ioComm, sys.ioComm.Size(), 1, 0, rearranger, policy)
		if err != nil {
			return nil, nil, fmt.Errorf("pario: InitAsync: building io-side system: %w", err)
		}
	}

	for idx, ranks := range compRanksPerComponent {
		compComm, err := comm.IncludeRanks(ranks)
		if err != nil {
			return nil, nil, fmt.Errorf("pario: InitAsync: split component %d: %w", idx, err)
		}
		key := fmt.Sprintf("pario-async-component-%d", idx)
		switch {
		case isIO:
			h.components = append(h.components, substrate.JoinInterComm(key, 1, sys.ioComm.Rank()))
		case compComm != nil:
			ic := substrate.JoinInterComm(key, 0, compComm.Rank())
			if compComm.Rank() == 0 {
				h.toIO = ic
			}
		}
	}

	if isIO {
		sys.log.Debug("async topology assembled", "components", len(h.components))
	}

	return sys, h, nil
}

// sendFramed fans payload out from ic's local root across remoteSize
// remote ranks, sending its length first so the receivers can size their
// buffer: BroadcastFromLocalRoot's remote side copies straight into a
// caller-allocated buffer, so a fixed-size round isn't enough once the
// payload's length varies by call.
func sendFramed(ic *substrate.InterComm, remoteSize, lenTag, bodyTag int, payload []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	if err := ic.BroadcastFromLocalRoot(0, lenBuf, remoteSize, lenTag); err != nil {
		return err
	}
	return ic.BroadcastFromLocalRoot(0, payload, remoteSize, bodyTag)
}

// recvFramed is sendFramed's dual, called by every remote rank.
func recvFramed(ic *substrate.InterComm, lenTag, bodyTag int) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := ic.ReceiveBroadcast(0, lenBuf, lenTag); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(lenBuf))
	if _, err := ic.ReceiveBroadcast(0, buf, bodyTag); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeDarrayRequest is everything a compute component's root needs to
// hand an I/O-side handler to perform a real WriteDarray on its behalf:
// enough to rebuild the Decomp locally (InitDecomp is collective over the
// I/O-only system, not the sender) plus the local data the sender already
// rearranged into one buffer.
type writeDarrayRequest struct {
	varid   int32
	typ     typetag.Type
	gdim    []int64
	compmap []int64
	data    []byte
}

func marshalWriteDarrayRequest(r writeDarrayRequest) []byte {
	u32 := make([]byte, 4)
	var buf []byte

	binary.LittleEndian.PutUint32(u32, uint32(r.varid))
	buf = append(buf, u32...)
	binary.LittleEndian.PutUint32(u32, uint32(r.typ))
	buf = append(buf, u32...)

	binary.LittleEndian.PutUint32(u32, uint32(len(r.gdim)))
	buf = append(buf, u32...)
	buf = append(buf, encodeInt64s(r.gdim)...)

	binary.LittleEndian.PutUint32(u32, uint32(len(r.compmap)))
	buf = append(buf, u32...)
	buf = append(buf, encodeInt64s(r.compmap)...)

	binary.LittleEndian.PutUint32(u32, uint32(len(r.data)))
	buf = append(buf, u32...)
	buf = append(buf, r.data...)
	return buf
}

func unmarshalWriteDarrayRequest(buf []byte) writeDarrayRequest {
	pos := 0
	readU32 := func() int {
		v := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		return v
	}

	varid := int32(readU32())
	typ := typetag.Type(readU32())

	gdimLen := readU32()
	gdim := decodeInt64s(buf[pos : pos+gdimLen*8])
	pos += gdimLen * 8

	compmapLen := readU32()
	compmap := decodeInt64s(buf[pos : pos+compmapLen*8])
	pos += compmapLen * 8

	dataLen := readU32()
	data := append([]byte(nil), buf[pos:pos+dataLen]...)

	return writeDarrayRequest{varid: varid, typ: typ, gdim: gdim, compmap: compmap, data: data}
}

// SendWriteDarray is the compute-side half of the real OpWriteDarray
// dispatch: it announces the opcode over h.ToIO() and fans the write's
// parameters and data out to every I/O rank. Only a component's root rank
// (the only rank InitAsync gives a non-nil ToIO()) may call it.
func SendWriteDarray(h *AsyncHandle, varid int32, gdim []int64, t typetag.Type, compmap []int64, data []byte) error {
	if h.toIO == nil {
		return fmt.Errorf("pario: SendWriteDarray: called on a rank that is not a component root")
	}
	if err := asyncloop.SendOpcode(h.toIO, asyncloop.OpWriteDarray); err != nil {
		return fmt.Errorf("pario: SendWriteDarray: send opcode: %w", err)
	}
	payload := marshalWriteDarrayRequest(writeDarrayRequest{varid: varid, typ: t, gdim: gdim, compmap: compmap, data: data})
	if err := sendFramed(h.toIO, h.remoteSize, writeDarrayLenTag, writeDarrayTag, payload); err != nil {
		return fmt.Errorf("pario: SendWriteDarray: send payload: %w", err)
	}
	return nil
}

// SendExit announces OpExit over h.ToIO(), telling the I/O group this
// component is done. Only a component's root rank may call it.
func SendExit(h *AsyncHandle) error {
	if h.toIO == nil {
		return fmt.Errorf("pario: SendExit: called on a rank that is not a component root")
	}
	return asyncloop.SendOpcode(h.toIO, asyncloop.OpExit)
}

// WriteDarrayHandler builds the OpWriteDarray handler every I/O rank
// registers: it receives the request SendWriteDarray fanned out, rebuilds
// the Decomp collectively over ioSys (every I/O rank calls InitDecomp
// here, in lockstep, the way asyncloop.Loop.Run already dispatches every
// I/O rank's handler in lockstep), writes through f, the real driver-
// backed *File ordinary CreateFile/DefDim/DefVar calls already opened on
// ioSys, and frees the Decomp again.
func WriteDarrayHandler(ioSys *IoSystem, f *File) asyncloop.Handler {
	return func(ic *substrate.InterComm) error {
		buf, err := recvFramed(ic, writeDarrayLenTag, writeDarrayTag)
		if err != nil {
			return fmt.Errorf("asyncloop: WriteDarray handler: recv: %w", err)
		}
		req := unmarshalWriteDarrayRequest(buf)

		dec, err := InitDecomp(ioSys, len(req.gdim), req.gdim, req.typ, req.compmap)
		if err != nil {
			return fmt.Errorf("asyncloop: WriteDarray handler: init decomp: %w", err)
		}
		if err := f.WriteDarray(req.varid, dec, false, req.data); err != nil {
			return fmt.Errorf("asyncloop: WriteDarray handler: write: %w", err)
		}
		return FreeDecomp(dec)
	}
}

// ExitHandler builds the OpExit handler every I/O rank registers. It does
// no I/O of its own; asyncloop.Loop.Run already removes the sending
// component from its live set once this returns.
func ExitHandler() asyncloop.Handler {
	return func(ic *substrate.InterComm) error { return nil }
}
