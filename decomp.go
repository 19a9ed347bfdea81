package pario

import (
	"io"

	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/typetag"
	"github.com/behrlich/go-pario/internal/uapi"
)

// Decomp is the caller-visible decomposition handle: the bidirectional
// compute<->I/O mapping InitDecomp builds for one logical array shape,
// shared by every WriteDarray/ReadDarray call against it.
type Decomp struct {
	sys *IoSystem
	d   *rearrange.IoDesc
}

// InitDecomp builds a Decomp collectively across sys's union group.
// compmap is this rank's 1-based, 0-for-hole map into the flattened
// gdimlen grid; every rank must call InitDecomp with the same
// ndims/gdimlen/elementType and its own compmap.
func InitDecomp(sys *IoSystem, ndims int, gdimlen []int64, elementType typetag.Type, compmap []int64) (*Decomp, error) {
	d, err := rearrange.Build(sys.unionComm, sys.ioRanks, sys.rearranger, ndims, gdimlen, elementType, compmap)
	if err != nil {
		return nil, sys.applyPolicy("InitDecomp", err)
	}
	return &Decomp{sys: sys, d: d}, nil
}

// FreeDecomp releases the derived datatypes a Decomp built lazily. Every
// rank that called InitDecomp must call FreeDecomp exactly once.
func FreeDecomp(dec *Decomp) error {
	for _, dt := range dec.d.SendType {
		if err := dec.sys.unionComm.FreeType(dt); err != nil {
			return dec.sys.applyPolicy("FreeDecomp", err)
		}
	}
	for _, dt := range dec.d.RecvType {
		if err := dec.sys.unionComm.FreeType(dt); err != nil {
			return dec.sys.applyPolicy("FreeDecomp", err)
		}
	}
	return nil
}

// WriteDecompFile serializes dec's per-I/O-rank maps to the persistent
// ASCII decomposition-file format. Every I/O rank of dec contributes its
// own map via a Gather to sys.ioRoot(); only the root writes.
func WriteDecompFile(w io.Writer, dec *Decomp) error {
	sys := dec.sys
	if !sys.IsIORank() {
		return nil
	}

	localMap := encodeInt64s(dec.d.Map)
	gathered, err := sys.ioComm.Gather(0, localMap)
	if err != nil {
		return sys.applyPolicy("WriteDecompFile", err)
	}
	if sys.unionComm.Rank() != sys.ioRoot() {
		return nil
	}

	maps := make([][]int64, len(gathered))
	for i, b := range gathered {
		maps[i] = decodeInt64s(b)
	}
	out := &uapi.Decomposition{NDims: dec.d.NDims, GDimLen: dec.d.GDimLen, Maps: maps}
	if err := uapi.Write(w, out); err != nil {
		return sys.applyPolicy("WriteDecompFile", err)
	}
	return nil
}

// ReadDecompFile rebuilds a Decomp whose I/O-rank-side maps come from a
// file WriteDecompFile produced earlier, scattered from sys.ioRoot() back
// out to each I/O rank over sys.ioComm. This reconstructs the I/O ranks'
// own region coverage exactly; it does not attempt to re-derive arbitrary
// present-day compute ranks' maps from the file; a pure compute rank (one
// that is not itself an I/O rank of sys) calls InitDecomp with an empty
// compmap, the same "extra readers get nothing" rule uapi.Read applies
// when rnpes < npes (see DESIGN.md's Open Questions).
//
// The file format (internal/uapi.Decomposition) carries no element-type
// field, so the caller supplies elementType directly, the same way a
// caller of the original decomposition-file reader already knows what
// type the array it describes holds.
func ReadDecompFile(sys *IoSystem, r io.Reader, elementType typetag.Type) (*Decomp, error) {
	var parsed *uapi.Decomposition
	var rerr error
	if sys.unionComm.Rank() == sys.ioRoot() {
		parsed, rerr = uapi.Read(r, len(sys.ioRanks))
	}
	if perr := sys.applyPolicy("ReadDecompFile", rerr); perr != nil {
		return nil, perr
	}

	ndims64, err := sys.bcastInt32(int32(dimsOf(parsed)))
	if err != nil {
		return nil, err
	}
	ndims := int(ndims64)

	gdimlen := make([]int64, ndims)
	if sys.unionComm.Rank() == sys.ioRoot() {
		copy(gdimlen, parsed.GDimLen)
	}
	if err := broadcastInt64s(sys, gdimlen); err != nil {
		return nil, err
	}

	var compmap []int64
	if sys.IsIORank() {
		var sendByRank [][]byte
		if sys.ioComm.Rank() == 0 {
			sendByRank = make([][]byte, len(sys.ioRanks))
			for i, m := range parsed.Maps {
				sendByRank[i] = encodeInt64s(m)
			}
		}
		recv, err := sys.ioComm.Scatter(0, sendByRank)
		if err != nil {
			return nil, sys.applyPolicy("ReadDecompFile", err)
		}
		compmap = decodeInt64s(recv)
	}

	return InitDecomp(sys, ndims, gdimlen, elementType, compmap)
}

func dimsOf(d *uapi.Decomposition) int {
	if d == nil {
		return 0
	}
	return d.NDims
}

// broadcastInt64s broadcasts v's contents (already the right length on
// every rank) from sys.ioRoot() over sys.UnionComm(), in place.
func broadcastInt64s(sys *IoSystem, v []int64) error {
	buf := encodeInt64s(v)
	if sys.unionComm.Rank() != sys.ioRoot() {
		buf = make([]byte, len(v)*8)
	}
	if err := sys.unionComm.Bcast(sys.ioRoot(), buf); err != nil {
		return err
	}
	copy(v, decodeInt64s(buf))
	return nil
}

func encodeInt64s(v []int64) []byte {
	buf := make([]byte, len(v)*8)
	for i, x := range v {
		putInt64(buf[i*8:i*8+8], x)
	}
	return buf
}

func decodeInt64s(b []byte) []int64 {
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = getInt64(b[i*8 : i*8+8])
	}
	return out
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}
