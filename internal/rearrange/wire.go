package rearrange

import (
	"encoding/binary"

	"github.com/behrlich/go-pario/internal/substrate"
)

// encodeInt64s packs vals as a length-prefixed little-endian int64 frame,
// the wire shape Build-time index exchanges use over substrate.Comm's
// byte-slice Send/Recv.
func encodeInt64s(vals []int64) []byte {
	buf := make([]byte, 8+8*len(vals))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(vals)))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8+8*i:16+8*i], uint64(v))
	}
	return buf
}

// decodeInt64s unpacks a frame written by encodeInt64s.
func decodeInt64s(buf []byte) []int64 {
	if len(buf) < 8 {
		return nil
	}
	n := int(binary.LittleEndian.Uint64(buf[:8]))
	if n == 0 {
		return nil
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(binary.LittleEndian.Uint64(buf[8+8*i : 16+8*i]))
	}
	return out
}

// indexTriple is one live element the Subset rearranger gathers to its I/O
// rank: the global linear index it belongs at and the source rank that
// owns it.
type indexTriple struct {
	global  int64
	srcRank int
}

func encodeTriples(triples []indexTriple) []byte {
	buf := make([]byte, 8+16*len(triples))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(triples)))
	for i, t := range triples {
		off := 8 + 16*i
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(t.global))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(int64(t.srcRank)))
	}
	return buf
}

func decodeTriples(buf []byte) []indexTriple {
	if len(buf) < 8 {
		return nil
	}
	n := int(binary.LittleEndian.Uint64(buf[:8]))
	out := make([]indexTriple, n)
	for i := 0; i < n; i++ {
		off := 8 + 16*i
		out[i] = indexTriple{
			global:  int64(binary.LittleEndian.Uint64(buf[off : off+8])),
			srcRank: int(int64(binary.LittleEndian.Uint64(buf[off+8 : off+16]))),
		}
	}
	return out
}

// recvVarLen receives one encodeInt64s frame, sized against maxElems (a
// caller-known upper bound on how many int64s any single sender could have
// packed — substrate.Comm.Recv requires a preallocated buffer, there is no
// probe-for-size primitive in the façade).
func recvVarLen(comm substrate.Comm, tag int, maxElems int) (src int, payload []byte, err error) {
	buf := make([]byte, 8+8*maxElems)
	src, n, err := comm.Recv(tag, buf)
	if err != nil {
		return 0, nil, err
	}
	return src, buf[:n], nil
}
