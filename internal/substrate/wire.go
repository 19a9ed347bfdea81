package substrate

import (
	"encoding/binary"
	"fmt"
)

func putInt64(buf []byte, v int64) { binary.LittleEndian.PutUint64(buf, uint64(v)) }
func getInt64(buf []byte) int64    { return int64(binary.LittleEndian.Uint64(buf)) }

// marshalFrames/unmarshalFrames encode a []( []byte ) as a length-prefixed
// sequence, used internally by Scatter to hand every rank's payload to the
// root in a single collective round.
func marshalFrames(frames [][]byte) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(frames)))
	for _, f := range frames {
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(f)))
		out = append(out, lenBuf...)
		out = append(out, f...)
	}
	return out
}

func unmarshalFrames(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("substrate: truncated frame header")
	}
	n := int(binary.LittleEndian.Uint32(buf))
	out := make([][]byte, n)
	pos := 4
	for i := 0; i < n; i++ {
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("substrate: truncated frame %d length", i)
		}
		l := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if pos+l > len(buf) {
			return nil, fmt.Errorf("substrate: truncated frame %d body", i)
		}
		out[i] = buf[pos : pos+l]
		pos += l
	}
	return out, nil
}
