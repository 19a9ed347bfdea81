package iopath

import (
	"encoding/binary"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/substrate"
)

// Funnel tags: every peer sends its header (start/count shape) to I/O rank 0
// on tagClassicHeader and its payload on tagClassicPayload plus its own
// rank, so rank 0 receives each header's payload from that header's sender.
// Rank 0's replies to a peer go out on tagClassicPayload. Only one funnel
// call is outstanding on comm at a time, so these tags never collide across
// calls.
const (
	tagClassicHeader  = 6001
	tagClassicPayload = 6002
)

// block is one peer's contribution to a classic funnel exchange.
type block struct {
	starts [][]int64
	counts [][]int64
	data   []byte
}

// encodeHeader packs the shape of starts/counts (region count, data byte
// length, then ndims per region) so the receiving side knows the layout of
// the payload message; the raw start/count int64s travel in the payload.
func encodeHeader(starts, counts [][]int64, dataLen int) []byte {
	n := len(starts)
	buf := make([]byte, 8+8+8*n)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(n))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(dataLen))
	for i := range starts {
		binary.LittleEndian.PutUint64(buf[16+8*i:24+8*i], uint64(len(starts[i])))
	}
	return buf
}

func decodeHeader(buf []byte) (numRegions int, dataLen int, ndimsPerRegion []int) {
	numRegions = int(binary.LittleEndian.Uint64(buf[0:8]))
	dataLen = int(binary.LittleEndian.Uint64(buf[8:16]))
	ndimsPerRegion = make([]int, numRegions)
	for i := 0; i < numRegions; i++ {
		ndimsPerRegion[i] = int(binary.LittleEndian.Uint64(buf[16+8*i : 24+8*i]))
	}
	return
}

func encodePayload(starts, counts [][]int64, data []byte) []byte {
	var total int
	for i := range starts {
		total += len(starts[i]) * 2
	}
	buf := make([]byte, 8*total+len(data))
	off := 0
	for i := range starts {
		for _, v := range starts[i] {
			binary.LittleEndian.PutUint64(buf[off:off+8], uint64(v))
			off += 8
		}
		for _, v := range counts[i] {
			binary.LittleEndian.PutUint64(buf[off:off+8], uint64(v))
			off += 8
		}
	}
	copy(buf[off:], data)
	return buf
}

func decodePayload(buf []byte, ndimsPerRegion []int, dataLen int) (starts, counts [][]int64, data []byte) {
	off := 0
	starts = make([][]int64, len(ndimsPerRegion))
	counts = make([][]int64, len(ndimsPerRegion))
	for i, nd := range ndimsPerRegion {
		s := make([]int64, nd)
		for k := 0; k < nd; k++ {
			s[k] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		}
		c := make([]int64, nd)
		for k := 0; k < nd; k++ {
			c[k] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		}
		starts[i] = s
		counts[i] = c
	}
	data = append([]byte(nil), buf[off:off+dataLen]...)
	return
}

// sendBlock ships one peer's (starts, counts, data) to rank 0 as a header
// message followed by a payload message tagged with the sender's rank.
func sendBlock(comm substrate.Comm, dst int, starts, counts [][]int64, data []byte) error {
	header := encodeHeader(starts, counts, len(data))
	if err := comm.Send(dst, tagClassicHeader, header); err != nil {
		return err
	}
	payload := encodePayload(starts, counts, data)
	return comm.Send(dst, tagClassicPayload+comm.Rank(), payload)
}

// recvBlock is sendBlock's counterpart: it receives whatever header size
// maxHeaderBytes bounds, decodes the exact payload size it describes, and
// receives exactly that many bytes next.
func recvBlock(comm substrate.Comm, maxHeaderBytes, maxPayloadBytes int) (src int, b block, err error) {
	hbuf := make([]byte, maxHeaderBytes)
	src, n, err := comm.Recv(tagClassicHeader, hbuf)
	if err != nil {
		return 0, block{}, err
	}
	numRegions, dataLen, ndimsPerRegion := decodeHeader(hbuf[:n])

	pbuf := make([]byte, maxPayloadBytes)
	_, pn, err := comm.Recv(tagClassicPayload+src, pbuf)
	if err != nil {
		return 0, block{}, err
	}
	starts, counts, data := decodePayload(pbuf[:pn], ndimsPerRegion, dataLen)
	_ = numRegions
	return src, block{starts: starts, counts: counts, data: data}, nil
}

func headerSizeBound(numRegions, ndims int) int {
	return 16 + 8*numRegions
}

func payloadSizeBound(numRegions, ndims int, dataLen int) int {
	return 8*2*numRegions*ndims + dataLen
}

// reduceBlockBounds all-reduces (by max) the region count, per-region
// dimensionality, and payload byte length across every I/O rank in comm,
// giving rank 0 a buffer size guaranteed to bound any single peer's funnel
// message (substrate.Comm.Recv has no probe-for-size primitive, so every
// variable-length point-to-point exchange in this module needs an agreed
// upper bound first).
func reduceBlockBounds(comm substrate.Comm, starts [][]int64, dataLen int) (maxRegions, maxNDims, maxBytes int, err error) {
	ndims := 1
	for _, s := range starts {
		if len(s) > ndims {
			ndims = len(s)
		}
	}

	r, err := comm.AllreduceInt64(substrate.Max, int64(len(starts)))
	if err != nil {
		return 0, 0, 0, err
	}
	d, err := comm.AllreduceInt64(substrate.Max, int64(ndims))
	if err != nil {
		return 0, 0, 0, err
	}
	b, err := comm.AllreduceInt64(substrate.Max, int64(dataLen))
	if err != nil {
		return 0, 0, 0, err
	}
	return int(r), int(d), int(b), nil
}

// writeSerial implements the classic/chunked serial write path: a funnel
// where every non-root I/O rank sends its (start, count, payload) to I/O
// rank 0, which issues exactly one driver PutVarn call per peer (including
// itself) in rank order. Each peer's payload is a freshly allocated slice
// decoded off the wire, so there is no shared scratch buffer for two
// peers' writes to alias into.
func writeSerial(comm substrate.Comm, drv driverapi.Driver, h driverapi.Handle, varid int32, elemSize int, starts, counts [][]int64, data []byte) error {
	rank := comm.Rank()
	maxRegions, maxNDims, maxBytes, err := reduceBlockBounds(comm, starts, len(data))
	if err != nil {
		return err
	}
	if rank != 0 {
		return sendBlock(comm, 0, starts, counts, data)
	}

	n := comm.Size()
	blocks := make([]block, n)
	blocks[0] = block{starts: starts, counts: counts, data: data}

	for i := 1; i < n; i++ {
		src, b, err := recvBlock(comm, headerSizeBound(maxRegions, maxNDims), payloadSizeBound(maxRegions, maxNDims, maxBytes))
		if err != nil {
			return err
		}
		blocks[src] = b
	}

	for r := 0; r < n; r++ {
		b := blocks[r]
		if len(b.starts) == 0 {
			continue
		}
		if err := drv.PutVarn(h, varid, b.starts, b.counts, elemSize, b.data); err != nil {
			return err
		}
	}
	return nil
}

// readSerial implements the classic/chunked serial read path: other I/O
// ranks publish their (start, count) shape to rank 0, which reads one
// block per peer with GetVarn and sends the payload back.
func readSerial(comm substrate.Comm, drv driverapi.Driver, h driverapi.Handle, varid int32, elemSize int, starts, counts [][]int64, localLen int) ([]byte, error) {
	rank := comm.Rank()
	out := make([]byte, int64(localLen)*int64(elemSize))

	maxRegions, maxNDims, _, err := reduceBlockBounds(comm, starts, 0)
	if err != nil {
		return nil, err
	}

	if rank != 0 {
		if err := sendBlock(comm, 0, starts, counts, nil); err != nil {
			return nil, err
		}
		if _, _, err := comm.Recv(tagClassicPayload, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	n := comm.Size()
	if len(starts) > 0 {
		if err := drv.GetVarn(h, varid, starts, counts, elemSize, out); err != nil {
			return nil, err
		}
	}

	for i := 1; i < n; i++ {
		src, b, err := recvBlock(comm, headerSizeBound(maxRegions, maxNDims), payloadSizeBound(maxRegions, maxNDims, 0))
		if err != nil {
			return nil, err
		}
		if len(b.starts) == 0 {
			continue
		}
		peerBuf := make([]byte, regionSetVolume(b.counts)*int64(elemSize))
		if err := drv.GetVarn(h, varid, b.starts, b.counts, elemSize, peerBuf); err != nil {
			return nil, err
		}
		if err := comm.Send(src, tagClassicPayload, peerBuf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func regionSetVolume(counts [][]int64) int64 {
	var total int64
	for _, c := range counts {
		total += regionVolume(c)
	}
	return total
}
