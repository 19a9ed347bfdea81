package rearrange

import (
	"sort"

	"github.com/behrlich/go-pario/internal/substrate"
)

const tagBoxRecvIndex = 2001

// boxBlock returns the (start, count) of the ioIdx-th I/O rank's
// contiguous block of the flattened global array, giving the remainder of
// an uneven division to the last block, which ends up larger.
func boxBlock(totalSize int64, numIO, ioIdx int) (start, count int64) {
	base := totalSize / int64(numIO)
	start = int64(ioIdx) * base
	if ioIdx == numIO-1 {
		count = totalSize - start
	} else {
		count = base
	}
	return start, count
}

func boxBlockOf(totalSize int64, numIO int, g int64) int {
	base := totalSize / int64(numIO)
	if base == 0 {
		return numIO - 1
	}
	idx := int(g / base)
	if idx >= numIO {
		idx = numIO - 1
	}
	return idx
}

// buildBox implements the Box rearranger.
func buildBox(d *IoDesc) error {
	numIO := len(d.ioRanks)
	total := TotalGridSize(d.GDimLen)
	myRank := d.comm.Rank()

	sendCounts := make([]int, numIO)
	bucket := make([][]int, numIO)
	sendIndex := make([]int64, d.Ndof)
	for i := range sendIndex {
		sendIndex[i] = -1
	}

	for i, g := range d.Map {
		if g == 0 {
			continue
		}
		ioIdx := boxBlockOf(total, numIO, g-1)
		bucket[ioIdx] = append(bucket[ioIdx], i)
		sendCounts[ioIdx]++
	}
	pos := int64(0)
	for ioIdx := 0; ioIdx < numIO; ioIdx++ {
		for _, i := range bucket[ioIdx] {
			sendIndex[i] = pos
			pos++
		}
	}

	d.SendCounts = sendCounts
	d.SendIndex = sendIndex

	// Every rank's local map can be a different length; recvVarLen needs a
	// buffer big enough for any sender's frame, so agree on the largest
	// local map up front.
	maxNdof, err := d.comm.AllreduceInt64(substrate.Max, int64(d.Ndof))
	if err != nil {
		return err
	}

	for ioIdx := 0; ioIdx < numIO; ioIdx++ {
		ioGlobalRank := d.ioRanks[ioIdx]
		blockStart, _ := boxBlock(total, numIO, ioIdx)
		localOffsets := make([]int64, len(bucket[ioIdx]))
		for k, i := range bucket[ioIdx] {
			localOffsets[k] = d.Map[i] - 1 - blockStart
		}
		if err := d.comm.Send(ioGlobalRank, tagBoxRecvIndex, encodeInt64s(localOffsets)); err != nil {
			return err
		}
	}

	if d.isIORank(myRank) {
		var ioIdx int
		for i, r := range d.ioRanks {
			if r == myRank {
				ioIdx = i
			}
		}
		blockStart, blockCount := boxBlock(total, numIO, ioIdx)
		d.IsIO = true
		d.BlockStart = blockStart
		d.BlockCount = blockCount
		d.LocalLen = int(blockCount)

		type recvEntry struct {
			src     int
			offsets []int64
		}
		entries := make([]recvEntry, 0, d.comm.Size())
		for i := 0; i < d.comm.Size(); i++ {
			src, payload, err := recvVarLen(d.comm, tagBoxRecvIndex, int(maxNdof))
			if err != nil {
				return err
			}
			offsets := decodeInt64s(payload)
			if len(offsets) > 0 {
				entries = append(entries, recvEntry{src: src, offsets: offsets})
			}
		}
		sort.Slice(entries, func(a, b int) bool { return entries[a].src < entries[b].src })

		for _, e := range entries {
			d.RecvFrom = append(d.RecvFrom, e.src)
			d.RecvCounts = append(d.RecvCounts, len(e.offsets))
			d.RecvIndex = append(d.RecvIndex, e.offsets...)
		}

		regions, n, fillRegions, nFill, err := computeFillRegions(d.NDims, d.GDimLen, blockStart, blockCount, d.RecvIndex)
		if err != nil {
			return err
		}
		d.Regions = regions
		d.NumRegions = n
		if nFill > 0 {
			d.NeedsFill = true
			d.FillRegions = fillRegions
		}
	}

	return nil
}
