// Package region implements the region builder: converting a sorted,
// per-rank map of global linear indices into the minimal list of
// hyper-rectangular (start, count) regions that covers it.
//
// The coordinate splitting here generalizes the same divisor-chain idiom a
// sharded byte-range lookup uses to turn a flat [offset, offset+len) range
// into the shard indices it touches, from one dimension to ndims.
package region

import (
	"fmt"
)

// Region is one hyper-rectangle of the global array, forming a singly
// linked list via Next.
type Region struct {
	Start       []int64
	Count       []int64
	LocalOffset int64
	Next        *Region
}

// unravel converts a 0-based linear offset into a coordinate against shape,
// most-significant dimension first (innermost/last dimension varies
// fastest) — the same coordinate-splitting idiom generalized to ndims.
func unravel(offset int64, shape []int64) []int64 {
	coord := make([]int64, len(shape))
	rem := offset
	for d := len(shape) - 1; d >= 0; d-- {
		coord[d] = rem % shape[d]
		rem /= shape[d]
	}
	return coord
}

func ravel(coord []int64, shape []int64) int64 {
	var linear int64
	for d := 0; d < len(shape); d++ {
		linear = linear*shape[d] + coord[d]
	}
	return linear
}

// Build walks sortedMap and grows each region to its maximal extent.
// sortedMap must be sorted ascending
// by global linear index (1-based, 0 marking a hole) as the caller's I/O
// rank sees it. It returns the region list and the count produced.
func Build(ndims int, gdimlen []int64, sortedMap []int64) (*Region, int, error) {
	if len(gdimlen) != ndims {
		return nil, 0, fmt.Errorf("region: gdimlen has %d entries, want %d", len(gdimlen), ndims)
	}

	maplen := len(sortedMap)
	nread := 0
	for nread < maplen && sortedMap[nread] == 0 { // step 1: skip holes
		nread++
	}
	if nread >= maplen {
		return nil, 0, nil
	}

	var head, tail *Region
	count := 0
	localOffset := int64(0)

	for nread < maplen {
		start := unravel(sortedMap[nread]-1, gdimlen) // step 2
		regionCount := make([]int64, ndims)
		for d := range regionCount {
			regionCount[d] = 1
		}

		volume := grow(ndims, gdimlen, sortedMap, nread, maplen, start, regionCount) // step 3/4

		r := &Region{Start: start, Count: regionCount, LocalOffset: localOffset}
		localOffset += volume
		if head == nil {
			head = r
		} else {
			tail.Next = r
		}
		tail = r
		count++

		nread += int(volume)
		for nread < maplen && sortedMap[nread] == 0 {
			nread++
		}
	}

	return head, count, nil
}

// grow extends count outward, innermost dimension first, then recursively
// toward dimension 0, stopping a dimension's growth as soon as either the
// grid bound or the map's arithmetic progression breaks. It mutates count
// in place and returns the final volume
// (product of count), i.e. how many consecutive map entries this region
// consumed.
func grow(ndims int, gdimlen, sortedMap []int64, nread, maplen int, start, count []int64) int64 {
	volume := int64(1)
	for d := ndims - 1; d >= 0; d-- {
		for start[d]+count[d] < gdimlen[d] {
			newCount := append([]int64(nil), count...)
			newCount[d]++
			newVolume := volume / count[d] * newCount[d]

			ok := true
			for off := volume; off < newVolume; off++ {
				if int64(nread)+off >= int64(maplen) {
					ok = false
					break
				}
				local := unravel(off, newCount)
				global := make([]int64, ndims)
				for i := 0; i < ndims; i++ {
					global[i] = start[i] + local[i]
				}
				expected := ravel(global, gdimlen) + 1
				if sortedMap[int64(nread)+off] != expected {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
			copy(count, newCount)
			volume = newVolume
		}
	}
	return volume
}
