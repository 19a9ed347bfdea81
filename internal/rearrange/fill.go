package rearrange

import "github.com/behrlich/go-pario/internal/region"

// computeFillRegions builds the coverage map for an I/O rank's block
// (blockStart, blockCount giving 0-based global linear offsets) from the
// block-relative offsets its RecvIndex entries cover, and derives both the
// region list the driver writes through and, when the block has a gap no
// compute rank supplied data for, the fill regions that need to be written
// with the file's fill value instead.
func computeFillRegions(ndims int, gdimlen []int64, blockStart, blockCount int64, coveredOffsets []int64) (regions *region.Region, numRegions int, fillRegions *region.Region, numFill int, err error) {
	covered := make([]int64, blockCount)
	for _, off := range coveredOffsets {
		if off >= 0 && off < blockCount {
			covered[off] = blockStart + off + 1
		}
	}
	regions, numRegions, err = region.Build(ndims, gdimlen, covered)
	if err != nil {
		return nil, 0, nil, 0, err
	}

	hasHole := false
	complement := make([]int64, blockCount)
	for i, v := range covered {
		if v == 0 {
			complement[i] = blockStart + int64(i) + 1
			hasHole = true
		}
	}
	if !hasHole {
		return regions, numRegions, nil, 0, nil
	}
	fillRegions, numFill, err = region.Build(ndims, gdimlen, complement)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	return regions, numRegions, fillRegions, numFill, nil
}
