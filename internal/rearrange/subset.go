package rearrange

// buildSubset implements the Subset rearranger: compute ranks are
// partitioned into one subset group per I/O rank (contiguous blocks of
// union ranks, one block per I/O rank in order), every subset member
// gathers its live elements to its subset's I/O rank, and that I/O rank
// derives recv_from/recv_counts/recv_index and its region list from the
// gathered (global_index, source_rank) pairs.
func buildSubset(d *IoDesc) error {
	myRank := d.comm.Rank()
	color := subsetColor(d)
	designatedIO := d.ioRanks[color]

	// Split's ordering key decides subset-local rank; give the subset's
	// I/O rank key -1 so it always lands at subset rank 0, and otherwise
	// order members by their union rank.
	key := myRank + 1
	if myRank == designatedIO {
		key = -1
	}
	// subsetComm only exists to gather this subset's index-building
	// triples to its I/O rank; the actual data exchange in
	// ComputeToIo/IoToCompute always rides the union comm, tagged by
	// global rank.
	subsetComm, err := d.comm.Split(color, key)
	if err != nil {
		return err
	}

	sendIndex := make([]int64, d.Ndof)
	for i := range sendIndex {
		sendIndex[i] = -1
	}
	var mine []indexTriple
	pos := int64(0)
	for i, g := range d.Map {
		if g == 0 {
			continue
		}
		mine = append(mine, indexTriple{global: g, srcRank: myRank})
		sendIndex[i] = pos
		pos++
	}
	d.SendCounts = []int{len(mine)}
	d.SendIndex = sendIndex

	gathered, err := subsetComm.Gather(0, encodeTriples(mine))
	if err != nil {
		return err
	}

	if subsetComm.Rank() != 0 {
		return nil
	}
	d.IsIO = true

	decoded := make([][]indexTriple, len(gathered))
	minG, maxG := int64(-1), int64(-1)
	for i, payload := range gathered {
		ts := decodeTriples(payload)
		decoded[i] = ts
		for _, t := range ts {
			if minG < 0 || t.global < minG {
				minG = t.global
			}
			if t.global > maxG {
				maxG = t.global
			}
		}
	}

	if minG < 0 {
		d.BlockStart = 0
		d.BlockCount = 0
		d.LocalLen = 0
		return nil
	}
	d.BlockStart = minG - 1
	d.BlockCount = maxG - minG + 1
	d.LocalLen = int(d.BlockCount)

	for _, ts := range decoded {
		if len(ts) == 0 {
			continue
		}
		srcRank := ts[0].srcRank
		offsets := make([]int64, len(ts))
		for k, t := range ts {
			offsets[k] = t.global - 1 - d.BlockStart
		}
		d.RecvFrom = append(d.RecvFrom, srcRank)
		d.RecvCounts = append(d.RecvCounts, len(ts))
		d.RecvIndex = append(d.RecvIndex, offsets...)
	}

	regions, n, fillRegions, nFill, err := computeFillRegions(d.NDims, d.GDimLen, d.BlockStart, d.BlockCount, d.RecvIndex)
	if err != nil {
		return err
	}
	d.Regions = regions
	d.NumRegions = n
	if nFill > 0 {
		d.NeedsFill = true
		d.FillRegions = fillRegions
	}
	return nil
}
