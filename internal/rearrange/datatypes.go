package rearrange

// DefineDatatypes lazily builds per-peer send/receive derived datatypes
// for d, built once per IoDesc and reused across darray calls. Calling it
// again after every peer already has a committed type is a no-op.
func DefineDatatypes(d *IoDesc) error {
	elemSize, err := d.elementSize()
	if err != nil {
		return err
	}

	invSendIndex := invertSendIndex(d.SendIndex)
	cum := int64(0)
	for _, p := range sendPeers(d) {
		if _, ok := d.SendType[p.rank]; ok {
			cum += int64(p.count)
			continue
		}
		displs := make([]int64, p.count)
		for k := 0; k < p.count; k++ {
			displs[k] = invSendIndex[cum+int64(k)]
		}
		cum += int64(p.count)

		dt, err := d.comm.NewIndexedBlockType(1, displs, elemSize)
		if err != nil {
			return err
		}
		if err := d.comm.CommitType(dt); err != nil {
			return err
		}
		d.SendType[p.rank] = dt
	}

	if !d.IsIO {
		return nil
	}

	offset := 0
	for i, peer := range d.RecvFrom {
		count := d.RecvCounts[i]
		if _, ok := d.RecvType[peer]; ok {
			offset += count
			continue
		}
		displs := append([]int64(nil), d.RecvIndex[offset:offset+count]...)
		offset += count

		dt, err := d.comm.NewIndexedBlockType(1, displs, elemSize)
		if err != nil {
			return err
		}
		if err := d.comm.CommitType(dt); err != nil {
			return err
		}
		d.RecvType[peer] = dt
	}
	return nil
}

type sendPeer struct {
	rank  int
	count int
}

// sendPeers returns this rank's destination peers in the order its packed
// send buffer is laid out: every I/O rank in turn for Box (one segment
// per I/O rank, possibly empty), or the single subset I/O rank for
// Subset.
func sendPeers(d *IoDesc) []sendPeer {
	if d.Kind == Subset {
		count := 0
		if len(d.SendCounts) > 0 {
			count = d.SendCounts[0]
		}
		color := subsetColor(d)
		return []sendPeer{{rank: d.ioRanks[color], count: count}}
	}
	out := make([]sendPeer, len(d.ioRanks))
	for i, r := range d.ioRanks {
		c := 0
		if i < len(d.SendCounts) {
			c = d.SendCounts[i]
		}
		out[i] = sendPeer{rank: r, count: c}
	}
	return out
}

// invertSendIndex returns, for each packed-buffer position, the local
// element index SendIndex assigned there.
func invertSendIndex(sendIndex []int64) []int64 {
	maxPos := int64(-1)
	for _, v := range sendIndex {
		if v > maxPos {
			maxPos = v
		}
	}
	if maxPos < 0 {
		return nil
	}
	inv := make([]int64, maxPos+1)
	for i, v := range sendIndex {
		if v >= 0 {
			inv[v] = int64(i)
		}
	}
	return inv
}
