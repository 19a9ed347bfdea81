package rearrange

// ComputeToIo implements the compute-to-I/O shuffle: every rank
// packs its local buffer through its send datatypes and the I/O ranks of
// d unpack the exchanged payloads into a freshly allocated I/O-side
// buffer, which is returned (nil on non-I/O ranks).
func ComputeToIo(d *IoDesc, localBuf []byte) ([]byte, error) {
	if err := DefineDatatypes(d); err != nil {
		return nil, err
	}

	peers := sendPeers(d)
	sends := make([]swapPeer, 0, len(peers))
	for _, p := range peers {
		dt := d.SendType[p.rank]
		payload, err := dt.Pack(localBuf)
		if err != nil {
			return nil, err
		}
		sends = append(sends, swapPeer{Rank: p.rank, Data: payload})
	}

	var ioBuf []byte
	var recvs []swapPeer
	if d.IsIO {
		elemSize, err := d.elementSize()
		if err != nil {
			return nil, err
		}
		ioBuf = make([]byte, int64(d.LocalLen)*int64(elemSize))
		recvs = make([]swapPeer, len(d.RecvFrom))
		for i, peer := range d.RecvFrom {
			recvs[i] = swapPeer{Rank: peer, Data: make([]byte, d.RecvCounts[i]*elemSize)}
		}
	}

	if err := Swap(d.comm, sends, recvs, FlowControl{Handshake: true}); err != nil {
		return nil, err
	}

	for i, peer := range d.RecvFrom {
		if err := d.RecvType[peer].Unpack(recvs[i].Data, ioBuf); err != nil {
			return nil, err
		}
	}
	return ioBuf, nil
}

// IoToCompute implements the reverse shuffle: I/O ranks pack the
// regions of ioBuf each compute peer contributed and every rank unpacks
// its share back into a fresh local buffer of d.Ndof elements.
func IoToCompute(d *IoDesc, ioBuf []byte) ([]byte, error) {
	if err := DefineDatatypes(d); err != nil {
		return nil, err
	}

	var sends []swapPeer
	if d.IsIO {
		sends = make([]swapPeer, len(d.RecvFrom))
		for i, peer := range d.RecvFrom {
			payload, err := d.RecvType[peer].Pack(ioBuf)
			if err != nil {
				return nil, err
			}
			sends[i] = swapPeer{Rank: peer, Data: payload}
		}
	}

	elemSize, err := d.elementSize()
	if err != nil {
		return nil, err
	}
	localBuf := make([]byte, int64(d.Ndof)*int64(elemSize))

	peers := sendPeers(d)
	recvs := make([]swapPeer, len(peers))
	for i, p := range peers {
		recvs[i] = swapPeer{Rank: p.rank, Data: make([]byte, p.count*elemSize)}
	}

	if err := Swap(d.comm, sends, recvs, FlowControl{Handshake: true}); err != nil {
		return nil, err
	}

	for i, p := range peers {
		if err := d.SendType[p.rank].Unpack(recvs[i].Data, localBuf); err != nil {
			return nil, err
		}
	}
	return localBuf, nil
}
