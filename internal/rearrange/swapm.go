package rearrange

import "github.com/behrlich/go-pario/internal/substrate"

// FlowControl configures Swap's admission policy.
type FlowControl struct {
	// Handshake pre-sends a zero-byte token before the real payload, so a
	// receiver never blocks a send queue behind an unposted receive.
	Handshake bool
	// ISend issues payload sends nonblocking, admission-controlled by
	// MaxPendReq, instead of one blocking Send per peer in order.
	ISend bool
	// MaxPendReq caps outstanding nonblocking sends; 0 means unlimited.
	MaxPendReq int
}

// swapPeer is one edge Swap drives: Rank is the union-comm peer, Data is
// the packed payload to send (outbound) or the preallocated buffer to
// receive into (inbound).
type swapPeer struct {
	Rank int
	Data []byte
}

const tagSwapHandshakeBase = 3001
const tagSwapPayloadBase = 4001

// Swap exchanges payloads with a set of peers under the given flow
// control policy: every participant posts its receives before issuing its
// sends, and handshake/admission control bound how many sends are in
// flight at once, the same in-flight-bound tag state machine idea
// generalized from a fixed per-queue depth to a caller-supplied
// MaxPendReq.
//
// Every edge is tagged by the sending rank's own identity so the local
// substrate's per-(dst,tag) mailbox pairs each receive with the one
// sender it expects, since the façade has no probe-by-source primitive.
func Swap(comm substrate.Comm, sends, recvs []swapPeer, fc FlowControl) error {
	myRank := comm.Rank()

	done := make(chan error, len(recvs))
	for _, r := range recvs {
		r := r
		go func() {
			if fc.Handshake {
				var tok [1]byte
				if _, _, err := comm.Recv(tagSwapHandshakeBase+r.Rank, tok[:]); err != nil {
					done <- err
					return
				}
			}
			_, _, err := comm.Recv(tagSwapPayloadBase+r.Rank, r.Data)
			done <- err
		}()
	}

	if fc.Handshake {
		for _, s := range sends {
			if err := comm.Send(s.Rank, tagSwapHandshakeBase+myRank, []byte{}); err != nil {
				return err
			}
		}
	}

	if !fc.ISend {
		for _, s := range sends {
			if err := comm.Send(s.Rank, tagSwapPayloadBase+myRank, s.Data); err != nil {
				return err
			}
		}
	} else {
		maxPend := fc.MaxPendReq
		var inflight []substrate.Request
		for _, s := range sends {
			if maxPend > 0 && len(inflight) >= maxPend {
				if err := inflight[0].Wait(); err != nil {
					return err
				}
				inflight = inflight[1:]
			}
			req, err := comm.ISend(s.Rank, tagSwapPayloadBase+myRank, s.Data)
			if err != nil {
				return err
			}
			inflight = append(inflight, req)
		}
		for _, req := range inflight {
			if err := req.Wait(); err != nil {
				return err
			}
		}
	}

	for range recvs {
		if err := <-done; err != nil {
			return err
		}
	}
	return nil
}
