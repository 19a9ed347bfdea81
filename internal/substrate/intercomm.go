package substrate

import "sync"

// InterComm bridges two disjoint groups — a compute component and the I/O
// group — built between each compute component and the I/O group when async
// mode is initialized. Unlike an intracomm, an InterComm addresses the
// *other* group's ranks directly; there is no notion of "my group's rank 3"
// on the far side.
type InterComm struct {
	bridge    *interBridge
	side      int // 0 = local group, 1 = remote group
	localRank int
}

type interKey struct {
	fromSide, fromRank, toRank, tag int
}

type interBridge struct {
	mu      sync.Mutex
	mailbox map[interKey]chan message
}

// NewInterComm builds the paired InterComm handles for a local group of
// size nLocal and a remote group of size nRemote sharing one bridge.
func NewInterComm(nLocal, nRemote int) (local []*InterComm, remote []*InterComm) {
	b := &interBridge{mailbox: make(map[interKey]chan message)}
	local = make([]*InterComm, nLocal)
	for r := 0; r < nLocal; r++ {
		local[r] = &InterComm{bridge: b, side: 0, localRank: r}
	}
	remote = make([]*InterComm, nRemote)
	for r := 0; r < nRemote; r++ {
		remote[r] = &InterComm{bridge: b, side: 1, localRank: r}
	}
	return local, remote
}

var (
	bridgeRegistryMu sync.Mutex
	bridgeRegistry   = map[string]*interBridge{}
)

// JoinInterComm returns this rank's half of the bridge identified by key,
// creating the bridge the first time any rank of either side asks for it.
// side is 0 for the local group, 1 for the remote group, matching
// NewInterComm's split. Every rank on both sides of the bridge must agree
// on key the way every rank of a Comm's parent group must agree on
// IncludeRanks' ranks argument.
//
// Unlike NewInterComm, which hands back every rank's handle from one
// centralized call, JoinInterComm lets each rank — running independently
// in its own goroutine, as InitAsync's callers do — converge on the
// shared bridge through a keyed lookup instead of a collective round:
// there is no single caller that could build every side's handle up front
// the way a compute/I/O split's sizes are known only once both sides have
// already started.
func JoinInterComm(key string, side, localRank int) *InterComm {
	bridgeRegistryMu.Lock()
	defer bridgeRegistryMu.Unlock()
	b, ok := bridgeRegistry[key]
	if !ok {
		b = &interBridge{mailbox: make(map[interKey]chan message)}
		bridgeRegistry[key] = b
	}
	return &InterComm{bridge: b, side: side, localRank: localRank}
}

func (ic *InterComm) mailboxFor(toSide, toRank, tag int) chan message {
	fromSide := 1 - toSide
	ic.bridge.mu.Lock()
	defer ic.bridge.mu.Unlock()
	k := interKey{fromSide, ic.localRank, toRank, tag}
	ch, ok := ic.bridge.mailbox[k]
	if !ok {
		ch = make(chan message, 256)
		ic.bridge.mailbox[k] = ch
	}
	return ch
}

// Send delivers data to rank dst of the *other* group, tagged for matching.
func (ic *InterComm) Send(dst, tag int, data []byte) error {
	cp := append([]byte(nil), data...)
	ic.mailboxFor(1-ic.side, dst, tag) <- message{src: ic.localRank, data: cp}
	return nil
}

// Recv blocks for a message from rank src of the other group and returns
// the number of bytes copied into buf.
func (ic *InterComm) Recv(src, tag int, buf []byte) (int, error) {
	k := interKey{1 - ic.side, src, ic.localRank, tag}
	ic.bridge.mu.Lock()
	ch, ok := ic.bridge.mailbox[k]
	if !ok {
		ch = make(chan message, 256)
		ic.bridge.mailbox[k] = ch
	}
	ic.bridge.mu.Unlock()
	msg := <-ch
	return copy(buf, msg.data), nil
}

// IRecv posts a nonblocking receive from the other group's root on the given
// tag; used by the I/O-rank message loop to post one outstanding receive per
// compute component without knowing in advance when that component's root
// will send.
func (ic *InterComm) IRecv(tag int, buf []byte) Request {
	req := &localRequest{done: make(chan error, 1)}
	go func() {
		// Only remote rank 0 ever sends opcodes: the component root issues
		// them on behalf of its whole group, so a fixed source is enough
		// here; this is not a general any-source receive.
		n, err := ic.Recv(0, tag, buf)
		_ = n
		req.done <- err
	}()
	return req
}

// BroadcastFromLocalRoot is called by every rank of ic's local group after
// the designated root has filled buf; it fans buf out to every rank of the
// remote group over individual sends, letting handlers broadcast parameters
// in from the compute component's root.
func (ic *InterComm) BroadcastFromLocalRoot(root int, buf []byte, remoteSize int, tag int) error {
	if ic.localRank != root {
		return nil
	}
	for r := 0; r < remoteSize; r++ {
		if err := ic.Send(r, tag, buf); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveBroadcast is called by every rank of the remote group to receive
// the value BroadcastFromLocalRoot fanned out.
func (ic *InterComm) ReceiveBroadcast(root int, buf []byte, tag int) (int, error) {
	return ic.Recv(root, tag, buf)
}
