package substrate

import (
	"fmt"
	"sync"
)

// NewLocalWorld creates n Comms bound to a single shared hub, the local
// analog of MPI_COMM_WORLD: Comms[r] is rank r's handle. All n Comms must be
// driven from n separate goroutines calling matching operations in the same
// order: every rank in the relevant group must enter matching calls in the
// same order.
func NewLocalWorld(n int) []Comm {
	h := newHub(n)
	out := make([]Comm, n)
	for r := 0; r < n; r++ {
		out[r] = &localComm{hub: h, myRank: r}
	}
	return out
}

type message struct {
	src  int
	data []byte
}

type hub struct {
	n int

	mu       sync.Mutex
	mailbox  map[mailKey]chan message
	rounds   map[int]*collRound
	children map[string]*hub
	freed    bool
}

type mailKey struct {
	dst int
	tag int
}

func newHub(n int) *hub {
	return &hub{n: n, mailbox: make(map[mailKey]chan message), rounds: make(map[int]*collRound)}
}

func (h *hub) mailboxFor(dst, tag int) chan message {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := mailKey{dst, tag}
	ch, ok := h.mailbox[k]
	if !ok {
		ch = make(chan message, 4096)
		h.mailbox[k] = ch
	}
	return ch
}

// collRound is one rendezvous point shared by every rank's i-th collective
// call on a hub (see localComm.collSeq).
type collRound struct {
	mu      sync.Mutex
	ready   chan struct{}
	once    sync.Once
	arrived int
	n       int
	payload [][]byte
}

func (h *hub) round(idx, n int) *collRound {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rounds[idx]
	if !ok {
		r = &collRound{ready: make(chan struct{}), n: n, payload: make([][]byte, n)}
		h.rounds[idx] = r
	}
	return r
}

// enter posts payload at rank's slot, blocks until every rank of the round
// has arrived, and returns every rank's payload.
func (r *collRound) enter(rank int, payload []byte) [][]byte {
	r.mu.Lock()
	r.payload[rank] = payload
	r.arrived++
	done := r.arrived == r.n
	r.mu.Unlock()
	if done {
		r.once.Do(func() { close(r.ready) })
	}
	<-r.ready
	return r.payload
}

type localComm struct {
	hub      *hub
	myRank   int
	mu       sync.Mutex
	collSeq  int
	freed    bool
}

func (c *localComm) Rank() int { return c.myRank }
func (c *localComm) Size() int { return c.hub.n }

func (c *localComm) checkFreed() error {
	if c.freed {
		return ErrFreed
	}
	return nil
}

func (c *localComm) Send(dst, tag int, data []byte) error {
	if err := c.checkFreed(); err != nil {
		return err
	}
	if dst < 0 || dst >= c.hub.n {
		return fmt.Errorf("substrate: send to out-of-range rank %d", dst)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.hub.mailboxFor(dst, tag) <- message{src: c.myRank, data: cp}
	return nil
}

func (c *localComm) RSend(dst, tag int, data []byte) error { return c.Send(dst, tag, data) }

func (c *localComm) Recv(tag int, buf []byte) (int, int, error) {
	if err := c.checkFreed(); err != nil {
		return 0, 0, err
	}
	msg := <-c.hub.mailboxFor(c.myRank, tag)
	n := copy(buf, msg.data)
	return msg.src, n, nil
}

type localRequest struct {
	done chan error
	err  error
	got  bool
}

func (r *localRequest) Wait() error {
	if !r.got {
		r.err = <-r.done
		r.got = true
	}
	return r.err
}

func (r *localRequest) Test() (bool, error) {
	if r.got {
		return true, r.err
	}
	select {
	case r.err = <-r.done:
		r.got = true
		return true, r.err
	default:
		return false, nil
	}
}

func (c *localComm) ISend(dst, tag int, data []byte) (Request, error) {
	req := &localRequest{done: make(chan error, 1)}
	go func() { req.done <- c.Send(dst, tag, data) }()
	return req, nil
}

func (c *localComm) IRecv(tag int, buf []byte) (Request, error) {
	req := &localRequest{done: make(chan error, 1)}
	go func() {
		_, _, err := c.Recv(tag, buf)
		req.done <- err
	}()
	return req, nil
}

func (c *localComm) WaitAll(reqs []Request) error {
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if err := r.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (c *localComm) WaitAny(reqs []Request) (int, error) {
	type result struct {
		idx int
		err error
	}
	out := make(chan result, len(reqs))
	for i, r := range reqs {
		i, r := i, r
		go func() {
			err := r.Wait()
			out <- result{i, err}
		}()
	}
	res := <-out
	return res.idx, res.err
}

func (c *localComm) nextRound() *collRound {
	c.mu.Lock()
	seq := c.collSeq
	c.collSeq++
	c.mu.Unlock()
	return c.hub.round(seq, c.hub.n)
}

func (c *localComm) Bcast(root int, buf []byte) error {
	if err := c.checkFreed(); err != nil {
		return err
	}
	var payload []byte
	if c.myRank == root {
		payload = append([]byte(nil), buf...)
	}
	all := c.nextRound().enter(c.myRank, payload)
	if c.myRank != root {
		copy(buf, all[root])
	}
	return nil
}

func (c *localComm) Gather(root int, send []byte) ([][]byte, error) {
	if err := c.checkFreed(); err != nil {
		return nil, err
	}
	all := c.nextRound().enter(c.myRank, append([]byte(nil), send...))
	if c.myRank != root {
		return nil, nil
	}
	return all, nil
}

func (c *localComm) Scatter(root int, sendByRank [][]byte) ([]byte, error) {
	if err := c.checkFreed(); err != nil {
		return nil, err
	}
	var payload []byte
	if c.myRank == root {
		payload = marshalFrames(sendByRank)
	}
	all := c.nextRound().enter(c.myRank, payload)
	frames, err := unmarshalFrames(all[root])
	if err != nil {
		return nil, err
	}
	if c.myRank >= len(frames) {
		return nil, fmt.Errorf("substrate: scatter root did not provide a frame for rank %d", c.myRank)
	}
	return frames[c.myRank], nil
}

func (c *localComm) AllreduceInt64(op ReduceOp, v int64) (int64, error) {
	if err := c.checkFreed(); err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	putInt64(buf, v)
	all := c.nextRound().enter(c.myRank, buf)
	result := getInt64(all[0])
	for i := 1; i < len(all); i++ {
		x := getInt64(all[i])
		switch op {
		case Min:
			if x < result {
				result = x
			}
		case Max:
			if x > result {
				result = x
			}
		case Sum:
			result += x
		}
	}
	return result, nil
}

func (c *localComm) Barrier() error {
	if err := c.checkFreed(); err != nil {
		return err
	}
	c.nextRound().enter(c.myRank, nil)
	return nil
}

func (c *localComm) NewIndexedBlockType(blocklen int, displs []int64, elemSize int) (*Datatype, error) {
	d := make([]int64, len(displs))
	copy(d, displs)
	return &Datatype{kind: Indexed, blocklen: blocklen, displs: d, elemSize: elemSize}, nil
}

func (c *localComm) NewVectorType(count int, strideBytes int64, base *Datatype) (*Datatype, error) {
	return &Datatype{kind: Vector, count: count, strideBytes: strideBytes, base: base}, nil
}

func (c *localComm) CommitType(dt *Datatype) error {
	if dt.freed {
		return ErrFreed
	}
	dt.committed = true
	return nil
}

func (c *localComm) FreeType(dt *Datatype) error {
	if dt.freed {
		return fmt.Errorf("substrate: double free of datatype")
	}
	dt.freed = true
	return nil
}

func (c *localComm) Split(color, key int) (Comm, error) {
	if err := c.checkFreed(); err != nil {
		return nil, err
	}
	type member = struct{ origRank, key int }
	buf := make([]byte, 8)
	putInt64(buf, int64(color)<<32|int64(uint32(key)))
	all := c.nextRound().enter(c.myRank, buf)

	groups := map[int][]member{}
	for r, b := range all {
		v := getInt64(b)
		col := int(v >> 32)
		k := int(int32(v))
		groups[col] = append(groups[col], member{r, k})
	}
	mine := groups[color]
	sortMembers(mine)
	ranks := make([]int, len(mine))
	for i, m := range mine {
		ranks[i] = m.origRank
	}
	return c.IncludeRanks(ranks)
}

func sortMembers(m []struct{ origRank, key int }) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0 && (m[j].key < m[j-1].key || (m[j].key == m[j-1].key && m[j].origRank < m[j-1].origRank)); j-- {
			m[j], m[j-1] = m[j-1], m[j]
		}
	}
}

func (c *localComm) IncludeRanks(ranks []int) (Comm, error) {
	if err := c.checkFreed(); err != nil {
		return nil, err
	}
	// Barrier so every original-group member observes the same new hub
	// membership before anyone starts using the new Comm.
	buf := make([]byte, 8)
	putInt64(buf, 1)
	c.mu.Lock()
	seq := c.collSeq
	c.mu.Unlock()
	c.nextRound().enter(c.myRank, buf)

	newRank := -1
	for i, r := range ranks {
		if r == c.myRank {
			newRank = i
			break
		}
	}
	if newRank < 0 {
		return nil, nil
	}
	// Every rank in the parent group independently derives the identical
	// child hub, keyed by the index of the barrier round above (the same on
	// every parent rank) plus the membership list, so each IncludeRanks
	// call gets its own hub, created once and shared by its members.
	return &localComm{hub: c.hub.childHub(seq, ranks), myRank: newRank}, nil
}

func (h *hub) childHub(seq int, ranks []int) *hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := fmt.Sprint(seq, ranks)
	child, ok := h.children[key]
	if !ok {
		child = newHub(len(ranks))
		if h.children == nil {
			h.children = map[string]*hub{}
		}
		h.children[key] = child
	}
	return child
}

func (c *localComm) Dup() (Comm, error) {
	if err := c.checkFreed(); err != nil {
		return nil, err
	}
	ranks := make([]int, c.hub.n)
	for i := range ranks {
		ranks[i] = i
	}
	return c.IncludeRanks(ranks)
}

func (c *localComm) Free() error {
	if c.freed {
		return ErrFreed
	}
	c.freed = true
	return nil
}
