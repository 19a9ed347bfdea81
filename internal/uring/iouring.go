package uring

import (
	"fmt"
	"sync"

	"github.com/pawelgaczynski/giouring"
)

const defaultEntries = 256

// giouRing implements Ring using giouring. There is no kernel
// control-command path in this domain, so this is the only backend and
// carries no build tag to gate it against an alternative.
type giouRing struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

func newGiouringRing(config Config) (Ring, error) {
	entries := config.Entries
	if entries == 0 {
		entries = defaultEntries
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}
	return &giouRing{ring: ring}, nil
}

func (r *giouRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring != nil {
		r.ring.QueueExit()
		r.ring = nil
	}
	return nil
}

func (r *giouRing) SubmitWritev(fd int, iovs [][]byte, offset int64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareWritev(fd, iovs, uint64(offset), 0)
	sqe.UserData = userData
	return nil
}

func (r *giouRing) Flush() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("uring: submit: %w", err)
	}
	return uint32(n), nil
}

func (r *giouRing) WaitCompletion() (Completion, error) {
	r.mu.Lock()
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		r.mu.Unlock()
		return Completion{}, fmt.Errorf("uring: wait cqe: %w", err)
	}
	c := Completion{UserData: cqe.UserData, Result: cqe.Res}
	r.ring.CQESeen(cqe)
	r.mu.Unlock()
	return c, nil
}

var _ Ring = (*giouRing)(nil)
