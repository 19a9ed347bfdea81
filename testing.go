package pario

import (
	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/errpolicy"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/substrate"
)

// TestWorld is a small in-process harness for exercising the public API
// without a real fabric binding: n ranks of substrate.NewLocalWorld, one
// shared driver.Memory standing in for the array-file driver every rank
// talks to, the way a mock storage backend stands in for a real one in
// unit tests.
type TestWorld struct {
	Comms  []substrate.Comm
	Driver *driver.Memory
}

// NewTestWorld builds an n-rank TestWorld. Callers typically call
// InitIntracomm once per rank (e.g. one goroutine each) against
// tw.Comms[rank] and drive every File operation through tw.Driver.
func NewTestWorld(n int) *TestWorld {
	return &TestWorld{
		Comms:  substrate.NewLocalWorld(n),
		Driver: driver.NewMemory(),
	}
}

// NewSingleRankSystem is the common box round-trip case: one rank that is
// both the sole compute rank and the sole I/O rank of its own IoSystem.
func NewSingleRankSystem() (*IoSystem, *driver.Memory, error) {
	comms := substrate.NewLocalWorld(1)
	sys, err := InitIntracomm(comms[0], 1, 1, 0, rearrange.Box, errpolicy.Return)
	if err != nil {
		return nil, nil, err
	}
	return sys, driver.NewMemory(), nil
}
