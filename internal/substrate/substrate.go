// Package substrate is the group-communication façade: thin adapters over
// point-to-point send/recv, collectives, derived datatypes, and
// group/communicator construction. No MPI binding is wired in, so the
// façade is specified as a narrow interface (Comm) with one concrete
// backend, local.go — an in-process, goroutine-per-rank implementation, the
// same "interface plus a single selected backend" shape internal/uring's
// Ring uses for I/O completion.
package substrate

import "fmt"

// ReduceOp names a reduction applied by Allreduce.
type ReduceOp int

const (
	Min ReduceOp = iota
	Max
	Sum
)

// Request is a handle to an outstanding nonblocking send or receive,
// returned by ISend/IRecv and consumed by Wait/WaitAny/WaitAll.
type Request interface {
	// Wait blocks until the operation completes.
	Wait() error
	// Test reports whether the operation has completed without blocking.
	Test() (bool, error)
}

// Comm is the group-communication façade consumed by the rest of go-pario.
// A Comm is always relative to one group of ranks (a "communicator" in MPI
// terms); Split/Dup/Free manage that group's lifetime.
type Comm interface {
	Rank() int
	Size() int

	// Send is a blocking send tagged for matching at the receiver.
	Send(dst, tag int, data []byte) error
	// RSend is a ready-mode send: the caller asserts a matching receive is
	// already posted. In this in-process substrate every mailbox is
	// buffered, so RSend behaves like Send; a real fabric binding would
	// skip the handshake RSend normally performs.
	RSend(dst, tag int, data []byte) error
	// Recv is a blocking receive; it returns the sender's rank and the
	// number of bytes placed into buf.
	Recv(tag int, buf []byte) (src int, n int, err error)

	ISend(dst, tag int, data []byte) (Request, error)
	IRecv(tag int, buf []byte) (Request, error)
	WaitAll(reqs []Request) error
	// WaitAny blocks until at least one request completes and returns its
	// index into reqs.
	WaitAny(reqs []Request) (int, error)

	Bcast(root int, buf []byte) error
	Gather(root int, send []byte) ([][]byte, error)
	Scatter(root int, sendByRank [][]byte) ([]byte, error)
	AllreduceInt64(op ReduceOp, v int64) (int64, error)
	Barrier() error

	// NewIndexedBlockType describes blocklen-element runs at the given
	// element displacements into a base buffer of the given element size.
	NewIndexedBlockType(blocklen int, displs []int64, elemSize int) (*Datatype, error)
	// NewVectorType replicates base count times at a fixed byte stride.
	NewVectorType(count int, strideBytes int64, base *Datatype) (*Datatype, error)
	CommitType(dt *Datatype) error
	FreeType(dt *Datatype) error

	// Split partitions the group by color (ranks sharing a color end up in
	// the same new Comm) ordered by key, mirroring MPI_Comm_split.
	Split(color, key int) (Comm, error)
	// IncludeRanks builds a new Comm containing exactly the given ranks of
	// this group, in the order given.
	IncludeRanks(ranks []int) (Comm, error)
	Dup() (Comm, error)
	Free() error
}

// ErrFreed is returned by any operation on a Comm or Datatype after Free.
var ErrFreed = fmt.Errorf("substrate: use after free")
