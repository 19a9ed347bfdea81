// Package uring provides the nonblocking submit/wait engine backing the
// array-file driver's buffered varn writes (driver.File.BPutVarn/WaitAll):
// a narrow Ring interface with a single concrete backend selected at
// construction, the same shape internal/substrate's group-communication
// façade reuses for a different domain. There is no kernel control-command
// path here, only ordinary buffered file writes, so the interface shrinks
// to submit-write and wait-for-completion.
package uring

import "errors"

// ErrRingFull is returned when the submission queue has no free SQE slot.
var ErrRingFull = errors.New("uring: submission queue full")

// Completion is one finished submission: UserData identifies which request
// it was (the driver uses its own WriteToken as UserData), Result is the
// raw syscall return value (negative errno on failure, bytes written on
// success).
type Completion struct {
	UserData uint64
	Result   int32
}

// Ring is the interface driver/file.go drives. A single concrete
// implementation lives in iouring.go, backed by giouring.
type Ring interface {
	// Close releases the ring's kernel resources.
	Close() error

	// SubmitWritev queues a vectored write of iovs to fd at offset,
	// tagged with userData, without blocking. Returns ErrRingFull if the
	// submission queue has no free slot; the caller should Flush and
	// retry.
	SubmitWritev(fd int, iovs [][]byte, offset int64, userData uint64) error

	// Flush submits every queued-but-unsent SQE with one io_uring_enter
	// call and returns how many were submitted.
	Flush() (uint32, error)

	// WaitCompletion blocks until at least one submitted write finishes
	// and returns it.
	WaitCompletion() (Completion, error)
}

// Config configures a new Ring.
type Config struct {
	// Entries is the submission/completion queue depth. Zero picks a
	// default.
	Entries uint32
}

// NewRing creates the giouring-backed Ring implementation.
func NewRing(config Config) (Ring, error) {
	return newGiouringRing(config)
}
