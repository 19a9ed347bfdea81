// Package constants holds the process-wide default knobs referenced across
// go-pario: byte budgets, flow-control defaults, and rearranger tuning.
package constants

// Default configuration constants
const (
	// DefaultNumIOTasks is used when a caller does not specify how many
	// ranks of the union group should take the I/O role.
	DefaultNumIOTasks = 1

	// DefaultIOStride is the default spacing between I/O ranks within the
	// union group when the caller lets InitIntracomm pick ranks for it.
	DefaultIOStride = 1

	// DefaultIOBase is the default rank at which the first I/O task sits.
	DefaultIOBase = 0

	// DefaultComputeByteBudget bounds the compute-side packing pool used to
	// derive max_bytes when the caller does not override it.
	DefaultComputeByteBudget = 64 << 20

	// DefaultIOByteBudget bounds the driver-attached buffer pool a file's
	// write-request table is allowed to hold before a flush is forced.
	DefaultIOByteBudget = 64 << 20

	// DefaultMaxPendingReq bounds outstanding nonblocking sends per rank in
	// swapm when the caller does not specify one. Zero means unlimited.
	DefaultMaxPendingReq = 64

	// AutoAssignID is the "no caller-supplied id" sentinel. Nothing reads
	// it: internal/registry's Table.Add always assigns a fresh process-wide
	// identifier and takes no caller-supplied one.
	AutoAssignID = -1
)

// WriteRequestGrowChunk is the number of sentinel slots added to a
// writebuf row each time it needs to grow; capacity grows in fixed-size
// chunks rather than one slot at a time.
const WriteRequestGrowChunk = 16

// DefaultAsyncRecvTag is a default tag value for async-mode opcode
// messages. Nothing reads it: compute component roots announce opcodes on
// internal/asyncloop's own headerTag (1) over their per-component
// InterComm.
const DefaultAsyncRecvTag = 0
