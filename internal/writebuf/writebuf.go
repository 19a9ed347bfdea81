// Package writebuf implements the per-file write-request buffer: a
// growing, per-variable array of nonblocking-write tokens with a sentinel
// marking empty slots, flushed when a shared byte budget is crossed. The
// sentinel-slot-array-with-fixed-chunk-growth shape generalizes the same
// idea as a fixed-depth command table, but grown as an array as writes are
// appended instead of fixed at construction.
package writebuf

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-pario/internal/constants"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/substrate"
)

// Buffer is one file's write-request buffer: a token slot array per
// variable id, plus the file's max-usage watermark tracking the soft byte
// budget that governs flushing.
type Buffer struct {
	mu       sync.Mutex
	slots    map[int32][]driverapi.WriteToken
	varOrder []int32 // first-seen order, so Flush walks variables deterministically
	maxUsage int64   // atomic
}

// New creates an empty write-request buffer for one file.
func New() *Buffer {
	return &Buffer{slots: make(map[int32][]driverapi.WriteToken)}
}

// Append stores token for varid in the first sentinel slot, growing the
// slot array by constants.WriteRequestGrowChunk if none is free.
func (b *Buffer) Append(varid int32, token driverapi.WriteToken) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.slots[varid]
	if !ok {
		b.varOrder = append(b.varOrder, varid)
	}
	for i := range row {
		if row[i] == driverapi.NoToken {
			row[i] = token
			b.slots[varid] = row
			return
		}
	}
	start := len(row)
	row = append(row, makeSentinelRow(constants.WriteRequestGrowChunk)...)
	row[start] = token
	b.slots[varid] = row
}

func makeSentinelRow(n int) []driverapi.WriteToken {
	row := make([]driverapi.WriteToken, n)
	for i := range row {
		row[i] = driverapi.NoToken
	}
	return row
}

// LiveCount returns the number of live (non-sentinel) tokens across every
// variable, for callers inspecting outstanding write pressure.
func (b *Buffer) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, row := range b.slots {
		for _, t := range row {
			if t != driverapi.NoToken {
				n++
			}
		}
	}
	return n
}

// Flush implements flush(file, force, extra_bytes):
//  1. query the driver's current attached-buffer usage,
//  2. add extra_bytes and all-reduce by max across the file's I/O group,
//  3. update the file's max-usage watermark,
//  4. if force or usage >= byteBudget, compact every variable's live
//     tokens into one ordered requests[] array, call the driver's
//     collective wait-all, and reset every slot to the sentinel.
func (b *Buffer) Flush(drv driverapi.Driver, h driverapi.Handle, comm substrate.Comm, force bool, extraBytes, byteBudget int64) error {
	usage, err := drv.InqBufferUsage(h)
	if err != nil {
		return err
	}
	usage += extraBytes

	maxUsage, err := comm.AllreduceInt64(substrate.Max, usage)
	if err != nil {
		return err
	}

	for {
		prev := atomic.LoadInt64(&b.maxUsage)
		if maxUsage <= prev {
			break
		}
		if atomic.CompareAndSwapInt64(&b.maxUsage, prev, maxUsage) {
			break
		}
	}

	if !force && maxUsage < byteBudget {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var requests []driverapi.WriteToken
	for _, varid := range b.varOrder {
		row := b.slots[varid]
		for i, t := range row {
			if t != driverapi.NoToken {
				requests = append(requests, t)
				row[i] = driverapi.NoToken
			}
		}
		b.slots[varid] = row
	}

	if len(requests) == 0 {
		return nil
	}
	return drv.WaitAll(h, requests)
}
