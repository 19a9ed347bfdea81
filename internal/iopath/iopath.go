// Package iopath implements the I/O path dispatcher: for a single put/get
// call on an I/O rank, it selects among four paths keyed on the file's
// wire format (classic/chunked × serial/parallel) and handles the
// record-axis injection rule shared by all four. Classic formats funnel
// every I/O rank's call through rank 0's driver handle; parallel formats
// let every I/O rank call the driver directly.
package iopath

import (
	"fmt"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/region"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/writebuf"
)

// regionsToStartsCounts walks an I/O rank's region list into the
// (start[], count[]) pairs the driver's varn calls take, injecting the
// record axis at dim 0 when recordAxis is set: dim 0 of the driver call is
// forced to {start: record_cursor, count: 1}, and the other dimensions
// shift by one.
func regionsToStartsCounts(regions *region.Region, numRegions int, recordAxis bool, recordCursor int64) ([][]int64, [][]int64) {
	starts := make([][]int64, 0, numRegions)
	counts := make([][]int64, 0, numRegions)
	for r := regions; r != nil; r = r.Next {
		if !recordAxis {
			starts = append(starts, r.Start)
			counts = append(counts, r.Count)
			continue
		}
		start := make([]int64, len(r.Start)+1)
		count := make([]int64, len(r.Count)+1)
		start[0] = recordCursor
		count[0] = 1
		copy(start[1:], r.Start)
		copy(count[1:], r.Count)
		starts = append(starts, start)
		counts = append(counts, count)
	}
	return starts, counts
}

// regionVolume returns the element count a (start, count) pair covers.
func regionVolume(count []int64) int64 {
	vol := int64(1)
	for _, c := range count {
		vol *= c
	}
	return vol
}

// Write dispatches one collective write call across an I/O group: every
// I/O rank in comm calls Write with its own region list and data packed as
// one flat buffer covering those regions in list order (region.Region's
// LocalOffset gives the packing order), the same shape driverapi.PutVarn/
// GetVarn expect.
func Write(format driverapi.WireFormat, comm substrate.Comm, drv driverapi.Driver, h driverapi.Handle, varid int32, elemSize int, regions *region.Region, numRegions int, recordAxis bool, recordCursor int64, data []byte, buf *writebuf.Buffer, byteBudget int64) error {
	starts, counts := regionsToStartsCounts(regions, numRegions, recordAxis, recordCursor)

	switch format {
	case driverapi.ClassicSerial, driverapi.ChunkedSerial:
		return writeSerial(comm, drv, h, varid, elemSize, starts, counts, data)
	case driverapi.ClassicParallel, driverapi.ChunkedParallel:
		return writeParallel(comm, drv, h, varid, elemSize, starts, counts, data, buf, byteBudget)
	default:
		return fmt.Errorf("iopath: unknown wire format %v", format)
	}
}

// Read is Write's mirror for gets.
func Read(format driverapi.WireFormat, comm substrate.Comm, drv driverapi.Driver, h driverapi.Handle, varid int32, elemSize int, regions *region.Region, numRegions int, recordAxis bool, recordCursor int64, localLen int) ([]byte, error) {
	starts, counts := regionsToStartsCounts(regions, numRegions, recordAxis, recordCursor)

	switch format {
	case driverapi.ClassicSerial, driverapi.ChunkedSerial:
		return readSerial(comm, drv, h, varid, elemSize, starts, counts, localLen)
	case driverapi.ClassicParallel, driverapi.ChunkedParallel:
		return readParallel(drv, h, varid, elemSize, starts, counts, localLen)
	default:
		return nil, fmt.Errorf("iopath: unknown wire format %v", format)
	}
}

// writeParallel implements the classic/chunked parallel write path:
// each I/O rank builds its own (start[], count[]) for every region and
// calls the driver's nonblocking varn directly; the returned token is
// appended to the write-request buffer rather than waited on here.
func writeParallel(comm substrate.Comm, drv driverapi.Driver, h driverapi.Handle, varid int32, elemSize int, starts, counts [][]int64, data []byte, buf *writebuf.Buffer, byteBudget int64) error {
	// A rank with no regions still enters Flush, whose usage all-reduce
	// every I/O rank in comm takes part in.
	if len(starts) > 0 {
		token, err := drv.BPutVarn(h, varid, starts, counts, elemSize, data)
		if err != nil {
			return err
		}
		buf.Append(varid, token)
	}

	var bytes int64
	for _, c := range counts {
		bytes += regionVolume(c) * int64(elemSize)
	}
	return buf.Flush(drv, h, comm, false, bytes, byteBudget)
}

// readParallel implements the classic/chunked parallel read path.
// The reference driver has no asynchronous completion queue for reads (see
// driver/file.go), so the "nonblocking gather, one wait" mirror collapses
// to a single blocking varn-all call, which is the one wait.
func readParallel(drv driverapi.Driver, h driverapi.Handle, varid int32, elemSize int, starts, counts [][]int64, localLen int) ([]byte, error) {
	out := make([]byte, int64(localLen)*int64(elemSize))
	if len(starts) == 0 {
		return out, nil
	}
	if err := drv.GetVarn(h, varid, starts, counts, elemSize, out); err != nil {
		return nil, err
	}
	return out, nil
}
