package pario

import (
	"sync/atomic"

	"github.com/behrlich/go-pario/internal/iopath"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/typetag"
)

// WriteDarray writes localBuf, a buffer of dec.d.Ndof elements local to
// the calling compute rank, through dec's rearranger to the I/O ranks and
// on to f's driver. recordAxis forces an injected {start: record_cursor,
// count: 1} leading dimension when f's variable has an unlimited record
// axis not already part of the decomposition.
func (f *File) WriteDarray(varid int32, dec *Decomp, recordAxis bool, localBuf []byte) error {
	ioBuf, err := rearrange.ComputeToIo(dec.d, localBuf)
	if err != nil {
		return f.sys.applyPolicy("WriteDarray", err)
	}
	if !dec.d.IsIO {
		return nil
	}

	elemSize, err := typetag.Sizeof(dec.d.ElementType)
	if err != nil {
		return f.sys.applyPolicy("WriteDarray", err)
	}

	err = iopath.Write(f.wireFormat, f.sys.ioComm, f.drv, f.h, varid, elemSize,
		dec.d.Regions, dec.d.NumRegions, recordAxis, f.recordCursor, ioBuf, f.buf, f.sys.byteBudget)
	if err == nil {
		f.sys.metrics.WriteOps.Add(1)
		f.sys.metrics.WriteBytes.Add(uint64(len(ioBuf)))
	} else {
		f.sys.metrics.WriteErrors.Add(1)
	}
	return f.sys.applyPolicy("WriteDarray", err)
}

// WriteDarrayMulti writes localBufs[i] to varids[i] through decs[i] for
// every i in turn, one WriteDarray call (with its own flush check) each,
// and stops at the first error.
func (f *File) WriteDarrayMulti(varids []int32, decs []*Decomp, recordAxis bool, localBufs [][]byte) error {
	if len(varids) != len(decs) || len(decs) != len(localBufs) {
		return f.sys.applyPolicy("WriteDarrayMulti", errLenMismatch)
	}
	for i := range varids {
		if err := f.WriteDarray(varids[i], decs[i], recordAxis, localBufs[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadDarray reads back a decomposed variable, the mirror of WriteDarray:
// I/O ranks pull their owned regions from f's driver and dec's rearranger
// shuffles the result back to every compute rank's own Ndof-element share
// (one element per entry of its compmap).
func (f *File) ReadDarray(varid int32, dec *Decomp, recordAxis bool) ([]byte, error) {
	var ioBuf []byte
	if dec.d.IsIO {
		elemSize, err := typetag.Sizeof(dec.d.ElementType)
		if err != nil {
			return nil, f.sys.applyPolicy("ReadDarray", err)
		}
		ioBuf, err = iopath.Read(f.wireFormat, f.sys.ioComm, f.drv, f.h, varid, elemSize,
			dec.d.Regions, dec.d.NumRegions, recordAxis, f.recordCursor, dec.d.LocalLen)
		if err != nil {
			f.sys.metrics.ReadErrors.Add(1)
			return nil, f.sys.applyPolicy("ReadDarray", err)
		}
	}

	localBuf, err := rearrange.IoToCompute(dec.d, ioBuf)
	if err != nil {
		return nil, f.sys.applyPolicy("ReadDarray", err)
	}
	f.sys.metrics.ReadOps.Add(1)
	f.sys.metrics.ReadBytes.Add(uint64(len(localBuf)))
	return localBuf, nil
}

// AdvanceRecord moves f's record cursor forward by one, the step a caller
// takes between successive WriteDarray calls against an unlimited-record
// variable.
func (f *File) AdvanceRecord() {
	atomic.AddInt64(&f.recordCursor, 1)
}

// RecordCursor reports f's current record position.
func (f *File) RecordCursor() int64 {
	return atomic.LoadInt64(&f.recordCursor)
}

var errLenMismatch = &Error{Op: "WriteDarrayMulti", Code: EINVAL, Msg: "varids, decs and localBufs must have equal length"}
