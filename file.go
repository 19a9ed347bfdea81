package pario

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/registry"
	"github.com/behrlich/go-pario/internal/typetag"
	"github.com/behrlich/go-pario/internal/writebuf"
)

// files is the process-wide File table.
var files = registry.New[*File]()

// File is the caller-visible open-file handle. Every metadata mutation
// (DefDim, DefVar, PutAtt, ...) runs once, on sys.ioRoot(), and
// broadcasts its result to the rest of the union group; the decomposed
// data path (WriteDarray/ReadDarray) runs on every I/O rank against the
// same driver handle, the way a real array-file driver has every I/O rank
// open the same dataset independently. Whole-variable PutVar/GetVar (and
// their vara/vars forms) run on sys.ioRoot() only, GetVar broadcasting the
// bytes it read.
type File struct {
	id  int32
	sys *IoSystem
	drv driverapi.Driver

	h          driverapi.Handle
	wireFormat driverapi.WireFormat

	buf          *writebuf.Buffer
	recordCursor int64
}

// ID returns the process-wide identifier CreateFile/OpenFile assigned.
func (f *File) ID() int32 { return f.id }

// bcastInt32 broadcasts an int32 from sys.ioRoot() across sys.UnionComm();
// DefDim/DefVar use it for their ids.
func (s *IoSystem) bcastInt32(v int32) (int32, error) {
	buf := make([]byte, 4)
	if s.unionComm.Rank() == s.ioRoot() {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
	if err := s.unionComm.Bcast(s.ioRoot(), buf); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// bcastBytes fans an arbitrary-length payload out from sys.ioRoot() across
// sys.UnionComm(). The length goes over first so every rank can size its
// receive buffer before the payload round; Bcast's local.go implementation
// truncates to the receiver's buffer length, so a single fixed-size round
// isn't enough once the payload isn't itself a fixed width.
func (s *IoSystem) bcastBytes(payload []byte) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if s.unionComm.Rank() == s.ioRoot() {
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	}
	if err := s.unionComm.Bcast(s.ioRoot(), lenBuf); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(lenBuf))
	if s.unionComm.Rank() == s.ioRoot() {
		copy(buf, payload)
	}
	if err := s.unionComm.Bcast(s.ioRoot(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func marshalInquiry(v driverapi.Inquiry) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], uint32(v.NDims))
	binary.LittleEndian.PutUint32(buf[4:], uint32(v.NVars))
	binary.LittleEndian.PutUint32(buf[8:], uint32(v.NGAtts))
	binary.LittleEndian.PutUint32(buf[12:], uint32(v.UnlimDimID))
	return buf
}

func unmarshalInquiry(buf []byte) driverapi.Inquiry {
	return driverapi.Inquiry{
		NDims:      int(binary.LittleEndian.Uint32(buf[0:])),
		NVars:      int(binary.LittleEndian.Uint32(buf[4:])),
		NGAtts:     int(binary.LittleEndian.Uint32(buf[8:])),
		UnlimDimID: int32(binary.LittleEndian.Uint32(buf[12:])),
	}
}

func marshalDimInfo(v driverapi.DimInfo) []byte {
	name := []byte(v.Name)
	buf := make([]byte, 4+len(name)+8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(name)))
	copy(buf[4:], name)
	binary.LittleEndian.PutUint64(buf[4+len(name):], uint64(v.Len))
	return buf
}

func unmarshalDimInfo(buf []byte) driverapi.DimInfo {
	n := int(binary.LittleEndian.Uint32(buf[0:]))
	length := int64(binary.LittleEndian.Uint64(buf[4+n:]))
	return driverapi.DimInfo{Name: string(buf[4 : 4+n]), Len: length}
}

func marshalVarInfo(v driverapi.VarInfo) []byte {
	u32 := make([]byte, 4)
	var buf []byte

	name := []byte(v.Name)
	binary.LittleEndian.PutUint32(u32, uint32(len(name)))
	buf = append(buf, u32...)
	buf = append(buf, name...)

	binary.LittleEndian.PutUint32(u32, uint32(v.Type))
	buf = append(buf, u32...)

	binary.LittleEndian.PutUint32(u32, uint32(len(v.Shape)))
	buf = append(buf, u32...)
	for _, d := range v.Shape {
		u64 := make([]byte, 8)
		binary.LittleEndian.PutUint64(u64, uint64(d))
		buf = append(buf, u64...)
	}

	binary.LittleEndian.PutUint32(u32, uint32(v.NAtts))
	buf = append(buf, u32...)

	binary.LittleEndian.PutUint32(u32, uint32(len(v.DimIDs)))
	buf = append(buf, u32...)
	for _, id := range v.DimIDs {
		binary.LittleEndian.PutUint32(u32, uint32(id))
		buf = append(buf, u32...)
	}

	if v.Unlim {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func unmarshalVarInfo(buf []byte) driverapi.VarInfo {
	pos := 0
	nameLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	name := string(buf[pos : pos+nameLen])
	pos += nameLen

	typ := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4

	shapeLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	shape := make([]int64, shapeLen)
	for i := range shape {
		shape[i] = int64(binary.LittleEndian.Uint64(buf[pos:]))
		pos += 8
	}

	natts := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4

	dimIDsLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	dimIDs := make([]int32, dimIDsLen)
	for i := range dimIDs {
		dimIDs[i] = int32(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
	}

	unlim := buf[pos] != 0

	return driverapi.VarInfo{Name: name, Type: typ, Shape: shape, NAtts: natts, DimIDs: dimIDs, Unlim: unlim}
}

func chunkedFormat(w driverapi.WireFormat) bool {
	return w == driverapi.ChunkedSerial || w == driverapi.ChunkedParallel
}

// CreateFile creates a new dataset at path, the wire format fixing how
// later WriteDarray calls on it dispatch. Every rank of sys's
// union group must call CreateFile; only sys.ioRoot() actually calls
// drv.Create, and the resulting handle is broadcast to the rest of the
// I/O group so every I/O rank can drive data-path calls against the same
// open dataset.
func CreateFile(sys *IoSystem, drv driverapi.Driver, path string, mode driverapi.Mode, wireFormat driverapi.WireFormat) (*File, error) {
	f := &File{sys: sys, drv: drv, wireFormat: wireFormat, buf: writebuf.New()}

	if sys.IsIORank() {
		var h driverapi.Handle
		var err error
		if sys.unionComm.Rank() == sys.ioRoot() {
			h, err = drv.Create(path, mode, chunkedFormat(wireFormat))
			if err != nil {
				return nil, sys.applyPolicy("CreateFile", err)
			}
		}
		h, err = broadcastHandle(sys, h)
		if err != nil {
			return nil, sys.applyPolicy("CreateFile", err)
		}
		f.h = h
	}

	f.id = files.Add(f)
	return f, nil
}

// broadcastHandle fans h out from sys.ioRoot() across sys.ioComm, the
// subgroup every I/O rank (not just the root) needs a live handle in.
func broadcastHandle(sys *IoSystem, h driverapi.Handle) (driverapi.Handle, error) {
	buf := make([]byte, 4)
	ioLocalRoot := 0 // ioRoot() is always IncludeRanks(ioRanks)[0], so local rank 0
	if sys.ioComm.Rank() == ioLocalRoot {
		binary.LittleEndian.PutUint32(buf, uint32(h))
	}
	if err := sys.ioComm.Bcast(ioLocalRoot, buf); err != nil {
		return 0, err
	}
	return driverapi.Handle(binary.LittleEndian.Uint32(buf)), nil
}

// OpenFile opens an existing dataset with a retry-to-classic fallback: if
// drv.Open fails under a chunked wire format, OpenFile calls drv.Open once
// more and dispatches the file as ClassicSerial. Any Open error triggers
// the retry; there is no opt-in flag, and the error is not checked for a
// wrong-format cause.
func OpenFile(sys *IoSystem, drv driverapi.Driver, path string, mode driverapi.Mode, wireFormat driverapi.WireFormat) (*File, error) {
	f := &File{sys: sys, drv: drv, wireFormat: wireFormat, buf: writebuf.New()}

	if sys.IsIORank() {
		var h driverapi.Handle
		var err error
		if sys.unionComm.Rank() == sys.ioRoot() {
			h, err = drv.Open(path, mode)
			if err != nil && chunkedFormat(wireFormat) {
				f.wireFormat = driverapi.ClassicSerial
				h, err = drv.Open(path, mode)
			}
			if err != nil {
				return nil, sys.applyPolicy("OpenFile", err)
			}
		}
		h, err = broadcastHandle(sys, h)
		if err != nil {
			return nil, sys.applyPolicy("OpenFile", err)
		}
		f.h = h
	}

	f.id = files.Add(f)
	return f, nil
}

// Close closes f's driver handle (on sys.ioRoot() only) and removes f from
// the process registry.
func (f *File) Close() error {
	if f.sys.IsIORank() {
		if f.sys.unionComm.Rank() == f.sys.ioRoot() {
			if err := f.drv.Close(f.h); err != nil {
				return f.sys.applyPolicy("Close", err)
			}
		}
	}
	files.Remove(f.id)
	return nil
}

// DeleteFile removes the dataset at path. Only sys.ioRoot() calls the
// driver; every other rank of sys's union group just observes the result.
func DeleteFile(sys *IoSystem, drv driverapi.Driver, path string) error {
	var derr error
	if sys.unionComm.Rank() == sys.ioRoot() {
		derr = drv.Delete(path)
	}
	return sys.applyPolicy("DeleteFile", derr)
}

// EnterDefineMode/ExitDefineMode toggle f's driver between metadata
// definition and data-transfer modes.
func (f *File) EnterDefineMode() error {
	return f.runOnRoot("EnterDefineMode", func() error { return f.drv.EnterDefineMode(f.h) })
}

func (f *File) ExitDefineMode() error {
	return f.runOnRoot("ExitDefineMode", func() error { return f.drv.ExitDefineMode(f.h) })
}

// DefDim defines a new dimension and returns its id, broadcast to every
// rank of f.sys's union group.
func (f *File) DefDim(name string, length int64) (int32, error) {
	return f.defineInt32("DefDim", func() (int32, error) { return f.drv.DefDim(f.h, name, length) })
}

// DefVar defines a new variable and returns its id, broadcast the same way
// DefDim's id is.
func (f *File) DefVar(name string, typ typetag.Type, dimIDs []int32) (int32, error) {
	return f.defineInt32("DefVar", func() (int32, error) { return f.drv.DefVar(f.h, name, int(typ), dimIDs) })
}

func (f *File) RenameVar(varid int32, name string) error {
	return f.runOnRoot("RenameVar", func() error { return f.drv.RenameVar(f.h, varid, name) })
}

func (f *File) PutAtt(varid int32, name string, typ typetag.Type, data []byte) error {
	return f.runOnRoot("PutAtt", func() error { return f.drv.PutAtt(f.h, varid, name, int(typ), data) })
}

func (f *File) SetFill(varid int32, fillValue []byte) error {
	return f.runOnRoot("SetFill", func() error { return f.drv.SetFill(f.h, varid, fillValue) })
}

// Inq/InqDim/InqVar are read-only metadata queries; like the mutating
// calls above they run once on sys.ioRoot(), since the reference and file
// drivers don't require every I/O rank to re-ask the same question. The
// result is broadcast to the rest of the union group the same way DefDim
// and DefVar broadcast their ids, so every rank sees the same answer
// instead of only the root.
func (f *File) Inq() (driverapi.Inquiry, error) {
	var out driverapi.Inquiry
	var err error
	if f.sys.unionComm.Rank() == f.sys.ioRoot() {
		out, err = f.drv.Inq(f.h)
	}
	if perr := f.sys.applyPolicy("Inq", err); perr != nil {
		return driverapi.Inquiry{}, perr
	}
	buf, berr := f.sys.bcastBytes(marshalInquiry(out))
	if berr != nil {
		return driverapi.Inquiry{}, fmt.Errorf("pario: Inq: broadcast result: %w", berr)
	}
	return unmarshalInquiry(buf), nil
}

func (f *File) InqDim(dimID int32) (driverapi.DimInfo, error) {
	var out driverapi.DimInfo
	var err error
	if f.sys.unionComm.Rank() == f.sys.ioRoot() {
		out, err = f.drv.InqDim(f.h, dimID)
	}
	if perr := f.sys.applyPolicy("InqDim", err); perr != nil {
		return driverapi.DimInfo{}, perr
	}
	buf, berr := f.sys.bcastBytes(marshalDimInfo(out))
	if berr != nil {
		return driverapi.DimInfo{}, fmt.Errorf("pario: InqDim: broadcast result: %w", berr)
	}
	return unmarshalDimInfo(buf), nil
}

func (f *File) InqVar(varid int32) (driverapi.VarInfo, error) {
	var out driverapi.VarInfo
	var err error
	if f.sys.unionComm.Rank() == f.sys.ioRoot() {
		out, err = f.drv.InqVar(f.h, varid)
	}
	if perr := f.sys.applyPolicy("InqVar", err); perr != nil {
		return driverapi.VarInfo{}, perr
	}
	buf, berr := f.sys.bcastBytes(marshalVarInfo(out))
	if berr != nil {
		return driverapi.VarInfo{}, fmt.Errorf("pario: InqVar: broadcast result: %w", berr)
	}
	return unmarshalVarInfo(buf), nil
}

func (f *File) runOnRoot(op string, fn func() error) error {
	var err error
	if f.sys.unionComm.Rank() == f.sys.ioRoot() {
		err = fn()
	}
	return f.sys.applyPolicy(op, err)
}

func (f *File) defineInt32(op string, fn func() (int32, error)) (int32, error) {
	var id int32
	var err error
	if f.sys.unionComm.Rank() == f.sys.ioRoot() {
		id, err = fn()
	}
	if perr := f.sys.applyPolicy(op, err); perr != nil {
		return 0, perr
	}
	id, err = f.sys.bcastInt32(id)
	if err != nil {
		return 0, fmt.Errorf("pario: %s: broadcast id: %w", op, err)
	}
	return id, nil
}
