package driver

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/typetag"
	"github.com/behrlich/go-pario/internal/uring"
)

// File is the real-file driver: it keeps the same variable/shape bookkeeping
// as Memory but backs PutVara/GetVara with unix.Pread/Pwrite against
// one flat file per variable, so a variable's data never has to live
// resident in process memory the way Memory's does. BPutVarn/WaitAll submit
// through a shared internal/uring.Ring instead, giving the parallel I/O path
// a real asynchronous completion queue to overlap writes against.
type File struct {
	mu     sync.Mutex
	files  map[driverapi.Handle]*fileHandle
	nextID int32

	ringOnce sync.Once
	ring     uring.Ring
	ringErr  error

	compMu    sync.Mutex
	completed map[driverapi.WriteToken]bool
}

// getRing lazily creates the driver's single shared ring. WaitAll assumes
// its caller does not race another in-flight WaitAll on the same driver —
// the async message loop already serializes handlers, so two WaitAll
// calls never contend for the same ring's completion queue in practice.
func (f *File) getRing() (uring.Ring, error) {
	f.ringOnce.Do(func() {
		f.ring, f.ringErr = uring.NewRing(uring.Config{})
	})
	return f.ring, f.ringErr
}

func (f *File) markComplete(tok driverapi.WriteToken) {
	f.compMu.Lock()
	if f.completed == nil {
		f.completed = make(map[driverapi.WriteToken]bool)
	}
	f.completed[tok] = true
	f.compMu.Unlock()
}

func (f *File) isComplete(tok driverapi.WriteToken) bool {
	f.compMu.Lock()
	defer f.compMu.Unlock()
	return f.completed[tok]
}

func (f *File) clearComplete(tok driverapi.WriteToken) {
	f.compMu.Lock()
	delete(f.completed, tok)
	f.compMu.Unlock()
}

type fileHandle struct {
	memFile   *memFile // reuses Memory's metadata bookkeeping
	dataFiles map[int32]*os.File
	dir       string
	bufUsage  int64
}

// NewFile creates a driver that stores each opened file's variables as one
// flat binary file per variable, under the directory path given to
// Create/Open.
func NewFile() *File {
	return &File{files: make(map[driverapi.Handle]*fileHandle)}
}

func (f *File) Create(path string, mode driverapi.Mode, chunked bool) (driverapi.Handle, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return 0, fmt.Errorf("driver/file: mkdir %s: %w", path, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := f.nextID
	f.files[h] = &fileHandle{
		memFile:   &memFile{path: path, mode: mode | driverapi.WriteMode, chunked: chunked, tokens: make(map[driverapi.WriteToken]*pendingWrite)},
		dataFiles: make(map[int32]*os.File),
		dir:       path,
	}
	return h, nil
}

func (f *File) Open(path string, mode driverapi.Mode) (driverapi.Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("driver/file: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := f.nextID
	f.files[h] = &fileHandle{
		memFile:   &memFile{path: path, mode: mode, tokens: make(map[driverapi.WriteToken]*pendingWrite)},
		dataFiles: make(map[int32]*os.File),
		dir:       path,
	}
	return h, nil
}

func (f *File) get(h driverapi.Handle) (*fileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, ok := f.files[h]
	if !ok {
		return nil, fmt.Errorf("driver/file: no open file with handle %d", h)
	}
	return fh, nil
}

func (f *File) Close(h driverapi.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, ok := f.files[h]
	if !ok {
		return fmt.Errorf("driver/file: close of unknown handle %d", h)
	}
	for _, df := range fh.dataFiles {
		df.Close()
	}
	delete(f.files, h)
	return nil
}

func (f *File) Delete(path string) error {
	return os.RemoveAll(path)
}

func (f *File) Inq(h driverapi.Handle) (driverapi.Inquiry, error) {
	fh, err := f.get(h)
	if err != nil {
		return driverapi.Inquiry{}, err
	}
	unlim := int32(-1)
	for i, d := range fh.memFile.dims {
		if d.Len == 0 {
			unlim = int32(i)
		}
	}
	return driverapi.Inquiry{NDims: len(fh.memFile.dims), NVars: len(fh.memFile.vars), UnlimDimID: unlim}, nil
}

func (f *File) InqDim(h driverapi.Handle, dimID int32) (driverapi.DimInfo, error) {
	fh, err := f.get(h)
	if err != nil {
		return driverapi.DimInfo{}, err
	}
	if int(dimID) < 0 || int(dimID) >= len(fh.memFile.dims) {
		return driverapi.DimInfo{}, fmt.Errorf("driver/file: bad dim id %d", dimID)
	}
	return fh.memFile.dims[dimID], nil
}

func (f *File) InqVar(h driverapi.Handle, varid int32) (driverapi.VarInfo, error) {
	fh, err := f.get(h)
	if err != nil {
		return driverapi.VarInfo{}, err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return driverapi.VarInfo{}, err
	}
	return driverapi.VarInfo{Name: v.name, Type: v.typ, Shape: v.shape, NAtts: len(v.attrs), DimIDs: v.dimIDs}, nil
}

func (f *File) EnterDefineMode(h driverapi.Handle) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	fh.memFile.defining = true
	return nil
}

func (f *File) ExitDefineMode(h driverapi.Handle) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	fh.memFile.defining = false
	return nil
}

func (f *File) DefDim(h driverapi.Handle, name string, length int64) (int32, error) {
	fh, err := f.get(h)
	if err != nil {
		return 0, err
	}
	fh.memFile.dims = append(fh.memFile.dims, driverapi.DimInfo{Name: name, Len: length})
	return int32(len(fh.memFile.dims) - 1), nil
}

func (f *File) DefVar(h driverapi.Handle, name string, typ int, dimIDs []int32) (int32, error) {
	fh, err := f.get(h)
	if err != nil {
		return 0, err
	}
	shape := make([]int64, len(dimIDs))
	for i, d := range dimIDs {
		if int(d) < 0 || int(d) >= len(fh.memFile.dims) {
			return 0, fmt.Errorf("driver/file: bad dim id %d", d)
		}
		shape[i] = fh.memFile.dims[d].Len
	}
	sz, err := typetag.Sizeof(typetag.Type(typ))
	if err != nil {
		return 0, err
	}
	v := &variable{name: name, typ: typ, dimIDs: append([]int32(nil), dimIDs...), shape: shape, elem: sz, attrs: map[string][]byte{}}
	fh.memFile.vars = append(fh.memFile.vars, v)
	varid := int32(len(fh.memFile.vars) - 1)

	df, err := os.OpenFile(fmt.Sprintf("%s/var%d.bin", fh.dir, varid), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("driver/file: create var file: %w", err)
	}
	fh.dataFiles[varid] = df
	return varid, nil
}

func (f *File) RenameVar(h driverapi.Handle, varid int32, name string) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return err
	}
	v.name = name
	return nil
}

func (f *File) PutAtt(h driverapi.Handle, varid int32, name string, typ int, data []byte) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return err
	}
	v.attrs[name] = append([]byte(nil), data...)
	return nil
}

func (f *File) SetFill(h driverapi.Handle, varid int32, fillValue []byte) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return err
	}
	v.fill = append([]byte(nil), fillValue...)
	return nil
}

func (f *File) PutVar(h driverapi.Handle, varid int32, data []byte) error {
	return f.PutVara(h, varid, make([]int64, len(mustShape(f, h, varid))), mustShape(f, h, varid), data)
}

func (f *File) GetVar(h driverapi.Handle, varid int32, data []byte) error {
	return f.GetVara(h, varid, make([]int64, len(mustShape(f, h, varid))), mustShape(f, h, varid), data)
}

func mustShape(f *File, h driverapi.Handle, varid int32) []int64 {
	fh, err := f.get(h)
	if err != nil {
		return nil
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return nil
	}
	return v.shape
}

func (f *File) PutVara(h driverapi.Handle, varid int32, start, count []int64, data []byte) error {
	return f.pwriteRegion(h, varid, start, count, nil, data)
}

func (f *File) GetVara(h driverapi.Handle, varid int32, start, count []int64, data []byte) error {
	return f.preadRegion(h, varid, start, count, nil, data)
}

func (f *File) PutVars(h driverapi.Handle, varid int32, elemType int, start, count, stride []int64, data []byte) error {
	return f.pwriteRegion(h, varid, start, count, stride, data)
}

func (f *File) GetVars(h driverapi.Handle, varid int32, elemType int, start, count, stride []int64, data []byte) error {
	return f.preadRegion(h, varid, start, count, stride, data)
}

// pwriteRegion writes one hyper-rectangle with unix.Pwrite: a single call
// when stride is nil and every count but the innermost is 1, otherwise one
// call per element. The variable's data is never held in memory the way
// Memory holds it.
func (f *File) pwriteRegion(h driverapi.Handle, varid int32, start, count, stride []int64, data []byte) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return err
	}
	df := fh.dataFiles[varid]
	if df == nil {
		return fmt.Errorf("driver/file: no backing file for var %d", varid)
	}
	if stride == nil && isContiguousInnerRun(count, v.shape) {
		off := rowMajorOffset(start, v.shape) * int64(v.elem)
		return pwriteFull(df, data, off)
	}
	st := strideFor(v.shape)
	n := elementCount(count)
	for i := 0; i < n; i++ {
		coord := unravelIdx(i, count)
		var off int64
		for d := range coord {
			s := int64(1)
			if stride != nil {
				s = stride[d]
			}
			off += (start[d] + coord[d]*s) * st[d]
		}
		off *= int64(v.elem)
		if err := pwriteFull(df, data[i*v.elem:(i+1)*v.elem], off); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) preadRegion(h driverapi.Handle, varid int32, start, count, stride []int64, data []byte) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return err
	}
	df := fh.dataFiles[varid]
	if df == nil {
		return fmt.Errorf("driver/file: no backing file for var %d", varid)
	}
	if stride == nil && isContiguousInnerRun(count, v.shape) {
		off := rowMajorOffset(start, v.shape) * int64(v.elem)
		return preadFull(df, data, off)
	}
	st := strideFor(v.shape)
	n := elementCount(count)
	for i := 0; i < n; i++ {
		coord := unravelIdx(i, count)
		var off int64
		for d := range coord {
			s := int64(1)
			if stride != nil {
				s = stride[d]
			}
			off += (start[d] + coord[d]*s) * st[d]
		}
		off *= int64(v.elem)
		if err := preadFull(df, data[i*v.elem:(i+1)*v.elem], off); err != nil {
			return err
		}
	}
	return nil
}

func pwriteFull(df *os.File, data []byte, off int64) error {
	for len(data) > 0 {
		n, err := unix.Pwrite(int(df.Fd()), data, off)
		if err != nil {
			return fmt.Errorf("driver/file: pwrite: %w", err)
		}
		data = data[n:]
		off += int64(n)
	}
	return nil
}

func preadFull(df *os.File, data []byte, off int64) error {
	for len(data) > 0 {
		n, err := unix.Pread(int(df.Fd()), data, off)
		if err != nil {
			return fmt.Errorf("driver/file: pread: %w", err)
		}
		if n == 0 {
			// Short read past EOF: zero-fill the remainder (holes read as
			// zero, same as a sparse file).
			for i := range data {
				data[i] = 0
			}
			return nil
		}
		data = data[n:]
		off += int64(n)
	}
	return nil
}

func isContiguousInnerRun(count, shape []int64) bool {
	if len(count) == 0 {
		return true
	}
	for d := 0; d < len(count)-1; d++ {
		if count[d] != 1 {
			return false
		}
	}
	return true
}

func rowMajorOffset(start, shape []int64) int64 {
	st := strideFor(shape)
	var off int64
	for d := range start {
		off += start[d] * st[d]
	}
	return off
}

func unravelIdx(i int, count []int64) []int64 {
	coord := make([]int64, len(count))
	rem := int64(i)
	for d := len(count) - 1; d >= 0; d-- {
		coord[d] = rem % count[d]
		rem /= count[d]
	}
	return coord
}

func (f *File) PutVarn(h driverapi.Handle, varid int32, starts, counts [][]int64, elemSize int, data []byte) error {
	off := 0
	for i := range starts {
		n := elementCount(counts[i])
		nbytes := n * elemSize
		if err := f.PutVara(h, varid, starts[i], counts[i], data[off:off+nbytes]); err != nil {
			return err
		}
		off += nbytes
	}
	return nil
}

func (f *File) GetVarn(h driverapi.Handle, varid int32, starts, counts [][]int64, elemSize int, data []byte) error {
	off := 0
	for i := range starts {
		n := elementCount(counts[i])
		nbytes := n * elemSize
		if err := f.GetVara(h, varid, starts[i], counts[i], data[off:off+nbytes]); err != nil {
			return err
		}
		off += nbytes
	}
	return nil
}

func (f *File) BufferAttach(h driverapi.Handle, nbytes int64) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}
	atomic.AddInt64(&fh.bufUsage, nbytes)
	return nil
}

func (f *File) InqBufferUsage(h driverapi.Handle) (int64, error) {
	fh, err := f.get(h)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(&fh.bufUsage), nil
}

// BPutVarn submits the whole region list as one vectored nonblocking write
// through internal/uring and returns immediately with a token; the write is
// not durable until that token is passed to WaitAll.
func (f *File) BPutVarn(h driverapi.Handle, varid int32, starts, counts [][]int64, elemSize int, data []byte) (driverapi.WriteToken, error) {
	fh, err := f.get(h)
	if err != nil {
		return driverapi.NoToken, err
	}
	v, err := fh.memFile.variable(varid)
	if err != nil {
		return driverapi.NoToken, err
	}
	df := fh.dataFiles[varid]
	if df == nil {
		return driverapi.NoToken, fmt.Errorf("driver/file: no backing file for var %d", varid)
	}

	iovs := make([][]byte, 0, len(starts))
	off := 0
	minOffset := int64(-1)
	for i := range starts {
		n := elementCount(counts[i])
		nbytes := n * elemSize
		iovs = append(iovs, data[off:off+nbytes])
		regionOff := rowMajorOffset(starts[i], v.shape) * int64(v.elem)
		if minOffset < 0 || regionOff < minOffset {
			minOffset = regionOff
		}
		off += nbytes
	}

	nbytes := int64(off)
	fh.memFile.mu.Lock()
	fh.memFile.nextToken++
	tok := driverapi.WriteToken(fh.memFile.nextToken)
	fh.memFile.tokens[tok] = &pendingWrite{varid: varid, nbyte: nbytes}
	fh.memFile.mu.Unlock()
	atomic.AddInt64(&fh.bufUsage, nbytes)

	if len(iovs) == 0 {
		f.markComplete(tok)
		return tok, nil
	}

	ring, err := f.getRing()
	if err != nil {
		return driverapi.NoToken, err
	}
	for {
		err := ring.SubmitWritev(int(df.Fd()), iovs, minOffset, uint64(tok))
		if err == nil {
			break
		}
		if err == uring.ErrRingFull {
			if _, ferr := ring.Flush(); ferr != nil {
				return driverapi.NoToken, ferr
			}
			continue
		}
		return driverapi.NoToken, err
	}
	if _, err := ring.Flush(); err != nil {
		return driverapi.NoToken, err
	}
	return tok, nil
}

// WaitAll blocks on the ring's completion queue until every token's write
// has landed, then releases their driver-attached buffer usage.
func (f *File) WaitAll(h driverapi.Handle, tokens []driverapi.WriteToken) error {
	fh, err := f.get(h)
	if err != nil {
		return err
	}

	pending := make(map[driverapi.WriteToken]bool)
	for _, tok := range tokens {
		if tok == driverapi.NoToken || f.isComplete(tok) {
			continue
		}
		pending[tok] = true
	}

	if len(pending) > 0 {
		ring, err := f.getRing()
		if err != nil {
			return err
		}
		for len(pending) > 0 {
			c, err := ring.WaitCompletion()
			if err != nil {
				return fmt.Errorf("driver/file: uring wait: %w", err)
			}
			tok := driverapi.WriteToken(c.UserData)
			if c.Result < 0 {
				return fmt.Errorf("driver/file: write token %d failed: errno %d", tok, -c.Result)
			}
			f.markComplete(tok)
			delete(pending, tok)
		}
	}

	fh.memFile.mu.Lock()
	defer fh.memFile.mu.Unlock()
	for _, tok := range tokens {
		if tok == driverapi.NoToken {
			continue
		}
		pw, ok := fh.memFile.tokens[tok]
		if !ok {
			continue
		}
		atomic.AddInt64(&fh.bufUsage, -pw.nbyte)
		delete(fh.memFile.tokens, tok)
		f.clearComplete(tok)
	}
	return nil
}

var _ driverapi.Driver = (*File)(nil)
