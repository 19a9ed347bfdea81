// Package driver holds the concrete implementations of driverapi.Driver.
// Memory is the in-process reference driver tests run against; File (in
// file.go) backs the same façade with real files.
package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/typetag"
)

// shardSize is the granularity of the per-variable sharded lock, the same
// technique backend.Memory used for a flat byte device, applied here per
// variable instead of per whole device.
const shardSize = 64 * 1024

type variable struct {
	name   string
	typ    int
	dimIDs []int32
	shape  []int64
	elem   int

	mu     sync.Mutex // guards data/shards resize on DefVar-after-write (rare)
	data   []byte
	shards []sync.RWMutex

	attrs map[string][]byte
	fill  []byte
}

func (v *variable) shardRange(off, length int64) (start, end int) {
	if length <= 0 {
		return 0, -1
	}
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(v.shards) {
		end = len(v.shards) - 1
	}
	return start, end
}

func (v *variable) withLock(off, length int64, write bool, fn func()) {
	s, e := v.shardRange(off, length)
	if e < s {
		fn()
		return
	}
	for i := s; i <= e; i++ {
		if write {
			v.shards[i].Lock()
		} else {
			v.shards[i].RLock()
		}
	}
	fn()
	for i := s; i <= e; i++ {
		if write {
			v.shards[i].Unlock()
		} else {
			v.shards[i].RUnlock()
		}
	}
}

type memFile struct {
	path     string
	mode     driverapi.Mode
	chunked  bool
	defining bool

	dims []driverapi.DimInfo
	vars []*variable

	bufUsage int64 // atomic

	mu         sync.Mutex
	nextToken  int64
	tokens     map[driverapi.WriteToken]*pendingWrite
}

type pendingWrite struct {
	varid int32
	nbyte int64
}

// Memory is the in-process reference driver.
type Memory struct {
	mu       sync.Mutex
	files    map[driverapi.Handle]*memFile
	nextID   int32
}

// NewMemory creates an empty in-process driver.
func NewMemory() *Memory {
	return &Memory{files: make(map[driverapi.Handle]*memFile)}
}

func (m *Memory) alloc(path string, mode driverapi.Mode, chunked bool) driverapi.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h := m.nextID
	m.files[h] = &memFile{path: path, mode: mode, chunked: chunked, tokens: make(map[driverapi.WriteToken]*pendingWrite)}
	return h
}

func (m *Memory) get(h driverapi.Handle) (*memFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[h]
	if !ok {
		return nil, fmt.Errorf("driver: no open file with handle %d", h)
	}
	return f, nil
}

func (m *Memory) Create(path string, mode driverapi.Mode, chunked bool) (driverapi.Handle, error) {
	return m.alloc(path, mode|driverapi.WriteMode, chunked), nil
}

func (m *Memory) Open(path string, mode driverapi.Mode) (driverapi.Handle, error) {
	m.mu.Lock()
	for _, f := range m.files {
		if f.path == path {
			m.mu.Unlock()
			return 0, fmt.Errorf("driver: %s already open in this process", path)
		}
	}
	m.mu.Unlock()
	return 0, fmt.Errorf("driver: %s not found", path)
}

func (m *Memory) Close(h driverapi.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[h]; !ok {
		return fmt.Errorf("driver: close of unknown handle %d", h)
	}
	delete(m.files, h)
	return nil
}

func (m *Memory) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, f := range m.files {
		if f.path == path {
			delete(m.files, h)
		}
	}
	return nil
}

func (m *Memory) Inq(h driverapi.Handle) (driverapi.Inquiry, error) {
	f, err := m.get(h)
	if err != nil {
		return driverapi.Inquiry{}, err
	}
	unlim := int32(-1)
	for i, d := range f.dims {
		if d.Len == 0 {
			unlim = int32(i)
		}
	}
	return driverapi.Inquiry{NDims: len(f.dims), NVars: len(f.vars), UnlimDimID: unlim}, nil
}

func (m *Memory) InqDim(h driverapi.Handle, dimID int32) (driverapi.DimInfo, error) {
	f, err := m.get(h)
	if err != nil {
		return driverapi.DimInfo{}, err
	}
	if int(dimID) < 0 || int(dimID) >= len(f.dims) {
		return driverapi.DimInfo{}, fmt.Errorf("driver: bad dim id %d", dimID)
	}
	return f.dims[dimID], nil
}

func (m *Memory) InqVar(h driverapi.Handle, varid int32) (driverapi.VarInfo, error) {
	f, err := m.get(h)
	if err != nil {
		return driverapi.VarInfo{}, err
	}
	v, err := f.variable(varid)
	if err != nil {
		return driverapi.VarInfo{}, err
	}
	return driverapi.VarInfo{Name: v.name, Type: v.typ, Shape: v.shape, NAtts: len(v.attrs), DimIDs: v.dimIDs}, nil
}

func (f *memFile) variable(varid int32) (*variable, error) {
	if int(varid) < 0 || int(varid) >= len(f.vars) {
		return nil, fmt.Errorf("driver: bad var id %d", varid)
	}
	return f.vars[varid], nil
}

func (m *Memory) EnterDefineMode(h driverapi.Handle) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	f.defining = true
	return nil
}

func (m *Memory) ExitDefineMode(h driverapi.Handle) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	f.defining = false
	return nil
}

func (m *Memory) DefDim(h driverapi.Handle, name string, length int64) (int32, error) {
	f, err := m.get(h)
	if err != nil {
		return 0, err
	}
	f.dims = append(f.dims, driverapi.DimInfo{Name: name, Len: length})
	return int32(len(f.dims) - 1), nil
}

func (m *Memory) DefVar(h driverapi.Handle, name string, typ int, dimIDs []int32) (int32, error) {
	f, err := m.get(h)
	if err != nil {
		return 0, err
	}
	shape := make([]int64, len(dimIDs))
	unlim := false
	for i, d := range dimIDs {
		if int(d) < 0 || int(d) >= len(f.dims) {
			return 0, fmt.Errorf("driver: bad dim id %d in DefVar", d)
		}
		if f.dims[d].Len == 0 {
			unlim = true
			shape[i] = 0
		} else {
			shape[i] = f.dims[d].Len
		}
	}
	sz, err := typetag.Sizeof(typetag.Type(typ))
	if err != nil {
		return 0, err
	}
	v := &variable{name: name, typ: typ, dimIDs: append([]int32(nil), dimIDs...), shape: shape, elem: sz, attrs: map[string][]byte{}}
	if !unlim {
		v.allocate()
	}
	f.vars = append(f.vars, v)
	return int32(len(f.vars) - 1), nil
}

// allocate sizes data/shards for a variable whose shape is fully known.
func (v *variable) allocate() {
	n := int64(1)
	for _, s := range v.shape {
		n *= s
	}
	nbytes := n * int64(v.elem)
	v.data = make([]byte, nbytes)
	numShards := (nbytes + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	v.shards = make([]sync.RWMutex, numShards)
}

// growRecord extends an unlimited leading dimension to cover record index r
// (0-based), reallocating data in place. A fixed-size sharded backend never
// needs to resize; this generalizes that sharded layout to a variable whose
// size changes as records are appended.
func (v *variable) growRecord(r int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if int64(len(v.shape)) == 0 {
		return
	}
	if v.shape[0] > r {
		return
	}
	newShape := append([]int64(nil), v.shape...)
	newShape[0] = r + 1
	rest := int64(1)
	for _, s := range newShape[1:] {
		rest *= s
	}
	newData := make([]byte, newShape[0]*rest*int64(v.elem))
	copy(newData, v.data)
	v.shape = newShape
	v.data = newData
	numShards := (int64(len(newData)) + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	v.shards = make([]sync.RWMutex, numShards)
}

func (m *Memory) RenameVar(h driverapi.Handle, varid int32, name string) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	v.name = name
	return nil
}

func (m *Memory) PutAtt(h driverapi.Handle, varid int32, name string, typ int, data []byte) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	v.attrs[name] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) SetFill(h driverapi.Handle, varid int32, fillValue []byte) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	v.fill = append([]byte(nil), fillValue...)
	return nil
}

func (m *Memory) PutVar(h driverapi.Handle, varid int32, data []byte) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	v.withLock(0, int64(len(v.data)), true, func() { copy(v.data, data) })
	return nil
}

func (m *Memory) GetVar(h driverapi.Handle, varid int32, data []byte) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	v.withLock(0, int64(len(v.data)), false, func() { copy(data, v.data) })
	return nil
}

func strideFor(shape []int64) []int64 {
	st := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// walkHyperrect calls fn once per element of the (start, count, stride)
// box, in row-major order, with the element's byte offset into a flat
// buffer shaped like shape. A nil stride means 1 in every dimension.
func walkHyperrect(start, count, stride, shape []int64, elemSize int, fn func(localIdx int, byteOff int64)) {
	st := strideFor(shape)
	n := int64(1)
	for _, c := range count {
		n *= c
	}
	for i := int64(0); i < n; i++ {
		rem := i
		coord := make([]int64, len(count))
		for d := len(count) - 1; d >= 0; d-- {
			coord[d] = rem % count[d]
			rem /= count[d]
		}
		var off int64
		for d := range coord {
			s := int64(1)
			if stride != nil {
				s = stride[d]
			}
			off += (start[d] + coord[d]*s) * st[d]
		}
		fn(int(i), off*int64(elemSize))
	}
}

func (m *Memory) PutVara(h driverapi.Handle, varid int32, start, count []int64, data []byte) error {
	return m.putStrided(h, varid, start, count, nil, data)
}

func (m *Memory) GetVara(h driverapi.Handle, varid int32, start, count []int64, data []byte) error {
	return m.getStrided(h, varid, start, count, nil, data)
}

func (m *Memory) PutVars(h driverapi.Handle, varid int32, elemType int, start, count, stride []int64, data []byte) error {
	return m.putStrided(h, varid, start, count, stride, data)
}

func (m *Memory) GetVars(h driverapi.Handle, varid int32, elemType int, start, count, stride []int64, data []byte) error {
	return m.getStrided(h, varid, start, count, stride, data)
}

func (m *Memory) putStrided(h driverapi.Handle, varid int32, start, count, stride []int64, data []byte) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	if len(v.dimIDs) > 0 && f.dims[v.dimIDs[0]].Len == 0 {
		v.growRecord(spanEnd(start[0], count[0], stride))
	}
	lo, hi := boundsOf(start, count, stride, v.shape, v.elem)
	v.withLock(lo, hi-lo, true, func() {
		walkHyperrect(start, count, stride, v.shape, v.elem, func(localIdx int, byteOff int64) {
			copy(v.data[byteOff:byteOff+int64(v.elem)], data[int64(localIdx)*int64(v.elem):])
		})
	})
	return nil
}

func (m *Memory) getStrided(h driverapi.Handle, varid int32, start, count, stride []int64, data []byte) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	v, err := f.variable(varid)
	if err != nil {
		return err
	}
	lo, hi := boundsOf(start, count, stride, v.shape, v.elem)
	v.withLock(lo, hi-lo, false, func() {
		walkHyperrect(start, count, stride, v.shape, v.elem, func(localIdx int, byteOff int64) {
			copy(data[int64(localIdx)*int64(v.elem):(int64(localIdx)+1)*int64(v.elem)], v.data[byteOff:byteOff+int64(v.elem)])
		})
	})
	return nil
}

func spanEnd(start, count int64, stride []int64) int64 {
	s := int64(1)
	if stride != nil {
		s = stride[0]
	}
	return start + (count-1)*s
}

func boundsOf(start, count, stride, shape []int64, elemSize int) (lo, hi int64) {
	st := strideFor(shape)
	var endCoord, startCoord int64
	for d := range count {
		s := int64(1)
		if stride != nil {
			s = stride[d]
		}
		endCoord += (start[d] + (count[d]-1)*s) * st[d]
		startCoord += start[d] * st[d]
	}
	return startCoord * int64(elemSize), (endCoord + 1) * int64(elemSize)
}

func (m *Memory) PutVarn(h driverapi.Handle, varid int32, starts, counts [][]int64, elemSize int, data []byte) error {
	off := 0
	for i := range starts {
		n := elementCount(counts[i])
		nbytes := n * elemSize
		if err := m.PutVara(h, varid, starts[i], counts[i], data[off:off+nbytes]); err != nil {
			return err
		}
		off += nbytes
	}
	return nil
}

func (m *Memory) GetVarn(h driverapi.Handle, varid int32, starts, counts [][]int64, elemSize int, data []byte) error {
	off := 0
	for i := range starts {
		n := elementCount(counts[i])
		nbytes := n * elemSize
		if err := m.GetVara(h, varid, starts[i], counts[i], data[off:off+nbytes]); err != nil {
			return err
		}
		off += nbytes
	}
	return nil
}

func elementCount(count []int64) int {
	n := 1
	for _, c := range count {
		n *= int(c)
	}
	return n
}

func (m *Memory) BufferAttach(h driverapi.Handle, nbytes int64) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	atomic.AddInt64(&f.bufUsage, nbytes)
	return nil
}

func (m *Memory) InqBufferUsage(h driverapi.Handle) (int64, error) {
	f, err := m.get(h)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(&f.bufUsage), nil
}

func (m *Memory) BPutVarn(h driverapi.Handle, varid int32, starts, counts [][]int64, elemSize int, data []byte) (driverapi.WriteToken, error) {
	f, err := m.get(h)
	if err != nil {
		return driverapi.NoToken, err
	}
	if err := m.PutVarn(h, varid, starts, counts, elemSize, data); err != nil {
		return driverapi.NoToken, err
	}
	nbytes := int64(0)
	for _, c := range counts {
		nbytes += int64(elementCount(c) * elemSize)
	}
	f.mu.Lock()
	f.nextToken++
	tok := driverapi.WriteToken(f.nextToken)
	f.tokens[tok] = &pendingWrite{varid: varid, nbyte: nbytes}
	f.mu.Unlock()
	atomic.AddInt64(&f.bufUsage, nbytes)
	return tok, nil
}

func (m *Memory) WaitAll(h driverapi.Handle, tokens []driverapi.WriteToken) error {
	f, err := m.get(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tok := range tokens {
		if tok == driverapi.NoToken {
			continue
		}
		pw, ok := f.tokens[tok]
		if !ok {
			continue
		}
		atomic.AddInt64(&f.bufUsage, -pw.nbyte)
		delete(f.tokens, tok)
	}
	return nil
}

var _ driverapi.Driver = (*Memory)(nil)
