// Package typetag implements a type-tag multiplexer: one collective put/get
// keyed on a closed element-type tag, so the thousands of thin per-type
// wrappers a netCDF-style API exposes (get_var_int, put_vars_double, …) all
// forward to the same code path unchanged.
package typetag

import (
	"fmt"

	pario "github.com/behrlich/go-pario/internal/driverapi"
)

// Type is the closed element-type tag the driver façade understands.
type Type int

const (
	Byte Type = iota
	Char
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
)

var sizes = map[Type]int{
	Byte: 1, Char: 1, Int8: 1, UInt8: 1,
	Int16: 2, UInt16: 2,
	Int32: 4, UInt32: 4,
	Int64: 8, UInt64: 8,
	Float32: 4, Float64: 8,
}

var names = map[Type]string{
	Byte: "byte", Char: "char", Int8: "int8", UInt8: "uint8",
	Int16: "int16", UInt16: "uint16", Int32: "int32", UInt32: "uint32",
	Int64: "int64", UInt64: "uint64", Float32: "float32", Float64: "float64",
}

// Sizeof returns the element size in bytes for t.
func Sizeof(t Type) (int, error) {
	sz, ok := sizes[t]
	if !ok {
		return 0, fmt.Errorf("typetag: unknown type tag %d", int(t))
	}
	return sz, nil
}

func (t Type) String() string {
	if s, ok := names[t]; ok {
		return s
	}
	return fmt.Sprintf("typetag(%d)", int(t))
}

// PutVars is the single collective strided put every put_vars_<type>
// wrapper forwards to unchanged. stride may be nil, meaning stride 1 in
// every dimension.
func PutVars(drv pario.Driver, handle int32, varid int32, t Type, start, count, stride []int64, data []byte) error {
	sz, err := Sizeof(t)
	if err != nil {
		return err
	}
	want := elementCount(count) * int64(sz)
	if int64(len(data)) < want {
		return fmt.Errorf("typetag: buffer has %d bytes, need %d for %d elements of %s", len(data), want, elementCount(count), t)
	}
	return drv.PutVars(handle, varid, int(t), start, count, stride, data)
}

// GetVars is the dual of PutVars.
func GetVars(drv pario.Driver, handle int32, varid int32, t Type, start, count, stride []int64, data []byte) error {
	sz, err := Sizeof(t)
	if err != nil {
		return err
	}
	want := elementCount(count) * int64(sz)
	if int64(len(data)) < want {
		return fmt.Errorf("typetag: buffer has %d bytes, need %d for %d elements of %s", len(data), want, elementCount(count), t)
	}
	return drv.GetVars(handle, varid, int(t), start, count, stride, data)
}

// PutVarn and GetVarn bypass the type tag entirely: they take a
// pre-constructed datatype description (as multiple start/count pairs) and
// an element size, as untyped variants for callers that already know the
// wire layout.
func PutVarn(drv pario.Driver, handle int32, varid int32, starts, counts [][]int64, elemSize int, data []byte) error {
	return drv.PutVarn(handle, varid, starts, counts, elemSize, data)
}

func GetVarn(drv pario.Driver, handle int32, varid int32, starts, counts [][]int64, elemSize int, data []byte) error {
	return drv.GetVarn(handle, varid, starts, counts, elemSize, data)
}

func elementCount(count []int64) int64 {
	n := int64(1)
	for _, c := range count {
		n *= c
	}
	return n
}
