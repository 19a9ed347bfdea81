package pario

import "github.com/behrlich/go-pario/internal/typetag"

// PutVar writes a whole, non-decomposed variable. Only sys.ioRoot() touches
// the driver; this is the bulk (not-strided, not-region) write every typed
// put_var_<type> wrapper forwards to.
func (f *File) PutVar(varid int32, t typetag.Type, data []byte) error {
	return f.runOnRoot("PutVar", func() error { return f.drv.PutVar(f.h, varid, data) })
}

// GetVar is PutVar's dual. Unlike PutVar, every rank of the union group
// needs the bytes it reads back, so the payload f.drv.GetVar fills on
// sys.ioRoot() is broadcast into data on every other rank instead of being
// left untouched.
func (f *File) GetVar(varid int32, t typetag.Type, data []byte) error {
	return f.getOnRootAndBcast("GetVar", data, func() error { return f.drv.GetVar(f.h, varid, data) })
}

// PutVara writes a single (start, count) hyper-rectangle.
func (f *File) PutVara(varid int32, t typetag.Type, start, count []int64, data []byte) error {
	return f.runOnRoot("PutVara", func() error { return f.drv.PutVara(f.h, varid, start, count, data) })
}

// GetVara is PutVara's dual, broadcast the same way GetVar is.
func (f *File) GetVara(varid int32, t typetag.Type, start, count []int64, data []byte) ([]byte, error) {
	err := f.getOnRootAndBcast("GetVara", data, func() error { return f.drv.GetVara(f.h, varid, start, count, data) })
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutVars is the strided put the type-tag multiplexer drives; stride may
// be nil, meaning stride 1 in every dimension.
func (f *File) PutVars(varid int32, t typetag.Type, start, count, stride []int64, data []byte) error {
	return f.runOnRoot("PutVars", func() error { return typetag.PutVars(f.drv, f.h, varid, t, start, count, stride, data) })
}

// GetVars is PutVars's dual, broadcast the same way GetVar is.
func (f *File) GetVars(varid int32, t typetag.Type, start, count, stride []int64, data []byte) error {
	return f.getOnRootAndBcast("GetVars", data, func() error { return typetag.GetVars(f.drv, f.h, varid, t, start, count, stride, data) })
}

// getOnRootAndBcast runs fn (which fills data) on sys.ioRoot() only, then
// fans the filled data out to every other rank of f.sys's union group.
// data must be identically sized on every rank; the read calls above all
// take a caller-allocated buffer, so there's no length to negotiate the
// way bcastBytes negotiates one for the variable-length Inq* results.
func (f *File) getOnRootAndBcast(op string, data []byte, fn func() error) error {
	var err error
	if f.sys.unionComm.Rank() == f.sys.ioRoot() {
		err = fn()
	}
	if perr := f.sys.applyPolicy(op, err); perr != nil {
		return perr
	}
	return f.sys.unionComm.Bcast(f.sys.ioRoot(), data)
}
