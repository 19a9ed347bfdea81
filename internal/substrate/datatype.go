package substrate

import "fmt"

// DTKind discriminates the two derived-datatype constructors.
type DTKind int

const (
	// Indexed describes N blocks of fixed length at given element
	// displacements into a base type.
	Indexed DTKind = iota
	// Vector replicates a datatype N times at a fixed byte stride.
	Vector
)

// Datatype is a derived datatype as constructed by a Comm. Its Pack/Unpack
// methods give this in-process substrate real data movement semantics
// (gather scattered source bytes into one packed buffer and back), which is
// what lets the rearranger and swapm move real payloads end to end.
type Datatype struct {
	kind DTKind

	// Indexed fields.
	blocklen int
	displs   []int64
	elemSize int

	// Vector fields.
	base        *Datatype
	count       int
	strideBytes int64

	committed bool
	freed     bool
}

// Extent returns the number of bytes this datatype describes when packed.
func (d *Datatype) Extent() int64 {
	switch d.kind {
	case Indexed:
		return int64(len(d.displs)) * int64(d.blocklen) * int64(d.elemSize)
	case Vector:
		return int64(d.count) * d.base.Extent()
	default:
		return 0
	}
}

// Pack gathers the bytes this datatype describes out of base into a fresh,
// contiguous buffer (the sender side of a swapm exchange).
func (d *Datatype) Pack(base []byte) ([]byte, error) {
	if d.freed {
		return nil, ErrFreed
	}
	switch d.kind {
	case Indexed:
		out := make([]byte, 0, d.Extent())
		blockBytes := d.blocklen * d.elemSize
		for _, disp := range d.displs {
			off := disp * int64(d.elemSize)
			if int(off)+blockBytes > len(base) {
				return nil, fmt.Errorf("substrate: indexed block at displacement %d exceeds base buffer", disp)
			}
			out = append(out, base[off:int(off)+blockBytes]...)
		}
		return out, nil
	case Vector:
		out := make([]byte, 0, d.Extent())
		for i := 0; i < d.count; i++ {
			off := int64(i) * d.strideBytes
			if int(off) > len(base) {
				return nil, fmt.Errorf("substrate: vector replica %d exceeds base buffer", i)
			}
			chunk, err := d.base.Pack(base[off:])
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("substrate: unknown datatype kind %d", d.kind)
	}
}

// Unpack scatters packed bytes back into base at the offsets this datatype
// describes (the receiver side of a swapm exchange).
func (d *Datatype) Unpack(packed []byte, base []byte) error {
	if d.freed {
		return ErrFreed
	}
	switch d.kind {
	case Indexed:
		blockBytes := d.blocklen * d.elemSize
		pos := 0
		for _, disp := range d.displs {
			off := disp * int64(d.elemSize)
			if int(off)+blockBytes > len(base) || pos+blockBytes > len(packed) {
				return fmt.Errorf("substrate: indexed unpack at displacement %d out of range", disp)
			}
			copy(base[off:int(off)+blockBytes], packed[pos:pos+blockBytes])
			pos += blockBytes
		}
		return nil
	case Vector:
		chunkBytes := int(d.base.Extent())
		pos := 0
		for i := 0; i < d.count; i++ {
			off := int64(i) * d.strideBytes
			if int(off) > len(base) || pos+chunkBytes > len(packed) {
				return fmt.Errorf("substrate: vector unpack replica %d out of range", i)
			}
			if err := d.base.Unpack(packed[pos:pos+chunkBytes], base[off:]); err != nil {
				return err
			}
			pos += chunkBytes
		}
		return nil
	default:
		return fmt.Errorf("substrate: unknown datatype kind %d", d.kind)
	}
}
