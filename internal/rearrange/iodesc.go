// Package rearrange implements components C, D and E of the design: IoDesc
// construction (Box and Subset variants), the public compute<->io shuffle
// operations, derived-datatype lifecycle, and the flow-controlled swapm
// exchange everything above rides on.
package rearrange

import (
	"fmt"

	"github.com/behrlich/go-pario/internal/constants"
	"github.com/behrlich/go-pario/internal/region"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
)

// Kind selects which rearranger variant builds and drives an IoDesc.
type Kind int

const (
	Box Kind = iota
	Subset
)

// IoDesc is the bidirectional compute<->I/O mapping for one logical array
// shape.
type IoDesc struct {
	Kind        Kind
	NDims       int
	GDimLen     []int64
	ElementType typetag.Type
	Map         []int64 // this rank's compute-side map, 1-based, 0 = hole
	Ndof        int

	SendCounts []int   // per destination I/O rank (sendPeers order), live element count destined there
	SendIndex  []int64 // position in this rank's packed send buffer, per local element; -1 for holes

	RecvFrom   []int   // peer union ranks this I/O rank receives from, sorted
	RecvCounts []int   // element count from each RecvFrom entry
	RecvIndex  []int64 // local (block/subset-relative) offset per received element, concatenated in RecvFrom order

	LocalLen int // elements this I/O rank owns

	Regions    *region.Region
	NumRegions int

	NeedsFill    bool
	FillRegions  *region.Region
	HoleGridSize int64

	MaxIOBuflen int64
	MaxBytes    int64

	SendType map[int]*substrate.Datatype // keyed by peer union rank
	RecvType map[int]*substrate.Datatype

	// IsIO reports whether this rank is one of the I/O ranks of ioDesc's
	// group; BlockStart/BlockCount describe its owned block (box: the
	// pre-assigned block; subset: the covered index range within its
	// subset).
	IsIO        bool
	BlockStart  int64
	BlockCount  int64

	comm    substrate.Comm // union communicator; every point-to-point/collective op, box or subset, rides this
	ioRanks []int          // I/O member ranks within comm's group, sorted
}

// TotalGridSize returns product(gdimlen).
func TotalGridSize(gdimlen []int64) int64 {
	n := int64(1)
	for _, g := range gdimlen {
		n *= g
	}
	return n
}

// Build constructs an IoDesc collectively across every rank of union. Every
// rank must call Build with the same ndims/gdimlen/elementType/ioRanks and
// its own compmap, all ranks in the relevant group entering matching calls
// in the same order.
func Build(union substrate.Comm, ioRanks []int, kind Kind, ndims int, gdimlen []int64, elementType typetag.Type, compmap []int64) (*IoDesc, error) {
	if len(gdimlen) != ndims {
		return nil, fmt.Errorf("rearrange: gdimlen has %d entries, want %d", len(gdimlen), ndims)
	}
	for _, g := range compmap {
		if g < 0 || g > TotalGridSize(gdimlen) {
			return nil, fmt.Errorf("rearrange: map entry %d out of range", g)
		}
	}

	d := &IoDesc{
		Kind: kind, NDims: ndims, GDimLen: append([]int64(nil), gdimlen...),
		ElementType: elementType, Map: append([]int64(nil), compmap...), Ndof: len(compmap),
		comm: union, ioRanks: append([]int(nil), ioRanks...),
		SendType: map[int]*substrate.Datatype{}, RecvType: map[int]*substrate.Datatype{},
	}

	live := int64(0)
	for _, g := range compmap {
		if g != 0 {
			live++
		}
	}
	totalLive, err := d.allreduceSum(live)
	if err != nil {
		return nil, err
	}
	d.NeedsFill = totalLive < TotalGridSize(gdimlen)

	switch kind {
	case Box:
		if err := buildBox(d); err != nil {
			return nil, err
		}
	case Subset:
		if err := buildSubset(d); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("rearrange: unknown rearranger kind %d", kind)
	}

	if err := d.computeMaxBytes(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *IoDesc) allreduceSum(v int64) (int64, error) {
	return d.comm.AllreduceInt64(substrate.Sum, v)
}

func (d *IoDesc) isIORank(rank int) bool {
	for _, r := range d.ioRanks {
		if r == rank {
			return true
		}
	}
	return false
}

// subsetColor partitions d.comm's ranks into len(d.ioRanks) contiguous
// blocks and returns which block this rank falls in, used both to Split
// the Subset rearranger's groups and to recover a rank's subset I/O peer
// afterward.
func subsetColor(d *IoDesc) int {
	numIO := len(d.ioRanks)
	ratio := d.comm.Size() / numIO
	if ratio == 0 {
		ratio = 1
	}
	color := d.comm.Rank() / ratio
	if color >= numIO {
		color = numIO - 1
	}
	return color
}

// computeMaxBytes implements the common tail of IoDesc construction:
// max_io_buflen is the region-count sum reduced by max across I/O ranks;
// max_bytes is min(io_byte_budget/max_io_buflen, comp_byte_budget/ndof)
// reduced by min across the union.
func (d *IoDesc) computeMaxBytes() error {
	localBuflen := int64(0)
	for r := d.Regions; r != nil; r = r.Next {
		n := int64(1)
		for _, c := range r.Count {
			n *= c
		}
		localBuflen += n
	}
	maxBuflen, err := d.comm.AllreduceInt64(substrate.Max, localBuflen)
	if err != nil {
		return err
	}
	d.MaxIOBuflen = maxBuflen

	ioSide := int64(1) << 62
	if maxBuflen > 0 {
		ioSide = constants.DefaultIOByteBudget / maxBuflen
	}
	compSide := int64(1) << 62
	if d.Ndof > 0 {
		compSide = constants.DefaultComputeByteBudget / int64(d.Ndof)
	}
	local := ioSide
	if compSide < local {
		local = compSide
	}
	minBytes, err := d.comm.AllreduceInt64(substrate.Min, local)
	if err != nil {
		return err
	}
	d.MaxBytes = minBytes
	return nil
}

// elementSize returns the byte size of d's element type.
func (d *IoDesc) elementSize() (int, error) {
	return typetag.Sizeof(d.ElementType)
}
