// Raw kernel memory image access.

package winimage

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Memory is a read-only random-access view over a virtual address space.
// Reads are all-or-nothing: a short mapping is reported as an error, never
// as truncated data.
type Memory interface {
	ReadMemory(va uint64, size uint64) ([]byte, error)
}

// Region maps a contiguous run of virtual addresses onto raw bytes.
type Region struct {
	VA   uint64
	Data []byte
}

// RawImage is Memory backed by one or more in-memory regions, typically a
// single flat slab loaded from a dump file. Regions are kept sorted by VA.
type RawImage struct {
	regions []Region
}

func NewRawImage(regions ...Region) *RawImage {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VA < sorted[j].VA })
	return &RawImage{regions: sorted}
}

func (img *RawImage) ReadMemory(va uint64, size uint64) ([]byte, error) {
	i := sort.Search(len(img.regions), func(i int) bool {
		r := img.regions[i]
		return r.VA+uint64(len(r.Data)) > va
	})
	if i >= len(img.regions) {
		return nil, fmt.Errorf("no mapping at 0x%x", va)
	}
	r := img.regions[i]
	if va < r.VA {
		return nil, fmt.Errorf("no mapping at 0x%x", va)
	}
	off := va - r.VA
	if off+size > uint64(len(r.Data)) {
		return nil, fmt.Errorf("short read at 0x%x: want %d bytes, mapping ends at 0x%x", va, size, r.VA+uint64(len(r.Data)))
	}
	out := make([]byte, size)
	copy(out, r.Data[off:off+size])
	return out, nil
}

// ReadPointer reads a little-endian pointer of the profile's width,
// zero-extended to 64 bits.
func ReadPointer(m Memory, va uint64, is64bit bool) (uint64, error) {
	if is64bit {
		return ReadUint64(m, va)
	}
	v, err := ReadUint32(m, va)
	return uint64(v), err
}

func ReadUint32(m Memory, va uint64) (uint32, error) {
	data, err := m.ReadMemory(va, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func ReadUint64(m Memory, va uint64) (uint64, error) {
	data, err := m.ReadMemory(va, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// rangeReaderAt adapts a [base, base+size) window of Memory to io.ReaderAt,
// so PE parsers can consume a module image in place.
type rangeReaderAt struct {
	mem  Memory
	base uint64
	size uint64
}

func (r *rangeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.size {
		return 0, io.EOF
	}
	n := uint64(len(p))
	if uint64(off)+n > r.size {
		n = r.size - uint64(off)
	}
	data, err := r.mem.ReadMemory(r.base+uint64(off), n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	if n < uint64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}
