package winimage

// Profile identifies the kernel build under analysis. The version triple and
// bitness select the structure layouts and the timer table era.
type Profile struct {
	Major   int
	Minor   int
	Build   int
	Is64Bit bool
}

func (p Profile) PointerSize() int {
	if p.Is64Bit {
		return 8
	}
	return 4
}

// AddressMask canonicalizes a virtual address before range lookups:
// 32-bit kernels use 32-bit addresses, 64-bit kernels use 48 significant
// bits (sign-extension stripped).
func (p Profile) AddressMask(va uint64) uint64 {
	if p.Is64Bit {
		return va & 0x0000FFFFFFFFFFFF
	}
	return va & 0xFFFFFFFF
}
