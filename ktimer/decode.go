package ktimer

import "math/bits"

// DecodePointer reverses the obfuscation the kernel applies to timer DPC
// pointers on 64-bit Windows 8 and later:
//
//	decoded = bswap64(rol64(value ^ KiWaitNever, KiWaitNever & 0xFF) ^ offset) ^ KiWaitAlways
//
// where offset is the timer object's own VA. The rotate amount is the low
// byte of KiWaitNever (rol is modulo 64). The transform must be bit-exact;
// any deviation yields a wrong, typically unmapped, address.
func DecodePointer(value, offset, waitNever, waitAlways uint64) uint64 {
	v := value ^ waitNever
	v = bits.RotateLeft64(v, int(waitNever&0xFF))
	v ^= offset
	v = bits.ReverseBytes64(v)
	return v ^ waitAlways
}

// EncodePointer is the exact algebraic inverse of DecodePointer. The kernel
// runs this direction when arming a timer; here it builds test fixtures.
func EncodePointer(decoded, offset, waitNever, waitAlways uint64) uint64 {
	v := decoded ^ waitAlways
	v = bits.ReverseBytes64(v)
	v ^= offset
	v = bits.RotateLeft64(v, -int(waitNever&0xFF))
	return v ^ waitNever
}
