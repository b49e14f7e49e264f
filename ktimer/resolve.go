package ktimer

import (
	"encoding/binary"
	"fmt"

	"github.com/WithSecureLabs/volatility-plugins/winimage"
)

// prologueWindow is how much of an exported function's machine code is read
// when scanning for a signature.
const prologueWindow = 300

// AddrMode selects how the bytes after a matched signature encode the target
// symbol's address.
type AddrMode int

const (
	// AddrAbsolute: a little-endian 32-bit absolute VA is stored immediately
	// after the signature (XP-era x86 codegen embeds the table address as an
	// instruction immediate).
	AddrAbsolute AddrMode = iota

	// AddrRelative: a little-endian int32 displacement follows the signature;
	// the target is displacement + VA of the next instruction byte, the usual
	// rip/eip-relative form.
	AddrRelative
)

// SigCandidate names an exported function, the signature expected inside its
// prologue, and how to decode the address that follows the match. The exact
// bytes following a given export differ across compiler and linker versions,
// so eras carry ordered candidate lists.
type SigCandidate struct {
	Export  string
	Pattern *Pattern
	Mode    AddrMode
}

// ResolveSymbol recovers an undocumented symbol's VA from the machine code of
// an exported function.
func ResolveSymbol(mem winimage.Memory, mod *winimage.Module, cand SigCandidate) (uint64, error) {
	rva, err := mod.ExportRVA(cand.Export)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	funcVA := mod.Base + uint64(rva)

	window, err := mem.ReadMemory(funcVA, prologueWindow)
	if err != nil {
		return 0, fmt.Errorf("prologue of %s at 0x%x: %w", cand.Export, funcVA, ErrCorruptRegion)
	}

	n := cand.Pattern.Find(window)
	if n == -1 {
		return 0, fmt.Errorf("signature in %s: %w", cand.Export, ErrNotFound)
	}

	tail := n + cand.Pattern.Size()
	if tail+4 > len(window) {
		return 0, fmt.Errorf("signature in %s truncated at window end: %w", cand.Export, ErrNotFound)
	}
	val := binary.LittleEndian.Uint32(window[tail:])

	switch cand.Mode {
	case AddrAbsolute:
		return uint64(val), nil
	case AddrRelative:
		// relative ptrs are encoded against the next instruction's VA
		return uint64(int64(funcVA) + int64(tail) + 4 + int64(int32(val))), nil
	}
	return 0, fmt.Errorf("unknown address mode %d", cand.Mode)
}

// ResolveFirst tries candidates in order and returns the first success.
func ResolveFirst(mem winimage.Memory, mod *winimage.Module, cands []SigCandidate) (uint64, error) {
	var lastErr error
	for _, cand := range cands {
		va, err := ResolveSymbol(mem, mod, cand)
		if err == nil {
			return va, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no signature candidates: %w", ErrNotFound)
	}
	return 0, lastErr
}
