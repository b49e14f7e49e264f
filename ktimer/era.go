package ktimer

import (
	"fmt"

	"github.com/WithSecureLabs/volatility-plugins/winimage"
)

// KernelEra is one of the three mutually exclusive timer table layouts.
type KernelEra int

const (
	// EraLegacyList: XP x86 and Server 2003 SP0. KiTimerTableListHead is a
	// flat array of 256 _LIST_ENTRY holding _KTIMERs directly.
	EraLegacyList KernelEra = iota

	// EraEntryTable: XP x64, Server 2003 SP1+ and Vista. KiTimerTableListHead
	// is an array of 512 _KTIMER_TABLE_ENTRY, each wrapping one list head.
	EraEntryTable

	// EraPerProcessor: Windows 7 and later. No standalone table; each
	// processor control block embeds its own timer table.
	EraPerProcessor
)

func (e KernelEra) String() string {
	switch e {
	case EraLegacyList:
		return "legacy-list"
	case EraEntryTable:
		return "entry-table"
	case EraPerProcessor:
		return "per-processor"
	}
	return fmt.Sprintf("era(%d)", int(e))
}

// SelectEra maps the OS version triple onto a table layout. It is a pure
// function of the profile; versions outside the three known ranges are
// unsupported and produce zero records rather than a guessed layout.
func SelectEra(p winimage.Profile) (KernelEra, error) {
	switch {
	case p.Major == 5 && p.Minor == 1:
		return EraLegacyList, nil
	case p.Major == 5 && p.Minor == 2 && p.Build == 3789:
		return EraLegacyList, nil
	case p.Major == 5 && p.Minor == 2:
		return EraEntryTable, nil
	case p.Major == 6 && p.Minor == 0:
		return EraEntryTable, nil
	case p.Major > 6, p.Major == 6 && p.Minor >= 1:
		return EraPerProcessor, nil
	}
	return 0, fmt.Errorf("%d.%d build %d: %w", p.Major, p.Minor, p.Build, ErrUnsupportedVersion)
}

// Per-era signature tables. The byte patterns are tied to specific shipped
// builds of ntoskrnl; candidates are tried in order, first match wins.
var legacyListSigs = []SigCandidate{
	// and eax, 0FFh / lea ecx, KiTimerTableListHead[eax*8]
	{"KeUpdateSystemTime", MustPattern("{ 25 FF 00 00 00 8D 0C C5 }"), AddrAbsolute},
}

var entryTableSigs32 = []SigCandidate{
	// shl edi, 4 / add edi, KiTimerTableListHead
	{"KeCancelTimer", MustPattern("{ C1 E7 04 81 C7 }"), AddrAbsolute},
	{"KeUpdateSystemTime", MustPattern("{ 48 B9 00 00 00 00 80 F7 FF FF 4C 8D 1D }"), AddrRelative},
}

var entryTableSigs64 = []SigCandidate{
	// lea rcx, [rbp+rbp*2+0] / lea rax, KiTimerTableListHead
	{"KeCancelTimer", MustPattern("{ 48 8D 4C 6D 00 48 8D 05 }"), AddrRelative},
	// mov rcx, 0FFFFF78000000000h / lea r11, KiTimerTableListHead
	{"KeUpdateSystemTime", MustPattern("{ 48 B9 00 00 00 00 80 F7 FF FF 4C 8D 1D }"), AddrRelative},
}

// tableSigs returns the signature candidates for an era and bitness, or nil
// when the era has no standalone table to locate.
func tableSigs(era KernelEra, is64bit bool) []SigCandidate {
	switch era {
	case EraLegacyList:
		return legacyListSigs
	case EraEntryTable:
		if is64bit {
			return entryTableSigs64
		}
		return entryTableSigs32
	}
	return nil
}
