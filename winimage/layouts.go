package winimage

// Field offset tables for the undocumented kernel structures this tool reads.
// Offsets come from the published debug symbols for each build family; as with
// most kernel-forensics tooling only the fields actually consumed are listed.

// TimerLayout describes _KTIMER and the embedded _DISPATCHER_HEADER.
type TimerLayout struct {
	Size              int
	HeaderType        int // _DISPATCHER_HEADER.Type, one byte
	HeaderSignalState int // _DISPATCHER_HEADER.SignalState, int32
	DueTime           int // _ULARGE_INTEGER
	TimerListEntry    int // _LIST_ENTRY linking the timer into its bucket
	Dpc               int // _KDPC pointer, obfuscated on 64-bit Win8+
	Period            int // uint32, milliseconds
}

// TableEntryLayout describes _KTIMER_TABLE_ENTRY.
type TableEntryLayout struct {
	Size  int
	Entry int // _LIST_ENTRY
	Time  int // _ULARGE_INTEGER
}

// DpcLayout describes the part of _KDPC we consume.
type DpcLayout struct {
	Size            int
	DeferredRoutine int
}

// DebuggerLayout describes the fields reached from the kernel debugger data
// block when enumerating per-processor timer tables (Windows 7+).
type DebuggerLayout struct {
	KiProcessorBlock int // offset of the KiProcessorBlock array VA in the block
	MaxProcessors    int
	PrcbTimerTable   int // _KPRCB.TimerTable
	TimerEntries     int // _KTIMER_TABLE.TimerEntries
	TimerEntryCount  int
}

type KernelLayouts struct {
	PointerSize   int
	ListEntrySize int
	Timer         TimerLayout
	TableEntry    TableEntryLayout
	Dpc           DpcLayout
	Debugger      DebuggerLayout
}

// Two canonical layouts cover every supported build: the structures this tool
// walks moved fields between bitnesses, not between releases.
var layouts32 = KernelLayouts{
	PointerSize:   4,
	ListEntrySize: 8,
	Timer: TimerLayout{
		Size:              0x28,
		HeaderType:        0x00,
		HeaderSignalState: 0x04,
		DueTime:           0x10,
		TimerListEntry:    0x18,
		Dpc:               0x20,
		Period:            0x24,
	},
	TableEntry: TableEntryLayout{Size: 0x10, Entry: 0x00, Time: 0x08},
	Dpc:        DpcLayout{Size: 0x20, DeferredRoutine: 0x0C},
	Debugger: DebuggerLayout{
		KiProcessorBlock: 0x218,
		MaxProcessors:    32,
		PrcbTimerTable:   0x31A0,
		TimerEntries:     0x100,
		TimerEntryCount:  256,
	},
}

var layouts64 = KernelLayouts{
	PointerSize:   8,
	ListEntrySize: 16,
	Timer: TimerLayout{
		Size:              0x40,
		HeaderType:        0x00,
		HeaderSignalState: 0x04,
		DueTime:           0x18,
		TimerListEntry:    0x20,
		Dpc:               0x30,
		Period:            0x38,
	},
	TableEntry: TableEntryLayout{Size: 0x18, Entry: 0x00, Time: 0x10},
	Dpc:        DpcLayout{Size: 0x40, DeferredRoutine: 0x18},
	Debugger: DebuggerLayout{
		KiProcessorBlock: 0x218,
		MaxProcessors:    64,
		PrcbTimerTable:   0x2200,
		TimerEntries:     0x200,
		TimerEntryCount:  256,
	},
}

// LayoutsFor selects the structure offsets for a profile.
func LayoutsFor(p Profile) *KernelLayouts {
	if p.Is64Bit {
		l := layouts64
		return &l
	}
	l := layouts32
	return &l
}
