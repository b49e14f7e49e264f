package ktimer

import (
	"fmt"

	"github.com/WithSecureLabs/volatility-plugins/winimage"

	"github.com/phuslu/log"
)

const (
	legacyListHeads = 256
	entryTableSlots = 512

	// maxListWalk bounds a single circular list walk. Well-formed lists
	// terminate by returning to their head; a corrupted or adversarial image
	// might not, so give up after this many nodes and keep what was found.
	maxListWalk = 1 << 16
)

// walkTimerList follows one circular doubly-linked timer list from its head,
// returning the VA of each _KTIMER hanging off it. Nodes link through
// _KTIMER.TimerListEntry, so each entry VA is rewound by that offset.
func (rc *runContext) walkTimerList(head uint64) ([]uint64, error) {
	flink, err := winimage.ReadPointer(rc.mem, head, rc.prof.Is64Bit)
	if err != nil {
		return nil, fmt.Errorf("list head at 0x%x: %w", head, ErrCorruptRegion)
	}

	var timers []uint64
	for n := 0; ; n++ {
		cur := rc.prof.AddressMask(flink)
		if cur == rc.prof.AddressMask(head) || cur == 0 {
			return timers, nil
		}
		if n >= maxListWalk {
			return timers, fmt.Errorf("list walk aborted at 0x%x after %d nodes: possible corruption", head, maxListWalk)
		}
		timers = append(timers, cur-uint64(rc.lay.Timer.TimerListEntry))

		flink, err = winimage.ReadPointer(rc.mem, cur, rc.prof.Is64Bit)
		if err != nil {
			return timers, fmt.Errorf("list entry at 0x%x: %w", cur, ErrCorruptRegion)
		}
	}
}

// collectLists walks count list heads spaced stride bytes apart starting at
// base, building a record per timer. Per-list failures are logged and the
// walk continues with the remaining heads.
func (rc *runContext) collectLists(base uint64, count, stride int, kdbg *DebuggerData) []*TimerRecord {
	var records []*TimerRecord
	for i := 0; i < count; i++ {
		head := base + uint64(i)*uint64(stride)
		timers, err := rc.walkTimerList(head)
		if err != nil {
			log.Warn().Err(err).Int("list", i).Msg("timer list walk incomplete")
		}
		for _, va := range timers {
			records = append(records, &TimerRecord{
				mem:  rc.mem,
				prof: rc.prof,
				lay:  rc.lay,
				kdbg: kdbg,
				nt:   rc.modules.Kernel(),
				VA:   va,
			})
		}
	}
	return records
}

// legacyListTimers walks the flat array of 256 _LIST_ENTRY (Branch A).
func (rc *runContext) legacyListTimers(table uint64) []*TimerRecord {
	return rc.collectLists(table, legacyListHeads, rc.lay.ListEntrySize, nil)
}

// entryTableTimers walks the array of 512 _KTIMER_TABLE_ENTRY, each wrapping
// one list head (Branch B).
func (rc *runContext) entryTableTimers(table uint64) []*TimerRecord {
	return rc.collectLists(table+uint64(rc.lay.TableEntry.Entry), entryTableSlots, rc.lay.TableEntry.Size, nil)
}

// perProcessorTimers walks the timer table embedded in every processor
// control block reachable from the debugger data (Branch C). No signature
// scan is needed; the table location is a typed field access.
func (rc *runContext) perProcessorTimers() ([]*TimerRecord, error) {
	if rc.kdbg == nil {
		return nil, fmt.Errorf("debugger data block required for per-processor timer tables: %w", ErrNotFound)
	}
	prcbs, err := rc.kdbg.ProcessorBlocks()
	if err != nil {
		return nil, err
	}

	var records []*TimerRecord
	for _, prcb := range prcbs {
		entries := prcb + uint64(rc.lay.Debugger.PrcbTimerTable) + uint64(rc.lay.Debugger.TimerEntries)
		records = append(records, rc.collectLists(
			entries+uint64(rc.lay.TableEntry.Entry),
			rc.lay.Debugger.TimerEntryCount,
			rc.lay.TableEntry.Size,
			rc.kdbg,
		)...)
	}
	return records, nil
}

// locateTable finds KiTimerTableListHead for the standalone-table eras. A
// configured override bypasses all signature scanning.
func (rc *runContext) locateTable(era KernelEra) (uint64, error) {
	if rc.opts.TimerTable != 0 {
		return rc.opts.TimerTable, nil
	}
	nt := rc.modules.Kernel()
	if nt == nil {
		return 0, fmt.Errorf("no kernel module in snapshot: %w", ErrNotFound)
	}
	return ResolveFirst(rc.mem, nt, tableSigs(era, rc.prof.Is64Bit))
}
