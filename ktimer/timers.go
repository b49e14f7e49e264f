// Package ktimer recovers kernel timer objects and their DPC callback
// routines from a Windows kernel memory image: it locates the undocumented
// timer table by signature-scanning exported function prologues, walks the
// version-specific table layout, reverses the DPC pointer obfuscation where
// the kernel applies it, and attributes each routine to a loaded module.
package ktimer

import (
	"fmt"

	"github.com/WithSecureLabs/volatility-plugins/winimage"

	"github.com/elliotchance/orderedmap"
	"github.com/phuslu/log"
	"golang.org/x/arch/x86/x86asm"
)

// Options carries the per-run overrides.
type Options struct {
	// TimerTable is a manually supplied KiTimerTableListHead VA. When set,
	// all signature scanning for the table is skipped.
	TimerTable uint64
}

// TimerRow is one recovered timer, formatted for output.
type TimerRow struct {
	Offset         uint64 `json:"offset"`
	DueTime        string `json:"due_time"`
	Period         uint32 `json:"period_ms"`
	Signaled       string `json:"signaled"`
	Routine        uint64 `json:"routine"`
	RoutineDecodes bool   `json:"routine_decodes"`
	Module         string `json:"module"`
}

type runContext struct {
	mem     winimage.Memory
	prof    winimage.Profile
	lay     *winimage.KernelLayouts
	modules *winimage.ModuleList
	kdbg    *DebuggerData
	opts    Options
}

// Run performs one analysis pass and returns the recovered timers in
// discovery order. Only an unsupported kernel version is fatal; signature
// misses, unreadable records and unresolved callbacks degrade to partial
// output.
func Run(mem winimage.Memory, prof winimage.Profile, modules *winimage.ModuleList, kdbg *DebuggerData, opts Options) ([]TimerRow, error) {
	era, err := SelectEra(prof)
	if err != nil {
		return nil, err
	}

	rc := &runContext{
		mem:     mem,
		prof:    prof,
		lay:     winimage.LayoutsFor(prof),
		modules: modules,
		kdbg:    kdbg,
		opts:    opts,
	}

	var records []*TimerRecord
	switch era {
	case EraLegacyList, EraEntryTable:
		table, err := rc.locateTable(era)
		if err != nil {
			log.Warn().Err(err).Msg("cannot find KiTimerTableListHead")
			return []TimerRow{}, nil
		}
		log.Debug().Str("table", fmt.Sprintf("%#x", table)).Str("era", era.String()).Msg("located timer table")
		if era == EraLegacyList {
			records = rc.legacyListTimers(table)
		} else {
			records = rc.entryTableTimers(table)
		}
	case EraPerProcessor:
		records, err = rc.perProcessorTimers()
		if err != nil {
			log.Warn().Err(err).Msg("per-processor timer enumeration failed")
			return []TimerRow{}, nil
		}
	}

	// The same timer can surface in more than one per-processor list; keep
	// the first sighting, in discovery order.
	seen := orderedmap.NewOrderedMap()
	for _, rec := range records {
		if _, ok := seen.Get(rec.VA); !ok {
			seen.Set(rec.VA, rec)
		}
	}

	rows := make([]TimerRow, 0, seen.Len())
	for el := seen.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*TimerRecord)

		typ, err := rec.HeaderType()
		if err != nil {
			log.Debug().Err(err).Msg("skipping unreadable timer")
			continue
		}
		if typ != TimerNotificationObject && typ != TimerSynchronizationObject {
			continue
		}
		rows = append(rows, rc.renderRow(rec))
	}
	return rows, nil
}

func (rc *runContext) renderRow(rec *TimerRecord) TimerRow {
	row := TimerRow{Offset: rec.VA}

	hi, lo, err := rec.DueTime()
	if err != nil {
		log.Debug().Err(err).Msg("due time unreadable")
	}
	row.DueTime = fmt.Sprintf("%#010x:%#010x", hi, lo)

	if period, err := rec.Period(); err == nil {
		row.Period = period
	}

	row.Signaled = "-"
	if sig, err := rec.SignalState(); err == nil && sig != 0 {
		row.Signaled = "Yes"
	}

	routine, err := rec.DeferredRoutine()
	if err != nil {
		log.Debug().Err(err).Msg("callback unresolved")
		routine = 0
	}
	row.Routine = routine
	row.Module = rc.modules.NameOrUnknown(routine)
	row.RoutineDecodes = rc.routineDecodes(rc.prof.AddressMask(routine))
	return row
}

// routineDecodes checks that the bytes at a recovered callback address decode
// as an x86 instruction. A routine pointing at non-code is a red flag worth
// surfacing, though never grounds for dropping the record.
func (rc *runContext) routineDecodes(va uint64) bool {
	if va == 0 {
		return false
	}
	code, err := rc.mem.ReadMemory(va, 16)
	if err != nil {
		return false
	}
	mode := 32
	if rc.prof.Is64Bit {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	return err == nil && inst.Len > 0
}
