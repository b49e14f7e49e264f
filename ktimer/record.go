package ktimer

import (
	"fmt"

	"github.com/WithSecureLabs/volatility-plugins/winimage"
)

// Valid _DISPATCHER_HEADER.Type values for a timer object.
const (
	TimerNotificationObject    = 8
	TimerSynchronizationObject = 9
)

// TimerRecord is a read-only view over one _KTIMER in the image. Accessors
// re-read from the image; nothing is copied or cached on the record. Records
// reached through the debugger data block carry the kdbg handle so the DPC
// decode can use the per-run secret cache; records from a standalone table do
// not, and on 64-bit targets their callbacks stay unresolved, matching how
// the obfuscation is only in play on debugger-rooted layouts.
type TimerRecord struct {
	mem  winimage.Memory
	prof winimage.Profile
	lay  *winimage.KernelLayouts
	kdbg *DebuggerData
	nt   *winimage.Module

	VA uint64
}

func (t *TimerRecord) HeaderType() (uint8, error) {
	data, err := t.mem.ReadMemory(t.VA+uint64(t.lay.Timer.HeaderType), 1)
	if err != nil {
		return 0, fmt.Errorf("timer header at 0x%x: %w", t.VA, ErrCorruptRegion)
	}
	return data[0], nil
}

func (t *TimerRecord) SignalState() (int32, error) {
	v, err := winimage.ReadUint32(t.mem, t.VA+uint64(t.lay.Timer.HeaderSignalState))
	if err != nil {
		return 0, fmt.Errorf("timer signal state at 0x%x: %w", t.VA, ErrCorruptRegion)
	}
	return int32(v), nil
}

// DueTime returns the 64-bit due time split into its high and low halves.
func (t *TimerRecord) DueTime() (hi uint32, lo uint32, err error) {
	v, err := winimage.ReadUint64(t.mem, t.VA+uint64(t.lay.Timer.DueTime))
	if err != nil {
		return 0, 0, fmt.Errorf("timer due time at 0x%x: %w", t.VA, ErrCorruptRegion)
	}
	return uint32(v >> 32), uint32(v), nil
}

// Period is the timer period in milliseconds, zero for one-shot timers.
func (t *TimerRecord) Period() (uint32, error) {
	v, err := winimage.ReadUint32(t.mem, t.VA+uint64(t.lay.Timer.Period))
	if err != nil {
		return 0, fmt.Errorf("timer period at 0x%x: %w", t.VA, ErrCorruptRegion)
	}
	return v, nil
}

// dpcVA recovers the _KDPC address from the timer's Dpc field. On 32-bit
// targets the field is a plain pointer; on 64-bit it is obfuscated with the
// per-boot wait secrets.
func (t *TimerRecord) dpcVA() (uint64, error) {
	raw, err := winimage.ReadPointer(t.mem, t.VA+uint64(t.lay.Timer.Dpc), t.prof.Is64Bit)
	if err != nil {
		return 0, fmt.Errorf("timer dpc field at 0x%x: %w", t.VA, ErrCorruptRegion)
	}
	if !t.prof.Is64Bit {
		return raw, nil
	}
	if t.kdbg == nil {
		return 0, fmt.Errorf("timer at 0x%x is not debugger-rooted: %w", t.VA, ErrUnresolvedCallback)
	}
	secrets, err := t.kdbg.WaitSecrets(t.nt)
	if err != nil {
		return 0, fmt.Errorf("wait secrets: %v: %w", err, ErrUnresolvedCallback)
	}
	return DecodePointer(raw, t.VA, secrets.WaitNever, secrets.WaitAlways), nil
}

// DeferredRoutine resolves the timer's callback address through its DPC.
func (t *TimerRecord) DeferredRoutine() (uint64, error) {
	dpc, err := t.dpcVA()
	if err != nil {
		return 0, err
	}
	if dpc == 0 {
		return 0, fmt.Errorf("timer at 0x%x has a null dpc: %w", t.VA, ErrUnresolvedCallback)
	}
	routine, err := winimage.ReadPointer(t.mem, dpc+uint64(t.lay.Dpc.DeferredRoutine), t.prof.Is64Bit)
	if err != nil {
		return 0, fmt.Errorf("dpc at 0x%x unreadable: %w", dpc, ErrUnresolvedCallback)
	}
	return routine, nil
}
