package ktimer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/WithSecureLabs/volatility-plugins/winimage"

	"github.com/phuslu/log"
)

// Secrets are the two per-boot constants the kernel's anti-tampering
// subsystem keys its pointer obfuscation with.
type Secrets struct {
	WaitNever  uint64
	WaitAlways uint64
}

// waitSecretsExport is the exported data-transfer function whose body embeds
// the two wait constants as back-to-back mov immediates:
//
//	sub rsp, imm32
//	mov rcx, KiWaitNever   ; 48 B9 <imm64>
//	mov rax, KiWaitAlways  ; 48 B8 <imm64>
const waitSecretsExport = "KeCapturePersistentThreadState"

var waitSecretsSig = MustPattern("{ 48 81 EC ?? ?? 00 00 48 B9 }")

// DebuggerData is a view over the kernel debugger data block. It is the root
// for per-processor enumeration on Windows 7+ and the per-run cache for the
// obfuscation secrets: the bootstrap scan runs at most once per analysis run,
// and a failed bootstrap stays failed rather than rescanning per record.
type DebuggerData struct {
	mem  winimage.Memory
	prof winimage.Profile
	lay  *winimage.KernelLayouts
	VA   uint64

	secretsOnce sync.Once
	secrets     Secrets
	secretsErr  error
}

func NewDebuggerData(mem winimage.Memory, prof winimage.Profile, lay *winimage.KernelLayouts, va uint64) *DebuggerData {
	return &DebuggerData{mem: mem, prof: prof, lay: lay, VA: va}
}

// ProcessorBlocks reads the KiProcessorBlock array and returns the VA of each
// processor control block. A short array read ends the enumeration with the
// blocks collected so far.
func (d *DebuggerData) ProcessorBlocks() ([]uint64, error) {
	arrayVA, err := winimage.ReadPointer(d.mem, d.VA+uint64(d.lay.Debugger.KiProcessorBlock), d.prof.Is64Bit)
	if err != nil {
		return nil, fmt.Errorf("KiProcessorBlock at 0x%x: %w", d.VA, ErrCorruptRegion)
	}
	arrayVA = d.prof.AddressMask(arrayVA)

	ptrSize := uint64(d.prof.PointerSize())
	var prcbs []uint64
	for i := 0; i < d.lay.Debugger.MaxProcessors; i++ {
		p, err := winimage.ReadPointer(d.mem, arrayVA+uint64(i)*ptrSize, d.prof.Is64Bit)
		if err != nil {
			log.Warn().Err(err).Int("processor", i).Msg("processor block array read failed")
			break
		}
		if p == 0 {
			break
		}
		prcbs = append(prcbs, d.prof.AddressMask(p))
	}
	if len(prcbs) == 0 {
		return nil, fmt.Errorf("no processor blocks: %w", ErrNotFound)
	}
	return prcbs, nil
}

// WaitSecrets recovers KiWaitNever/KiWaitAlways, computing them at most once
// per run regardless of how many timer records ask.
func (d *DebuggerData) WaitSecrets(nt *winimage.Module) (Secrets, error) {
	d.secretsOnce.Do(func() {
		d.secrets, d.secretsErr = d.findWaitSecrets(nt)
		if d.secretsErr == nil {
			log.Debug().
				Str("wait_never", fmt.Sprintf("%#x", d.secrets.WaitNever)).
				Str("wait_always", fmt.Sprintf("%#x", d.secrets.WaitAlways)).
				Msg("recovered wait secrets")
		}
	})
	return d.secrets, d.secretsErr
}

func (d *DebuggerData) findWaitSecrets(nt *winimage.Module) (Secrets, error) {
	if nt == nil {
		return Secrets{}, fmt.Errorf("kernel module unavailable: %w", ErrNotFound)
	}
	rva, err := nt.ExportRVA(waitSecretsExport)
	if err != nil {
		return Secrets{}, fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	funcVA := nt.Base + uint64(rva)

	window, err := d.mem.ReadMemory(funcVA, prologueWindow)
	if err != nil {
		return Secrets{}, fmt.Errorf("prologue of %s at 0x%x: %w", waitSecretsExport, funcVA, ErrCorruptRegion)
	}

	n := waitSecretsSig.Find(window)
	if n == -1 {
		return Secrets{}, fmt.Errorf("wait secret signature in %s: %w", waitSecretsExport, ErrNotFound)
	}

	// two adjacent imm64 constants: <never> 48 B8 <always>
	tail := n + waitSecretsSig.Size()
	if tail+18 > len(window) {
		return Secrets{}, fmt.Errorf("wait constants truncated at window end: %w", ErrNotFound)
	}
	if window[tail+8] != 0x48 || window[tail+9] != 0xB8 {
		return Secrets{}, fmt.Errorf("second wait constant missing: %w", ErrNotFound)
	}
	return Secrets{
		WaitNever:  binary.LittleEndian.Uint64(window[tail:]),
		WaitAlways: binary.LittleEndian.Uint64(window[tail+10:]),
	}, nil
}
