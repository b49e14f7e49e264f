package winimage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Binject/debug/pe"
)

var ErrExportNotFound = errors.New("export not found")

// Module is one loaded kernel module: a name and the [base, base+size)
// address range it occupies. Export RVAs come from a static map when the
// analysis config supplies one, otherwise from the module's PE export
// directory parsed in place from the image.
type Module struct {
	Name string
	Base uint64
	Size uint64

	mem     Memory
	exports map[string]uint32
	parsed  bool
	peErr   error
}

func NewModule(name string, base, size uint64, mem Memory, exports map[string]uint32) *Module {
	m := &Module{Name: name, Base: base, Size: size, mem: mem, exports: exports}
	if exports != nil {
		m.parsed = true
	}
	return m
}

// ExportRVA looks up an exported symbol's RVA by name.
func (m *Module) ExportRVA(name string) (uint32, error) {
	if !m.parsed {
		m.parsed = true
		m.exports, m.peErr = m.parseExports()
	}
	if m.peErr != nil {
		return 0, fmt.Errorf("%s: export table: %w", m.Name, m.peErr)
	}
	rva, ok := m.exports[name]
	if !ok {
		return 0, fmt.Errorf("%s!%s: %w", m.Name, name, ErrExportNotFound)
	}
	return rva, nil
}

// parseExports reads the module's export directory from the memory image.
func (m *Module) parseExports() (map[string]uint32, error) {
	if m.mem == nil {
		return nil, errors.New("no image attached")
	}
	f, err := pe.NewFileFromMemory(&rangeReaderAt{mem: m.mem, base: m.Base, size: m.Size})
	if err != nil {
		return nil, err
	}
	defer f.Close()

	exports, err := f.Exports()
	if err != nil {
		return nil, err
	}
	table := make(map[string]uint32, len(exports))
	for _, exp := range exports {
		if exp.Name != "" {
			table[exp.Name] = exp.VirtualAddress
		}
	}
	return table, nil
}

// ModuleList is one analysis run's snapshot of loaded modules. The original
// enumeration order is preserved (the NT kernel is first); a base-sorted copy
// backs address attribution.
type ModuleList struct {
	prof   Profile
	order  []*Module
	sorted []*Module
}

func NewModuleList(prof Profile, mods ...*Module) *ModuleList {
	sorted := make([]*Module, len(mods))
	copy(sorted, mods)
	sort.Slice(sorted, func(i, j int) bool {
		return prof.AddressMask(sorted[i].Base) < prof.AddressMask(sorted[j].Base)
	})
	return &ModuleList{prof: prof, order: mods, sorted: sorted}
}

// Kernel returns the NT module, by convention the first module enumerated.
func (l *ModuleList) Kernel() *Module {
	if len(l.order) == 0 {
		return nil
	}
	return l.order[0]
}

// Find returns the module whose range contains addr, or nil. Null and
// out-of-range addresses attribute to no module.
func (l *ModuleList) Find(addr uint64) *Module {
	if addr == 0 || len(l.sorted) == 0 {
		return nil
	}
	addr = l.prof.AddressMask(addr)
	i := sort.Search(len(l.sorted), func(i int) bool {
		return l.prof.AddressMask(l.sorted[i].Base) > addr
	})
	if i == 0 {
		return nil
	}
	m := l.sorted[i-1]
	base := l.prof.AddressMask(m.Base)
	if addr >= base && addr < base+m.Size {
		return m
	}
	return nil
}

// NameOrUnknown is the attribution label for a routine address.
func (l *ModuleList) NameOrUnknown(addr uint64) string {
	if m := l.Find(addr); m != nil && strings.TrimSpace(m.Name) != "" {
		return m.Name
	}
	return "UNKNOWN"
}
