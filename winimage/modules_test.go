package winimage

import (
	"errors"
	"testing"
)

func TestModuleListFind(t *testing.T) {
	prof := Profile{Major: 6, Minor: 1, Is64Bit: true}
	list := NewModuleList(prof,
		NewModule("a.sys", 0x1000, 0x500, nil, nil),
		NewModule("b.sys", 0x2000, 0x800, nil, nil),
	)

	cases := []struct {
		addr uint64
		want string
	}{
		{0x1200, "a.sys"},
		{0x1000, "a.sys"},
		{0x14FF, "a.sys"},
		{0x1500, "UNKNOWN"}, // end is exclusive
		{0x2900, "b.sys"},
		{0x2800, "UNKNOWN"},
		{0x600, "UNKNOWN"},
		{0x0, "UNKNOWN"},
		{0xFFFF000000001200, "a.sys"}, // sign-extended form attributes too
	}
	for _, tc := range cases {
		if got := list.NameOrUnknown(tc.addr); got != tc.want {
			t.Errorf("NameOrUnknown(%#x) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestModuleListKernel(t *testing.T) {
	prof := Profile{Major: 6, Minor: 1, Is64Bit: true}

	// enumeration order decides the kernel, not base address order
	list := NewModuleList(prof,
		NewModule("ntoskrnl.exe", 0x9000, 0x1000, nil, nil),
		NewModule("hal.dll", 0x1000, 0x1000, nil, nil),
	)
	if nt := list.Kernel(); nt == nil || nt.Name != "ntoskrnl.exe" {
		t.Errorf("Kernel() should be the first module enumerated")
	}

	empty := NewModuleList(prof)
	if empty.Kernel() != nil {
		t.Errorf("empty snapshot has no kernel")
	}
}

func TestModuleStaticExports(t *testing.T) {
	mod := NewModule("ntoskrnl.exe", 0x1000, 0x1000, nil, map[string]uint32{
		"KeCancelTimer": 0x420,
	})

	rva, err := mod.ExportRVA("KeCancelTimer")
	if err != nil {
		t.Fatalf("ExportRVA errored: %v", err)
	}
	if rva != 0x420 {
		t.Errorf("ExportRVA = %#x, want 0x420", rva)
	}

	if _, err := mod.ExportRVA("KeSetTimer"); !errors.Is(err, ErrExportNotFound) {
		t.Errorf("want ErrExportNotFound, got %v", err)
	}
}

func TestModuleNoImageAttached(t *testing.T) {
	// no static exports and no image to parse: every lookup fails, and the
	// parse failure is cached rather than retried
	mod := NewModule("x.sys", 0x1000, 0x1000, nil, nil)
	if _, err := mod.ExportRVA("Anything"); err == nil {
		t.Errorf("lookup without an export source should error")
	}
	if _, err := mod.ExportRVA("Other"); err == nil {
		t.Errorf("cached parse failure should keep erroring")
	}
}
