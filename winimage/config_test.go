package winimage

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analysis.yaml")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
profile:
  major: 6
  minor: 1
  build: 7601
  bitness: 64
image_base: "0x100000"
debugger_data: "0x100000"
modules:
  - name: ntoskrnl.exe
    base: "0x107000"
    size: "0x1000"
    exports:
      KeCapturePersistentThreadState: "0x80"
  - name: hal.dll
    base: 1114112
    size: 4096
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig errored: %v", err)
	}

	prof, err := cfg.OSProfile()
	if err != nil {
		t.Fatalf("OSProfile errored: %v", err)
	}
	if prof.Major != 6 || prof.Minor != 1 || prof.Build != 7601 || !prof.Is64Bit {
		t.Errorf("OSProfile = %+v", prof)
	}

	if uint64(cfg.ImageBase) != 0x100000 {
		t.Errorf("ImageBase = %#x, want 0x100000", uint64(cfg.ImageBase))
	}
	if uint64(cfg.DebuggerData) != 0x100000 {
		t.Errorf("DebuggerData = %#x", uint64(cfg.DebuggerData))
	}
	if len(cfg.Modules) != 2 {
		t.Fatalf("got %d modules, want 2", len(cfg.Modules))
	}
	if uint64(cfg.Modules[0].Exports["KeCapturePersistentThreadState"]) != 0x80 {
		t.Errorf("export RVA not parsed from hex string")
	}
	// plain yaml integers work too
	if uint64(cfg.Modules[1].Base) != 1114112 {
		t.Errorf("hal base = %#x", uint64(cfg.Modules[1].Base))
	}

	list := cfg.BuildModules(nil, prof)
	if nt := list.Kernel(); nt == nil || nt.Name != "ntoskrnl.exe" {
		t.Errorf("first configured module should be the kernel")
	}
	rva, err := list.Kernel().ExportRVA("KeCapturePersistentThreadState")
	if err != nil || rva != 0x80 {
		t.Errorf("static export lookup: rva=%#x err=%v", rva, err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Errorf("missing file should error")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "profile: [not a map")
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("malformed yaml should error")
		}
	})

	t.Run("bad address string", func(t *testing.T) {
		path := writeConfig(t, "image_base: \"0xZZ\"\n")
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("unparseable address should error")
		}
	})

	t.Run("bad bitness", func(t *testing.T) {
		path := writeConfig(t, `
profile:
  major: 6
  minor: 1
  bitness: 16
`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig errored: %v", err)
		}
		if _, err := cfg.OSProfile(); err == nil {
			t.Errorf("bitness 16 should be rejected")
		}
	})
}
