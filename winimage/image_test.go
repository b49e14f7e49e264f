package winimage

import (
	"bytes"
	"testing"
)

func TestRawImageReadMemory(t *testing.T) {
	img := NewRawImage(
		Region{VA: 0x2000, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}},
		Region{VA: 0x1000, Data: []byte{0x01, 0x02, 0x03, 0x04}},
	)

	t.Run("within a region", func(t *testing.T) {
		data, err := img.ReadMemory(0x1001, 2)
		if err != nil {
			t.Fatalf("ReadMemory errored: %v", err)
		}
		if !bytes.Equal(data, []byte{0x02, 0x03}) {
			t.Errorf("ReadMemory = % x", data)
		}
	})

	t.Run("regions found regardless of construction order", func(t *testing.T) {
		data, err := img.ReadMemory(0x2000, 4)
		if err != nil {
			t.Fatalf("ReadMemory errored: %v", err)
		}
		if !bytes.Equal(data, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
			t.Errorf("ReadMemory = % x", data)
		}
	})

	t.Run("below all regions", func(t *testing.T) {
		if _, err := img.ReadMemory(0x500, 1); err == nil {
			t.Errorf("unmapped read should error")
		}
	})

	t.Run("in a hole", func(t *testing.T) {
		if _, err := img.ReadMemory(0x1800, 1); err == nil {
			t.Errorf("unmapped read should error")
		}
	})

	t.Run("short reads are errors", func(t *testing.T) {
		if _, err := img.ReadMemory(0x1002, 8); err == nil {
			t.Errorf("read past region end should error, not truncate")
		}
	})

	t.Run("returned bytes are a copy", func(t *testing.T) {
		data, err := img.ReadMemory(0x1000, 1)
		if err != nil {
			t.Fatalf("ReadMemory errored: %v", err)
		}
		data[0] = 0xFF
		again, _ := img.ReadMemory(0x1000, 1)
		if again[0] != 0x01 {
			t.Errorf("caller mutation leaked into the image")
		}
	})
}

func TestReadPointer(t *testing.T) {
	img := NewRawImage(Region{VA: 0x1000, Data: []byte{
		0x78, 0x56, 0x34, 0x12, 0xF0, 0xDE, 0xBC, 0x9A,
	}})

	v32, err := ReadPointer(img, 0x1000, false)
	if err != nil {
		t.Fatalf("ReadPointer errored: %v", err)
	}
	if v32 != 0x12345678 {
		t.Errorf("32-bit pointer = %#x, want 0x12345678", v32)
	}

	v64, err := ReadPointer(img, 0x1000, true)
	if err != nil {
		t.Fatalf("ReadPointer errored: %v", err)
	}
	if v64 != 0x9ABCDEF012345678 {
		t.Errorf("64-bit pointer = %#x, want 0x9abcdef012345678", v64)
	}
}

func TestAddressMask(t *testing.T) {
	p32 := Profile{Major: 5, Minor: 1}
	if got := p32.AddressMask(0xFFFFFFFF80001000); got != 0x80001000 {
		t.Errorf("32-bit mask = %#x, want 0x80001000", got)
	}

	p64 := Profile{Major: 6, Minor: 1, Is64Bit: true}
	if got := p64.AddressMask(0xFFFFF80002A4B000); got != 0xF80002A4B000 {
		t.Errorf("64-bit mask = %#x, want 0xf80002a4b000", got)
	}
	if got := p64.AddressMask(0x7FFE0000); got != 0x7FFE0000 {
		t.Errorf("canonical low address must pass through, got %#x", got)
	}
}
