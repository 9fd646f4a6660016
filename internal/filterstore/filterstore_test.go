package filterstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHeaderOffsetRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    HeaderOffset
	}{
		{"present zero offset", HeaderOffset{Offset: 0, Present: true}},
		{"present large offset", HeaderOffset{Offset: 1 << 40, Present: true}},
		{"present max offset", HeaderOffset{Offset: (1 << 63) - 1, Present: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := tt.h.ToU64()
			got, ok := FromU64(packed)
			if !ok {
				t.Fatalf("FromU64(%d) reported absent for a present offset", packed)
			}
			if got != tt.h {
				t.Fatalf("FromU64(ToU64(%+v)) = %+v, want round trip", tt.h, got)
			}
		})
	}
}

func TestHeaderOffsetAbsent(t *testing.T) {
	if _, ok := FromU64(0); ok {
		t.Fatal("FromU64(0) should report absent")
	}
}

func TestStorePutGetAt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "filter_headers.dat"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var h0, h1 [32]byte
	h0[0] = 0xAA
	h1[0] = 0xBB

	if err := s.Put(h0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(h1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	height, ok := s.Height()
	if !ok || height != 1 {
		t.Fatalf("Height() = (%d, %v), want (1, true)", height, ok)
	}

	gotH, gotOff, err := s.GetAt(0)
	if err != nil {
		t.Fatalf("GetAt(0): %v", err)
	}
	if gotH != h0 {
		t.Fatalf("GetAt(0) header mismatch")
	}
	if gotOff.Present {
		t.Fatal("freshly Put record should have no body offset yet")
	}

	if err := s.UpdateAt(0, HeaderOffset{Offset: 4096, Present: true}); err != nil {
		t.Fatalf("UpdateAt: %v", err)
	}
	_, gotOff, err = s.GetAt(0)
	if err != nil {
		t.Fatalf("GetAt(0) after update: %v", err)
	}
	if !gotOff.Present || gotOff.Offset != 4096 {
		t.Fatalf("GetAt(0) offset = %+v, want {4096 true}", gotOff)
	}
}

func TestOpenCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.dat")
	if err := os.WriteFile(path, make([]byte, 41), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Open(path)
	if err == nil {
		t.Fatal("expected CorruptFile error for non-multiple-of-40 file length")
	}
}
