package host

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	testGranularity = 0x10000
	testLo          = 0x08000000
	testHi          = 0x09000000
)

func newTestSim(t *testing.T) *Sim {
	t.Helper()
	s, err := NewSim(testGranularity, testLo, testHi)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewSimValidation(t *testing.T) {
	if _, err := NewSim(0x1800, testLo, testHi); !errors.Is(err, ErrGranularityInvalid) {
		t.Errorf("granularity err = %v", err)
	}
	if _, err := NewSim(testGranularity, testLo+NativePageSize, testHi); !errors.Is(err, ErrArenaInvalid) {
		t.Errorf("arena err = %v", err)
	}
}

func TestSimAnonymous(t *testing.T) {
	s := newTestSim(t)
	addr, err := s.MemMap(0, 0x3000, MEM_PROT_READ|MEM_PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != testLo {
		t.Errorf("placed at %08x, want %08x", addr, testLo)
	}
	if err := s.MemWrite(addr+0xff0, []byte("across a page")); err != nil {
		t.Fatal(err)
	}
	got, err := s.MemRead(addr+0xff0, 13)
	if err != nil || string(got) != "across a page" {
		t.Errorf("MemRead = %q, %v", got, err)
	}
	if _, err := s.MemRead(addr+0x2ff0, 0x20); !errors.Is(err, syscall.EFAULT) {
		t.Errorf("read past mapping err = %v", err)
	}
	want := []MemRegion{{Addr: addr, Size: 0x3000, Prot: MEM_PROT_READ | MEM_PROT_WRITE}}
	if diff := cmp.Diff(want, s.MemRegions()); diff != "" {
		t.Errorf("regions (-want +got):\n%s", diff)
	}
	next, err := s.MemMap(0, NativePageSize, MEM_PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, nil, 0)
	if err != nil || next != testLo+testGranularity {
		t.Errorf("second placement = %08x, %v", next, err)
	}
	if err := s.MemUnmap(addr, testGranularity); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MemRead(addr, 1); !errors.Is(err, syscall.EFAULT) {
		t.Errorf("read after unmap err = %v", err)
	}
	if s.Calls() != 3 {
		t.Errorf("Calls = %d, want 3", s.Calls())
	}
}

func TestSimRestrictions(t *testing.T) {
	s := newTestSim(t)
	tests := []struct {
		name   string
		addr   uint64
		size   uint64
		flags  MapFlag
		offset uint64
		want   error
	}{
		{"zero size", testLo, 0, MAP_FIXED | MAP_ANONYMOUS, 0, syscall.EINVAL},
		{"fixed off granularity", testLo + NativePageSize, NativePageSize, MAP_FIXED | MAP_ANONYMOUS, 0, syscall.EINVAL},
		{"offset off granularity", testLo, NativePageSize, MAP_FIXED | MAP_ANONYMOUS, NativePageSize, syscall.EINVAL},
		{"file without source", testLo, NativePageSize, MAP_FIXED, 0, syscall.EBADF},
		{"arena exhausted", 0, testHi - testLo + NativePageSize, MAP_ANONYMOUS, 0, syscall.ENOMEM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.MemMap(tt.addr, tt.size, MEM_PROT_READ, tt.flags, nil, tt.offset); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if err := s.MemUnmap(testLo+NativePageSize, NativePageSize); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("unaligned unmap err = %v", err)
	}
}

func TestSimFileMapping(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 0x180)
	f, err := os.CreateTemp(t.TempDir(), "sim")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	s := newTestSim(t)
	addr, err := s.MemMap(testLo, 0x2000, MEM_PROT_READ|MEM_PROT_WRITE, MAP_FIXED|MAP_SHARED, f, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.MemRead(addr, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("mapped bytes differ from file")
	}
	if err := s.MemWrite(addr, []byte("ZZ")); err != nil {
		t.Fatal(err)
	}
	if err := s.MemSync(addr, 0x2000, SYNC_SYNC); err != nil {
		t.Fatal(err)
	}
	head := make([]byte, 4)
	if _, err := f.ReadAt(head, 0); err != nil || string(head) != "ZZ23" {
		t.Errorf("file head = %q, %v", head, err)
	}
	if err := s.MemSync(addr+0x2000, NativePageSize, SYNC_SYNC); !errors.Is(err, syscall.ENOMEM) {
		t.Errorf("sync of unmapped range err = %v", err)
	}

	ro, err := s.MemMap(testLo+testGranularity, NativePageSize, MEM_PROT_READ, MAP_FIXED|MAP_PRIVATE, f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MemWrite(ro, []byte{1}); !errors.Is(err, syscall.EFAULT) {
		t.Errorf("write to read-only page err = %v", err)
	}
}

func TestPointer(t *testing.T) {
	s := newTestSim(t)
	addr, err := s.MemMap(0, NativePageSize, MEM_PROT_ALL, MAP_PRIVATE|MAP_ANONYMOUS, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	p := ToPointer(s, addr)
	if err := p.Add(8).MemWrite([]byte("guest\x00tail")); err != nil {
		t.Fatal(err)
	}
	str, err := p.Add(8).MemReadString()
	if err != nil || str != "guest" {
		t.Errorf("MemReadString = %q, %v", str, err)
	}
	buf := make([]byte, 4)
	if _, err := p.Section(18).ReadAt(buf, 14); err != nil || string(buf) != "tail" {
		t.Errorf("Section.ReadAt = %q, %v", buf, err)
	}
	if p.Add(8).Sub(8) != p || p.IsNil() {
		t.Error("pointer arithmetic broken")
	}
}
