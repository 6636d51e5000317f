package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/abi"
	"github.com/wnxd/guestmm/config"
	"github.com/wnxd/guestmm/encoding"
	"github.com/wnxd/guestmm/filesystem"
	"github.com/wnxd/guestmm/host"
	"github.com/wnxd/guestmm/mm"
	"github.com/wnxd/guestmm/mmap"
)

func newLoader(t *testing.T) (*Loader, *mmap.Service) {
	t.Helper()
	sim, err := host.NewSim(mm.BlockSize, mm.RangeBottom, mm.RangeTop)
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	svc, err := mmap.New(sim, nil, config.Default(), log)
	if err != nil {
		t.Fatal(err)
	}
	return New(svc, log), svc
}

func buildImage(t *testing.T, typ elf.Type, machine elf.Machine, entry uint32, progs []elf.Prog32, size int) []byte {
	t.Helper()
	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     52,
		Ehsize:    52,
		Phentsize: 32,
		Phnum:     uint16(len(progs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	var buf bytes.Buffer
	if err := encoding.Encode(&buf, abi.PointerSize, &hdr); err != nil {
		t.Fatal(err)
	}
	for i := range progs {
		if err := encoding.Encode(&buf, abi.PointerSize, &progs[i]); err != nil {
			t.Fatal(err)
		}
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*5 + i>>8 + 1)
	}
	copy(data, buf.Bytes())
	return data
}

func writeImage(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "image")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	return f
}

func read(t *testing.T, svc *mmap.Service, addr, size uint64) []byte {
	t.Helper()
	data, err := svc.Host().MemRead(addr, size)
	if err != nil {
		t.Fatalf("MemRead(%08x): %v", addr, err)
	}
	return data
}

func kind(t *testing.T, svc *mmap.Service, addr uint64) mm.Kind {
	t.Helper()
	k, err := svc.SlotKind(addr)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestLoadExecutable(t *testing.T) {
	image := buildImage(t, elf.ET_EXEC, elf.EM_386, 0x10000100, []elf.Prog32{
		{Type: uint32(elf.PT_LOAD), Off: 0, Vaddr: 0x10000000, Filesz: 0x1800, Memsz: 0x1800, Flags: uint32(elf.PF_R | elf.PF_X)},
		{Type: uint32(elf.PT_LOAD), Off: 0x1100, Vaddr: 0x10021100, Filesz: 0x500, Memsz: 0x3000, Flags: uint32(elf.PF_R | elf.PF_W)},
	}, 0x1800)
	l, svc := newLoader(t)
	m, err := l.Load("exec", writeImage(t, image))
	if err != nil {
		t.Fatal(err)
	}
	if m.Name() != "exec" || m.BaseAddr() != 0x10000000 || m.EntryAddr() != 0x10000100 {
		t.Errorf("module = %s base %08x entry %08x", m.Name(), m.BaseAddr(), m.EntryAddr())
	}
	want := []Region{
		{Addr: 0x10000000, Size: 0x1800, Offset: 0, Length: 0x1800, Prot: abi.PROT_READ | abi.PROT_EXEC},
		{Addr: 0x10021100, Size: 0x3000, Offset: 0x1100, Length: 0x500, Prot: abi.PROT_READ | abi.PROT_WRITE},
	}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("regions (-want +got):\n%s", diff)
	}
	if k := kind(t, svc, 0x10000000); k != mm.KindFragmented {
		t.Errorf("text slot kind = %v, want fragmented", k)
	}
	if k := kind(t, svc, 0x10020000); k != mm.KindFragmented {
		t.Errorf("data slot kind = %v, want fragmented", k)
	}
	if diff := cmp.Diff(image, read(t, svc, 0x10000000, 0x1800)); diff != "" {
		t.Errorf("text differs:\n%s", diff)
	}
	if diff := cmp.Diff(image[0x1000:0x1600], read(t, svc, 0x10021000, 0x600)); diff != "" {
		t.Errorf("data differs:\n%s", diff)
	}
	if diff := cmp.Diff(make([]byte, 0x10025000-0x10021600), read(t, svc, 0x10021600, 0x10025000-0x10021600)); diff != "" {
		t.Errorf("bss not zeroed:\n%s", diff)
	}
}

func TestLoadPositionIndependent(t *testing.T) {
	image := buildImage(t, elf.ET_DYN, elf.EM_386, 0x100, []elf.Prog32{
		{Type: uint32(elf.PT_LOAD), Off: 0, Vaddr: 0, Filesz: 0x1800, Memsz: 0x1800, Flags: uint32(elf.PF_R | elf.PF_X)},
		{Type: uint32(elf.PT_LOAD), Off: 0x100, Vaddr: 0x10100, Filesz: 0x200, Memsz: 0x1000, Flags: uint32(elf.PF_R | elf.PF_W)},
	}, 0x1800)
	l, svc := newLoader(t)
	m, err := l.Load("dyn", writeImage(t, image))
	if err != nil {
		t.Fatal(err)
	}
	bias := m.BaseAddr()
	if bias < mm.RangeBottom || bias%mm.BlockSize != 0 {
		t.Fatalf("load bias %08x", bias)
	}
	if m.EntryAddr() != bias+0x100 {
		t.Errorf("entry = %08x", m.EntryAddr())
	}
	if diff := cmp.Diff(image, read(t, svc, bias, 0x1800)); diff != "" {
		t.Errorf("text differs:\n%s", diff)
	}
	if k := kind(t, svc, bias+0x10000); k != mm.KindFragmented {
		t.Errorf("data slot kind = %v, want fragmented", k)
	}
	if diff := cmp.Diff(image[0x100:0x300], read(t, svc, bias+0x10100, 0x200)); diff != "" {
		t.Errorf("data differs:\n%s", diff)
	}
	if diff := cmp.Diff(make([]byte, 0x12000-0x10300), read(t, svc, bias+0x10300, 0x12000-0x10300)); diff != "" {
		t.Errorf("bss not zeroed:\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	l, _ := newLoader(t)
	wide := buildImage(t, elf.ET_EXEC, elf.EM_X86_64, 0, []elf.Prog32{
		{Type: uint32(elf.PT_LOAD), Vaddr: 0x10000000, Filesz: 0x100, Memsz: 0x100, Flags: uint32(elf.PF_R)},
	}, 0x1000)
	if _, err := l.Load("wide", filesystem.NewMemFile("wide", wide)); !errors.Is(err, ErrImageUnsupported) {
		t.Errorf("x86-64 image err = %v", err)
	}
	bad := buildImage(t, elf.ET_EXEC, elf.EM_386, 0, []elf.Prog32{
		{Type: uint32(elf.PT_LOAD), Vaddr: 0x10000000, Filesz: 0x200, Memsz: 0x100, Flags: uint32(elf.PF_R)},
	}, 0x1000)
	if _, err := l.Load("bad", filesystem.NewMemFile("bad", bad)); !errors.Is(err, ErrImageInvalid) {
		t.Errorf("oversized segment err = %v", err)
	}
	if _, err := l.Load("junk", filesystem.NewMemFile("junk", []byte("not an image"))); !errors.Is(err, ErrImageInvalid) {
		t.Errorf("junk err = %v", err)
	}
}
