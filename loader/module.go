// Package loader places guest ELF images into the guest address space. All
// of its mappings go through the mmap service.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/abi"
	"github.com/wnxd/guestmm/filesystem"
	"github.com/wnxd/guestmm/internal/memop"
	"github.com/wnxd/guestmm/mm"
	"github.com/wnxd/guestmm/mmap"
)

var (
	ErrImageInvalid     = errors.New("image invalid")
	ErrImageUnsupported = errors.New("image unsupported")
)

type Module struct {
	name    string
	base    uint64
	entry   uint64
	regions []Region
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) BaseAddr() uint64 {
	return m.base
}

func (m *Module) EntryAddr() uint64 {
	return m.entry
}

func (m *Module) Regions() []Region {
	return m.regions
}

type Loader struct {
	svc *mmap.Service
	log logrus.FieldLogger
}

func New(svc *mmap.Service, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{svc: svc, log: log}
}

// Load maps every loadable segment of the i386 executable in file.
// Position independent images are placed wherever the guest window has
// room; others go at their link addresses.
func (l *Loader) Load(name string, file filesystem.ReadAtFile) (*Module, error) {
	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrImageInvalid, err)
	}
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("%s: %v %v: %w", name, f.Class, f.Machine, ErrImageUnsupported)
	} else if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%s: %v: %w", name, f.Type, ErrImageUnsupported)
	}
	regions, err := Regions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	lo, hi := regions[0].Addr, regions[0].End()
	for _, r := range regions[1:] {
		lo, hi = min(lo, r.Addr), max(hi, r.End())
	}
	log := l.log.WithField("module", name)
	log.WithFields(logrus.Fields{"min": fmt.Sprintf("%08x", lo), "max": fmt.Sprintf("%08x", hi)}).Debug("image span")

	var bias uint64
	if f.Type == elf.ET_DYN {
		if lo != 0 {
			return nil, fmt.Errorf("%s: position independent image starts at %08x: %w", name, lo, ErrImageUnsupported)
		}
		if bias, err = l.reserve(hi); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		log.WithField("bias", fmt.Sprintf("%08x", bias)).Debug("load bias")
	}
	for i, r := range regions {
		regions[i] = r.shift(bias)
		if err := l.loadRegion(file, regions[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return &Module{
		name:    name,
		base:    bias + lo,
		entry:   bias + f.Entry,
		regions: regions,
	}, nil
}

// reserve finds room for size bytes and frees it again; the segments are
// then mapped over it at fixed addresses.
func (l *Loader) reserve(size uint64) (uint64, error) {
	addr, err := l.svc.Mmap(0, size, abi.PROT_READ|abi.PROT_WRITE|abi.PROT_EXEC, abi.MAP_PRIVATE|abi.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, err
	}
	return addr, l.svc.Munmap(addr, size)
}

func (l *Loader) loadRegion(file filesystem.File, r Region) error {
	pad := memop.Offset(r.Addr, uint64(mm.PageSize))
	if memop.Offset(r.Offset, uint64(mm.PageSize)) != pad {
		return fmt.Errorf("segment %08x: file offset %#x not congruent: %w", r.Addr, r.Offset, ErrImageInvalid)
	}
	addr := r.Addr - pad
	memLen := r.Size + pad
	fileLen := r.Length + pad
	writable := r.Prot&abi.PROT_WRITE != 0
	log := l.log.WithFields(logrus.Fields{"addr": fmt.Sprintf("%08x", addr), "len": fmt.Sprintf("%08x", memLen)})

	if writable {
		log.Debug("writeable area")
		if _, err := l.svc.MmapFile(addr, memLen, r.Prot, abi.MAP_FIXED|abi.MAP_PRIVATE|abi.MAP_ANONYMOUS, nil, 0); err != nil {
			return err
		}
	}
	if r.Length > 0 {
		if _, err := l.svc.MmapFile(addr, fileLen, r.Prot, abi.MAP_FIXED|abi.MAP_PRIVATE, file, r.Offset-pad); err != nil {
			return err
		}
	}
	// The last file page may carry bytes that belong to the next segment.
	end := addr + memop.Align(memLen, uint64(mm.PageSize))
	if !writable || end <= addr+fileLen {
		return nil
	}
	wipe := addr + fileLen
	log.WithField("wipe", fmt.Sprintf("%08x", wipe)).Debug("wiping tail")
	return l.svc.Zero(wipe, end-wipe)
}
