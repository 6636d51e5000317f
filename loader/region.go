package loader

import (
	"debug/elf"
	"fmt"

	"github.com/wnxd/guestmm/abi"
)

// Region is one loadable segment: Size bytes of memory at Addr, the first
// Length of which come from the file at Offset.
type Region struct {
	Addr, Size     uint64
	Offset, Length uint64
	Prot           abi.Prot
}

func (r Region) End() uint64 {
	return r.Addr + r.Size
}

func (r Region) shift(bias uint64) Region {
	r.Addr += bias
	return r
}

// Regions lists the PT_LOAD segments of f in file order.
func Regions(f *elf.File) ([]Region, error) {
	var regions []Region
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment %08x: file size %#x exceeds memory size %#x: %w", prog.Vaddr, prog.Filesz, prog.Memsz, ErrImageInvalid)
		}
		var prot abi.Prot
		if prog.Flags&elf.PF_R != 0 {
			prot |= abi.PROT_READ
		}
		if prog.Flags&elf.PF_W != 0 {
			prot |= abi.PROT_WRITE
		}
		if prog.Flags&elf.PF_X != 0 {
			prot |= abi.PROT_EXEC
		}
		regions = append(regions, Region{
			Addr:   prog.Vaddr,
			Size:   prog.Memsz,
			Offset: prog.Off,
			Length: prog.Filesz,
			Prot:   prot,
		})
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no loadable segment: %w", ErrImageInvalid)
	}
	return regions, nil
}
