package mmap

import (
	"fmt"

	"github.com/wnxd/guestmm/abi"
	"github.com/wnxd/guestmm/encoding"
	"github.com/wnxd/guestmm/host"
)

// SysMmap is the old-style mmap call: argAddr points at an
// abi.MmapArgStruct in guest memory.
func (s *Service) SysMmap(argAddr uint32) (uint32, error) {
	var args abi.MmapArgStruct
	size, err := encoding.Size(abi.PointerSize, &args)
	if err != nil {
		return 0, err
	}
	p := host.ToPointer(s.host, uint64(argAddr))
	if err := encoding.Decode(p.Section(uint64(size)), abi.PointerSize, &args); err != nil {
		return 0, fmt.Errorf("mmap arguments at %08x: %w", argAddr, err)
	}
	return s.sysMmap(args.Addr, args.Len, args.Prot, args.Flags, args.Fd, uint64(args.Offset))
}

// SysMmap2 takes the file offset in 4 KiB units.
func (s *Service) SysMmap2(addr, length, prot, flags uint32, fd int32, pgoff uint32) (uint32, error) {
	return s.sysMmap(addr, length, prot, flags, fd, uint64(pgoff)<<abi.Mmap2PageShift)
}

func (s *Service) sysMmap(addr, length, prot, flags uint32, fd int32, offset uint64) (uint32, error) {
	result, err := s.Mmap(uint64(addr), uint64(length), abi.Prot(prot), abi.MapFlag(flags), int(fd), offset)
	if err != nil {
		return 0, err
	}
	return uint32(result), nil
}

func (s *Service) SysMunmap(addr, length uint32) (uint32, error) {
	return 0, s.Munmap(uint64(addr), uint64(length))
}

func (s *Service) SysMprotect(addr, length, prot uint32) (uint32, error) {
	return 0, s.Mprotect(uint64(addr), uint64(length), abi.Prot(prot))
}

func (s *Service) SysMsync(addr, length, flags uint32) (uint32, error) {
	return 0, s.Msync(uint64(addr), uint64(length), abi.SyncFlag(flags))
}

func (s *Service) SysBrk(addr uint32) (uint32, error) {
	pos, err := s.Brk(uint64(addr))
	return uint32(pos), err
}
