package mmap

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/abi"
	"github.com/wnxd/guestmm/filesystem"
	"github.com/wnxd/guestmm/host"
	"github.com/wnxd/guestmm/internal/memop"
	"github.com/wnxd/guestmm/mm"
)

// Mmap maps length bytes at addr. Unless flags carry MAP_ANONYMOUS the
// contents come from descriptor fd starting at offset.
func (s *Service) Mmap(addr, length uint64, prot abi.Prot, flags abi.MapFlag, fd int, offset uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var file filesystem.File
	if flags&abi.MAP_ANONYMOUS == 0 {
		if err := checkRequest(addr, length, offset); err != nil {
			return 0, err
		}
		var err error
		if file, err = s.getFile(fd); err != nil {
			return 0, err
		}
	}
	return s.mmapLocked(addr, length, prot, flags, file, offset)
}

// MmapFile is Mmap with the file already resolved.
func (s *Service) MmapFile(addr, length uint64, prot abi.Prot, flags abi.MapFlag, file filesystem.File, offset uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags&abi.MAP_ANONYMOUS == 0 && file == nil {
		return 0, fmt.Errorf("no file to map: %w", mm.ErrArgumentInvalid)
	}
	return s.mmapLocked(addr, length, prot, flags, file, offset)
}

func checkRequest(addr, length, offset uint64) error {
	if !memop.Aligned(addr, mm.PageSize) || !memop.Aligned(offset, mm.PageSize) {
		return mm.ErrMisaligned
	} else if length == 0 {
		return mm.ErrArgumentInvalid
	}
	return nil
}

func (s *Service) mmapLocked(addr, length uint64, prot abi.Prot, flags abi.MapFlag, file filesystem.File, offset uint64) (uint64, error) {
	if err := checkRequest(addr, length, offset); err != nil {
		return 0, err
	}
	switch flags & abi.MAP_TYPE {
	case abi.MAP_SHARED, abi.MAP_PRIVATE:
	default:
		return 0, fmt.Errorf("map type %#x: %w", flags&abi.MAP_TYPE, mm.ErrArgumentInvalid)
	}
	log := s.log.WithFields(logrus.Fields{"addr": hex(addr), "len": hex(length), "prot": hex(uint64(prot)), "flags": hex(uint64(flags))})
	if prot&abi.PROT_SEM != 0 {
		log.Debug("ignoring PROT_SEM")
	}
	size := memop.Align(length, mm.PageSize)
	if flags&abi.MAP_FIXED == 0 {
		var err error
		if addr, err = s.reserve(addr, size); err != nil {
			return 0, err
		}
		log = log.WithField("addr", hex(addr))
		log.Debug("placed non-fixed mapping")
	}
	if !s.store.Contains(addr, size) {
		return 0, fmt.Errorf("%08x+%08x: %w", addr, size, mm.ErrOutOfRange)
	}
	if flags&abi.MAP_ANONYMOUS != 0 {
		return addr, s.mapAnonymous(addr, size)
	}
	m := fileMapping{
		addr:       addr,
		length:     length,
		offset:     offset,
		shared:     flags&abi.MAP_TYPE == abi.MAP_SHARED,
		writable:   prot&abi.PROT_WRITE != 0,
		executable: prot&abi.PROT_EXEC != 0,
	}
	if mf, ok := file.(filesystem.MappableFile); ok && !s.cfg.EagerLoad && m.aligned() {
		return addr, s.mapDirect(mf, m)
	}
	log.Debug("loading mapping page by page")
	return addr, s.materialize(file, m)
}

// reserve steals a free range from the host allocator. The range is handed
// back immediately; the caller maps it again with fixed placement.
func (s *Service) reserve(hint, size uint64) (uint64, error) {
	size = memop.Align(size, mm.BlockSize)
	addr, err := s.host.MemMap(hint, size, host.MEM_PROT_NONE, host.MAP_PRIVATE|host.MAP_ANONYMOUS, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("reserve %08x bytes: %w", size, err)
	}
	if err := s.host.MemUnmap(addr, size); err != nil {
		return 0, fmt.Errorf("reserve %08x bytes: %w", size, err)
	}
	return addr, nil
}

func (s *Service) mapAnonymous(addr, size uint64) error {
	zero := make([]byte, mm.PageSize)
	for page := addr; page < addr+size; page += mm.PageSize {
		if err := s.store.UsePage(page); err != nil {
			return err
		}
		if err := s.host.MemWrite(page, zero); err != nil {
			return fmt.Errorf("zero page %08x: %w", page, err)
		}
	}
	return nil
}

type fileMapping struct {
	addr, length, offset         uint64
	shared, writable, executable bool
}

func (m fileMapping) aligned() bool {
	return memop.Aligned(m.addr, mm.BlockSize) && memop.Aligned(m.offset, mm.BlockSize)
}

// mapDirect hands the whole blocks of the file to the host. A partial last
// block would take its entire slot, so it is loaded page by page instead.
func (s *Service) mapDirect(file filesystem.MappableFile, m fileMapping) error {
	size, err := filesystem.Size(file)
	if err != nil {
		return err
	}
	var usable uint64
	if m.offset < uint64(size) {
		usable = min(m.length, uint64(size)-m.offset)
	}
	whole := memop.AlignDown(usable, mm.BlockSize)
	if whole > 0 {
		if err := s.store.Map(m.addr, whole, file, m.offset, m.shared, m.writable, m.executable); err != nil {
			return err
		}
	}
	if whole == m.length {
		return nil
	}
	rest := m
	rest.addr += whole
	rest.offset += whole
	rest.length -= whole
	return s.materialize(file, rest)
}

// materialize copies the file into emulator-owned pages one page at a time.
// Bytes past end of file read as zero.
func (s *Service) materialize(file filesystem.File, m fileMapping) error {
	r, ok := file.(io.ReaderAt)
	if !ok {
		return abi.ENODEV
	}
	buf := make([]byte, mm.PageSize)
	for off := uint64(0); off < m.length; off += mm.PageSize {
		page := m.addr + off
		if err := s.store.UsePage(page); err != nil {
			return err
		}
		n, err := r.ReadAt(buf, int64(m.offset+off))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read page %08x: %w", page, err)
		}
		clear(buf[n:])
		if err := s.host.MemWrite(page, buf); err != nil {
			return fmt.Errorf("load page %08x: %w", page, err)
		}
	}
	return nil
}
