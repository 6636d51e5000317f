package mmap

import (
	"fmt"

	"github.com/wnxd/guestmm/internal/memop"
	"github.com/wnxd/guestmm/mm"
)

// Munmap releases [addr, addr+length). Whole slots go at once when addr is
// slot aligned; everything else is released page by page.
func (s *Service) Munmap(addr, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !memop.Aligned(addr, mm.PageSize) {
		return mm.ErrMisaligned
	} else if length == 0 {
		return mm.ErrArgumentInvalid
	}
	length = memop.Align(length, mm.PageSize)
	if !s.store.Contains(addr, length) {
		return fmt.Errorf("%08x+%08x: %w", addr, length, mm.ErrOutOfRange)
	}
	if memop.Aligned(addr, mm.BlockSize) {
		whole := memop.AlignDown(length, mm.BlockSize)
		if err := s.store.Unmap(addr, whole); err != nil {
			return err
		}
		addr += whole
		length -= whole
	}
	for end := addr + length; addr < end; addr += mm.PageSize {
		if err := s.store.UnusePage(addr); err != nil {
			return err
		}
	}
	return nil
}
