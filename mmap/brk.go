package mmap

import (
	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/abi"
)

// Brk moves the program break to addr, clamped to the brk region, and
// returns the new break. The region is mapped on first use; addr 0 only
// queries.
func (s *Service) Brk(addr uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brk.base == 0 {
		base, err := s.mmapLocked(0, s.cfg.BrkSize, abi.PROT_READ|abi.PROT_WRITE, abi.MAP_PRIVATE|abi.MAP_ANONYMOUS, nil, 0)
		if err != nil {
			return 0, err
		}
		s.brk = brkRegion{base: base, pos: base, top: base + s.cfg.BrkSize}
		s.log.WithFields(logrus.Fields{"addr": hex(base), "len": hex(s.cfg.BrkSize)}).Debug("brk region mapped")
	}
	if addr != 0 {
		s.brk.pos = max(min(addr, s.brk.top), s.brk.base)
	}
	return s.brk.pos, nil
}
