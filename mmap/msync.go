package mmap

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/abi"
	"github.com/wnxd/guestmm/host"
	"github.com/wnxd/guestmm/internal/memop"
	"github.com/wnxd/guestmm/mm"
)

// Msync flushes every block touching [addr, addr+length) to its file.
func (s *Service) Msync(addr, length uint64, flags abi.SyncFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !memop.Aligned(addr, mm.PageSize) {
		return mm.ErrMisaligned
	}
	hostFlags, err := syncFlags(flags)
	if err != nil {
		return err
	}
	if !s.store.Contains(addr, length) {
		return fmt.Errorf("%08x+%08x: %w", addr, length, mm.ErrOutOfRange)
	}
	end := memop.Align(addr+length, mm.BlockSize)
	for slot := memop.AlignDown(addr, mm.BlockSize); slot < end; slot += mm.BlockSize {
		err := s.store.Sync(slot, hostFlags)
		if errors.Is(err, syscall.EIO) {
			s.log.WithFields(logrus.Fields{"addr": hex(slot), "error": err}).Warn("msync failed, ignoring")
		} else if err != nil {
			return err
		}
	}
	return nil
}

func syncFlags(flags abi.SyncFlag) (host.SyncFlag, error) {
	if flags&^(abi.MS_ASYNC|abi.MS_INVALIDATE|abi.MS_SYNC) != 0 {
		return 0, fmt.Errorf("msync flags %#x: %w", uint32(flags), mm.ErrArgumentInvalid)
	} else if flags&abi.MS_ASYNC != 0 && flags&abi.MS_SYNC != 0 {
		return 0, fmt.Errorf("msync flags %#x: %w", uint32(flags), mm.ErrArgumentInvalid)
	}
	var f host.SyncFlag
	if flags&abi.MS_ASYNC != 0 {
		f |= host.SYNC_ASYNC
	}
	if flags&abi.MS_INVALIDATE != 0 {
		f |= host.SYNC_INVALIDATE
	}
	if flags&abi.MS_SYNC != 0 {
		f |= host.SYNC_SYNC
	}
	return f, nil
}

// Mprotect accepts any protection change without enforcing it.
func (s *Service) Mprotect(addr, length uint64, prot abi.Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !memop.Aligned(addr, mm.PageSize) {
		return mm.ErrMisaligned
	}
	s.log.WithFields(logrus.Fields{"addr": hex(addr), "len": hex(length), "prot": hex(uint64(prot))}).Debug("mprotect ignored")
	return nil
}

// MakeWriteable makes every slot spanning [addr, addr+length) page
// addressable, so writes through the host reach emulator-owned memory.
// Usage bits are left alone.
func (s *Service) MakeWriteable(addr, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.makeWriteable(addr, length)
}

// Zero makes [addr, addr+length) writeable and clears it.
func (s *Service) Zero(addr, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.makeWriteable(addr, length); err != nil || length == 0 {
		return err
	}
	return s.host.MemWrite(addr, make([]byte, length))
}

func (s *Service) makeWriteable(addr, length uint64) error {
	if length == 0 {
		return nil
	} else if !s.store.Contains(addr, length) {
		return fmt.Errorf("%08x+%08x: %w", addr, length, mm.ErrOutOfRange)
	}
	last := memop.AlignDown(addr+length-1, mm.BlockSize)
	for slot := memop.AlignDown(addr, mm.BlockSize); slot <= last; slot += mm.BlockSize {
		if err := s.store.Demote(slot); err != nil {
			return err
		}
	}
	return nil
}
