// Package mmap is the guest-facing side of the memory layer. It turns guest
// mmap, munmap, msync, mprotect and brk requests into BlockStore operations
// under one process-wide lock.
package mmap

import (
	"fmt"
	"io/fs"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/config"
	"github.com/wnxd/guestmm/filesystem"
	"github.com/wnxd/guestmm/host"
	"github.com/wnxd/guestmm/mm"
)

// FileTable resolves guest descriptors. *filesystem.Table satisfies it.
type FileTable interface {
	GetFile(fd int) (filesystem.File, error)
}

type Service struct {
	mu    sync.Mutex
	host  host.Host
	store *mm.BlockStore
	files FileTable
	cfg   config.Config
	log   logrus.FieldLogger
	brk   brkRegion
}

type brkRegion struct {
	base uint64
	pos  uint64
	top  uint64
}

func New(h host.Host, files FileTable, cfg config.Config, log logrus.FieldLogger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = cfg.Logger()
	}
	store, err := mm.NewBlockStore(h, cfg.RangeBottom, cfg.RangeTop, log)
	if err != nil {
		return nil, err
	}
	return &Service{
		host:  h,
		store: store,
		files: files,
		cfg:   cfg,
		log:   log,
	}, nil
}

func (s *Service) Host() host.Host {
	return s.host
}

// SlotKind reports what backs the slot containing addr.
func (s *Service) SlotKind(addr uint64) (mm.Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Kind(addr)
}

// UnmapAll discards the whole guest address space, brk region included.
func (s *Service) UnmapAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brk = brkRegion{}
	return s.store.Reset()
}

func (s *Service) getFile(fd int) (filesystem.File, error) {
	if s.files == nil {
		return nil, fmt.Errorf("fd %d: %w", fd, fs.ErrNotExist)
	}
	return s.files.GetFile(fd)
}

func hex(v uint64) string {
	return fmt.Sprintf("%08x", v)
}
