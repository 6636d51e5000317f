package host

import (
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/google/btree"
)

type simPage struct {
	addr   uint64
	data   []byte
	prot   MemProt
	shared bool
	src    Source
	offset int64
	valid  int
}

// Sim is an in-process host that imposes the same restrictions as the
// coarse-grained target: mappings and unmappings must start on a Granularity
// boundary, while lengths are native pages. Non-fixed mappings are placed
// inside [lo, hi).
type Sim struct {
	mu          sync.Mutex
	granularity uint64
	lo, hi      uint64
	pages       *btree.BTreeG[*simPage]
	calls       int
}

func lessPage(a, b *simPage) bool {
	return a.addr < b.addr
}

func NewSim(granularity, lo, hi uint64) (*Sim, error) {
	if granularity < NativePageSize || granularity&(granularity-1) != 0 {
		return nil, ErrGranularityInvalid
	}
	if lo%granularity != 0 || hi%granularity != 0 || lo >= hi {
		return nil, ErrArenaInvalid
	}
	return &Sim{
		granularity: granularity,
		lo:          lo,
		hi:          hi,
		pages:       btree.NewG(8, lessPage),
	}, nil
}

func (s *Sim) Granularity() uint64 {
	return s.granularity
}

// Calls reports how many mapping, unmapping and sync requests reached the host.
func (s *Sim) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Sim) MemMap(addr, size uint64, prot MemProt, flags MapFlag, src Source, offset uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if size == 0 || offset%s.granularity != 0 {
		return 0, syscall.EINVAL
	}
	anonymous := flags&MAP_ANONYMOUS != 0
	if !anonymous && src == nil {
		return 0, syscall.EBADF
	}
	size = pageAlign(size)
	if flags&MAP_FIXED != 0 {
		if addr%s.granularity != 0 {
			return 0, syscall.EINVAL
		}
	} else {
		var ok bool
		addr, ok = s.findFree(addr, size)
		if !ok {
			return 0, syscall.ENOMEM
		}
	}
	pages := make([]*simPage, 0, size/NativePageSize)
	for i := uint64(0); i < size; i += NativePageSize {
		page := &simPage{
			addr:   addr + i,
			data:   make([]byte, NativePageSize),
			prot:   prot,
			shared: flags&MAP_SHARED != 0,
		}
		if !anonymous {
			page.src = src
			page.offset = int64(offset + i)
			n, err := src.ReadAt(page.data, page.offset)
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, syscall.EIO
			}
			page.valid = n
		}
		pages = append(pages, page)
	}
	s.remove(addr, size)
	for _, page := range pages {
		s.pages.ReplaceOrInsert(page)
	}
	return addr, nil
}

func (s *Sim) MemUnmap(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if size == 0 || addr%s.granularity != 0 {
		return syscall.EINVAL
	}
	s.remove(addr, pageAlign(size))
	return nil
}

func (s *Sim) MemSync(addr, size uint64, flags SyncFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if addr%NativePageSize != 0 {
		return syscall.EINVAL
	}
	pages, ok := s.lookup(addr, pageAlign(size))
	if !ok {
		return syscall.ENOMEM
	}
	for _, page := range pages {
		if !page.shared || page.src == nil || page.prot&MEM_PROT_WRITE == 0 || page.valid == 0 {
			continue
		}
		w, ok := page.src.(io.WriterAt)
		if !ok {
			continue
		}
		if _, err := w.WriteAt(page.data[:page.valid], page.offset); err != nil {
			var errno syscall.Errno
			if errors.As(err, &errno) {
				return errno
			}
			return syscall.EIO
		}
	}
	return nil
}

func (s *Sim) MemRead(addr, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, size)
	err := s.access(addr, size, func(page *simPage, off, n uint64, pos uint64) error {
		copy(data[pos:pos+n], page.data[off:off+n])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Sim) MemWrite(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.access(addr, uint64(len(data)), func(page *simPage, _, _, _ uint64) error {
		if page.prot&MEM_PROT_WRITE == 0 {
			return syscall.EFAULT
		}
		return nil
	}); err != nil {
		return err
	}
	return s.access(addr, uint64(len(data)), func(page *simPage, off, n uint64, pos uint64) error {
		copy(page.data[off:off+n], data[pos:pos+n])
		return nil
	})
}

// MemRegions returns the mapped ranges in address order, merging adjacent
// pages that share protection and sharing mode.
func (s *Sim) MemRegions() []MemRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	var regions []MemRegion
	s.pages.Ascend(func(page *simPage) bool {
		if n := len(regions); n > 0 {
			last := &regions[n-1]
			if last.End() == page.addr && last.Prot == page.prot && last.Shared == page.shared {
				last.Size += NativePageSize
				return true
			}
		}
		regions = append(regions, MemRegion{Addr: page.addr, Size: NativePageSize, Prot: page.prot, Shared: page.shared})
		return true
	})
	return regions
}

func (s *Sim) access(addr, size uint64, fn func(page *simPage, off, n, pos uint64) error) error {
	for pos := uint64(0); pos < size; {
		cur := addr + pos
		page, ok := s.pages.Get(&simPage{addr: cur &^ (NativePageSize - 1)})
		if !ok {
			return syscall.EFAULT
		}
		off := cur - page.addr
		n := min(NativePageSize-off, size-pos)
		if err := fn(page, off, n, pos); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (s *Sim) lookup(addr, size uint64) ([]*simPage, bool) {
	var pages []*simPage
	s.pages.AscendRange(&simPage{addr: addr}, &simPage{addr: addr + size}, func(page *simPage) bool {
		pages = append(pages, page)
		return true
	})
	return pages, uint64(len(pages))*NativePageSize == size
}

func (s *Sim) remove(addr, size uint64) {
	pages, _ := s.lookup(addr, size)
	for _, page := range pages {
		s.pages.Delete(page)
	}
}

func (s *Sim) findFree(hint, size uint64) (uint64, bool) {
	size = (size + s.granularity - 1) &^ (s.granularity - 1)
	if hint != 0 {
		hint &^= s.granularity - 1
		if hint >= s.lo && hint+size <= s.hi && s.isFree(hint, size) {
			return hint, true
		}
	}
	for addr := s.lo; addr+size <= s.hi; {
		var next *simPage
		s.pages.AscendGreaterOrEqual(&simPage{addr: addr}, func(page *simPage) bool {
			next = page
			return false
		})
		if next == nil || next.addr >= addr+size {
			return addr, true
		}
		addr = (next.addr + NativePageSize + s.granularity - 1) &^ (s.granularity - 1)
	}
	return 0, false
}

func (s *Sim) isFree(addr, size uint64) bool {
	free := true
	s.pages.AscendRange(&simPage{addr: addr}, &simPage{addr: addr + size}, func(*simPage) bool {
		free = false
		return false
	})
	return free
}
