package mm

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/wnxd/guestmm/host"
	"github.com/wnxd/guestmm/internal/memop"
)

// BlockStore is the directory of every slot in the guest window. It is not
// safe for concurrent use; callers serialize access.
type BlockStore struct {
	host   host.Host
	log    logrus.FieldLogger
	bottom uint64
	top    uint64
	blocks []Block
}

func NewBlockStore(h host.Host, bottom, top uint64, log logrus.FieldLogger) (*BlockStore, error) {
	if !memop.Aligned(bottom, BlockSize) || !memop.Aligned(top, BlockSize) {
		return nil, ErrMisaligned
	} else if bottom >= top {
		return nil, ErrArgumentInvalid
	} else if g := h.Granularity(); g > BlockSize || BlockSize%g != 0 {
		return nil, fmt.Errorf("host granularity %#x: %w", g, ErrArgumentInvalid)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BlockStore{
		host:   h,
		log:    log,
		bottom: bottom,
		top:    top,
		blocks: make([]Block, (top-bottom)/BlockSize),
	}, nil
}

func (s *BlockStore) Bottom() uint64 {
	return s.bottom
}

func (s *BlockStore) Top() uint64 {
	return s.top
}

// Contains reports whether [addr, addr+length) lies inside the window.
func (s *BlockStore) Contains(addr, length uint64) bool {
	return addr >= s.bottom && addr < s.top && length <= s.top-addr
}

func (s *BlockStore) slot(addr uint64) (int, error) {
	if addr < s.bottom || addr >= s.top {
		s.log.WithField("addr", fmt.Sprintf("%08x", addr)).Debug("address outside guest window")
		return 0, fmt.Errorf("%08x: %w", addr, ErrOutOfRange)
	}
	return int((addr - s.bottom) / BlockSize), nil
}

func (s *BlockStore) addrOf(i int) uint64 {
	return s.bottom + uint64(i)*BlockSize
}

// GetBlock returns the block covering addr, or nil for an empty slot.
func (s *BlockStore) GetBlock(addr uint64) (Block, error) {
	i, err := s.slot(addr)
	if err != nil {
		return nil, err
	}
	return s.blocks[i], nil
}

func (s *BlockStore) Kind(addr uint64) (Kind, error) {
	b, err := s.GetBlock(addr)
	if err != nil {
		return KindEmpty, err
	}
	return kindOf(b), nil
}

// clear empties slot i, releasing its previous block.
func (s *BlockStore) clear(i int) error {
	b := s.blocks[i]
	if b == nil {
		return nil
	}
	s.blocks[i] = nil
	if err := b.release(); err != nil {
		return fmt.Errorf("release block %08x: %w", b.Address(), err)
	}
	return nil
}

// Map replaces every slot of [addr, addr+length) with a direct host mapping
// of src at offset. Either all slots are mapped or none are.
func (s *BlockStore) Map(addr, length uint64, src host.Source, offset uint64, shared, writable, executable bool) (err error) {
	if !memop.Aligned(addr, BlockSize) || !memop.Aligned(offset, BlockSize) {
		return ErrMisaligned
	} else if length == 0 {
		return nil
	} else if !s.Contains(addr, length) {
		return fmt.Errorf("%08x+%08x: %w", addr, length, ErrOutOfRange)
	}
	txn := s.begin()
	defer txn.rollback(&err)
	for i := uint64(0); i < length; i += BlockSize {
		idx, _ := s.slot(addr + i)
		if err := s.clear(idx); err != nil {
			return err
		}
		b, err := newMappedBlock(s.host, addr+i, src, offset+i, min(length-i, BlockSize), shared, writable, executable)
		if err != nil {
			return err
		}
		s.blocks[idx] = b
		txn.record(idx)
	}
	txn.commit()
	return nil
}

// GetPageMap returns the usage bitmap of the fragmented block at addr,
// creating one for an empty slot and demoting a mapped one.
func (s *BlockStore) GetPageMap(addr uint64) (*PageMap, error) {
	if !memop.Aligned(addr, BlockSize) {
		return nil, ErrMisaligned
	}
	i, err := s.slot(addr)
	if err != nil {
		return nil, err
	}
	switch b := s.blocks[i].(type) {
	case *FragmentedBlock:
		return &b.pages, nil
	case *MappedBlock:
		fb, err := s.demote(i, b)
		if err != nil {
			return nil, err
		}
		return &fb.pages, nil
	default:
		fb, err := newFragmentedBlock(s.host, addr)
		if err != nil {
			return nil, err
		}
		s.blocks[i] = fb
		return &fb.pages, nil
	}
}

// demote turns a mapped slot into a fragmented one with the same contents.
// Only the pages the mapping covered are marked in use.
func (s *BlockStore) demote(i int, mb *MappedBlock) (*FragmentedBlock, error) {
	addr := mb.Address()
	s.log.WithField("addr", fmt.Sprintf("%08x", addr)).Info("demoting mapped block")
	data, err := s.host.MemRead(addr, memop.Align(mb.Length(), PageSize))
	if err != nil {
		return nil, fmt.Errorf("demote block %08x: %w", addr, err)
	}
	if err := s.clear(i); err != nil {
		return nil, err
	}
	fb, err := newFragmentedBlock(s.host, addr)
	if err != nil {
		return nil, err
	}
	if err := s.host.MemWrite(addr, data); err != nil {
		fb.release()
		return nil, fmt.Errorf("demote block %08x: %w", addr, err)
	}
	for page := 0; page < int(memop.Align(mb.Length(), PageSize)/PageSize); page++ {
		fb.pages.Set(page)
	}
	s.blocks[i] = fb
	return fb, nil
}

// Demote converts the slot at addr into a fragmented block if it is
// currently mapped. Empty and fragmented slots are left untouched.
func (s *BlockStore) Demote(addr uint64) error {
	b, err := s.GetBlock(memop.AlignDown(addr, BlockSize))
	if err != nil {
		return err
	}
	if _, ok := b.(*MappedBlock); !ok {
		return nil
	}
	_, err = s.GetPageMap(b.Address())
	return err
}

func (s *BlockStore) UnmapBlock(addr uint64) error {
	if !memop.Aligned(addr, BlockSize) {
		return ErrMisaligned
	}
	i, err := s.slot(addr)
	if err != nil {
		return err
	}
	if s.blocks[i] == nil {
		return fmt.Errorf("%08x: %w", addr, ErrNotMapped)
	}
	return s.clear(i)
}

// Unmap empties every slot of [addr, addr+length); empty slots are skipped.
func (s *BlockStore) Unmap(addr, length uint64) error {
	if !memop.Aligned(addr, BlockSize) || !memop.Aligned(length, BlockSize) {
		return ErrMisaligned
	} else if length == 0 {
		return nil
	} else if !s.Contains(addr, length) {
		return fmt.Errorf("%08x+%08x: %w", addr, length, ErrOutOfRange)
	}
	var errs error
	for i := uint64(0); i < length; i += BlockSize {
		idx, _ := s.slot(addr + i)
		errs = multierr.Append(errs, s.clear(idx))
	}
	return errs
}

func (s *BlockStore) UsePage(addr uint64) error {
	if !memop.Aligned(addr, PageSize) {
		return ErrMisaligned
	}
	pm, err := s.GetPageMap(memop.AlignDown(addr, BlockSize))
	if err != nil {
		return err
	}
	pm.Set(pageIndex(addr))
	return nil
}

// UnusePage drops addr's page; the slot is unmapped once no page is left.
func (s *BlockStore) UnusePage(addr uint64) error {
	if !memop.Aligned(addr, PageSize) {
		return ErrMisaligned
	}
	base := memop.AlignDown(addr, BlockSize)
	b, err := s.GetBlock(base)
	if err != nil {
		return err
	} else if b == nil {
		return nil
	}
	pm, err := s.GetPageMap(base)
	if err != nil {
		return err
	}
	pm.Clear(pageIndex(addr))
	if pm.None() {
		s.log.WithField("addr", fmt.Sprintf("%08x", base)).Debug("last page released, unmapping block")
		return s.UnmapBlock(base)
	}
	return nil
}

// Sync flushes the block at addr to its backing store, if it has one.
func (s *BlockStore) Sync(addr uint64, flags host.SyncFlag) error {
	b, err := s.GetBlock(memop.AlignDown(addr, BlockSize))
	if err != nil || b == nil {
		return err
	}
	return b.Sync(flags)
}

// Reset empties the whole window.
func (s *BlockStore) Reset() error {
	var errs error
	for i, b := range s.blocks {
		if b != nil {
			errs = multierr.Append(errs, s.clear(i))
		}
	}
	return errs
}

func pageIndex(addr uint64) int {
	return int(memop.Offset(addr, BlockSize) / PageSize)
}
