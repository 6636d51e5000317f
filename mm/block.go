package mm

import (
	"fmt"

	"github.com/wnxd/guestmm/host"
)

// Block owns the host backing of one BlockSize slot. The only
// implementations are *MappedBlock and *FragmentedBlock.
type Block interface {
	Address() uint64
	Length() uint64
	Sync(flags host.SyncFlag) error
	release() error
}

type Kind int

const (
	KindEmpty Kind = iota
	KindMapped
	KindFragmented
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindMapped:
		return "mapped"
	case KindFragmented:
		return "fragmented"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func kindOf(b Block) Kind {
	switch b.(type) {
	case *MappedBlock:
		return KindMapped
	case *FragmentedBlock:
		return KindFragmented
	}
	return KindEmpty
}

// MappedBlock is a slot backed directly by one host mapping of a file or
// shared memory. Its contents are whatever the host mapping shows.
type MappedBlock struct {
	host     host.Host
	addr     uint64
	length   uint64
	writable bool
}

func newMappedBlock(h host.Host, addr uint64, src host.Source, offset, length uint64, shared, writable, executable bool) (*MappedBlock, error) {
	flags := host.MAP_FIXED
	if shared {
		flags |= host.MAP_SHARED
	} else {
		flags |= host.MAP_PRIVATE
	}
	prot := host.MEM_PROT_READ
	if writable {
		prot |= host.MEM_PROT_WRITE
	}
	if executable {
		prot |= host.MEM_PROT_EXEC
	}
	result, err := h.MemMap(addr, length, prot, flags, src, offset)
	if err != nil {
		return nil, fmt.Errorf("map block %08x: %w", addr, err)
	} else if result != addr {
		h.MemUnmap(result, length)
		return nil, fmt.Errorf("map block %08x: host placed it at %08x", addr, result)
	}
	return &MappedBlock{host: h, addr: addr, length: length, writable: writable}, nil
}

func (mb *MappedBlock) Address() uint64 {
	return mb.addr
}

func (mb *MappedBlock) Length() uint64 {
	return mb.length
}

func (mb *MappedBlock) Writable() bool {
	return mb.writable
}

func (mb *MappedBlock) Sync(flags host.SyncFlag) error {
	if !mb.writable {
		return nil
	}
	return mb.host.MemSync(mb.addr, mb.length, flags)
}

func (mb *MappedBlock) release() error {
	return mb.host.MemUnmap(mb.addr, BlockSize)
}

// FragmentedBlock is a slot backed by private anonymous memory that the
// emulator fills page by page.
type FragmentedBlock struct {
	host  host.Host
	addr  uint64
	pages PageMap
}

func newFragmentedBlock(h host.Host, addr uint64) (*FragmentedBlock, error) {
	result, err := h.MemMap(addr, BlockSize, host.MEM_PROT_ALL, host.MAP_FIXED|host.MAP_PRIVATE|host.MAP_ANONYMOUS, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("fragment block %08x: %w", addr, err)
	} else if result != addr {
		h.MemUnmap(result, BlockSize)
		return nil, fmt.Errorf("fragment block %08x: host placed it at %08x", addr, result)
	}
	return &FragmentedBlock{host: h, addr: addr}, nil
}

func (fb *FragmentedBlock) Address() uint64 {
	return fb.addr
}

func (fb *FragmentedBlock) Length() uint64 {
	return BlockSize
}

func (fb *FragmentedBlock) Pages() PageMap {
	return fb.pages
}

func (fb *FragmentedBlock) Sync(host.SyncFlag) error {
	return nil
}

func (fb *FragmentedBlock) release() error {
	return fb.host.MemUnmap(fb.addr, BlockSize)
}
