package host

const NativePageSize = 0x1000

type MemProt int

const (
	MEM_PROT_NONE MemProt = 0
	MEM_PROT_READ MemProt = 1 << (iota - 1)
	MEM_PROT_WRITE
	MEM_PROT_EXEC

	MEM_PROT_ALL = MEM_PROT_READ | MEM_PROT_WRITE | MEM_PROT_EXEC
)

type MapFlag int

const (
	MAP_PRIVATE MapFlag = 0
	MAP_SHARED  MapFlag = 1 << (iota - 1)
	MAP_FIXED
	MAP_ANONYMOUS
)

type SyncFlag int

const (
	SYNC_ASYNC SyncFlag = 1 << iota
	SYNC_INVALIDATE
	SYNC_SYNC
)

type MemRegion struct {
	Addr, Size uint64
	Prot       MemProt
	Shared     bool
}

func (r MemRegion) End() uint64 {
	return r.Addr + r.Size
}

func pageAlign(size uint64) uint64 {
	return (size + NativePageSize - 1) &^ (NativePageSize - 1)
}
