// Package abi holds the guest's view of the memory system calls: flag bits,
// argument layouts and errno values, bit-for-bit as i386 Linux defines them.
package abi

type Prot uint32

const (
	PROT_NONE  Prot = 0x0
	PROT_READ  Prot = 0x1
	PROT_WRITE Prot = 0x2
	PROT_EXEC  Prot = 0x4
	PROT_SEM   Prot = 0x8
)

type MapFlag uint32

const (
	MAP_SHARED    MapFlag = 0x01
	MAP_PRIVATE   MapFlag = 0x02
	MAP_TYPE      MapFlag = 0x0f
	MAP_FIXED     MapFlag = 0x10
	MAP_ANONYMOUS MapFlag = 0x20
)

type SyncFlag uint32

const (
	MS_ASYNC      SyncFlag = 0x1
	MS_INVALIDATE SyncFlag = 0x2
	MS_SYNC       SyncFlag = 0x4
)

// MmapArgStruct is the argument block of the old-style mmap call, which
// passes a pointer to it instead of six registers.
type MmapArgStruct struct {
	Addr   uint32
	Len    uint32
	Prot   uint32
	Flags  uint32
	Fd     int32
	Offset uint32
}

// PointerSize is the width of a guest pointer in bytes.
const PointerSize = 4

const Mmap2PageShift = 12
