package host

import "io"

// Host is the native mapping primitive the emulation layer is built on.
// Addresses and file offsets handed to MemMap and MemUnmap must be multiples
// of Granularity; lengths are rounded up to the native page size.
type Host interface {
	Granularity() uint64
	MemMap(addr, size uint64, prot MemProt, flags MapFlag, src Source, offset uint64) (uint64, error)
	MemUnmap(addr, size uint64) error
	MemSync(addr, size uint64, flags SyncFlag) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}

// Source is the file side of a file-backed host mapping.
type Source interface {
	io.ReaderAt
	Fd() uintptr
}
