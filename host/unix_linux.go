//go:build linux

package host

import (
	"os"
	"runtime/debug"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Unix maps directly into the calling process. It refuses requests that are
// not aligned to its granularity so that a fine-grained Linux host can stand
// in for a coarse-grained one.
type Unix struct {
	granularity uint64
}

func NewUnix(granularity uint64) (*Unix, error) {
	if granularity == 0 {
		granularity = uint64(os.Getpagesize())
	}
	if granularity < NativePageSize || granularity&(granularity-1) != 0 {
		return nil, ErrGranularityInvalid
	}
	return &Unix{granularity: granularity}, nil
}

func (u *Unix) Granularity() uint64 {
	return u.granularity
}

func (u *Unix) MemMap(addr, size uint64, prot MemProt, flags MapFlag, src Source, offset uint64) (uint64, error) {
	if size == 0 || offset%u.granularity != 0 {
		return 0, syscall.EINVAL
	}
	fd := -1
	sysFlags := unix.MAP_PRIVATE
	if flags&MAP_SHARED != 0 {
		sysFlags = unix.MAP_SHARED
	}
	if flags&MAP_ANONYMOUS != 0 {
		sysFlags |= unix.MAP_ANONYMOUS
	} else if src != nil {
		fd = int(src.Fd())
	} else {
		return 0, syscall.EBADF
	}
	if flags&MAP_FIXED != 0 {
		if addr%u.granularity != 0 {
			return 0, syscall.EINVAL
		}
		sysFlags |= unix.MAP_FIXED
	}
	reserved := false
	if sysFlags&unix.MAP_FIXED == 0 && u.granularity > uint64(os.Getpagesize()) {
		var err error
		if addr, err = u.reserve(size); err != nil {
			return 0, err
		}
		reserved = true
		sysFlags |= unix.MAP_FIXED
	}
	ret, err := unix.MmapPtr(fd, int64(offset), hostPtr(addr), uintptr(size), sysProt(prot), sysFlags)
	if err != nil {
		if reserved {
			unix.MunmapPtr(hostPtr(addr), uintptr(size))
		}
		return 0, err
	}
	return uint64(uintptr(ret)), nil
}

// reserve finds a granularity-aligned hole of size bytes by over-allocating
// and trimming both ends.
func (u *Unix) reserve(size uint64) (uint64, error) {
	size = pageAlign(size)
	total := size + u.granularity
	ret, err := unix.MmapPtr(-1, 0, nil, uintptr(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, err
	}
	start := uint64(uintptr(ret))
	aligned := (start + u.granularity - 1) &^ (u.granularity - 1)
	if head := aligned - start; head > 0 {
		unix.MunmapPtr(hostPtr(start), uintptr(head))
	}
	if tail := start + total - (aligned + size); tail > 0 {
		unix.MunmapPtr(hostPtr(aligned+size), uintptr(tail))
	}
	return aligned, nil
}

func (u *Unix) MemUnmap(addr, size uint64) error {
	if size == 0 || addr%u.granularity != 0 {
		return syscall.EINVAL
	}
	return unix.MunmapPtr(hostPtr(addr), uintptr(size))
}

func (u *Unix) MemSync(addr, size uint64, flags SyncFlag) error {
	var sysFlags int
	if flags&SYNC_ASYNC != 0 {
		sysFlags |= unix.MS_ASYNC
	}
	if flags&SYNC_INVALIDATE != 0 {
		sysFlags |= unix.MS_INVALIDATE
	}
	if flags&SYNC_SYNC != 0 {
		sysFlags |= unix.MS_SYNC
	}
	return unix.Msync(hostSlice(addr, size), sysFlags)
}

func (u *Unix) MemRead(addr, size uint64) (data []byte, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if recover() != nil {
			data, err = nil, syscall.EFAULT
		}
	}()
	data = make([]byte, size)
	copy(data, hostSlice(addr, size))
	return data, nil
}

func (u *Unix) MemWrite(addr uint64, data []byte) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if recover() != nil {
			err = syscall.EFAULT
		}
	}()
	copy(hostSlice(addr, uint64(len(data))), data)
	return nil
}

func sysProt(prot MemProt) int {
	var p int
	if prot&MEM_PROT_READ != 0 {
		p |= unix.PROT_READ
	}
	if prot&MEM_PROT_WRITE != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&MEM_PROT_EXEC != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

func hostPtr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func hostSlice(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(hostPtr(addr)), size)
}
