package abi

import (
	"errors"
	"io/fs"
	"strconv"
	"syscall"

	"github.com/wnxd/guestmm/mm"
)

type Errno int32

const (
	EPERM     Errno = 1
	ENOENT    Errno = 2
	EIO       Errno = 5
	EBADF     Errno = 9
	EAGAIN    Errno = 11
	ENOMEM    Errno = 12
	EACCES    Errno = 13
	EFAULT    Errno = 14
	EBUSY     Errno = 16
	EEXIST    Errno = 17
	ENODEV    Errno = 19
	EINVAL    Errno = 22
	ENFILE    Errno = 23
	EMFILE    Errno = 24
	ETXTBSY   Errno = 26
	EFBIG     Errno = 27
	ENOSPC    Errno = 28
	ENOSYS    Errno = 38
	EOVERFLOW Errno = 75
)

var hostErrno = map[syscall.Errno]Errno{
	syscall.EPERM:     EPERM,
	syscall.ENOENT:    ENOENT,
	syscall.EIO:       EIO,
	syscall.EBADF:     EBADF,
	syscall.EAGAIN:    EAGAIN,
	syscall.ENOMEM:    ENOMEM,
	syscall.EACCES:    EACCES,
	syscall.EFAULT:    EFAULT,
	syscall.EBUSY:     EBUSY,
	syscall.EEXIST:    EEXIST,
	syscall.ENODEV:    ENODEV,
	syscall.EINVAL:    EINVAL,
	syscall.ENFILE:    ENFILE,
	syscall.EMFILE:    EMFILE,
	syscall.ETXTBSY:   ETXTBSY,
	syscall.EFBIG:     EFBIG,
	syscall.ENOSPC:    ENOSPC,
	syscall.ENOSYS:    ENOSYS,
	syscall.EOVERFLOW: EOVERFLOW,
}

// ErrnoOf maps an error from the memory layer to the errno the guest sees.
// A nil error maps to 0.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	var guest Errno
	if errors.As(err, &guest) {
		return guest
	}
	switch {
	case errors.Is(err, mm.ErrMisaligned), errors.Is(err, mm.ErrOutOfRange), errors.Is(err, mm.ErrArgumentInvalid):
		return EINVAL
	case errors.Is(err, mm.ErrNotMapped):
		return ENOMEM
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if e, ok := hostErrno[errno]; ok {
			return e
		}
		return EIO
	}
	if errors.Is(err, fs.ErrNotExist) {
		return EBADF
	}
	return EIO
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "errno " + strconv.Itoa(int(e))
}

var errnoNames = map[Errno]string{
	EPERM:     "operation not permitted",
	ENOENT:    "no such file or directory",
	EIO:       "input/output error",
	EBADF:     "bad file descriptor",
	EAGAIN:    "resource temporarily unavailable",
	ENOMEM:    "cannot allocate memory",
	EACCES:    "permission denied",
	EFAULT:    "bad address",
	EBUSY:     "device or resource busy",
	EEXIST:    "file exists",
	ENODEV:    "no such device",
	EINVAL:    "invalid argument",
	ENFILE:    "too many open files in system",
	EMFILE:    "too many open files",
	ETXTBSY:   "text file busy",
	EFBIG:     "file too large",
	ENOSPC:    "no space left on device",
	ENOSYS:    "function not implemented",
	EOVERFLOW: "value too large for defined data type",
}

// Result packs a system call outcome into the guest return register:
// the value on success, the negated errno on failure.
func Result(value uint32, err error) uint32 {
	if err != nil {
		return uint32(-int32(ErrnoOf(err)))
	}
	return value
}
