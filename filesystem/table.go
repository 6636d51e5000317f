package filesystem

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

type fileRef struct {
	file  File
	count int64
}

// Table maps guest descriptors to open files. Duplicated descriptors share
// one reference-counted file that is closed with its last descriptor.
type Table struct {
	fd      int64
	fileRW  sync.RWMutex
	fileMap map[int]File
}

func NewTable() *Table {
	return &Table{
		fd: 2,
		fileMap: map[int]File{
			0: &fileRef{file: os.Stdin, count: 1},
			1: &fileRef{file: os.Stdout, count: 1},
			2: &fileRef{file: os.Stderr, count: 1},
		},
	}
}

func (t *Table) CreateFileDescriptor(file File) int {
	fd := int(atomic.AddInt64(&t.fd, 1))
	t.fileRW.Lock()
	t.fileMap[fd] = file
	t.fileRW.Unlock()
	return fd
}

func (t *Table) CloseFileDescriptor(fd int) error {
	t.fileRW.Lock()
	file, ok := t.fileMap[fd]
	if ok {
		delete(t.fileMap, fd)
	}
	t.fileRW.Unlock()
	if !ok {
		return fs.ErrNotExist
	}
	return file.Close()
}

// GetFile returns the file behind fd. Shared descriptors are unwrapped so
// callers can reach the file's own capabilities.
func (t *Table) GetFile(fd int) (File, error) {
	t.fileRW.RLock()
	defer t.fileRW.RUnlock()
	if file, ok := t.fileMap[fd]; ok {
		if ref, ok := file.(*fileRef); ok {
			return ref.file, nil
		}
		return file, nil
	}
	return nil, fs.ErrNotExist
}

func (t *Table) DupFile(fd int) (int, error) {
	t.fileRW.Lock()
	defer t.fileRW.Unlock()
	file, ok := t.fileMap[fd]
	if !ok {
		return -1, fs.ErrNotExist
	}
	ref := t.share(fd, file)
	newfd := int(atomic.AddInt64(&t.fd, 1))
	t.fileMap[newfd] = ref
	return newfd, nil
}

func (t *Table) Dup2File(oldfd, newfd int) error {
	if oldfd == newfd {
		return nil
	}
	t.fileRW.Lock()
	defer t.fileRW.Unlock()
	file, ok := t.fileMap[oldfd]
	if !ok {
		return fs.ErrNotExist
	}
	if old, ok := t.fileMap[newfd]; ok {
		old.Close()
	}
	t.fileMap[newfd] = t.share(oldfd, file)
	for {
		cur := atomic.LoadInt64(&t.fd)
		if int64(newfd) <= cur || atomic.CompareAndSwapInt64(&t.fd, cur, int64(newfd)) {
			break
		}
	}
	return nil
}

// Close releases every descriptor except the standard streams.
func (t *Table) Close() error {
	t.fileRW.Lock()
	defer t.fileRW.Unlock()
	var errs error
	for fd, file := range t.fileMap {
		if fd < 3 {
			continue
		}
		delete(t.fileMap, fd)
		errs = multierr.Append(errs, file.Close())
	}
	return errs
}

func (t *Table) share(fd int, file File) *fileRef {
	ref, ok := file.(*fileRef)
	if ok {
		atomic.AddInt64(&ref.count, 1)
	} else {
		ref = &fileRef{file: file, count: 2}
		t.fileMap[fd] = ref
	}
	return ref
}

func (f *fileRef) Close() error {
	i := atomic.AddInt64(&f.count, -1)
	if i > 0 {
		return nil
	} else if i < 0 {
		return fs.ErrClosed
	}
	return f.file.Close()
}

func (f *fileRef) Stat() (fs.FileInfo, error) {
	return f.file.Stat()
}

func (f *fileRef) ReadAt(b []byte, off int64) (int, error) {
	if r, ok := f.file.(io.ReaderAt); ok {
		return r.ReadAt(b, off)
	}
	return 0, errors.ErrUnsupported
}
