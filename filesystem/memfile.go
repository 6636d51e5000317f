package filesystem

import (
	"io"
	"io/fs"
	"sync"
	"time"
)

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

// MemFile is a file held in process memory. It has no host descriptor, so
// mapping it always loads its contents.
type MemFile struct {
	mu      sync.RWMutex
	name    string
	modTime time.Time
	data    []byte
}

func NewMemFile(name string, data []byte) *MemFile {
	return &MemFile{name: name, modTime: time.Now(), data: data}
}

func (f *MemFile) Close() error {
	return nil
}

func (f *MemFile) Stat() (fs.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fileInfo{name: f.name, size: int64(len(f.data)), mode: 0o444, modTime: f.modTime}, nil
}

func (f *MemFile) ReadAt(b []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off < 0 {
		return 0, fs.ErrInvalid
	} else if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return fi.size
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.mode
}

func (fi *fileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi *fileInfo) IsDir() bool {
	return fi.mode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return nil
}
