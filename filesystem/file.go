package filesystem

import (
	"io"
	"io/fs"
)

type File interface {
	Close() error
	Stat() (fs.FileInfo, error)
}

type ReadFile interface {
	File
	Read(b []byte) (n int, err error)
}

type WriteFile interface {
	File
	Write(b []byte) (n int, err error)
}

// ReadAtFile can be loaded page by page.
type ReadAtFile interface {
	File
	io.ReaderAt
}

// MappableFile is backed by a host descriptor and can be mapped directly.
// *os.File satisfies it.
type MappableFile interface {
	ReadAtFile
	Fd() uintptr
}

func Size(f File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
