package host

import (
	"io"
	"slices"
)

type Pointer struct {
	host Host
	addr uint64
}

func ToPointer(h Host, addr uint64) Pointer {
	return Pointer{h, addr}
}

func (p Pointer) IsNil() bool {
	return p.addr == 0
}

func (p Pointer) Address() uint64 {
	return p.addr
}

func (p Pointer) Add(offset uint64) Pointer {
	return Pointer{p.host, p.addr + offset}
}

func (p Pointer) Sub(offset uint64) Pointer {
	return Pointer{p.host, p.addr - offset}
}

func (p Pointer) MemRead(size uint64) ([]byte, error) {
	return p.host.MemRead(p.addr, size)
}

func (p Pointer) MemWrite(data []byte) error {
	return p.host.MemWrite(p.addr, data)
}

func (p Pointer) MemReadString() (string, error) {
	var data []byte
	const size = 0x10
	for begin := p.addr; ; begin += size {
		buf, err := p.host.MemRead(begin, size)
		if err != nil {
			return "", err
		}
		i := slices.Index(buf, 0)
		if i == -1 {
			data = append(data, buf...)
		} else {
			data = append(data, buf[:i]...)
			break
		}
	}
	return string(data), nil
}

func (p Pointer) ReadAt(b []byte, off int64) (n int, err error) {
	data, err := p.host.MemRead(p.addr+uint64(off), uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func (p Pointer) WriteAt(b []byte, off int64) (n int, err error) {
	err = p.host.MemWrite(p.addr+uint64(off), b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Section returns a reader over size bytes of host memory starting at p.
func (p Pointer) Section(size uint64) *io.SectionReader {
	return io.NewSectionReader(p, 0, int64(size))
}
