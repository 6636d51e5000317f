package encoding

import (
	"io"
	"unsafe"

	"github.com/modern-go/reflect2"
)

type fieldData struct {
	handler *handler
	pad     int
	offset  uintptr
}

func buildArray(typ reflect2.ArrayType, bs int) (*handler, error) {
	elem, err := getHandler(typ.Elem(), bs)
	if err != nil {
		return nil, err
	}
	count := typ.Len()
	return &handler{
		size:  elem.size * count,
		align: elem.align,
		decode: func(r io.Reader, ptr unsafe.Pointer) error {
			for i := 0; i < count; i++ {
				if err := elem.decode(r, typ.UnsafeGetIndex(ptr, i)); err != nil {
					return err
				}
			}
			return nil
		},
		encode: func(w io.Writer, ptr unsafe.Pointer) error {
			for i := 0; i < count; i++ {
				if err := elem.encode(w, typ.UnsafeGetIndex(ptr, i)); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func buildStruct(typ reflect2.StructType, bs int) (*handler, error) {
	count := typ.NumField()
	fields := make([]fieldData, 0, count)
	offset, maxAlign := 0, 1
	for i := 0; i < count; i++ {
		field := typ.Field(i)
		if field.Tag().Get("encoding") == "ignore" {
			continue
		}
		h, err := getHandler(field.Type(), bs)
		if err != nil {
			return nil, err
		}
		start := alignUp(offset, h.align)
		fields = append(fields, fieldData{h, start - offset, field.Offset()})
		offset = start + h.size
		maxAlign = max(maxAlign, h.align)
	}
	size := alignUp(offset, maxAlign)
	tail := size - offset
	return &handler{
		size:  size,
		align: maxAlign,
		decode: func(r io.Reader, ptr unsafe.Pointer) error {
			for _, data := range fields {
				if err := skip(r, data.pad); err != nil {
					return err
				}
				if err := data.handler.decode(r, unsafe.Add(ptr, data.offset)); err != nil {
					return err
				}
			}
			return skip(r, tail)
		},
		encode: func(w io.Writer, ptr unsafe.Pointer) error {
			for _, data := range fields {
				if err := pad(w, data.pad); err != nil {
					return err
				}
				if err := data.handler.encode(w, unsafe.Add(ptr, data.offset)); err != nil {
					return err
				}
			}
			return pad(w, tail)
		},
	}, nil
}
