// Package encoding moves fixed-layout guest structures in and out of byte
// streams. Fields are laid out the way the guest compiler would: naturally
// aligned, but never aligned past the guest word size, with int, uint and
// uintptr taking exactly one guest word.
package encoding

import (
	"errors"
	"io"
	"reflect"
	"sync"
	"unsafe"

	"github.com/modern-go/reflect2"
)

var (
	ErrTypeUnsupported = errors.New("type unsupported")
	ErrNotPointer      = errors.New("decode target is not a pointer")
)

type handler struct {
	size   int
	align  int
	decode func(io.Reader, unsafe.Pointer) error
	encode func(io.Writer, unsafe.Pointer) error
}

var handlers sync.Map

// Size reports how many bytes val occupies in the guest with word size bs.
func Size(bs int, val any) (int, error) {
	typ := elemType(reflect2.TypeOf(val))
	h, err := getHandler(typ, bs)
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// Decode fills the value val points to from r.
func Decode(r io.Reader, bs int, val any) error {
	typ := reflect2.TypeOf(val)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return ErrNotPointer
	}
	ptr := reflect2.PtrOf(val)
	if ptr == nil {
		return ErrNotPointer
	}
	h, err := getHandler(elemType(typ), bs)
	if err != nil {
		return err
	}
	return h.decode(r, ptr)
}

// Encode writes val, or the value it points to, to w.
func Encode(w io.Writer, bs int, val any) error {
	typ := reflect2.TypeOf(val)
	if typ == nil {
		return ErrTypeUnsupported
	}
	ptr := reflect2.PtrOf(val)
	if typ.Kind() == reflect.Pointer && ptr == nil {
		return ErrNotPointer
	}
	h, err := getHandler(elemType(typ), bs)
	if err != nil {
		return err
	}
	return h.encode(w, ptr)
}

func elemType(typ reflect2.Type) reflect2.Type {
	if typ != nil && typ.Kind() == reflect.Pointer {
		return typ.(reflect2.PtrType).Elem()
	}
	return typ
}

func getHandler(typ reflect2.Type, bs int) (*handler, error) {
	if typ == nil {
		return nil, ErrTypeUnsupported
	}
	if bs != 4 && bs != 8 {
		return nil, ErrTypeUnsupported
	}
	key := [2]uintptr{uintptr(bs), typ.RType()}
	if v, ok := handlers.Load(key); ok {
		return v.(*handler), nil
	}
	h, err := build(typ, bs)
	if err != nil {
		return nil, err
	}
	handlers.Store(key, h)
	return h, nil
}

func build(typ reflect2.Type, bs int) (*handler, error) {
	switch typ.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return buildFixed(int(typ.Type1().Size()), bs), nil
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return buildWord(int(typ.Type1().Size()), bs), nil
	case reflect.Array:
		return buildArray(typ.(reflect2.ArrayType), bs)
	case reflect.Struct:
		return buildStruct(typ.(reflect2.StructType), bs)
	}
	return nil, ErrTypeUnsupported
}

func buildFixed(size, bs int) *handler {
	return &handler{
		size:  size,
		align: min(size, bs),
		decode: func(r io.Reader, ptr unsafe.Pointer) error {
			_, err := io.ReadFull(r, unsafe.Slice((*byte)(ptr), size))
			return err
		},
		encode: func(w io.Writer, ptr unsafe.Pointer) error {
			_, err := w.Write(unsafe.Slice((*byte)(ptr), size))
			return err
		},
	}
}

func buildWord(size, bs int) *handler {
	return &handler{
		size:  bs,
		align: bs,
		decode: func(r io.Reader, ptr unsafe.Pointer) error {
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:bs]); err != nil {
				return err
			}
			copy(unsafe.Slice((*byte)(ptr), size), buf[:size])
			return nil
		},
		encode: func(w io.Writer, ptr unsafe.Pointer) error {
			var buf [8]byte
			copy(buf[:size], unsafe.Slice((*byte)(ptr), size))
			_, err := w.Write(buf[:bs])
			return err
		},
	}
}

func alignUp(a, b int) int {
	return (a + b - 1) &^ (b - 1)
}

func skip(r io.Reader, n int) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

var padNull [8]byte

func pad(w io.Writer, n int) error {
	if n == 0 {
		return nil
	}
	_, err := w.Write(padNull[:n])
	return err
}
