package mm

import "errors"

var (
	ErrOutOfRange      = errors.New("address out of range")
	ErrMisaligned      = errors.New("address misaligned")
	ErrNotMapped       = errors.New("block not mapped")
	ErrArgumentInvalid = errors.New("argument invalid")
)
