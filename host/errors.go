package host

import "errors"

var (
	ErrGranularityInvalid = errors.New("granularity invalid")
	ErrArenaInvalid       = errors.New("arena invalid")
)
