// Package config holds the tunables of the memory layer. A zero Config is
// not valid; start from Default and overlay a TOML file with Load.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/wnxd/guestmm/internal/memop"
	"github.com/wnxd/guestmm/mm"
)

var (
	ErrRangeInvalid   = errors.New("guest window invalid")
	ErrBrkSizeInvalid = errors.New("brk size invalid")
	ErrKeyUnknown     = errors.New("unknown configuration key")
)

type Config struct {
	// RangeBottom and RangeTop bound the guest window; both are slot aligned.
	RangeBottom uint64 `toml:"range_bottom"`
	RangeTop    uint64 `toml:"range_top"`
	// EagerLoad forces every file-backed mapping through the page-by-page
	// copy even when a direct host mapping would do.
	EagerLoad bool   `toml:"eager_load"`
	BrkSize   uint64 `toml:"brk_size"`
	LogLevel  string `toml:"log_level"`
}

func Default() Config {
	return Config{
		RangeBottom: mm.RangeBottom,
		RangeTop:    mm.RangeTop,
		BrkSize:     0x100000,
		LogLevel:    "info",
	}
}

func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads a TOML document over Default. Keys the document sets that
// Config does not know are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return Config{}, fmt.Errorf("%w: %s", ErrKeyUnknown, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !memop.Aligned(c.RangeBottom, mm.BlockSize) || !memop.Aligned(c.RangeTop, mm.BlockSize) {
		return fmt.Errorf("%w: %#x-%#x not aligned to %#x", ErrRangeInvalid, c.RangeBottom, c.RangeTop, mm.BlockSize)
	} else if c.RangeBottom == 0 || c.RangeBottom >= c.RangeTop {
		return fmt.Errorf("%w: %#x-%#x", ErrRangeInvalid, c.RangeBottom, c.RangeTop)
	} else if c.RangeTop > 1<<32 {
		return fmt.Errorf("%w: top %#x beyond 32-bit guest", ErrRangeInvalid, c.RangeTop)
	}
	if c.BrkSize == 0 || !memop.Aligned(c.BrkSize, mm.PageSize) || c.BrkSize > c.RangeTop-c.RangeBottom {
		return fmt.Errorf("%w: %#x", ErrBrkSizeInvalid, c.BrkSize)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Logger returns a text logger writing to stderr at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
