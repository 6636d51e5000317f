package mm

import (
	"fmt"
	"math/bits"
)

// PageMap records which pages of a fragmented block are in use, one bit per page.
type PageMap uint16

func (pm PageMap) Test(page int) bool {
	return pm&(1<<page) != 0
}

func (pm *PageMap) Set(page int) {
	*pm |= 1 << page
}

func (pm *PageMap) Clear(page int) {
	*pm &^= 1 << page
}

func (pm *PageMap) SetAll() {
	*pm = 1<<PagesPerBlock - 1
}

func (pm PageMap) None() bool {
	return pm == 0
}

func (pm PageMap) All() bool {
	return pm == 1<<PagesPerBlock-1
}

func (pm PageMap) Count() int {
	return bits.OnesCount16(uint16(pm))
}

func (pm PageMap) String() string {
	return fmt.Sprintf("%016b", bits.Reverse16(uint16(pm)))
}
