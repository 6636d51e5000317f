package mm

// The guest sees PageSize pages; the host only maps whole BlockSize blocks.
const (
	BlockSize     = 0x00010000
	PageSize      = 0x00001000
	PagesPerBlock = BlockSize / PageSize

	RangeBottom = 0x08000000
	RangeTop    = 0x80000000

	BlockCount = (RangeTop - RangeBottom) / BlockSize
)
