package memop

import "golang.org/x/exp/constraints"

func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

func Offset[I constraints.Integer](a, b I) I {
	return a & (b - 1)
}

func Aligned[I constraints.Integer](a, b I) bool {
	return Offset(a, b) == 0
}
