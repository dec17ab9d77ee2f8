package ledger

import (
	"fmt"
	"math"
	"math/bits"
)

func checkedAddU64(a, b uint64, what string) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%s: %w", what, ErrArithmeticOverflow)
	}
	return sum, nil
}

func checkedIncU8(a uint8, what string) (uint8, error) {
	if a == math.MaxUint8 {
		return 0, fmt.Errorf("%s: %w", what, ErrArithmeticOverflow)
	}
	return a + 1, nil
}
