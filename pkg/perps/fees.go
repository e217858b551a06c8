package perps

import "math/bits"

const basisPointDivisor = 10_000

// ClampLeverage bounds leverage to [1, MaxLeverage]. Callers asking for more
// are clamped silently; the lifecycle manager logs a notice.
func ClampLeverage(leverage uint8) uint8 {
	if leverage < 1 {
		return 1
	}
	if leverage > MaxLeverage {
		return MaxLeverage
	}
	return leverage
}

// Fee computes the basis-point fee schedule on amount at the given leverage:
// a flat base component plus a component scaling with leverage. Arithmetic
// saturates; the result never exceeds amount for in-range rates, so
// downstream saturating subtraction cannot underflow.
func Fee(amount uint64, leverage uint8) uint64 {
	lev := uint64(ClampLeverage(leverage))

	baseFee := satMul(amount, BaseFeeBasisPoints) / basisPointDivisor
	leverageFee := satMul(satMul(amount, LeverageFeeBasisPoints), lev) / basisPointDivisor

	return satAdd(baseFee, leverageFee)
}

// feeChecked is Fee for the open path, where silent saturation would corrupt
// position sizing: it fails instead of saturating.
func feeChecked(amount uint64, leverage uint8) (uint64, error) {
	lev := uint64(ClampLeverage(leverage))

	base, ok := mulChecked(amount, BaseFeeBasisPoints)
	if !ok {
		return 0, ErrArithmeticOverflow
	}
	levProduct, ok := mulChecked(amount, LeverageFeeBasisPoints)
	if !ok {
		return 0, ErrArithmeticOverflow
	}
	levProduct, ok = mulChecked(levProduct, lev)
	if !ok {
		return 0, ErrArithmeticOverflow
	}

	total, ok := addChecked(base/basisPointDivisor, levProduct/basisPointDivisor)
	if !ok {
		return 0, ErrArithmeticOverflow
	}
	return total, nil
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

func satSub(a, b uint64) uint64 {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0
	}
	return diff
}

func mulChecked(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func addChecked(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}
