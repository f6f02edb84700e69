package protocol

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenDecimals of TeoCoin and of the MATIC gas token.
const TokenDecimals = 18

// TEO converts a display amount ("10", "12.5") into base units.
func TEO(display string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(display))
	if err != nil {
		return nil, fmt.Errorf("invalid token amount %q: %w", display, err)
	}
	return ToBaseUnits(d)
}

// MustTEO is TEO for constants and tests.
func MustTEO(display string) *big.Int {
	v, err := TEO(display)
	if err != nil {
		panic(err)
	}
	return v
}

// ToBaseUnits scales d by 10^18 and rejects fractional base units.
func ToBaseUnits(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative token amount %s", d.String())
	}
	scaled := d.Shift(TokenDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("token amount %s has more than %d decimals", d.String(), TokenDecimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits is the display value of a base unit amount.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -TokenDecimals)
}

// FormatTEO renders v as "40 TEO".
func FormatTEO(v *big.Int) string {
	return FromBaseUnits(v).String() + " TEO"
}

// FormatMATIC renders a wei amount as "0.00063 MATIC".
func FormatMATIC(wei *big.Int) string {
	return FromBaseUnits(wei).String() + " MATIC"
}

// TEOPerEUR is the discount exchange rate: one TEO per euro of discount.
var TEOPerEUR = decimal.NewFromInt(1)

// DiscountCost is the TEO, in base units, needed for percent off a course
// priced priceEUR.
func DiscountCost(priceEUR decimal.Decimal, percent uint8) (*big.Int, error) {
	if percent == 0 || percent > 100 {
		return nil, fmt.Errorf("discount percent %d out of range", percent)
	}
	teo := priceEUR.Mul(decimal.NewFromInt(int64(percent))).Div(decimal.NewFromInt(100)).Mul(TEOPerEUR)
	return ToBaseUnits(teo)
}
