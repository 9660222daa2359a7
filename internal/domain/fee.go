package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FeeKind tags which variant a FeeSpec holds
type FeeKind string

// Fee variants
const (
	FeePercentage FeeKind = "percentage"
	FeeFixed      FeeKind = "fixed"
)

// FeeSpec is either Percentage(rate) or FixedAmount(amount), never both.
// The zero value is a zero fixed fee.
type FeeSpec struct {
	kind  FeeKind
	value decimal.Decimal
}

// Percentage builds a fee that is rate × subtotal
func Percentage(rate decimal.Decimal) FeeSpec {
	return FeeSpec{kind: FeePercentage, value: rate}
}

// FixedAmount builds a flat fee
func FixedAmount(amount decimal.Decimal) FeeSpec {
	return FeeSpec{kind: FeeFixed, value: amount}
}

// ParseFeeSpec builds a FeeSpec from its wire form
func ParseFeeSpec(kind, value string) (FeeSpec, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return FeeSpec{}, &ValidationError{Field: "buyer_fee", Reason: "fee value is not a number"}
	}
	if v.IsNegative() {
		return FeeSpec{}, &ValidationError{Field: "buyer_fee", Reason: "fee must not be negative"}
	}
	switch FeeKind(strings.ToLower(strings.TrimSpace(kind))) {
	case FeePercentage:
		if v.GreaterThan(decimal.NewFromInt(1)) {
			return FeeSpec{}, &ValidationError{Field: "buyer_fee", Reason: "percentage fee must be a fraction between 0 and 1"}
		}
		return Percentage(v), nil
	case FeeFixed:
		return FixedAmount(v), nil
	default:
		return FeeSpec{}, &ValidationError{Field: "buyer_fee", Reason: fmt.Sprintf("unknown fee kind %q", kind)}
	}
}

// Kind returns the variant tag
func (f FeeSpec) Kind() FeeKind {
	if f.kind == "" {
		return FeeFixed
	}
	return f.kind
}

// Apply computes the fee for a subtotal, rounded to cents
func (f FeeSpec) Apply(subtotal decimal.Decimal) decimal.Decimal {
	if f.kind == FeePercentage {
		return subtotal.Mul(f.value).Round(2)
	}
	return f.value.Round(2)
}
