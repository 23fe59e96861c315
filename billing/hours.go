package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// HourTolerance is the largest gap allowed between billable+non-billable and total hours.
var HourTolerance = decimal.RequireFromString("0.01")

// RoundHours rounds to two decimal places, the precision of every stored aggregate.
func RoundHours(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// SplitMatches reports whether billable+nonBillable equals hours within HourTolerance.
func SplitMatches(billable, nonBillable, hours decimal.Decimal) bool {
	return billable.Add(nonBillable).Sub(hours).Abs().LessThanOrEqual(HourTolerance)
}

// Hours builds a decimal from a float, the form JSON and YAML numbers arrive in.
func Hours(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// ParseHours parses a decimal string, treating "" as zero.
func ParseHours(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid hours %q: %w", s, err)
	}
	return d, nil
}

// SumBillable totals the billable hours of the given entries, rounded.
func SumBillable(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.BillableHours)
	}
	return RoundHours(total)
}
