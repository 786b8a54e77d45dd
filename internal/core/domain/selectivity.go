package domain

// SelectivityClass describes how much of a scan a query actually keeps.
type SelectivityClass string

const (
	SelectivityPoint    SelectivityClass = "point"
	SelectivityNarrow   SelectivityClass = "narrow"
	SelectivityModerate SelectivityClass = "moderate"
	SelectivityWide     SelectivityClass = "wide"
	SelectivityFull     SelectivityClass = "full"
)

// ClassifySelectivity determines the class from absolute returned and scanned
// row counts. Point lookups return a single row regardless of scan size; the
// other classes follow the returned/scanned ratio.
func ClassifySelectivity(rowsReturned, rowsScanned int64) SelectivityClass {
	if rowsScanned <= 0 {
		return SelectivityFull
	}
	if rowsReturned <= 1 {
		return SelectivityPoint
	}

	ratio := float64(rowsReturned) / float64(rowsScanned)
	switch {
	case ratio >= 0.9:
		return SelectivityFull
	case ratio >= 0.3:
		return SelectivityWide
	case ratio >= 0.05:
		return SelectivityModerate
	default:
		return SelectivityNarrow
	}
}

// BenefitsFromIndex reports whether an index can avoid most of the scan.
func (c SelectivityClass) BenefitsFromIndex() bool {
	return c == SelectivityPoint || c == SelectivityNarrow || c == SelectivityModerate
}
