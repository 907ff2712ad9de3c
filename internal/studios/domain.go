// Package studios exposes the read-side collaborators the billing engine
// depends on: studio billing settings, the family directory, and the
// family to processor-customer mapping. Studio and family CRUD live in a
// separate part of the product and are not reproduced here.
package studios

// FeeType selects how a configured fee or discount is computed.
type FeeType string

const (
	// FeeFlat is a fixed amount in cents.
	FeeFlat FeeType = "flat"
	// FeePercent is a percentage in basis points, 10000 = 100%.
	FeePercent FeeType = "percent"
)

// Settings holds the per-studio billing policy.
type Settings struct {
	StudioID int64

	LateFeeType  FeeType
	LateFeeValue int64
	GraceDays    int

	SiblingDiscountEnabled bool
	SiblingDiscountType    FeeType
	SiblingDiscountValue   int64
	SiblingMinStudents     int

	// ProcessorOnboarded reports whether the studio completed its payment
	// processor account link. Tuition plans cannot be created without it.
	ProcessorOnboarded bool
	ProcessorAccountID string
}

// Family is the minimal billing view of a family record.
type Family struct {
	ID       int64
	StudioID int64
	Name     string
	Email    string
}
