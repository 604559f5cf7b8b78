package escrow

// Platform policy rates. Changing these is a policy decision, not per-call
// configuration, which is why they are constants rather than parameters.
const (
	// TaxRate is levied on the platform commission, not on the total.
	TaxRate = 0.18

	// VerifiedAdvancePercent is the advance share a verified artisan may
	// draw before full completion. Unverified artisans get no advance.
	VerifiedAdvancePercent = 50.0

	// DefaultCommissionPercent is the platform cut when the caller does
	// not specify one.
	DefaultCommissionPercent = 10.0
)

// Calculation is the full monetary breakdown for one escrow. It is a value
// object: recomputed as a whole, never patched field by field.
type Calculation struct {
	BaseAmount             float64 `json:"baseAmount"`
	UrgentSurchargePercent float64 `json:"urgentSurchargePercent"`
	UrgentSurcharge        float64 `json:"urgentSurcharge"`
	TotalAmount            float64 `json:"totalAmount"`
	CommissionPercent      float64 `json:"commissionPercent"`
	CommissionAmount       float64 `json:"commissionAmount"`
	TaxAmount              float64 `json:"taxAmount"`
	ArtisanPayout          float64 `json:"artisanPayout"`
	AdvancePercent         float64 `json:"advancePercent"`
	AdvanceAmount          float64 `json:"advanceAmount"`
	RemainingAmount        float64 `json:"remainingAmount"`
}

// Calculate derives the complete breakdown from a base service amount.
//
// It is total for non-negative numeric inputs: no error paths, no side
// effects, identical inputs produce identical output. Callers are
// responsible for rejecting negative amounts before calling.
//
// Terms are computed strictly in dependency order, each from the unrounded
// previous result. Rounding happens only at display time; the persisted
// breakdown keeps full float precision.
func Calculate(baseAmount, urgentSurchargePercent, commissionPercent float64, verified bool) Calculation {
	surcharge := baseAmount * urgentSurchargePercent / 100
	total := baseAmount + surcharge
	commission := total * commissionPercent / 100
	tax := commission * TaxRate
	payout := total - commission - tax

	advancePercent := 0.0
	advance := 0.0
	if verified {
		advancePercent = VerifiedAdvancePercent
		advance = payout * advancePercent / 100
	}

	return Calculation{
		BaseAmount:             baseAmount,
		UrgentSurchargePercent: urgentSurchargePercent,
		UrgentSurcharge:        surcharge,
		TotalAmount:            total,
		CommissionPercent:      commissionPercent,
		CommissionAmount:       commission,
		TaxAmount:              tax,
		ArtisanPayout:          payout,
		AdvancePercent:         advancePercent,
		AdvanceAmount:          advance,
		RemainingAmount:        payout - advance,
	}
}
