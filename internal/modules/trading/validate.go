package trading

import (
	"fmt"
	"math"
)

// sellAdjustment is the outcome of validating a SELL against the live position.
type sellAdjustment struct {
	Valid            bool
	CloseFull        bool
	Shares           float64
	DollarAmount     float64
	AdjustmentReason string
}

// closeTolerancePct treats a dollar sell within this fraction of the position
// value as a full close; fractional-share dust should not survive a sale.
const closeTolerancePct = 0.05

// validateSellOrder reconciles a proposed dollar-denominated sell with the
// position it would reduce.
func validateSellOrder(dollarAmount, positionValue, positionShares float64, ticker string) sellAdjustment {
	if positionShares <= 0 || positionValue <= 0 {
		return sellAdjustment{
			Valid:            false,
			AdjustmentReason: fmt.Sprintf("no open position in %s, downgrading to HOLD", ticker),
		}
	}

	if dollarAmount > positionValue {
		return sellAdjustment{
			Valid:            true,
			CloseFull:        true,
			Shares:           positionShares,
			AdjustmentReason: fmt.Sprintf("sell amount $%.2f exceeds position value $%.2f, closing full position", dollarAmount, positionValue),
		}
	}

	if math.Abs(dollarAmount-positionValue)/positionValue <= closeTolerancePct {
		return sellAdjustment{
			Valid:            true,
			CloseFull:        true,
			Shares:           positionShares,
			AdjustmentReason: fmt.Sprintf("sell amount $%.2f is within %.0f%% of position value, closing full position", dollarAmount, closeTolerancePct*100),
		}
	}

	return sellAdjustment{
		Valid:        true,
		DollarAmount: dollarAmount,
	}
}

// qtyMatchTolerance: a requested share count within 0.1% of the live position
// quantity is a close, not a partial sell. Fractional positions drift by tiny
// amounts between the analysis and the execution.
const qtyMatchTolerance = 0.001

// qtyMatchesPosition reports whether requested shares equal the position
// quantity within tolerance.
func qtyMatchesPosition(requested, positionQty float64) bool {
	if positionQty <= 0 || requested <= 0 {
		return false
	}
	return math.Abs(requested-positionQty)/positionQty <= qtyMatchTolerance
}
