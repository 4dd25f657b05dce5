package matching

import "github.com/ekaya-inc/settlement-engine/pkg/models"

// Tolerance bounds are inclusive.
type Tolerance struct {
	AmountCents      int64
	TimestampSeconds int64
}

// Classify returns matched when both variances are within tolerance and
// variant otherwise. Unmatched is decided before classification.
func Classify(amountVarianceCents, timestampVarianceSeconds int64, tol Tolerance) models.MatchStatus {
	if amountVarianceCents <= tol.AmountCents && timestampVarianceSeconds <= tol.TimestampSeconds {
		return models.MatchStatusMatched
	}
	return models.MatchStatusVariant
}

// IsCritical reports an amount variance above the supplier's critical threshold.
func IsCritical(amountVarianceCents, threshold int64) bool {
	return amountVarianceCents > threshold
}
