// Package commission verifies supplier-reported commission against the
// supplier's fee schedule.
package commission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/money"
)

// ErrBelowFirstTier is returned by Expected when a run's volume does not reach
// the first tier of a tiered schedule.
var ErrBelowFirstTier = errors.New("volume is below the first commission tier")

// Calculator fills the commission fields of paired match results.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a commission calculator.
func NewCalculator(logger *zap.Logger) *Calculator {
	return &Calculator{logger: logger.Named("commission")}
}

// Apply computes expected commission for every matched or variant result and
// records it with the reported value and the delta (reported - expected).
// Suppliers with method not_applicable are left untouched: commission fields
// stay nil so nothing reads as a verified zero.
func (c *Calculator) Apply(results []models.MatchResult, cfg *models.SupplierConfig) error {
	policy := cfg.CommissionCalculation
	if !policy.IsApplicable() {
		return nil
	}

	volumes := make(map[string]int)
	for i := range results {
		if paired(&results[i]) {
			volumes[serviceType(&results[i], policy)]++
		}
	}

	missing := 0
	for i := range results {
		r := &results[i]
		if !paired(r) {
			continue
		}
		st := serviceType(r, policy)
		schedule, ok := policy.Schedules[st]
		if !ok {
			if policy.Default == nil {
				r.Notes = append(r.Notes, fmt.Sprintf("no commission schedule for service type %q", st))
				missing++
				continue
			}
			schedule = *policy.Default
		}

		expected, err := Expected(schedule, r.Transaction.SupplierAmountCents, volumes[st])
		if errors.Is(err, ErrBelowFirstTier) {
			r.Notes = append(r.Notes, fmt.Sprintf("no commission tier for service type %q at volume %d", st, volumes[st]))
			missing++
			continue
		}
		if err != nil {
			return fmt.Errorf("supplier %s service type %q: %w", cfg.SupplierCode, st, err)
		}
		r.CommissionExpectedCents = &expected

		if r.Transaction.CommissionCents == nil {
			r.Notes = append(r.Notes, "supplier did not report commission")
			continue
		}
		reported := *r.Transaction.CommissionCents
		delta := reported - expected
		r.CommissionReportedCents = &reported
		r.CommissionVarianceCents = &delta
	}

	if missing > 0 {
		c.logger.Warn("Results without a commission schedule",
			zap.String("supplier_code", cfg.SupplierCode),
			zap.Int("count", missing))
	}
	return nil
}

func paired(r *models.MatchResult) bool {
	return r.IsPaired() && (r.Status == models.MatchStatusMatched || r.Status == models.MatchStatusVariant)
}

func serviceType(r *models.MatchResult, policy models.CommissionPolicy) string {
	if policy.ServiceTypeField == "" {
		return ""
	}
	return strings.TrimSpace(r.Transaction.Field(policy.ServiceTypeField))
}

// Expected computes the commission in cents for one transaction. Tiered
// schedules use the rate of the highest tier whose min_volume the run's
// volume for that service type reaches, or fail with ErrBelowFirstTier.
func Expected(s models.CommissionSchedule, amountCents int64, volume int) (int64, error) {
	switch s.Kind {
	case models.ScheduleFlat:
		return s.FlatCents, nil
	case models.SchedulePercentage:
		rate, err := parseRate(s.RatePercent)
		if err != nil {
			return 0, err
		}
		return money.PercentOf(amountCents, rate), nil
	case models.ScheduleTiered:
		var chosen *models.CommissionTier
		for i := range s.Tiers {
			if volume >= s.Tiers[i].MinVolume {
				chosen = &s.Tiers[i]
			}
		}
		if chosen == nil {
			return 0, fmt.Errorf("%w: volume %d", ErrBelowFirstTier, volume)
		}
		rate, err := parseRate(chosen.RatePercent)
		if err != nil {
			return 0, err
		}
		return money.PercentOf(amountCents, rate), nil
	default:
		return 0, fmt.Errorf("%w: unknown schedule kind %q", apperrors.ErrInvalidConfig, s.Kind)
	}
}

func parseRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate_percent %q", apperrors.ErrInvalidConfig, s)
	}
	return rate, nil
}
