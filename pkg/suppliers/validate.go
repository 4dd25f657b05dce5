// Package suppliers loads and validates supplier configurations.
package suppliers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/settlement-engine/pkg/adapters/settlement"
	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

var (
	validateOnce    sync.Once
	structValidator *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// Validate checks struct tags, cross-field rules and compiles the schema.
// All problems are reported together; the error wraps apperrors.ErrInvalidConfig.
func Validate(cfg *models.SupplierConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil supplier config", apperrors.ErrInvalidConfig)
	}

	var problems []string
	problems = append(problems, tagProblems(cfg)...)

	if err := settlement.CheckFormat(cfg.AdapterClass, string(cfg.FileFormat)); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := cfg.Location(); err != nil {
		problems = append(problems, err.Error())
	}

	problems = append(problems, ingestionProblems(cfg)...)
	problems = append(problems, matchingProblems(cfg)...)
	problems = append(problems, commissionProblems(cfg)...)

	if cfg.AdapterClass == settlement.ClassEasyPay && !hasFooterMapping(cfg, settlement.FooterRecordCount) {
		problems = append(problems, "easypay suppliers need a footer field mapped to record_count")
	}

	// Schema compilation only makes sense once the basics hold.
	if len(problems) == 0 {
		if _, err := settlement.CompileSchema(cfg); err != nil {
			problems = append(problems, strings.TrimPrefix(err.Error(), apperrors.ErrInvalidConfig.Error()+": "))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: supplier %q: %s", apperrors.ErrInvalidConfig, cfg.SupplierCode, strings.Join(problems, "; "))
}

func tagProblems(cfg *models.SupplierConfig) []string {
	v := getValidator()
	var problems []string

	collect := func(prefix string, err error) {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			if err != nil {
				problems = append(problems, err.Error())
			}
			return
		}
		for _, fe := range verrs {
			msg := prefix + fe.Namespace() + " failed " + fe.Tag()
			if fe.Param() != "" {
				msg += "=" + fe.Param()
			}
			problems = append(problems, msg)
		}
	}

	collect("", v.Struct(cfg))

	sections := []struct {
		name string
		spec models.SectionSpec
	}{
		{"header", cfg.SchemaDefinition.Header},
		{"body", cfg.SchemaDefinition.Body},
		{"footer", cfg.SchemaDefinition.Footer},
	}
	for _, sec := range sections {
		for _, name := range sortedKeys(sec.spec.Fields) {
			fs := sec.spec.Fields[name]
			collect(sec.name+"."+name+": ", v.Struct(fs))
		}
	}

	for _, name := range sortedKeys(cfg.CommissionCalculation.Schedules) {
		collect("commission schedule "+name+": ", v.Struct(cfg.CommissionCalculation.Schedules[name]))
	}
	return problems
}

func ingestionProblems(cfg *models.SupplierConfig) []string {
	var problems []string
	switch cfg.Ingestion.Method {
	case models.IngestionSFTP:
		if cfg.FilenamePattern == "" {
			problems = append(problems, "sftp ingestion needs a filename_pattern")
		}
		if cfg.Ingestion.CredentialsEnv == "" {
			problems = append(problems, "sftp ingestion needs credentials_env")
		}
	case models.IngestionAPI:
		if cfg.Ingestion.TokenURL != "" && cfg.Ingestion.ClientID == "" {
			problems = append(problems, "api ingestion with token_url needs client_id")
		}
	}
	if cfg.FileFormat == models.FileFormatCSV && cfg.Delimiter == "\n" {
		problems = append(problems, "delimiter cannot be a newline")
	}
	return problems
}

func matchingProblems(cfg *models.SupplierConfig) []string {
	rules := cfg.MatchingRules
	var problems []string
	if len(rules.Primary) == 0 && len(rules.Secondary) == 0 && !rules.FuzzyMatch.Enabled {
		problems = append(problems, "matching_rules declares no strategy")
	}
	for _, group := range []struct {
		name   string
		fields []string
	}{{"primary", rules.Primary}, {"secondary", rules.Secondary}} {
		for _, f := range group.fields {
			if _, err := models.ParseMatchField(f); err != nil {
				problems = append(problems, fmt.Sprintf("matching_rules.%s: %v", group.name, err))
			}
		}
	}
	if rules.FuzzyMatch.Enabled && rules.FuzzyMatch.MinConfidence <= 0 {
		problems = append(problems, "fuzzy_match.min_confidence must be above 0 when enabled")
	}
	return problems
}

func commissionProblems(cfg *models.SupplierConfig) []string {
	policy := cfg.CommissionCalculation
	if !policy.IsApplicable() {
		if len(policy.Schedules) > 0 || policy.Default != nil {
			return []string{"commission schedules declared but method is not_applicable"}
		}
		return nil
	}

	var problems []string
	if cfg.CommissionField == "" {
		problems = append(problems, "commission verification needs commission_field")
	}
	if len(policy.Schedules) == 0 && policy.Default == nil {
		problems = append(problems, "commission method schedule needs schedules or a default")
	}
	if len(policy.Schedules) > 0 && policy.ServiceTypeField == "" && policy.Default == nil {
		problems = append(problems, "commission schedules keyed by service type need service_type_field")
	}

	check := func(name string, s models.CommissionSchedule) {
		switch s.Kind {
		case models.ScheduleFlat:
			if s.FlatCents < 0 {
				problems = append(problems, fmt.Sprintf("schedule %s: flat_cents is negative", name))
			}
		case models.SchedulePercentage:
			if err := checkRate(s.RatePercent); err != nil {
				problems = append(problems, fmt.Sprintf("schedule %s: %v", name, err))
			}
		case models.ScheduleTiered:
			if len(s.Tiers) == 0 {
				problems = append(problems, fmt.Sprintf("schedule %s: tiered schedule has no tiers", name))
			} else if s.Tiers[0].MinVolume != 0 {
				problems = append(problems, fmt.Sprintf("schedule %s: first tier must have min_volume 0", name))
			}
			for i, tier := range s.Tiers {
				if err := checkRate(tier.RatePercent); err != nil {
					problems = append(problems, fmt.Sprintf("schedule %s tier %d: %v", name, i, err))
				}
				if i > 0 && tier.MinVolume <= s.Tiers[i-1].MinVolume {
					problems = append(problems, fmt.Sprintf("schedule %s: tiers must have increasing min_volume", name))
				}
			}
		}
	}
	for _, name := range sortedKeys(policy.Schedules) {
		check(name, policy.Schedules[name])
	}
	if policy.Default != nil {
		check("default", *policy.Default)
	}
	return problems
}

func checkRate(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("rate_percent is required")
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("rate_percent %q is not a decimal", s)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("rate_percent %q must be between 0 and 100", s)
	}
	return nil
}

func hasFooterMapping(cfg *models.SupplierConfig, mapping string) bool {
	for _, f := range cfg.SchemaDefinition.Footer.Fields {
		if f.Mapping == mapping {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
