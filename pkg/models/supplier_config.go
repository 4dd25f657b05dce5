package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // supplier timezones must resolve in minimal containers
)

// IngestionMethod is how settlement files reach the engine.
type IngestionMethod string

const (
	IngestionSFTP    IngestionMethod = "sftp"
	IngestionAPI     IngestionMethod = "api"
	IngestionWebhook IngestionMethod = "webhook"
)

// FileFormat is the structural shape of a settlement file.
type FileFormat string

const (
	FileFormatCSV        FileFormat = "csv"
	FileFormatFixedWidth FileFormat = "fixed-width"
	FileFormatJSON       FileFormat = "json"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeDecimal  FieldType = "decimal"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeDatetime FieldType = "datetime"
)

// DedupStrategy selects how a fetched file is identified for the idempotency gate.
type DedupStrategy string

const (
	DedupContentHash DedupStrategy = "content_hash"
	DedupNameDate    DedupStrategy = "name_date"
)

// CommissionMethod values.
const (
	CommissionNotApplicable = "not_applicable"
	CommissionBySchedule    = "schedule"
)

// Commission schedule kinds.
const (
	ScheduleFlat       = "flat"
	SchedulePercentage = "percentage"
	ScheduleTiered     = "tiered"
)

// Canonical field names that mapping annotations can target.
// Any other mapping value is kept in CanonicalTransaction.Metadata.
const (
	CanonicalTransactionID = "supplier_transaction_id"
	CanonicalReference     = "supplier_reference"
	CanonicalProductCode   = "supplier_product_code"
	CanonicalAmount        = "supplier_amount"
	CanonicalTimestamp     = "supplier_timestamp"
	CanonicalStatus        = "supplier_status"
)

// SupplierConfig is the per-supplier configuration. It is loaded once per run
// and never mutated while the run is in progress.
type SupplierConfig struct {
	SupplierCode string `json:"supplier_code" yaml:"supplier_code" validate:"required,max=64"`
	Version      int    `json:"version" yaml:"version"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`

	Ingestion       IngestionConfig `json:"ingestion" yaml:"ingestion"`
	FileFormat      FileFormat      `json:"file_format" yaml:"file_format" validate:"required,oneof=csv fixed-width json"`
	FilenamePattern string          `json:"filename_pattern" yaml:"filename_pattern"`
	Delimiter       string          `json:"delimiter,omitempty" yaml:"delimiter,omitempty" validate:"omitempty,len=1"`
	Encoding        string          `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	HasHeader       bool            `json:"has_header" yaml:"has_header"`
	DedupStrategy   DedupStrategy   `json:"dedup_strategy,omitempty" yaml:"dedup_strategy,omitempty" validate:"omitempty,oneof=content_hash name_date"`

	SchemaDefinition SchemaDefinition `json:"schema_definition" yaml:"schema_definition"`
	AdapterClass     string           `json:"adapter_class" yaml:"adapter_class" validate:"required"`
	Timezone         string           `json:"timezone" yaml:"timezone" validate:"required"`

	MatchingRules             MatchingRules `json:"matching_rules" yaml:"matching_rules"`
	TimestampToleranceSeconds int64         `json:"timestamp_tolerance_seconds" yaml:"timestamp_tolerance_seconds" validate:"gte=0"`
	AmountToleranceCents      int64         `json:"amount_tolerance_cents" yaml:"amount_tolerance_cents" validate:"gte=0"`

	CommissionField       string           `json:"commission_field,omitempty" yaml:"commission_field,omitempty"`
	CommissionCalculation CommissionPolicy `json:"commission_calculation" yaml:"commission_calculation"`

	AlertEmails               []string    `json:"alert_emails" yaml:"alert_emails" validate:"dive,email"`
	CriticalVarianceThreshold int64       `json:"critical_variance_threshold" yaml:"critical_variance_threshold" validate:"gte=0"`
	AlertPolicy               AlertPolicy `json:"alert_policy" yaml:"alert_policy"`

	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// IngestionConfig describes where and how to fetch files. Secrets are never
// stored here; CredentialsEnv names the environment variable that holds them.
type IngestionConfig struct {
	Method         IngestionMethod `json:"method" yaml:"method" validate:"required,oneof=sftp api webhook"`
	Host           string          `json:"host,omitempty" yaml:"host,omitempty" validate:"required_if=Method sftp"`
	Port           int             `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username       string          `json:"username,omitempty" yaml:"username,omitempty" validate:"required_if=Method sftp"`
	RemotePath     string          `json:"remote_path,omitempty" yaml:"remote_path,omitempty"`
	CredentialsEnv string          `json:"credentials_env,omitempty" yaml:"credentials_env,omitempty"`
	APIBaseURL     string          `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty" validate:"required_if=Method api,omitempty,url"`
	TokenURL       string          `json:"token_url,omitempty" yaml:"token_url,omitempty" validate:"omitempty,url"`
	ClientID       string          `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// SchemaDefinition has exactly three sections.
type SchemaDefinition struct {
	Header SectionSpec `json:"header" yaml:"header"`
	Body   SectionSpec `json:"body" yaml:"body"`
	Footer SectionSpec `json:"footer" yaml:"footer"`
}

// SectionSpec declares the fields of one section. RecordType is the line
// prefix that identifies the section in record-typed files; Path is the JSON
// key holding the section in JSON files.
type SectionSpec struct {
	RecordType string               `json:"record_type,omitempty" yaml:"record_type,omitempty"`
	Path       string               `json:"path,omitempty" yaml:"path,omitempty"`
	Fields     map[string]FieldSpec `json:"fields" yaml:"fields"`
}

// FieldSpec locates and types one field. Exactly one of Column, Header,
// Position or Path locates the value, depending on the file format.
type FieldSpec struct {
	Column   *int           `json:"column,omitempty" yaml:"column,omitempty"`
	Header   string         `json:"header,omitempty" yaml:"header,omitempty"`
	Position *FieldPosition `json:"position,omitempty" yaml:"position,omitempty"`
	Path     string         `json:"path,omitempty" yaml:"path,omitempty"`
	Type     FieldType      `json:"type" yaml:"type" validate:"required,oneof=string decimal integer datetime"`
	Required bool           `json:"required" yaml:"required"`
	Mapping  string         `json:"mapping,omitempty" yaml:"mapping,omitempty"`
	Format   string         `json:"format,omitempty" yaml:"format,omitempty"`
}

// FieldPosition is a 1-based start offset and a length in runes.
type FieldPosition struct {
	Start  int `json:"start" yaml:"start" validate:"min=1"`
	Length int `json:"length" yaml:"length" validate:"min=1"`
}

// MatchingRules configures the primary, secondary and fuzzy strategies.
// Each entry is "canonical_field" or "canonical_field:internal_field".
type MatchingRules struct {
	Primary    []string   `json:"primary" yaml:"primary"`
	Secondary  []string   `json:"secondary" yaml:"secondary"`
	FuzzyMatch FuzzyMatch `json:"fuzzy_match" yaml:"fuzzy_match"`
}

// FuzzyMatch configures the fuzzy strategy.
type FuzzyMatch struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
}

// MatchField pairs a canonical field with the internal reference it is compared to.
type MatchField struct {
	Canonical string
	Internal  string
}

// ParseMatchField parses "canonical[:internal]". When the internal side is
// omitted, canonical names map to the ledger's natural columns.
func ParseMatchField(s string) (MatchField, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MatchField{}, fmt.Errorf("empty match field")
	}
	canonical, internal, found := strings.Cut(s, ":")
	canonical = strings.TrimSpace(canonical)
	internal = strings.TrimSpace(internal)
	if canonical == "" || (found && internal == "") {
		return MatchField{}, fmt.Errorf("invalid match field %q", s)
	}
	if !found {
		internal = defaultInternalField(canonical)
	}
	return MatchField{Canonical: canonical, Internal: internal}, nil
}

func defaultInternalField(canonical string) string {
	switch canonical {
	case CanonicalAmount:
		return InternalFieldAmount
	case CanonicalTimestamp:
		return InternalFieldTimestamp
	case CanonicalStatus:
		return InternalFieldStatus
	case CanonicalTransactionID:
		return "transaction_id"
	case CanonicalReference:
		return "reference"
	default:
		return canonical
	}
}

// CommissionPolicy describes how expected commission is computed.
type CommissionPolicy struct {
	Method           string                        `json:"method" yaml:"method" validate:"required,oneof=not_applicable schedule"`
	ServiceTypeField string                        `json:"service_type_field,omitempty" yaml:"service_type_field,omitempty"`
	Schedules        map[string]CommissionSchedule `json:"schedules,omitempty" yaml:"schedules,omitempty"`
	Default          *CommissionSchedule           `json:"default,omitempty" yaml:"default,omitempty"`
}

// IsApplicable reports whether commission verification runs for this supplier.
func (p CommissionPolicy) IsApplicable() bool {
	return p.Method != "" && p.Method != CommissionNotApplicable
}

// CommissionSchedule is one fee schedule. Rates are percentages as decimal
// strings ("1.25" means 1.25%).
type CommissionSchedule struct {
	Kind        string           `json:"kind" yaml:"kind" validate:"required,oneof=flat percentage tiered"`
	FlatCents   int64            `json:"flat_cents,omitempty" yaml:"flat_cents,omitempty"`
	RatePercent string           `json:"rate_percent,omitempty" yaml:"rate_percent,omitempty"`
	Tiers       []CommissionTier `json:"tiers,omitempty" yaml:"tiers,omitempty" validate:"dive"`
}

// CommissionTier applies RatePercent once the run volume reaches MinVolume.
type CommissionTier struct {
	MinVolume   int    `json:"min_volume" yaml:"min_volume" validate:"gte=0"`
	RatePercent string `json:"rate_percent" yaml:"rate_percent" validate:"required"`
}

// AlertPolicy thresholds are exclusive: an alert fires when a count exceeds them.
type AlertPolicy struct {
	UnmatchedThreshold     int `json:"unmatched_threshold" yaml:"unmatched_threshold" validate:"gte=0"`
	CriticalCountThreshold int `json:"critical_count_threshold" yaml:"critical_count_threshold" validate:"gte=0"`
}

// Location resolves the supplier's IANA timezone.
func (c *SupplierConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// EffectiveDedupStrategy defaults to content hashing.
func (c *SupplierConfig) EffectiveDedupStrategy() DedupStrategy {
	if c.DedupStrategy == "" {
		return DedupContentHash
	}
	return c.DedupStrategy
}

// EffectiveDelimiter defaults to a comma.
func (c *SupplierConfig) EffectiveDelimiter() rune {
	if c.Delimiter == "" {
		return ','
	}
	return []rune(c.Delimiter)[0]
}

// FilenameForDate expands YYYY, MM and DD tokens in FilenamePattern.
func (c *SupplierConfig) FilenameForDate(date time.Time) string {
	r := strings.NewReplacer(
		"YYYY", date.Format("2006"),
		"MM", date.Format("01"),
		"DD", date.Format("02"),
	)
	return r.Replace(c.FilenamePattern)
}

var datePatternTokens = strings.NewReplacer(
	"YYYY", `(?P<y>\d{4})`,
	"MM", `(?P<m>\d{2})`,
	"DD", `(?P<d>\d{2})`,
	`\*`, `.*`,
	`\?`, `.`,
)

// DateFromFilename recovers the settlement date from a file name produced by
// FilenamePattern. It reports false when the pattern has no full date or the
// name does not match.
func (c *SupplierConfig) DateFromFilename(name string) (time.Time, bool) {
	if !strings.Contains(c.FilenamePattern, "YYYY") || !strings.Contains(c.FilenamePattern, "MM") || !strings.Contains(c.FilenamePattern, "DD") {
		return time.Time{}, false
	}
	re, err := regexp.Compile("^" + datePatternTokens.Replace(regexp.QuoteMeta(c.FilenamePattern)) + "$")
	if err != nil {
		return time.Time{}, false
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	var y, mo, d string
	for i, group := range re.SubexpNames() {
		switch group {
		case "y":
			y = m[i]
		case "m":
			mo = m[i]
		case "d":
			d = m[i]
		}
	}
	date, err := time.Parse(time.DateOnly, y+"-"+mo+"-"+d)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}
