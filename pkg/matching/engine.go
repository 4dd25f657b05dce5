// Package matching pairs canonical supplier transactions with internal ledger
// transactions using primary, secondary and fuzzy strategies.
package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/money"
)

// Engine matches one file at a time. Strategies run as passes over the whole
// file: every row gets a primary attempt before any row tries secondary, and
// fuzzy runs last. Within a pass rows resolve in file order and a claimed
// internal transaction is never offered again, so results depend only on the
// inputs.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a matching engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("matcher")}
}

// rules is a SupplierConfig's matching section resolved for one run.
type rules struct {
	supplierCode string
	primary      []models.MatchField
	secondary    []models.MatchField
	stringFields []models.MatchField
	fuzzy        models.FuzzyMatch
	tolerance    Tolerance
	critical     int64
	window       time.Duration
}

func compileRules(cfg *models.SupplierConfig) (*rules, error) {
	parse := func(fields []string) ([]models.MatchField, error) {
		out := make([]models.MatchField, 0, len(fields))
		for _, f := range fields {
			mf, err := models.ParseMatchField(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
			}
			out = append(out, mf)
		}
		return out, nil
	}

	primary, err := parse(cfg.MatchingRules.Primary)
	if err != nil {
		return nil, err
	}
	secondary, err := parse(cfg.MatchingRules.Secondary)
	if err != nil {
		return nil, err
	}

	r := &rules{
		supplierCode: cfg.SupplierCode,
		primary:      primary,
		secondary:    secondary,
		fuzzy:        cfg.MatchingRules.FuzzyMatch,
		tolerance: Tolerance{
			AmountCents:      cfg.AmountToleranceCents,
			TimestampSeconds: cfg.TimestampToleranceSeconds,
		},
		critical: cfg.CriticalVarianceThreshold,
		window:   fuzzyWindow(time.Duration(cfg.TimestampToleranceSeconds) * time.Second),
	}

	seen := make(map[models.MatchField]bool)
	for _, mf := range append(append([]models.MatchField{}, primary...), secondary...) {
		if isNumericField(mf.Canonical) || seen[mf] {
			continue
		}
		seen[mf] = true
		r.stringFields = append(r.stringFields, mf)
	}
	return r, nil
}

func isNumericField(canonical string) bool {
	return canonical == models.CanonicalAmount || canonical == models.CanonicalTimestamp
}

// canonicalValue renders a canonical field the way InternalTransaction.Field
// renders its counterpart, so exact comparisons work across types.
func canonicalValue(tx *models.CanonicalTransaction, name string) string {
	switch name {
	case models.CanonicalAmount:
		return strconv.FormatInt(tx.SupplierAmountCents, 10)
	case models.CanonicalTimestamp:
		return tx.SupplierTimestamp.UTC().Format(time.RFC3339)
	default:
		return strings.TrimSpace(tx.Field(name))
	}
}

// Match resolves every transaction and returns one result per transaction in
// file order. If ctx is cancelled mid-pass, the rows resolved so far are
// returned together with an error wrapping apperrors.ErrCancelled.
func (e *Engine) Match(ctx context.Context, cfg *models.SupplierConfig, txns []models.CanonicalTransaction, ledger []models.InternalTransaction) ([]models.MatchResult, error) {
	r, err := compileRules(cfg)
	if err != nil {
		return nil, err
	}
	pool := newCandidatePool(ledger, r.primary)

	results := make([]models.MatchResult, len(txns))
	resolved := make([]bool, len(txns))
	for i := range txns {
		results[i] = models.MatchResult{
			Transaction: txns[i],
			Strategy:    models.StrategyNone,
			Status:      models.MatchStatusUnmatched,
		}
	}

	for _, p := range []pass{e.matchPrimary, e.matchSecondary, e.matchFuzzy} {
		for i := range txns {
			if resolved[i] {
				continue
			}
			if err := ctx.Err(); err != nil {
				done := make([]models.MatchResult, 0, len(txns))
				for j := range results {
					if resolved[j] {
						done = append(done, results[j])
					}
				}
				return done, fmt.Errorf("%w: stopped with %d of %d rows resolved: %v", apperrors.ErrCancelled, len(done), len(txns), err)
			}
			res, ok := p(&txns[i], pool, r)
			if ok {
				results[i] = res
				resolved[i] = true
				continue
			}
			results[i].Notes = append(results[i].Notes, res.Notes...)
		}
	}
	return results, nil
}

// pass tries one strategy for tx. When it does not pair, the returned result
// only carries notes for the unmatched outcome.
type pass func(tx *models.CanonicalTransaction, pool *candidatePool, r *rules) (models.MatchResult, bool)

func (e *Engine) matchPrimary(tx *models.CanonicalTransaction, pool *candidatePool, r *rules) (models.MatchResult, bool) {
	idx, n, ok := pool.primaryMatch(tx, r.primary)
	if !ok {
		return models.MatchResult{}, false
	}
	var notes []string
	if n > 1 {
		notes = append(notes, fmt.Sprintf("ambiguous primary match: %d candidates, chose earliest %s", n, pool.txns[idx].ID))
		e.logger.Warn("Ambiguous primary match",
			zap.String("supplier_code", r.supplierCode),
			zap.String("supplier_transaction_id", tx.SupplierTransactionID),
			zap.Int("candidates", n))
	}
	return r.paired(tx, pool.claim(idx), models.StrategyPrimary, 1.0, notes, false), true
}

func (e *Engine) matchSecondary(tx *models.CanonicalTransaction, pool *candidatePool, r *rules) (models.MatchResult, bool) {
	if len(r.secondary) == 0 {
		return models.MatchResult{}, false
	}
	idx, n, ok := pool.secondaryMatch(tx, r)
	if !ok {
		return models.MatchResult{}, false
	}
	var notes []string
	if n > 1 {
		notes = append(notes, fmt.Sprintf("ambiguous secondary match: %d candidates within tolerance, chose closest by timestamp %s", n, pool.txns[idx].ID))
		e.logger.Debug("Ambiguous secondary match",
			zap.String("supplier_code", r.supplierCode),
			zap.String("supplier_transaction_id", tx.SupplierTransactionID),
			zap.Int("candidates", n))
	}
	return r.paired(tx, pool.claim(idx), models.StrategySecondary, 1.0, notes, n > 1), true
}

func (e *Engine) matchFuzzy(tx *models.CanonicalTransaction, pool *candidatePool, r *rules) (models.MatchResult, bool) {
	if !r.fuzzy.Enabled {
		return models.MatchResult{}, false
	}
	idx, score, ok := pool.bestFuzzy(tx, r)
	switch {
	case ok && score >= r.fuzzy.MinConfidence:
		notes := []string{fmt.Sprintf("fuzzy score %.4f (min %.2f)", score, r.fuzzy.MinConfidence)}
		return r.paired(tx, pool.claim(idx), models.StrategyFuzzy, score, notes, false), true
	case ok:
		return models.MatchResult{Notes: []string{
			fmt.Sprintf("best fuzzy candidate %s scored %.4f, below %.2f", pool.txns[idx].ID, score, r.fuzzy.MinConfidence),
		}}, false
	}
	return models.MatchResult{}, false
}

func (r *rules) paired(tx *models.CanonicalTransaction, it *models.InternalTransaction, strategy models.MatchStrategy, confidence float64, notes []string, ambiguous bool) models.MatchResult {
	amountVar := money.Abs(tx.SupplierAmountCents - it.AmountCents)
	tsVar := absSeconds(tx.SupplierTimestamp.Sub(it.Timestamp))
	id := it.ID

	status := Classify(amountVar, tsVar, r.tolerance)
	if ambiguous && status == models.MatchStatusMatched {
		status = models.MatchStatusVariant
	}

	return models.MatchResult{
		Transaction:              *tx,
		InternalTransactionID:    &id,
		Strategy:                 strategy,
		Confidence:               confidence,
		AmountVarianceCents:      amountVar,
		TimestampVarianceSeconds: tsVar,
		Status:                   status,
		Critical:                 IsCritical(amountVar, r.critical),
		Notes:                    notes,
	}
}

func absSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 0 {
		return -s
	}
	return s
}

// candidatePool is the ledger snapshot ordered by (timestamp, id) with a
// claimed flag per entry.
type candidatePool struct {
	txns    []models.InternalTransaction
	claimed []bool
	primary map[string][]int
}

const keySep = "\x1f"

func newCandidatePool(ledger []models.InternalTransaction, primary []models.MatchField) *candidatePool {
	txns := make([]models.InternalTransaction, len(ledger))
	copy(txns, ledger)
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].Timestamp.Equal(txns[j].Timestamp) {
			return txns[i].Timestamp.Before(txns[j].Timestamp)
		}
		return txns[i].ID < txns[j].ID
	})

	p := &candidatePool{
		txns:    txns,
		claimed: make([]bool, len(txns)),
		primary: make(map[string][]int),
	}
	if len(primary) == 0 {
		return p
	}
	for i := range txns {
		parts := make([]string, len(primary))
		complete := true
		for j, mf := range primary {
			parts[j] = strings.TrimSpace(txns[i].Field(mf.Internal))
			if parts[j] == "" {
				complete = false
				break
			}
		}
		if complete {
			key := strings.Join(parts, keySep)
			p.primary[key] = append(p.primary[key], i)
		}
	}
	return p
}

func (p *candidatePool) claim(idx int) *models.InternalTransaction {
	p.claimed[idx] = true
	return &p.txns[idx]
}

// primaryMatch returns the earliest unclaimed exact match and how many
// unclaimed candidates shared the key.
func (p *candidatePool) primaryMatch(tx *models.CanonicalTransaction, fields []models.MatchField) (int, int, bool) {
	if len(fields) == 0 {
		return 0, 0, false
	}
	parts := make([]string, len(fields))
	for i, mf := range fields {
		parts[i] = canonicalValue(tx, mf.Canonical)
		if parts[i] == "" {
			return 0, 0, false
		}
	}

	best, n := -1, 0
	for _, idx := range p.primary[strings.Join(parts, keySep)] {
		if p.claimed[idx] {
			continue
		}
		if best < 0 {
			best = idx
		}
		n++
	}
	return best, n, best >= 0
}

// window returns the index range of entries with timestamps in [ts-d, ts+d].
func (p *candidatePool) window(ts time.Time, d time.Duration) (int, int) {
	from, to := ts.Add(-d), ts.Add(d)
	lo := sort.Search(len(p.txns), func(i int) bool { return !p.txns[i].Timestamp.Before(from) })
	hi := sort.Search(len(p.txns), func(i int) bool { return p.txns[i].Timestamp.After(to) })
	return lo, hi
}

// closer orders candidates by timestamp delta, then amount delta, then id.
func (p *candidatePool) closer(tx *models.CanonicalTransaction, a, b int) bool {
	da := absDuration(tx.SupplierTimestamp.Sub(p.txns[a].Timestamp))
	db := absDuration(tx.SupplierTimestamp.Sub(p.txns[b].Timestamp))
	if da != db {
		return da < db
	}
	aa := money.Abs(tx.SupplierAmountCents - p.txns[a].AmountCents)
	ab := money.Abs(tx.SupplierAmountCents - p.txns[b].AmountCents)
	if aa != ab {
		return aa < ab
	}
	return p.txns[a].ID < p.txns[b].ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// secondaryMatch finds unclaimed candidates inside both tolerances whose
// secondary string fields are equal, and returns the closest.
func (p *candidatePool) secondaryMatch(tx *models.CanonicalTransaction, r *rules) (int, int, bool) {
	want := make([]string, len(r.secondary))
	for i, mf := range r.secondary {
		if isNumericField(mf.Canonical) {
			continue
		}
		want[i] = canonicalValue(tx, mf.Canonical)
		if want[i] == "" {
			return 0, 0, false
		}
	}

	lo, hi := p.window(tx.SupplierTimestamp, time.Duration(r.tolerance.TimestampSeconds)*time.Second)
	best, n := -1, 0
	for idx := lo; idx < hi; idx++ {
		if p.claimed[idx] {
			continue
		}
		it := &p.txns[idx]
		if money.Abs(tx.SupplierAmountCents-it.AmountCents) > r.tolerance.AmountCents {
			continue
		}
		ok := true
		for i, mf := range r.secondary {
			if isNumericField(mf.Canonical) {
				continue
			}
			if strings.TrimSpace(it.Field(mf.Internal)) != want[i] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		n++
		if best < 0 || p.closer(tx, idx, best) {
			best = idx
		}
	}
	return best, n, best >= 0
}

// bestFuzzy scores every unclaimed candidate inside the fuzzy window and
// returns the highest scorer. Equal scores fall back to closer().
func (p *candidatePool) bestFuzzy(tx *models.CanonicalTransaction, r *rules) (int, float64, bool) {
	lo, hi := p.window(tx.SupplierTimestamp, r.window)
	best, bestScore := -1, 0.0
	for idx := lo; idx < hi; idx++ {
		if p.claimed[idx] {
			continue
		}
		s := r.score(tx, &p.txns[idx])
		if best < 0 || s > bestScore || (s == bestScore && p.closer(tx, idx, best)) {
			best, bestScore = idx, s
		}
	}
	return best, bestScore, best >= 0
}

// score is weightStrings*S + weightAmount*A + weightTime*T, with S the mean
// token-set ratio over string fields present on both sides. Without any such
// field the weights renormalise over A and T. Rounded to 4 decimals.
func (r *rules) score(tx *models.CanonicalTransaction, it *models.InternalTransaction) float64 {
	var sum float64
	n := 0
	for _, mf := range r.stringFields {
		a := canonicalValue(tx, mf.Canonical)
		b := strings.TrimSpace(it.Field(mf.Internal))
		if a == "" || b == "" {
			continue
		}
		sum += TokenSetRatio(a, b)
		n++
	}

	amount := amountCloseness(tx.SupplierAmountCents, it.AmountCents)
	ts := timeCloseness(tx.SupplierTimestamp.Sub(it.Timestamp), r.window)

	var s float64
	if n == 0 {
		s = (weightAmount*amount + weightTime*ts) / (weightAmount + weightTime)
	} else {
		s = weightStrings*(sum/float64(n)) + weightAmount*amount + weightTime*ts
	}
	return math.Round(s*1e4) / 1e4
}
