package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// Identify returns the identifier used by the idempotency gate: a content
// hash, or the file name plus settlement date for suppliers that re-send
// byte-different copies of the same file. Both forms carry the supplier code
// so two suppliers can never share an identifier.
func Identify(cfg *models.SupplierConfig, name string, settlementDate time.Time, content []byte) string {
	if cfg.EffectiveDedupStrategy() == models.DedupNameDate {
		return fmt.Sprintf("name:%s/%s@%s", cfg.SupplierCode, name, settlementDate.Format(time.DateOnly))
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("sha256:%s:%s", cfg.SupplierCode, hex.EncodeToString(sum[:]))
}
