// Package repositories persists reconciliation state in PostgreSQL. Every
// repository is stateless and runs its queries on the connection or
// transaction carried by the context (see database.SetScope).
package repositories

// normalizePageParams clamps limit to 1..200 (default 50) and offset to >= 0.
func normalizePageParams(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
