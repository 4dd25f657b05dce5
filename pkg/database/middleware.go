package database

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// WithScopeMiddleware gives each request its own pooled connection, released
// once the handler returns. Acquisition failures answer 503.
func WithScopeMiddleware(db Scoper, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx, release, err := db.WithScope(r.Context())
			if err != nil {
				logger.Error("Failed to acquire database connection",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "database_unavailable",
					"message": "Database connection error",
				})
				return
			}
			defer release()
			next(w, r.WithContext(ctx))
		}
	}
}
