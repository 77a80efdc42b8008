package gorm

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ensureSparkBalance creates the user's balance row with the starting grant if it doesn't exist.
// Uses INSERT ... ON CONFLICT DO NOTHING so concurrent first reads stay idempotent.
func ensureSparkBalance(ctx context.Context, db *gorm.DB, userID string, starting int) error {
	row := &SparkBalance{
		UserID:    userID,
		Balance:   starting,
		UpdatedAt: time.Now(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(row).Error
}

// DefaultPageLimit is used when a list request carries no limit.
const DefaultPageLimit = 50

// MaxPaginationLimit is the maximum allowed limit for pagination queries.
// This protects against resource exhaustion from excessively large requests.
const MaxPaginationLimit = 200

// ParseLimitParam parses the "limit" query parameter from an HTTP request.
// Returns defaultLimit if the parameter is missing or invalid.
func ParseLimitParam(r *http.Request, defaultLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultLimit
}

// ParseOffsetParam parses the "offset" query parameter from an HTTP request.
// Returns 0 if the parameter is missing or invalid.
func ParseOffsetParam(r *http.Request) int {
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePaginationParams parses both limit and offset from an HTTP request,
// capping the limit at MaxPaginationLimit.
func ParsePaginationParams(r *http.Request) PaginationParams {
	return PaginationParams{
		Limit:  ParseLimitParam(r, DefaultPageLimit),
		Offset: ParseOffsetParam(r),
	}.normalized()
}

func (p PaginationParams) normalized() PaginationParams {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPaginationLimit {
		p.Limit = MaxPaginationLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// paginate applies limit/offset to a query.
func paginate(q *gorm.DB, p PaginationParams) *gorm.DB {
	p = p.normalized()
	return q.Limit(p.Limit).Offset(p.Offset)
}
