package gorm

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))
	assert.ErrorIs(t, translateError(gorm.ErrRecordNotFound), models.ErrNotFound)
	assert.ErrorIs(t, translateError(fmt.Errorf("wrapped: %w", gorm.ErrRecordNotFound)), models.ErrNotFound)

	dup := &pgconn.PgError{Code: "23505", ConstraintName: "idx_characters_slug"}
	err := translateError(dup)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Contains(t, err.Error(), "idx_characters_slug")

	other := &pgconn.PgError{Code: "23503"}
	assert.Same(t, error(other), translateError(other))

	plain := errors.New("boom")
	assert.Equal(t, plain, translateError(plain))
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultPageLimit, 0},
		{"?limit=10&offset=20", 10, 20},
		{"?limit=-1&offset=-5", DefaultPageLimit, 0},
		{"?limit=abc", DefaultPageLimit, 0},
		{"?limit=100000", MaxPaginationLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/characters"+tt.query, nil)
			p := ParsePaginationParams(r)
			assert.Equal(t, tt.wantLimit, p.Limit)
			assert.Equal(t, tt.wantOffset, p.Offset)
		})
	}
}

func TestLatencyWindow(t *testing.T) {
	w := NewLatencyWindow(0)
	assert.Len(t, w.samples, 100)
	assert.Zero(t, w.Summary().Samples)

	for i := 1; i <= 40; i++ {
		w.Record(time.Duration(i) * time.Millisecond)
	}
	sum := w.Summary()
	assert.Equal(t, 40, sum.Samples)
	assert.Equal(t, int64(40), sum.Total)
	assert.Equal(t, 40*time.Millisecond, sum.Max)
	assert.Equal(t, 39*time.Millisecond, sum.P95)
	assert.Equal(t, 20500*time.Microsecond, sum.Avg)
}

func TestLatencyWindow_Evicts(t *testing.T) {
	w := NewLatencyWindow(3)
	for _, ms := range []int{50, 1, 2, 3} {
		w.Record(time.Duration(ms) * time.Millisecond)
	}
	sum := w.Summary()
	assert.Equal(t, 3, sum.Samples)
	assert.Equal(t, int64(4), sum.Total)
	assert.Equal(t, 3*time.Millisecond, sum.Max, "the 50ms sample was evicted")
	assert.Zero(t, sum.P95, "too few samples")
}

func TestClassify(t *testing.T) {
	status, warning := classify(&HealthInfo{Pool: PoolStats{Open: 10, InUse: 2}, ProbeLatency: time.Millisecond})
	assert.Equal(t, "healthy", status)
	assert.Empty(t, warning)

	status, warning = classify(&HealthInfo{Pool: PoolStats{Open: 10, InUse: 9}})
	assert.Equal(t, "degraded", status)
	assert.Contains(t, warning, "pool")

	status, warning = classify(&HealthInfo{ProbeLatency: 20 * time.Millisecond, Latency: LatencySummary{P95: 80 * time.Millisecond}})
	assert.Equal(t, "degraded", status)
	assert.Contains(t, warning, "P95")
}

func TestIsUUID(t *testing.T) {
	assert.True(t, isUUID("7b0c6f1e-3c1f-4a43-9a38-2c7d3b9d1f10"))
	assert.False(t, isUUID("luna-the-navigator"))
	assert.False(t, isUUID(""))
}

func TestJSONColumnRoundTrip(t *testing.T) {
	assert.Nil(t, jsonColumn(nil))
	assert.Nil(t, rawJSON(nil))
	assert.JSONEq(t, `{"a":1}`, string(rawJSON(jsonColumn([]byte(`{"a":1}`)))))
}
