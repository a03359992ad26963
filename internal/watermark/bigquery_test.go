package watermark

import (
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkValues_KeepsSubMicrosecond(t *testing.T) {
	// datetime2(7) resolution
	t3 := time.Date(2024, 5, 1, 10, 0, 0, 123456700, time.FixedZone("JST", 9*3600))

	ts, exact := watermarkValues(&t3)
	require.True(t, ts.Valid)
	require.True(t, exact.Valid)
	assert.Equal(t, time.Date(2024, 5, 1, 1, 0, 0, 123456000, time.UTC), ts.Timestamp)
	assert.Equal(t, "2024-05-01T01:00:00.1234567Z", exact.StringVal)

	got := resolveWatermark(ts, exact)
	require.NotNil(t, got)
	assert.True(t, got.Equal(t3), "round trip lost precision: %s", got.Format(time.RFC3339Nano))
	assert.Equal(t, time.UTC, got.Location())
}

func TestWatermarkValues_Nil(t *testing.T) {
	ts, exact := watermarkValues(nil)
	assert.False(t, ts.Valid)
	assert.False(t, exact.Valid)
	assert.Nil(t, resolveWatermark(ts, exact))
}

func TestResolveWatermark_FallsBackToTimestamp(t *testing.T) {
	stored := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	ts := bigquery.NullTimestamp{Timestamp: stored, Valid: true}

	// rows written before the exact column existed
	got := resolveWatermark(ts, bigquery.NullString{})
	require.NotNil(t, got)
	assert.True(t, got.Equal(stored))

	// text that disagrees with the TIMESTAMP column is ignored
	got = resolveWatermark(ts, bigquery.NullString{StringVal: "2023-01-01T00:00:00.0000001Z", Valid: true})
	require.NotNil(t, got)
	assert.True(t, got.Equal(stored))

	got = resolveWatermark(ts, bigquery.NullString{StringVal: "garbage", Valid: true})
	require.NotNil(t, got)
	assert.True(t, got.Equal(stored))
}
