package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-patterns/internal/logging"
	"github.com/irfndi/celebrum-patterns/internal/models"
)

// setupTestRedis creates a test Redis instance using miniredis
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		s.Close()
	})
	return s, client
}

func newTestCache(t *testing.T, ttl time.Duration) (*RedisAnalysisCache, *miniredis.Miniredis, *bytes.Buffer) {
	s, client := setupTestRedis(t)
	var buf bytes.Buffer
	return NewRedisAnalysisCache(client, ttl, "analysis", logging.NewStandardLoggerWithWriter(&buf, "debug", "development")), s, &buf
}

func sampleResult(subject string) *models.ComprehensiveResult {
	return &models.ComprehensiveResult{
		RunID:     "run-1",
		SubjectID: subject,
		From:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Cycles: &models.CycleResult{
			Cycles: []models.CycleDescriptor{{PeriodDays: 28, Category: models.CycleMonthly, Confidence: 0.9}},
		},
		Detectors: []models.DetectorStatus{
			{Detector: models.DetectorCycles, Succeeded: true},
			{Detector: models.DetectorRegime, ErrorKind: "timeout", LowConfidence: true},
		},
		KeyInsights:       []models.KeyInsight{{Type: "dominant_cycle", Message: "Monthly cycle", Confidence: 0.9}},
		OverallConfidence: decimal.RequireFromString("0.6123"),
		Partial:           true,
	}
}

func TestNewRedisAnalysisCache(t *testing.T) {
	_, client := setupTestRedis(t)

	c := NewRedisAnalysisCache(client, 5*time.Minute, "patterns:", nil)
	assert.Equal(t, "patterns:", c.prefix)
	assert.Equal(t, 5*time.Minute, c.ttl)
	assert.NotNil(t, c.logger)

	assert.Equal(t, "analysis:", NewRedisAnalysisCache(client, time.Minute, "", nil).prefix)
}

func TestRedisAnalysisCache_SetAndGet(t *testing.T) {
	c, s, buf := newTestCache(t, time.Hour)
	ctx := context.Background()
	key := "subject-1:2024-01-01:2024-06-01:abcd"

	require.NoError(t, c.SetAnalysis(ctx, key, sampleResult("subject-1")))
	assert.True(t, s.Exists("analysis:"+key))
	assert.Equal(t, time.Hour, s.TTL("analysis:"+key))

	got, err := c.GetAnalysis(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.Partial)
	assert.True(t, got.OverallConfidence.Equal(decimal.RequireFromString("0.6123")))
	assert.Equal(t, 28.0, got.Cycles.Dominant().PeriodDays)
	assert.Equal(t, "timeout", got.Status(models.DetectorRegime).ErrorKind)
	assert.True(t, got.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Contains(t, buf.String(), "hit=true")
}

func TestRedisAnalysisCache_Miss(t *testing.T) {
	c, _, _ := newTestCache(t, time.Hour)

	got, err := c.GetAnalysis(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestRedisAnalysisCache_Expiry(t *testing.T) {
	c, s, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetAnalysis(ctx, "k", sampleResult("s")))
	s.FastForward(2 * time.Minute)

	got, err := c.GetAnalysis(ctx, "k")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisAnalysisCache_CorruptEntry(t *testing.T) {
	c, s, _ := newTestCache(t, time.Hour)
	require.NoError(t, s.Set("analysis:bad", "not json"))

	got, err := c.GetAnalysis(context.Background(), "bad")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, s.Exists("analysis:bad"))
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestRedisAnalysisCache_RedisDown(t *testing.T) {
	c, s, _ := newTestCache(t, time.Hour)
	s.Close()

	_, err := c.GetAnalysis(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, c.SetAnalysis(context.Background(), "k", sampleResult("s")))
	assert.Equal(t, int64(2), c.GetStats().Errors)
}

func TestRedisAnalysisCache_SetNil(t *testing.T) {
	c, _, _ := newTestCache(t, time.Hour)
	assert.Error(t, c.SetAnalysis(context.Background(), "k", nil))
}

func TestRedisAnalysisCache_InvalidateAndClear(t *testing.T) {
	c, s, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	keys := []string{
		"a:2024-01-01:2024-06-01:h1",
		"a:2024-01-01:2024-03-01:h1",
		"a:b:2024-01-01:2024-06-01:h1",
		"c:2024-01-01:2024-06-01:h2",
	}
	for _, k := range keys {
		require.NoError(t, c.SetAnalysis(ctx, k, sampleResult("x")))
	}
	require.NoError(t, s.Set("other:key", "untouched"))

	subjects, err := c.GetCachedSubjects(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "a:b", "c"}, subjects)

	n, err := c.InvalidateSubject(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, s.Exists("analysis:a:b:2024-01-01:2024-06-01:h1"))

	n, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, s.Exists("other:key"))

	n, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAnalysisCacheStats_HitRate(t *testing.T) {
	assert.Equal(t, 0.0, AnalysisCacheStats{}.HitRate())
	assert.Equal(t, 75.0, AnalysisCacheStats{Hits: 3, Misses: 1}.HitRate())
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `user\*1\?`, escapePattern("user*1?"))
	assert.Equal(t, "plain", escapePattern("plain"))
}
