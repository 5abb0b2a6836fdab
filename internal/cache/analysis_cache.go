package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/irfndi/celebrum-patterns/internal/logging"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/telemetry"
)

// AnalysisCacheEntry wraps a cached comprehensive result with metadata
type AnalysisCacheEntry struct {
	Result    *models.ComprehensiveResult `json:"result"`
	CachedAt  time.Time                   `json:"cached_at"`
	ExpiresAt time.Time                   `json:"expires_at"`
}

// AnalysisCacheStats tracks cache performance metrics
type AnalysisCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// HitRate returns hits as a percentage of lookups.
func (s AnalysisCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// RedisAnalysisCache stores comprehensive results in Redis under
// "<prefix>:<subject>:<from>:<to>:<params>" keys.
type RedisAnalysisCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *logging.StandardLogger

	mu    sync.RWMutex
	stats AnalysisCacheStats
}

// NewRedisAnalysisCache creates a new Redis-based analysis cache
func NewRedisAnalysisCache(redisClient *redis.Client, ttl time.Duration, prefix string, logger *logging.StandardLogger) *RedisAnalysisCache {
	if prefix == "" {
		prefix = "analysis"
	}
	if logger == nil {
		logger = logging.NewStandardLogger("info", "production")
	}
	return &RedisAnalysisCache{
		redis:  redisClient,
		ttl:    ttl,
		prefix: strings.TrimSuffix(prefix, ":") + ":",
		logger: logger,
	}
}

func (c *RedisAnalysisCache) record(update func(s *AnalysisCacheStats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}

// GetAnalysis returns the cached result for key, or nil on a miss. Undecodable entries
// are deleted and reported as misses.
func (c *RedisAnalysisCache) GetAnalysis(ctx context.Context, key string) (*models.ComprehensiveResult, error) {
	cacheKey := c.prefix + key
	ctx, span := telemetry.StartSpan(ctx, telemetry.GetCacheTracer(), "cache.get",
		telemetry.StringAttribute("cache.key", cacheKey))
	defer span.End()
	start := time.Now()

	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		c.record(func(s *AnalysisCacheStats) { s.Misses++ })
		telemetry.SetSpanAttributes(span, telemetry.BoolAttribute("cache.hit", false))
		c.logger.LogCacheOperation("get", cacheKey, false, time.Since(start).Milliseconds())
		return nil, nil
	}
	if err != nil {
		c.record(func(s *AnalysisCacheStats) { s.Errors++ })
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to read cached analysis %s: %w", key, err)
	}

	var entry AnalysisCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Result == nil {
		c.record(func(s *AnalysisCacheStats) { s.Misses++ })
		c.logger.WithComponent("analysis_cache").Warn("Dropping undecodable cache entry", "key", cacheKey)
		_ = c.redis.Del(ctx, cacheKey).Err()
		return nil, nil
	}

	c.record(func(s *AnalysisCacheStats) { s.Hits++ })
	telemetry.SetSpanAttributes(span, telemetry.BoolAttribute("cache.hit", true))
	c.logger.LogCacheOperation("get", cacheKey, true, time.Since(start).Milliseconds())
	return entry.Result, nil
}

// SetAnalysis stores result under key with the cache TTL
func (c *RedisAnalysisCache) SetAnalysis(ctx context.Context, key string, result *models.ComprehensiveResult) error {
	if result == nil {
		return errors.New("cannot cache a nil analysis")
	}
	cacheKey := c.prefix + key
	ctx, span := telemetry.StartSpan(ctx, telemetry.GetCacheTracer(), "cache.set",
		telemetry.StringAttribute("cache.key", cacheKey))
	defer span.End()
	start := time.Now()

	now := time.Now().UTC()
	data, err := json.Marshal(AnalysisCacheEntry{
		Result:    result,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize analysis %s: %w", key, err)
	}

	if err := c.redis.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
		c.record(func(s *AnalysisCacheStats) { s.Errors++ })
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to cache analysis %s: %w", key, err)
	}

	c.record(func(s *AnalysisCacheStats) { s.Sets++ })
	c.logger.LogCacheOperation("set", cacheKey, false, time.Since(start).Milliseconds())
	return nil
}

// GetStats returns current cache statistics
func (c *RedisAnalysisCache) GetStats() AnalysisCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// LogStats logs current cache performance statistics
func (c *RedisAnalysisCache) LogStats() {
	stats := c.GetStats()
	c.logger.WithComponent("analysis_cache").Info("Analysis cache stats",
		"hits", stats.Hits,
		"misses", stats.Misses,
		"sets", stats.Sets,
		"errors", stats.Errors,
		"hit_rate", fmt.Sprintf("%.2f%%", stats.HitRate()),
	)
}

func (c *RedisAnalysisCache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning cache keys: %w", err)
	}
	return keys, nil
}

func (c *RedisAnalysisCache) deleteMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := c.scanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("error clearing cache: %w", err)
	}
	return len(keys), nil
}

// Clear removes every cached analysis and returns how many entries were deleted
func (c *RedisAnalysisCache) Clear(ctx context.Context) (int, error) {
	return c.deleteMatching(ctx, c.prefix+"*")
}

// InvalidateSubject removes the cached analyses of one subject, whatever their date
// range or parameters. The year digits keep "a" from matching subject "a:b".
func (c *RedisAnalysisCache) InvalidateSubject(ctx context.Context, subjectID string) (int, error) {
	return c.deleteMatching(ctx, c.prefix+escapePattern(subjectID)+":[0-9][0-9][0-9][0-9]-*")
}

// GetCachedSubjects returns the distinct subjects that have at least one cached analysis
func (c *RedisAnalysisCache) GetCachedSubjects(ctx context.Context) ([]string, error) {
	keys, err := c.scanKeys(ctx, c.prefix+"*")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var subjects []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, c.prefix)
		// subject ids may contain ':'; the last three segments are from, to and params
		parts := strings.Split(rest, ":")
		if len(parts) < 4 {
			continue
		}
		subject := strings.Join(parts[:len(parts)-3], ":")
		if !seen[subject] {
			seen[subject] = true
			subjects = append(subjects, subject)
		}
	}
	return subjects, nil
}

// escapePattern escapes Redis glob metacharacters.
func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
