// Package cache は計算済み成果物を Redis に保存するキャッシュ層を提供します。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/metrics"
)

const (
	keyPrefix = "cache:"
	scanBatch = 200
)

// Entry はキャッシュに保存される成果物です。一度書いたら変更しません。
type Entry struct {
	Artifact   json.RawMessage `json:"artifact"`
	CreatedAt  time.Time       `json:"createdAt"`
	TTLSeconds int64           `json:"ttlSeconds"`
}

// Stats はキャッシュの概算統計です。ヒット数・ミス数はプロセス内カウンタで、
// Redis 側の統計とは一致しません。
type Stats struct {
	Hits    int64            `json:"hits"`
	Misses  int64            `json:"misses"`
	HitRate float64          `json:"hitRate"`
	Entries int64            `json:"entries"`
	ByType  map[string]int64 `json:"byType"`
}

// Store は Redis ベースのキャッシュです。
type Store struct {
	rdb     *redis.Client
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, logger *zap.Logger, recorder *metrics.Recorder) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:     rdb,
		logger:  logger,
		metrics: recorder,
		now:     time.Now,
	}
}

// Key はジョブ種別とフィンガープリントからキャッシュキーを組み立てます。
func Key(jobType, fingerprint string) string {
	return keyPrefix + jobType + ":" + fingerprint
}

// Get は成果物を取得します。Redis の障害はミスとして扱います。
func (s *Store) Get(ctx context.Context, jobType, fingerprint string) (json.RawMessage, bool) {
	entry, ok := s.Lookup(ctx, jobType, fingerprint)
	if !ok {
		return nil, false
	}
	return entry.Artifact, true
}

// Lookup はメタデータ込みでエントリを取得します。
func (s *Store) Lookup(ctx context.Context, jobType, fingerprint string) (*Entry, bool) {
	key := Key(jobType, fingerprint)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		s.recordMiss(jobType)
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("cache entry is corrupted, treating as miss", zap.String("key", key), zap.Error(err))
		s.recordMiss(jobType)
		return nil, false
	}
	s.hits.Add(1)
	s.metrics.CacheLookup(jobType, true)
	s.logger.Debug("cache hit", zap.String("key", key))
	return &entry, true
}

// Set は成果物を保存します。既存のエントリは上書きされます。
func (s *Store) Set(ctx context.Context, jobType, fingerprint string, artifact json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	payload, err := json.Marshal(&Entry{
		Artifact:   artifact,
		CreatedAt:  s.now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		return err
	}
	key := Key(jobType, fingerprint)
	if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache write %s: %w", key, err)
	}
	s.logger.Info("cached artifact", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// Delete は1件のエントリを削除します。
func (s *Store) Delete(ctx context.Context, jobType, fingerprint string) error {
	return s.rdb.Del(ctx, Key(jobType, fingerprint)).Err()
}

// Clear はキャッシュ名前空間内で prefix に一致するエントリをまとめて削除します。
func (s *Store) Clear(ctx context.Context, prefix string) (int, error) {
	pattern := keyPrefix + prefix + "*"
	removed := 0
	iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			n, err := s.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := s.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	s.logger.Warn("cleared cache entries", zap.String("pattern", pattern), zap.Int("removed", removed))
	return removed, nil
}

// ClearAll は jobType のエントリ、jobType が空なら全エントリを削除します。
func (s *Store) ClearAll(ctx context.Context, jobType string) (int, error) {
	prefix := ""
	if jobType != "" {
		prefix = jobType + ":"
	}
	return s.Clear(ctx, prefix)
}

// Stats は概算統計を返します。
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		ByType: make(map[string]int64),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), keyPrefix)
		jobType, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		stats.ByType[jobType]++
		stats.Entries++
	}
	if err := iter.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Ping は Redis への疎通を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) recordMiss(jobType string) {
	s.misses.Add(1)
	s.metrics.CacheLookup(jobType, false)
}
