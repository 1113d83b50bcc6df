// Package cache keeps the client-visible Redis caches (per-stage,
// whole-matter, list summary) consistent with completed saves. It is
// the only writer path for stage-derived data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/api/internal/schema"
)

type Store struct {
	client *redis.Client
	ttl    time.Duration

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New connects to Redis and verifies the connection.
func New(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient builds a store from an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		locks:  make(map[string]*sync.Mutex),
	}
}

func stageKey(matterID string, stageNumber int) string {
	return "stage:" + matterID + ":" + strconv.Itoa(stageNumber)
}

func matterKey(matterID string) string {
	return "matter:" + matterID
}

func summaryKey(matterID string) string {
	return "summary:" + matterID
}

// Reconcile merges a completed save into every cache keyed by the
// matter. Only keys present in the server response are taken from it;
// everything else comes from the payload that was sent, so fields the
// server did not echo back are never nulled out. Entries that do not
// exist yet are seeded with the merged stage object only. All three
// writes go out in one pipeline so no partial merge is visible.
func (s *Store) Reconcile(ctx context.Context, matterID string, tenant schema.Tenant, stageNumber int, response, sent map[string]string) error {
	merged := make(map[string]string, len(sent))
	for key, value := range sent {
		merged[key] = value
	}
	for key, value := range response {
		merged[key] = value
	}

	lock := s.matterLock(matterID)
	lock.Lock()
	defer lock.Unlock()

	stageValue, err := s.mergeStageEntry(ctx, matterID, stageNumber, merged)
	if err != nil {
		return err
	}
	matterValue, err := s.mergeMatterEntry(ctx, matterID, tenant, stageNumber, merged)
	if err != nil {
		return err
	}
	summaryValue, err := s.mergeSummaryEntry(ctx, matterID, tenant, stageNumber, merged)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stageKey(matterID, stageNumber), stageValue, s.ttl)
	pipe.Set(ctx, matterKey(matterID), matterValue, s.ttl)
	pipe.Set(ctx, summaryKey(matterID), summaryValue, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write caches for %s: %w", matterID, err)
	}
	return nil
}

func (s *Store) mergeStageEntry(ctx context.Context, matterID string, stageNumber int, merged map[string]string) ([]byte, error) {
	existing, found, err := s.readMap(ctx, stageKey(matterID, stageNumber))
	if err != nil {
		return nil, err
	}
	if !found {
		existing = map[string]string{}
	}
	for key, value := range merged {
		existing[key] = value
	}
	return json.Marshal(existing)
}

func (s *Store) mergeMatterEntry(ctx context.Context, matterID string, tenant schema.Tenant, stageNumber int, merged map[string]string) ([]byte, error) {
	entry, found, err := s.readObject(ctx, matterKey(matterID))
	if err != nil {
		return nil, err
	}
	if !found {
		entry = map[string]any{
			"id":     matterID,
			"tenant": string(tenant),
			"stages": map[string]any{},
		}
	}

	stages, _ := entry["stages"].(map[string]any)
	if stages == nil {
		stages = map[string]any{}
		entry["stages"] = stages
	}
	slot := strconv.Itoa(stageNumber)
	stageEntry, _ := stages[slot].(map[string]any)
	if stageEntry == nil {
		stageEntry = map[string]any{}
		stages[slot] = stageEntry
	}
	for key, value := range merged {
		stageEntry[key] = value
	}
	return json.Marshal(entry)
}

func (s *Store) mergeSummaryEntry(ctx context.Context, matterID string, tenant schema.Tenant, stageNumber int, merged map[string]string) ([]byte, error) {
	entry, found, err := s.readObject(ctx, summaryKey(matterID))
	if err != nil {
		return nil, err
	}
	if !found {
		entry = map[string]any{
			"id":          matterID,
			"tenant":      string(tenant),
			"stageColors": map[string]any{},
		}
	}

	colors, _ := entry["stageColors"].(map[string]any)
	if colors == nil {
		colors = map[string]any{}
		entry["stageColors"] = colors
	}
	if color, ok := merged["colorStatus"]; ok {
		colors[strconv.Itoa(stageNumber)] = color
	}
	return json.Marshal(entry)
}

// readMap fetches a cached string map. A corrupt entry is invalidated
// and treated as a miss rather than failing the reconciliation.
func (s *Store) readMap(ctx context.Context, key string) (map[string]string, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache %s: %w", key, err)
	}
	var value map[string]string
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) readObject(ctx context.Context, key string) (map[string]any, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache %s: %w", key, err)
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return nil, false, nil
	}
	return value, true, nil
}

// Stage returns the cached value map for a stage, if present.
func (s *Store) Stage(ctx context.Context, matterID string, stageNumber int) (map[string]string, bool, error) {
	return s.readMap(ctx, stageKey(matterID, stageNumber))
}

// Matter returns the cached whole-matter object, if present.
func (s *Store) Matter(ctx context.Context, matterID string) (map[string]any, bool, error) {
	return s.readObject(ctx, matterKey(matterID))
}

// Summary returns the cached list-summary entry, if present.
func (s *Store) Summary(ctx context.Context, matterID string) (map[string]any, bool, error) {
	return s.readObject(ctx, summaryKey(matterID))
}

// Invalidate drops every cache entry for a matter.
func (s *Store) Invalidate(ctx context.Context, matterID string, stageNumbers []int) error {
	keys := []string{matterKey(matterID), summaryKey(matterID)}
	for _, number := range stageNumbers {
		keys = append(keys, stageKey(matterID, number))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate caches for %s: %w", matterID, err)
	}
	return nil
}

func (s *Store) matterLock(matterID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[matterID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[matterID] = lock
	}
	return lock
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
