package refresher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRegistryPrefix = "refresher:tasks"
	defaultRecordTTL      = 10 * time.Minute
)

// RedisRegistry keeps task records in one redis hash per family, keyed by task id. Coordinators in different
// processes that share the registry suppress each other's duplicate submissions.
// Records of a process that died mid fetch are ignored once they are older than the record TTL.
type RedisRegistry[K comparable] struct {
	rdb        redis.UniversalClient
	transcoder Transcoder[TaskRecord[K]]
	prefix     string
	ttl        time.Duration
	now        func() time.Time
}

type registryOptions[K comparable] func(r *RedisRegistry[K])

// WithRegistryClient sets the redis client the registry talks to. It is mandatory.
func WithRegistryClient[K comparable](rdb redis.UniversalClient) registryOptions[K] {
	return func(r *RedisRegistry[K]) {
		r.rdb = rdb
	}
}

// WithRegistryPrefix sets the key prefix of the per family hashes.
func WithRegistryPrefix[K comparable](prefix string) registryOptions[K] {
	return func(r *RedisRegistry[K]) {
		r.prefix = prefix
	}
}

// WithRecordTTL sets how long a record counts as outstanding without being removed.
func WithRecordTTL[K comparable](ttl time.Duration) registryOptions[K] {
	return func(r *RedisRegistry[K]) {
		r.ttl = ttl
	}
}

// WithRecordTranscoder replaces the JSON encoding of stored records.
func WithRecordTranscoder[K comparable](t Transcoder[TaskRecord[K]]) registryOptions[K] {
	return func(r *RedisRegistry[K]) {
		r.transcoder = t
	}
}

// NewRedisRegistry builds a registry from the options and fills in defaults for everything but the client.
func NewRedisRegistry[K comparable](opts ...registryOptions[K]) (*RedisRegistry[K], error) {
	r := &RedisRegistry[K]{}
	for _, opt := range opts {
		opt(r)
	}

	if r.rdb == nil {
		return nil, ErrEmptyRedisClient
	}
	if r.prefix == "" {
		r.prefix = defaultRegistryPrefix
	}
	if r.ttl <= 0 {
		r.ttl = defaultRecordTTL
	}
	if r.transcoder == nil {
		r.transcoder = JSONTranscoder[TaskRecord[K]]{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *RedisRegistry[K]) familyKey(family string) string {
	return r.prefix + ":" + family
}

// ListOutstanding method reads the family hash. Entries that cannot be decoded or have outlived the TTL are skipped.
func (r *RedisRegistry[K]) ListOutstanding(ctx context.Context, family string) ([]TaskRecord[K], error) {
	entries, err := r.rdb.HGetAll(ctx, r.familyKey(family)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list outstanding tasks of %q: %w", family, err)
	}

	cutoff := r.now().Add(-r.ttl)
	records := make([]TaskRecord[K], 0, len(entries))
	for _, raw := range entries {
		rec, decodeErr := r.transcoder.Decode(raw)
		if decodeErr != nil {
			continue
		}
		if rec.CreatedAt.Before(cutoff) || rec.State.IsTerminal() {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// claimKey names the string key that marks (family, key) as taken. The strategy key is JSON encoded, so equal
// keys always map onto the same claim.
func (r *RedisRegistry[K]) claimKey(family string, key K) (string, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	return r.familyKey(family) + ":claim:" + string(raw), nil
}

// RegisterIfAbsent method claims (family, key) with SET NX and stores the record in the same Lua script.
// Coordinators in different processes submitting an equal key race on the claim, and only the winner
// gets its record stored. The claim expires with the record TTL, so a crashed owner frees the key eventually.
func (r *RedisRegistry[K]) RegisterIfAbsent(ctx context.Context, rec TaskRecord[K]) (bool, error) {
	raw, err := r.transcoder.Encode(rec)
	if err != nil {
		return false, fmt.Errorf("encode task record %s: %w", rec.ID, err)
	}

	claim, err := r.claimKey(rec.Family, rec.Key)
	if err != nil {
		return false, fmt.Errorf("encode task key %s: %w", rec.ID, err)
	}

	keys := []string{r.familyKey(rec.Family), claim}
	added, err := registerRecordScript.Run(ctx, r.rdb, keys, rec.ID, raw, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("register task %s: %w", rec.ID, err)
	}
	return added == 1, nil
}

// Update method overwrites the record only if it is still present, so a late update cannot resurrect a removed task.
func (r *RedisRegistry[K]) Update(ctx context.Context, rec TaskRecord[K]) error {
	raw, err := r.transcoder.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode task record %s: %w", rec.ID, err)
	}

	if err := updateRecordScript.Run(ctx, r.rdb, []string{r.familyKey(rec.Family)}, rec.ID, raw).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("update task %s: %w", rec.ID, err)
	}
	return nil
}

// Remove method deletes the record and releases its claim. The claim is only deleted while it still names
// this task, so a claim taken over after expiry is left to its new owner.
func (r *RedisRegistry[K]) Remove(ctx context.Context, rec TaskRecord[K]) error {
	claim, err := r.claimKey(rec.Family, rec.Key)
	if err != nil {
		return fmt.Errorf("encode task key %s: %w", rec.ID, err)
	}

	keys := []string{r.familyKey(rec.Family), claim}
	if err := removeRecordScript.Run(ctx, r.rdb, keys, rec.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove task %s: %w", rec.ID, err)
	}
	return nil
}

// registerRecordScript claims KEYS[2] for task ARGV[1] and stores the record ARGV[2] in the hash KEYS[1].
// Nothing is written when the claim is already held.
var registerRecordScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[3]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// removeRecordScript deletes the hash field ARGV[1] and the claim KEYS[2] if the claim belongs to ARGV[1].
var removeRecordScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
return 1
`)

// updateRecordScript replaces a hash field only when it already exists.
var updateRecordScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)
