package refresher

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// The script defaultReadCommand returns up to ARGV[1] cached project entries from the list at KEYS[1].
// Unlike a queue pop it leaves the list intact, several refreshes read the same cache.
var defaultReadCommand = redis.NewScript(`
local key = KEYS[1]
local max_entries = tonumber(ARGV[1])

if max_entries <= 0 then
	return {}
end

return redis.call('LRANGE', key, 0, max_entries - 1)
`)

const (
	// defaultBatchSize bounds the number of projects read in a single fetch.
	defaultBatchSize = 1000
	// defaultProjectsKey is the redis list holding the cached projects.
	defaultProjectsKey = "refresher:projects"
)

// Loader repopulates the cached project list from the upstream source. It runs before the read for ForceReload
// and for LoadIfNotCached on an empty cache.
type Loader func(ctx context.Context, rdb redis.UniversalClient, key string) error

// RedisProvider serves projects of type P cached as encoded strings in a redis list.
// All fields are set during construction and never modified afterwards, so one provider can be shared by
// concurrently running refresh tasks.
type RedisProvider[P any] struct {
	transcoder  Transcoder[P]
	rdb         redis.UniversalClient
	readCommand *redis.Script
	loader      Loader
	key         string
	size        int
}

// NewRedisProvider applies the options, validates that a client was given and fills in defaults for the rest.
func NewRedisProvider[P any](opts ...options[P]) (*RedisProvider[P], error) {
	provider := &RedisProvider[P]{}

	for _, opt := range opts {
		opt(provider)
	}

	if provider.rdb == nil {
		return nil, ErrEmptyRedisClient
	}

	if provider.readCommand == nil {
		provider.readCommand = defaultReadCommand
	}

	if provider.size <= 0 {
		provider.size = defaultBatchSize
	}

	if provider.key == "" {
		provider.key = defaultProjectsKey
	}

	if provider.transcoder == nil {
		provider.transcoder = JSONTranscoder[P]{}
	}

	return provider, nil
}

// Fetch resolves the strategy, optionally reloads the cache, and reads the cached projects.
// Entries which fail to decode are returned as Failure results so the rest of the list still reaches the view.
// Any redis or loader error is returned as a *ConnectionError since no part of the list could be read.
func (f *RedisProvider[P]) Fetch(ctx context.Context, strategy FetchStrategy, progress ProgressFunc) ([]ModelResult[P], error) {
	reload, err := f.needsReload(ctx, strategy)
	if err != nil {
		return nil, err
	}

	if reload {
		if f.loader == nil {
			return nil, &ConnectionError{Op: "reload", Err: errors.New("no loader configured")}
		}
		if err := f.loader(ctx, f.rdb, f.key); err != nil {
			return nil, &ConnectionError{Op: "reload", Err: err}
		}
	}

	result, err := f.readCommand.Run(ctx, f.rdb, []string{f.key}, f.size).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &ConnectionError{Op: "read", Err: err}
	}

	entries, ok := result.([]interface{})
	if !ok && result != nil {
		return nil, &ConnectionError{Op: "read", Err: fmt.Errorf("%w: %T", ErrUnexpectedReply, result)}
	}
	results := make([]ModelResult[P], 0, len(entries))
	for i, entry := range entries {
		// Cancellation between entries keeps a large list from delaying a cancelled refresh.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, ok := entry.(string)
		if !ok {
			results = append(results, Failure[P](errors.New("cached entry is not a string")))
			progress.report(i+1, len(entries))
			continue
		}

		model, decodeErr := f.transcoder.Decode(value)
		if decodeErr != nil {
			results = append(results, Failure[P](decodeErr))
		} else {
			results = append(results, Success(model))
		}
		progress.report(i+1, len(entries))
	}

	return results, nil
}

// needsReload maps the strategy onto whether the loader has to run before reading.
func (f *RedisProvider[P]) needsReload(ctx context.Context, strategy FetchStrategy) (bool, error) {
	switch strategy {
	case FromCacheOnly:
		return false, nil
	case ForceReload:
		return true, nil
	case LoadIfNotCached:
		n, err := f.rdb.Exists(ctx, f.key).Result()
		if err != nil {
			return false, &ConnectionError{Op: "exists", Err: err}
		}
		return n == 0, nil
	default:
		return false, ErrUnknownStrategy
	}
}

// Store encodes the projects and replaces the cached list with them. Loaders use it to publish freshly loaded
// projects, tests use it to seed the cache.
func (f *RedisProvider[P]) Store(ctx context.Context, projects []P) error {
	return StoreProjects(ctx, f.rdb, f.key, f.transcoder, projects)
}

// StoreProjects replaces the list at key with the encoded projects in a single transaction.
func StoreProjects[P any](ctx context.Context, rdb redis.UniversalClient, key string, t Transcoder[P], projects []P) error {
	values := make([]interface{}, 0, len(projects))
	for _, p := range projects {
		raw, err := t.Encode(p)
		if err != nil {
			return err
		}
		values = append(values, raw)
	}

	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	return err
}
