package refresher

import "github.com/redis/go-redis/v9"

// options type defines the functional options used to configure a RedisProvider instance.
type options[P any] func(p *RedisProvider[P])

// WithClient option assigns the redis client the provider reads cached projects through.
// Providing a client is required, construction fails without one.
func WithClient[P any](rdb redis.UniversalClient) options[P] {
	return func(r *RedisProvider[P]) {
		r.rdb = rdb
	}
}

// WithTranscoder option configures how cached entries are decoded into projects.
// Without it the provider expects JSON documents.
func WithTranscoder[P any](t Transcoder[P]) options[P] {
	return func(r *RedisProvider[P]) {
		r.transcoder = t
	}
}

// WithScript option replaces the Lua script that reads the cached entries.
// The script receives the list key as KEYS[1] and the batch size as ARGV[1] and must return a list of strings.
func WithScript[P any](src *redis.Script) options[P] {
	return func(r *RedisProvider[P]) {
		r.readCommand = src
	}
}

// WithBatchSize option bounds the number of entries read in one fetch. The default is 1000.
func WithBatchSize[P any](size int) options[P] {
	return func(r *RedisProvider[P]) {
		r.size = size
	}
}

// WithProjectsKey option sets the redis list the projects are cached in.
func WithProjectsKey[P any](key string) options[P] {
	return func(r *RedisProvider[P]) {
		r.key = key
	}
}

// WithLoader option sets the function that repopulates the cache for ForceReload and LoadIfNotCached.
// A provider without a loader reports a connection failure for any fetch that requires a reload.
func WithLoader[P any](loader Loader) options[P] {
	return func(r *RedisProvider[P]) {
		r.loader = loader
	}
}
