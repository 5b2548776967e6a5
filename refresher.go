// Package refresher coordinates background refreshes of a project list shown by a single consumer.
//
// A Coordinator runs at most one fetch per fetch strategy and job family at a time: submitting a strategy that is
// already queued or running is a silent no-op. Each fetch reads projects from a Provider, drops items that failed
// individually, turns a connection failure into a failed Snapshot and hands the snapshot to the Consumer on the
// consumer's own Executor, waiting until it has been applied.
package refresher

import (
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewFromConfig wires a redis backed coordinator: a RedisProvider reading cfg.ProjectsKey, a RedisRegistry under
// cfg.RegistryPrefix, and the worker bound and family from cfg. loader may be nil for read only deployments.
func NewFromConfig[P any](cfg Config, rdb redis.UniversalClient, consumer Consumer[P], loader Loader, log zerolog.Logger) (*Coordinator[FetchStrategy, P], error) {
	provider, err := NewRedisProvider[P](
		WithClient[P](rdb),
		WithProjectsKey[P](cfg.ProjectsKey),
		WithBatchSize[P](cfg.BatchSize),
		WithLoader[P](loader),
	)
	if err != nil {
		return nil, err
	}

	registry, err := NewRedisRegistry[FetchStrategy](
		WithRegistryClient[FetchStrategy](rdb),
		WithRegistryPrefix[FetchStrategy](cfg.RegistryPrefix),
	)
	if err != nil {
		return nil, err
	}

	return NewCoordinator[FetchStrategy, P](
		WithProvider[FetchStrategy, P](provider),
		WithConsumer[FetchStrategy, P](consumer),
		WithRegistry[FetchStrategy, P](registry),
		WithFamily[FetchStrategy, P](cfg.Family),
		WithWorkers[FetchStrategy, P](cfg.Workers),
		WithLogger[FetchStrategy, P](log),
	)
}
