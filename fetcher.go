package refresher

import "context"

// FetchStrategy distinguishes refresh intents of the same family. Two strategies are the same request when they are
// equal by value, which is what the coordinator relies on when it suppresses duplicate submissions.
type FetchStrategy string

const (
	// LoadIfNotCached reads the cached projects and populates the cache first when it is empty.
	LoadIfNotCached FetchStrategy = "load_if_not_cached"
	// FromCacheOnly reads whatever is cached and never touches the upstream source.
	FromCacheOnly FetchStrategy = "from_cache_only"
	// ForceReload repopulates the cache from the upstream source before reading it.
	ForceReload FetchStrategy = "force_reload"
)

// String method returns the strategy value itself. The same text is used as the strategy field of task logs.
func (s FetchStrategy) String() string { return string(s) }

// ProgressFunc receives the number of processed items out of the total known so far. Providers call it from the
// fetching goroutine, so implementations must not block.
type ProgressFunc func(done, total int)

// report calls the progress function when one is set.
func (p ProgressFunc) report(done, total int) {
	if p != nil {
		p(done, total)
	}
}

// ModelResult is the outcome of fetching a single project: either a model or the error that prevented it.
type ModelResult[P any] struct {
	Model P
	Err   error
}

// Success wraps a fetched model.
func Success[P any](model P) ModelResult[P] {
	return ModelResult[P]{Model: model}
}

// Failure wraps the error of a single item which could not be fetched.
func Failure[P any](err error) ModelResult[P] {
	return ModelResult[P]{Err: err}
}

// Failed reports whether the item carries a failure instead of a model.
func (r ModelResult[P]) Failed() bool { return r.Err != nil }

// Provider is the contract for the data source a refresh task fetches projects from.
// It receives the strategy the refresh was submitted with, so one provider can serve cache reads and reloads alike.
type Provider[K comparable, P any] interface {
	// Fetch retrieves every project known to the data source. Items that fail individually are reported as
	// Failure results in the returned slice. A failure to reach the data source at all is reported as a
	// *ConnectionError. The context carries cancellation, the progress function may be nil.
	Fetch(ctx context.Context, strategy K, progress ProgressFunc) ([]ModelResult[P], error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc[K comparable, P any] func(ctx context.Context, strategy K, progress ProgressFunc) ([]ModelResult[P], error)

// Fetch calls f.
func (f ProviderFunc[K, P]) Fetch(ctx context.Context, strategy K, progress ProgressFunc) ([]ModelResult[P], error) {
	return f(ctx, strategy, progress)
}
