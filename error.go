package refresher

import (
	"errors"
	"fmt"
)

// ErrEmptyRedisClient is returned when a redis backed component is constructed without a redis client.
var ErrEmptyRedisClient = errors.New("redis client is empty")

// ErrEmptyProvider is returned when a coordinator is constructed without a provider to fetch projects from.
var ErrEmptyProvider = errors.New("provider is empty")

// ErrEmptyConsumer is returned when a coordinator is constructed without a consumer to deliver snapshots to.
var ErrEmptyConsumer = errors.New("consumer is empty")

var (
	// ErrCoordinatorClosed is returned by Submit once Close has been called.
	ErrCoordinatorClosed = errors.New("coordinator is closed")
	// ErrDispatcherClosed is returned by Sync and Post once the dispatcher has stopped.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	// ErrUnknownStrategy is returned by a provider that does not understand the requested fetch strategy.
	ErrUnknownStrategy = errors.New("unknown fetch strategy")
	// ErrParsingConfig wraps failures of the environment parser.
	ErrParsingConfig = errors.New("failed to parse refresher config")
	// ErrInvalidRedisURL wraps failures of redis.ParseURL.
	ErrInvalidRedisURL = errors.New("invalid redis url")
	// ErrUnexpectedReply is wrapped by the ConnectionError of a read script that did not return a list.
	ErrUnexpectedReply = errors.New("read script returned no list")
)

// ConnectionError marks a failure to reach the data source as a whole, as opposed to the failure of a single item.
// A task that receives a ConnectionError from its provider still delivers a snapshot which carries the error,
// so the consumer can display it instead of the project list.
type ConnectionError struct {
	Op  string
	Err error
}

// Error method formats the failed operation together with the underlying cause.
// The operation names the step of the fetch that could not reach the source, such as "read" or "reload".
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure during %s: %v", e.Op, e.Err)
}

// Unwrap method returns the underlying cause, so errors.Is and errors.As see through the ConnectionError.
func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
