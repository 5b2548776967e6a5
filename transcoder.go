package refresher

import (
	"github.com/goccy/go-json"
)

// Transcoder converts values to and from the string form they are kept in inside redis. The provider uses it to
// decode cached projects and the redis registry uses it to store task records.
// Custom implementations may use any format as long as Decode reverses Encode.
type Transcoder[T any] interface {
	// Encode turns a value into its stored form.
	Encode(T) (string, error)

	// Decode rebuilds a value from its stored form. An error here makes the provider report a Failure for the
	// single entry instead of failing the whole fetch.
	Decode(string) (T, error)
}

// JSONTranscoder stores values as plain JSON. It is used whenever no transcoder option is given.
type JSONTranscoder[T any] struct{}

// Encode marshals the value with go-json.
func (JSONTranscoder[T]) Encode(src T) (string, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Decode unmarshals a JSON document into a fresh value. The zero value is returned together with any error.
func (JSONTranscoder[T]) Decode(src string) (T, error) {
	var entry T
	if err := json.Unmarshal([]byte(src), &entry); err != nil {
		var zero T
		return zero, err
	}
	return entry, nil
}
