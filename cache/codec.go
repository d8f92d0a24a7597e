package cache

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
)

// Codec converts keys or values to and from the bytes kept in the store.
// Key encodings must be deterministic: equal keys must encode identically.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// StringCodec stores strings as raw bytes.
type StringCodec struct{}

func (StringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// BytesCodec stores byte slices as-is (copied on decode).
type BytesCodec struct{}

func (BytesCodec) Encode(b []byte) ([]byte, error) { return b, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }

// JSONCodec encodes any JSON-marshalable type.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// SnappyCodec compresses the output of Inner. Use it for values only; it
// keeps keys deterministic but makes them unreadable in the store.
type SnappyCodec[T any] struct{ Inner Codec[T] }

func (c SnappyCodec[T]) Encode(v T) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c SnappyCodec[T]) Decode(b []byte) (T, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("snappy: %w", err)
	}
	return c.Inner.Decode(raw)
}

// defaultCodec picks raw codecs for string and []byte, JSON otherwise.
func defaultCodec[T any]() Codec[T] {
	var zero T
	switch any(zero).(type) {
	case string:
		return any(StringCodec{}).(Codec[T])
	case []byte:
		return any(BytesCodec{}).(Codec[T])
	}
	return JSONCodec[T]{}
}

var (
	_ Codec[string]   = StringCodec{}
	_ Codec[[]byte]   = BytesCodec{}
	_ Codec[int]      = JSONCodec[int]{}
	_ Codec[[]string] = SnappyCodec[[]string]{}
)
