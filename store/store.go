// Package store defines the only capability mapcache needs from a backing
// key-value store: executing a named multi-step operation atomically.
//
// A remote implementation would ship the operation by name (e.g. as a
// server-side script) and run it next to the data; the in-process
// implementation in store/memstore runs Op.Run directly under its slot locks.
// Either way the contract is the same:
//
//   - the operation is indivisible relative to any other operation on the
//     same keys;
//   - it may only touch the keys it declares (primary key + aux keys);
//   - on failure nothing is applied and a *Error is returned.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUndeclaredKey is returned when an operation touches a key it did not declare.
	ErrUndeclaredKey = errors.New("store: key not declared by operation")
	// ErrWrongType is returned when a key holding a hash is used as a sorted set or vice versa.
	ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")
)

// Executor runs named operations against the store as single indivisible units.
// Implementations must be safe for concurrent use.
type Executor interface {
	// Execute runs op with key as the primary key and aux as auxiliary
	// (index) keys. args are opaque to the store.
	Execute(ctx context.Context, op *Op, key string, aux []string, args ...[]byte) (Reply, error)
}

// Op is a named multi-step operation.
// keys passed to Run are the declared keys: keys[0] is the primary key.
type Op struct {
	Name string
	Run  func(tx Tx, keys []string, args [][]byte) (Reply, error)
}

// Reply is the single result of an operation. A nil Bulk means null.
type Reply struct {
	Bulk []byte
	Int  int64
}

// Tx is the keyed read/write primitive visible inside one atomic operation.
// Writes become visible to other operations only after Run returns nil.
type Tx interface {
	HGet(key, field string) ([]byte, bool, error)
	HSet(key, field string, value []byte) error
	// HDel reports whether the field existed.
	HDel(key, field string) (bool, error)
	HLen(key string) (int, error)

	ZScore(key, member string) (int64, bool, error)
	ZAdd(key, member string, score int64) error
	ZRem(key, member string) (bool, error)
	// ZRangeByScore returns up to limit members with score <= max, lowest first.
	// limit <= 0 means no limit.
	ZRangeByScore(key string, max int64, limit int) ([]string, error)

	// Del removes key entirely and reports whether it existed.
	Del(key string) (bool, error)
}

// Error is the StoreError surfaced for connectivity, timeout or operation faults.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// IsStoreError reports whether err carries a *Error.
func IsStoreError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
