// Package memstore is an in-process store.Executor.
//
// State is split into slots; a key's slot is chosen by its hash tag (see
// util.HashTag), so a map and its expiry index always live in one slot.
// Execute locks every slot its declared keys route to, runs the operation
// against a staged overlay, and commits the overlay only if the operation
// succeeds. Several cache clients sharing one *Store behave like clients of
// one shared remote store.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IvanBrykalov/mapcache/internal/util"
	"github.com/IvanBrykalov/mapcache/store"
)

// Options configures a Store. Zero values are safe.
type Options struct {
	// Slots is the number of lock partitions. 0 = auto, rounded up to a power of two.
	Slots int

	// Fault, if set, is consulted before every operation; a non-nil error
	// fails the operation with a *store.Error and nothing is applied.
	Fault func(op string) error

	// Latency simulates a network round trip before each operation.
	Latency time.Duration
}

// Store is safe for concurrent use.
type Store struct {
	slots []*slot
	opt   Options
}

type slot struct {
	mu     sync.Mutex
	hashes map[string]map[string][]byte
	zsets  map[string]map[string]int64
}

// New creates an empty Store.
func New(opt Options) *Store {
	n := opt.Slots
	if n <= 0 {
		n = util.ReasonableSlotCount()
	}
	n = int(util.NextPow2(uint64(n)))

	s := &Store{slots: make([]*slot, n), opt: opt}
	for i := range s.slots {
		s.slots[i] = &slot{
			hashes: make(map[string]map[string][]byte),
			zsets:  make(map[string]map[string]int64),
		}
	}
	return s
}

// Execute implements store.Executor.
func (s *Store) Execute(ctx context.Context, op *store.Op, key string, aux []string, args ...[]byte) (store.Reply, error) {
	if op == nil || op.Run == nil {
		return store.Reply{}, &store.Error{Op: "<nil>", Err: errors.New("no operation")}
	}
	if err := ctx.Err(); err != nil {
		return store.Reply{}, &store.Error{Op: op.Name, Err: err}
	}
	if s.opt.Latency > 0 {
		t := time.NewTimer(s.opt.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return store.Reply{}, &store.Error{Op: op.Name, Err: ctx.Err()}
		case <-t.C:
		}
	}
	if s.opt.Fault != nil {
		if err := s.opt.Fault(op.Name); err != nil {
			return store.Reply{}, &store.Error{Op: op.Name, Err: err}
		}
	}

	keys := make([]string, 0, 1+len(aux))
	keys = append(keys, key)
	keys = append(keys, aux...)

	locked := s.lock(keys)
	defer unlock(locked)

	tx := newTxn(s, keys)
	reply, err := op.Run(tx, keys, args)
	if err != nil {
		var se *store.Error
		if errors.As(err, &se) {
			return store.Reply{}, err
		}
		return store.Reply{}, &store.Error{Op: op.Name, Err: err}
	}
	tx.commit()
	return reply, nil
}

// Len returns the number of top-level keys currently held. Diagnostics only.
func (s *Store) Len() int {
	n := 0
	for _, sl := range s.slots {
		sl.mu.Lock()
		n += len(sl.hashes) + len(sl.zsets)
		sl.mu.Unlock()
	}
	return n
}

func (s *Store) slotOf(key string) *slot {
	return s.slots[util.SlotIndex(key, len(s.slots))]
}

// lock acquires the slots for keys in ascending index order (no lock-order inversions).
func (s *Store) lock(keys []string) []*slot {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		i := util.SlotIndex(k, len(s.slots))
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]*slot, 0, len(idx))
	for _, i := range idx {
		s.slots[i].mu.Lock()
		out = append(out, s.slots[i])
	}
	return out
}

func unlock(slots []*slot) {
	for i := len(slots) - 1; i >= 0; i-- {
		slots[i].mu.Unlock()
	}
}

// ---- transaction overlay (slot locks held) ----

type kind uint8

const (
	kindNone kind = iota
	kindHash
	kindZSet
)

type txn struct {
	s        *Store
	declared map[string]struct{}

	dropped map[string]bool              // keys removed with Del during this tx
	hset    map[string]map[string][]byte // staged hash fields; nil value = deleted
	zset    map[string]map[string]*int64 // staged members; nil = removed
}

func newTxn(s *Store, keys []string) *txn {
	d := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		d[k] = struct{}{}
	}
	return &txn{
		s:        s,
		declared: d,
		dropped:  make(map[string]bool),
		hset:     make(map[string]map[string][]byte),
		zset:     make(map[string]map[string]*int64),
	}
}

func (t *txn) check(key string) error {
	if _, ok := t.declared[key]; !ok {
		return fmt.Errorf("%w: %q", store.ErrUndeclaredKey, key)
	}
	return nil
}

func (t *txn) baseHash(key string) map[string][]byte {
	if t.dropped[key] {
		return nil
	}
	return t.s.slotOf(key).hashes[key]
}

func (t *txn) baseZSet(key string) map[string]int64 {
	if t.dropped[key] {
		return nil
	}
	return t.s.slotOf(key).zsets[key]
}

// kindOf reports what the key currently holds as seen by this tx.
func (t *txn) kindOf(key string) kind {
	if t.hashLen(key) > 0 {
		return kindHash
	}
	if t.zsetLen(key) > 0 {
		return kindZSet
	}
	return kindNone
}

func (t *txn) want(key string, k kind) error {
	if err := t.check(key); err != nil {
		return err
	}
	if got := t.kindOf(key); got != kindNone && got != k {
		return fmt.Errorf("%w: %q", store.ErrWrongType, key)
	}
	return nil
}

func (t *txn) hashLen(key string) int {
	base := t.baseHash(key)
	n := len(base)
	for f, v := range t.hset[key] {
		_, inBase := base[f]
		switch {
		case v == nil && inBase:
			n--
		case v != nil && !inBase:
			n++
		}
	}
	return n
}

func (t *txn) zsetLen(key string) int {
	base := t.baseZSet(key)
	n := len(base)
	for m, v := range t.zset[key] {
		_, inBase := base[m]
		switch {
		case v == nil && inBase:
			n--
		case v != nil && !inBase:
			n++
		}
	}
	return n
}

func (t *txn) HGet(key, field string) ([]byte, bool, error) {
	if err := t.want(key, kindHash); err != nil {
		return nil, false, err
	}
	if v, ok := t.hset[key][field]; ok {
		return v, v != nil, nil
	}
	v, ok := t.baseHash(key)[field]
	return v, ok, nil
}

func (t *txn) HSet(key, field string, value []byte) error {
	if err := t.want(key, kindHash); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	m := t.hset[key]
	if m == nil {
		m = make(map[string][]byte)
		t.hset[key] = m
	}
	m[field] = append([]byte(nil), value...)
	return nil
}

func (t *txn) HDel(key, field string) (bool, error) {
	_, ok, err := t.HGet(key, field)
	if err != nil || !ok {
		return false, err
	}
	m := t.hset[key]
	if m == nil {
		m = make(map[string][]byte)
		t.hset[key] = m
	}
	m[field] = nil
	return true, nil
}

func (t *txn) HLen(key string) (int, error) {
	if err := t.want(key, kindHash); err != nil {
		return 0, err
	}
	return t.hashLen(key), nil
}

func (t *txn) ZScore(key, member string) (int64, bool, error) {
	if err := t.want(key, kindZSet); err != nil {
		return 0, false, err
	}
	if v, ok := t.zset[key][member]; ok {
		if v == nil {
			return 0, false, nil
		}
		return *v, true, nil
	}
	v, ok := t.baseZSet(key)[member]
	return v, ok, nil
}

func (t *txn) ZAdd(key, member string, score int64) error {
	if err := t.want(key, kindZSet); err != nil {
		return err
	}
	m := t.zset[key]
	if m == nil {
		m = make(map[string]*int64)
		t.zset[key] = m
	}
	m[member] = &score
	return nil
}

func (t *txn) ZRem(key, member string) (bool, error) {
	_, ok, err := t.ZScore(key, member)
	if err != nil || !ok {
		return false, err
	}
	m := t.zset[key]
	if m == nil {
		m = make(map[string]*int64)
		t.zset[key] = m
	}
	m[member] = nil
	return true, nil
}

// ZRangeByScore sorts the whole set on every call; fine for an in-process store.
func (t *txn) ZRangeByScore(key string, max int64, limit int) ([]string, error) {
	if err := t.want(key, kindZSet); err != nil {
		return nil, err
	}
	type pair struct {
		member string
		score  int64
	}
	staged := t.zset[key]
	var ps []pair
	for m, sc := range t.baseZSet(key) {
		if _, ok := staged[m]; ok {
			continue
		}
		if sc <= max {
			ps = append(ps, pair{m, sc})
		}
	}
	for m, sc := range staged {
		if sc != nil && *sc <= max {
			ps = append(ps, pair{m, *sc})
		}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].score != ps[j].score {
			return ps[i].score < ps[j].score
		}
		return ps[i].member < ps[j].member
	})
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.member
	}
	return out, nil
}

func (t *txn) Del(key string) (bool, error) {
	if err := t.check(key); err != nil {
		return false, err
	}
	existed := t.kindOf(key) != kindNone
	t.dropped[key] = true
	delete(t.hset, key)
	delete(t.zset, key)
	return existed, nil
}

// commit applies the overlay to the slots. Empty containers are dropped.
func (t *txn) commit() {
	for key := range t.dropped {
		sl := t.s.slotOf(key)
		delete(sl.hashes, key)
		delete(sl.zsets, key)
	}
	for key, fields := range t.hset {
		sl := t.s.slotOf(key)
		h := sl.hashes[key]
		if h == nil {
			h = make(map[string][]byte, len(fields))
			sl.hashes[key] = h
		}
		for f, v := range fields {
			if v == nil {
				delete(h, f)
			} else {
				h[f] = v
			}
		}
		if len(h) == 0 {
			delete(sl.hashes, key)
		}
	}
	for key, members := range t.zset {
		sl := t.s.slotOf(key)
		z := sl.zsets[key]
		if z == nil {
			z = make(map[string]int64, len(members))
			sl.zsets[key] = z
		}
		for m, sc := range members {
			if sc == nil {
				delete(z, m)
			} else {
				z[m] = *sc
			}
		}
		if len(z) == 0 {
			delete(sl.zsets, key)
		}
	}
}

var _ store.Executor = (*Store)(nil)
