package cache

import (
	"fmt"
	"strconv"

	"github.com/IvanBrykalov/mapcache/store"
)

// Named operations run by the store as single atomic units.
// Declared keys are always [hash, index]; "now" is passed in by the client
// (unix ms) so every operation judges liveness against the caller's clock.
//
// Reply conventions:
//   - Bulk carries a record (the displaced, existing or current live one) or nil;
//   - Int carries a count or a flag, documented per op.
var (
	// args: field, record, expiresAt (-1 = none), now. Bulk = displaced live record.
	opPut = &store.Op{Name: "mapcache.put", Run: runPut}

	// args: field, record, expiresAt (-1 = none), now.
	// Bulk = existing live record (store untouched); Int = 1 when the new record was written.
	opPutIfAbsent = &store.Op{Name: "mapcache.putIfAbsent", Run: runPutIfAbsent}

	// args: field, now. Bulk = live record; Int = 1 when a record exists but has expired.
	opGet = &store.Op{Name: "mapcache.get", Run: runGet}

	// args: field, now. Bulk = removed live record.
	opRemove = &store.Op{Name: "mapcache.remove", Run: runRemove}

	// Int = number of physical records, expired-not-swept included.
	opSize = &store.Op{Name: "mapcache.size", Run: runSize}

	// args: now, limit. Int = records removed.
	opPurge = &store.Op{Name: "mapcache.purgeExpired", Run: runPurge}

	// args: now, field... Removes the listed fields that are expired. Int = records removed.
	opCleanup = &store.Op{Name: "mapcache.cleanup", Run: runCleanup}

	// Drops the whole map. Int = 1 if anything existed.
	opClear = &store.Op{Name: "mapcache.clear", Run: runClear}
)

func itob(n int64) []byte { return strconv.AppendInt(nil, n, 10) }

func btoi(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad integer argument %q: %w", b, err)
	}
	return n, nil
}

func argc(args [][]byte, n int) error {
	if len(args) < n {
		return fmt.Errorf("want %d arguments, got %d", n, len(args))
	}
	return nil
}

// liveRecord returns the record for field if it exists and is live.
// expired reports a record that exists but is past its expiry.
func liveRecord(tx store.Tx, hash, index, field string, now int64) (rec []byte, expired bool, err error) {
	rec, ok, err := tx.HGet(hash, field)
	if err != nil || !ok {
		return nil, false, err
	}
	exp, has, err := tx.ZScore(index, field)
	if err != nil {
		return nil, false, err
	}
	if !live(exp, has, now) {
		return nil, true, nil
	}
	return rec, false, nil
}

// writeEntry writes the record and keeps the index in lockstep with it.
func writeEntry(tx store.Tx, hash, index, field string, rec []byte, expiresAt int64) error {
	if err := tx.HSet(hash, field, rec); err != nil {
		return err
	}
	if expiresAt < 0 {
		_, err := tx.ZRem(index, field)
		return err
	}
	return tx.ZAdd(index, field, expiresAt)
}

func deleteEntry(tx store.Tx, hash, index, field string) (bool, error) {
	existed, err := tx.HDel(hash, field)
	if err != nil {
		return false, err
	}
	if _, err := tx.ZRem(index, field); err != nil {
		return false, err
	}
	return existed, nil
}

type writeArgs struct {
	field     string
	rec       []byte
	expiresAt int64
	now       int64
}

func parseWrite(args [][]byte) (writeArgs, error) {
	if err := argc(args, 4); err != nil {
		return writeArgs{}, err
	}
	exp, err := btoi(args[2])
	if err != nil {
		return writeArgs{}, err
	}
	now, err := btoi(args[3])
	if err != nil {
		return writeArgs{}, err
	}
	return writeArgs{field: string(args[0]), rec: args[1], expiresAt: exp, now: now}, nil
}

func runPut(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	a, err := parseWrite(args)
	if err != nil {
		return store.Reply{}, err
	}
	prev, _, err := liveRecord(tx, keys[0], keys[1], a.field, a.now)
	if err != nil {
		return store.Reply{}, err
	}
	if err := writeEntry(tx, keys[0], keys[1], a.field, a.rec, a.expiresAt); err != nil {
		return store.Reply{}, err
	}
	return store.Reply{Bulk: prev}, nil
}

func runPutIfAbsent(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	a, err := parseWrite(args)
	if err != nil {
		return store.Reply{}, err
	}
	cur, _, err := liveRecord(tx, keys[0], keys[1], a.field, a.now)
	if err != nil {
		return store.Reply{}, err
	}
	if cur != nil {
		return store.Reply{Bulk: cur}, nil
	}
	// absent or expired: a stale record is overwritten in the same step
	if err := writeEntry(tx, keys[0], keys[1], a.field, a.rec, a.expiresAt); err != nil {
		return store.Reply{}, err
	}
	return store.Reply{Int: 1}, nil
}

func runGet(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	if err := argc(args, 2); err != nil {
		return store.Reply{}, err
	}
	now, err := btoi(args[1])
	if err != nil {
		return store.Reply{}, err
	}
	rec, expired, err := liveRecord(tx, keys[0], keys[1], string(args[0]), now)
	if err != nil {
		return store.Reply{}, err
	}
	if expired {
		return store.Reply{Int: 1}, nil
	}
	return store.Reply{Bulk: rec}, nil
}

func runRemove(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	if err := argc(args, 2); err != nil {
		return store.Reply{}, err
	}
	now, err := btoi(args[1])
	if err != nil {
		return store.Reply{}, err
	}
	field := string(args[0])
	prev, _, err := liveRecord(tx, keys[0], keys[1], field, now)
	if err != nil {
		return store.Reply{}, err
	}
	if _, err := deleteEntry(tx, keys[0], keys[1], field); err != nil {
		return store.Reply{}, err
	}
	return store.Reply{Bulk: prev}, nil
}

func runSize(tx store.Tx, keys []string, _ [][]byte) (store.Reply, error) {
	n, err := tx.HLen(keys[0])
	return store.Reply{Int: int64(n)}, err
}

func runPurge(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	if err := argc(args, 2); err != nil {
		return store.Reply{}, err
	}
	now, err := btoi(args[0])
	if err != nil {
		return store.Reply{}, err
	}
	limit, err := btoi(args[1])
	if err != nil {
		return store.Reply{}, err
	}
	// index scores <= now are exactly the entries live() rejects
	fields, err := tx.ZRangeByScore(keys[1], now, int(limit))
	if err != nil {
		return store.Reply{}, err
	}
	var removed int64
	for _, f := range fields {
		if _, err := deleteEntry(tx, keys[0], keys[1], f); err != nil {
			return store.Reply{}, err
		}
		removed++
	}
	return store.Reply{Int: removed}, nil
}

func runCleanup(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	if err := argc(args, 1); err != nil {
		return store.Reply{}, err
	}
	now, err := btoi(args[0])
	if err != nil {
		return store.Reply{}, err
	}
	var removed int64
	for _, f := range args[1:] {
		field := string(f)
		exp, has, err := tx.ZScore(keys[1], field)
		if err != nil {
			return store.Reply{}, err
		}
		// re-checked here: the key may have been rewritten since it was queued
		if live(exp, has, now) {
			continue
		}
		existed, err := deleteEntry(tx, keys[0], keys[1], field)
		if err != nil {
			return store.Reply{}, err
		}
		if existed {
			removed++
		}
	}
	return store.Reply{Int: removed}, nil
}

func runClear(tx store.Tx, keys []string, _ [][]byte) (store.Reply, error) {
	a, err := tx.Del(keys[0])
	if err != nil {
		return store.Reply{}, err
	}
	b, err := tx.Del(keys[1])
	if err != nil {
		return store.Reply{}, err
	}
	if a || b {
		return store.Reply{Int: 1}, nil
	}
	return store.Reply{}, nil
}
