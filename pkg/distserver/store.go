// Package distserver implements the distributed cache server: the
// accept/dispatch loop (server.go) and the server-side chained hash table
// it serves requests from (store.go).
package distserver

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // bucket placement hash, not a security boundary
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/telemetry"
)

// MaxBuckets is the fixed number of chains in the store.
const MaxBuckets = 10000

// MaxTTL clamps any ttl accepted by Set, in seconds.
const MaxTTL = 604800

type entry struct {
	key    []byte
	data   []byte
	expiry int64
	next   *entry
}

// Store is a MAX_BUCKETS-bucket chained hash table keyed by a SHA1-derived
// bucket index, with lazy TTL expiry swept on Get and same-key dedup swept
// on Set.
//
// The original design assumes a single-threaded server loop and needs no
// locking; per-connection goroutines (see server.go) replace that loop, so
// each bucket carries its own mutex — the same per-bucket locking shape the
// allowlist uses for its hash set.
type Store struct {
	buckets [MaxBuckets]*entry
	locks   [MaxBuckets]sync.Mutex

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	entries atomic.Int64

	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// NewStore returns an empty store. logger and metrics may be nil.
func NewStore(logger *logging.Logger, metrics *telemetry.Metrics) *Store {
	return &Store{logger: logger, metrics: metrics}
}

func bucketIndex(key []byte) int {
	sum := sha1.Sum(key) //nolint:gosec
	return int(binary.BigEndian.Uint32(sum[:4]) % MaxBuckets)
}

// Set inserts key/data with ttl seconds, first sweeping the bucket chain to
// remove any existing entries for key. A ttl of 0 is a silent no-op that
// leaves any existing entry for key untouched, matching addtocache()'s
// "if(!ttl) return;" guard.
func (s *Store) Set(key, data []byte, ttl uint32) {
	if ttl == 0 {
		return
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	idx := bucketIndex(key)
	expiry := time.Now().Unix() + int64(ttl)

	if s.logger != nil {
		s.logger.Debug("distserver set", "bucket", idx, "keylen", len(key), "datalen", len(data), "ttl", ttl)
	}

	s.locks[idx].Lock()
	defer s.locks[idx].Unlock()

	var newHead, tail *entry
	removed := int64(0)
	for cur := s.buckets[idx]; cur != nil; {
		next := cur.next
		if bytes.Equal(cur.key, key) {
			removed++
			cur = next
			continue
		}
		cur.next = nil
		if newHead == nil {
			newHead = cur
		} else {
			tail.next = cur
		}
		tail = cur
		cur = next
	}
	if removed > 0 && s.logger != nil {
		s.logger.Debug("distserver set dedup", "bucket", idx, "removed", removed)
	}

	fresh := &entry{
		key:    append([]byte(nil), key...),
		data:   append([]byte(nil), data...),
		expiry: expiry,
	}
	if newHead == nil {
		newHead = fresh
	} else {
		tail.next = fresh
	}
	s.buckets[idx] = newHead

	s.sets.Add(1)
	s.entries.Add(1 - removed)
	if s.metrics != nil && s.metrics.DistServerEntries != nil {
		s.metrics.DistServerEntries.Add(context.Background(), 1-removed)
	}
}

// Get sweeps the bucket chain, removing expired duplicates of key
// encountered along the way, and returns the first live entry for key.
func (s *Store) Get(key []byte) (data []byte, ttlSeconds int, ok bool) {
	idx := bucketIndex(key)

	if s.logger != nil {
		s.logger.Debug("distserver get", "bucket", idx, "keylen", len(key))
	}

	s.locks[idx].Lock()
	defer s.locks[idx].Unlock()

	now := time.Now().Unix()
	var prev, result *entry

	for cur := s.buckets[idx]; cur != nil; {
		next := cur.next
		if bytes.Equal(cur.key, key) {
			if cur.expiry <= now {
				if prev == nil {
					s.buckets[idx] = next
				} else {
					prev.next = next
				}
				s.entries.Add(-1)
				if s.metrics != nil && s.metrics.DistServerEntries != nil {
					s.metrics.DistServerEntries.Add(context.Background(), -1)
				}
				if s.logger != nil {
					s.logger.Debug("distserver get expired sweep", "bucket", idx, "expiry", cur.expiry, "now", now)
				}
				cur = next
				continue
			}
			if result == nil {
				result = cur
			}
		}
		prev = cur
		cur = next
	}

	if result == nil {
		s.misses.Add(1)
		return nil, 0, false
	}

	remaining := result.expiry - now
	if remaining > MaxTTL {
		remaining = MaxTTL
	}
	s.hits.Add(1)
	return result.data, int(remaining), true
}

// Len returns the current total entry count across all buckets.
func (s *Store) Len() int64 {
	return s.entries.Load()
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Sets    uint64
	Entries int64
}

// Stats returns a point-in-time snapshot of the store's counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Sets:    s.sets.Load(),
		Entries: s.entries.Load(),
	}
}
