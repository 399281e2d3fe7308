// Package arenacache implements the single-process, fixed-capacity cache: a
// byte buffer holding a doubly-linked FIFO of TTL'd entries with an
// XOR-linked per-bucket collision chain, insertion at the head, eviction at
// the tail.
package arenacache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/telemetry"
)

const (
	// MaxKeyLen is the largest key accepted by Set; longer keys are a
	// silent no-op.
	MaxKeyLen = 1000
	// MaxDataLen is the largest value accepted by Set.
	MaxDataLen = 1_000_000
	// MaxTTL clamps any caller-supplied TTL, in seconds.
	MaxTTL = 604800

	entryHeaderLen = 20 // link(4) + keylen(4) + datalen(4) + expiry(8)
	maxHops        = 100
)

// Arena is a fixed-size byte buffer cache. It is not safe for concurrent
// use: callers must serialize all Get/Set/Delete calls themselves (see
// Arena single-writer assumption in the ledger).
type Arena struct {
	buf      []byte
	size     uint32
	hsize    uint32
	writer   uint32
	oldest   uint32
	unused   uint32
	motion   atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64
	sets     atomic.Uint64
	evicts   atomic.Uint64
	deletes  atomic.Uint64
	logger   *logging.Logger
	metrics  *telemetry.Metrics
}

// Stats is a point-in-time snapshot of arena counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Evictions uint64
	Deletes   uint64
	Motion    uint64
}

// New allocates and zeroes an arena of cfg.SizeBytes.
func New(cfg *config.ArenaConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Arena, error) {
	if cfg.SizeBytes < 100 {
		return nil, fmt.Errorf("arena size must be >= 100 bytes, got %d", cfg.SizeBytes)
	}

	size := uint32(cfg.SizeBytes)
	hsize := headSize(cfg.SizeBytes)

	a := &Arena{
		buf:     make([]byte, size),
		size:    size,
		hsize:   hsize,
		writer:  hsize,
		oldest:  size,
		unused:  size,
		logger:  logger,
		metrics: metrics,
	}

	logger.Info("arena initialized", "size_bytes", size, "head_bytes", hsize, "buckets", hsize/4)

	return a, nil
}

// headSize picks the bucket-head table size: a power of two, 4 <= hsize <=
// size/16, or the smallest valid power of two (4) for small arenas.
func headSize(size int) uint32 {
	if size < 128 {
		return 4
	}
	h := uint32(4)
	for int(h)*16*2 <= size {
		h *= 2
	}
	return h
}

func (a *Arena) corrupt(reason string) {
	a.logger.Error("arena corruption detected, terminating", "reason", reason)
	os.Exit(111)
}

func (a *Arena) readU32(pos uint32) uint32 {
	if pos > a.size-4 {
		a.corrupt(fmt.Sprintf("read out of bounds at offset %d", pos))
	}
	return binary.BigEndian.Uint32(a.buf[pos : pos+4])
}

func (a *Arena) writeU32(pos, v uint32) {
	if pos > a.size-4 {
		a.corrupt(fmt.Sprintf("write out of bounds at offset %d", pos))
	}
	binary.BigEndian.PutUint32(a.buf[pos:pos+4], v)
}

func (a *Arena) readExpiry(pos uint32) int64 {
	if pos > a.size-8 {
		a.corrupt(fmt.Sprintf("expiry read out of bounds at offset %d", pos))
	}
	return int64(binary.BigEndian.Uint64(a.buf[pos : pos+8]))
}

func (a *Arena) writeExpiry(pos uint32, v int64) {
	if pos > a.size-8 {
		a.corrupt(fmt.Sprintf("expiry write out of bounds at offset %d", pos))
	}
	binary.BigEndian.PutUint64(a.buf[pos:pos+8], uint64(v))
}

// bucketHead computes the djb-style hash over key bytes and returns the
// offset of the corresponding bucket-head slot.
func (a *Arena) bucketHead(key []byte) uint32 {
	h := uint32(5381)
	for _, b := range key {
		h = ((h << 5) + h) ^ uint32(b)
	}
	return (h << 2) & (a.hsize - 4)
}

// Get locates the newest live entry for key, returning a view into the
// arena's backing buffer and the remaining TTL in seconds.
func (a *Arena) Get(key []byte) (data []byte, ttlSeconds int, ok bool) {
	if a.metrics != nil && a.metrics.ArenaGets != nil {
		a.metrics.ArenaGets.Add(context.Background(), 1)
	}

	if len(key) == 0 || len(key) > MaxKeyLen {
		a.recordMiss()
		return nil, 0, false
	}

	bucket := a.bucketHead(key)
	prev := bucket
	curr := a.readU32(prev)

	a.logger.Debug("arena get", "bucket", bucket, "keylen", len(key), "pos", curr)

	for hops := 0; curr != 0; hops++ {
		if hops >= maxHops {
			a.recordMiss()
			return nil, 0, false
		}

		next := prev ^ a.readU32(curr)
		a.logger.Debug("arena get walk", "prevpos", prev, "pos", curr, "nextpos", next)

		keylen := a.readU32(curr + 4)
		if keylen == uint32(len(key)) {
			keyStart := curr + entryHeaderLen
			if keyStart+keylen <= a.size && keysEqual(a.buf[keyStart:keyStart+keylen], key) {
				datalen := a.readU32(curr + 8)
				expiry := a.readExpiry(curr + 12)
				now := time.Now().Unix()
				if expiry <= now {
					a.recordMiss()
					return nil, 0, false
				}
				remaining := expiry - now
				if remaining > MaxTTL {
					remaining = MaxTTL
				}
				dataStart := keyStart + keylen
				a.recordHit()
				return a.buf[dataStart : dataStart+datalen], int(remaining), true
			}
		}

		prev = curr
		curr = next
	}

	a.recordMiss()
	return nil, 0, false
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Set inserts key/data with the given TTL in seconds, evicting the oldest
// entries as needed to make room. It is a silent no-op for ttl == 0,
// oversized keys, or oversized data.
func (a *Arena) Set(key, data []byte, ttl int) {
	if ttl <= 0 || len(key) > MaxKeyLen || len(data) > MaxDataLen {
		return
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	entrylen := uint32(entryHeaderLen + len(key) + len(data))

	a.logger.Debug("arena set", "keylen", len(key), "datalen", len(data), "ttl", ttl, "writer", a.writer, "oldest", a.oldest)

	for a.writer+entrylen > a.oldest {
		if a.oldest == a.unused {
			if a.writer <= a.hsize {
				// Doesn't fit even in a freshly wrapped, empty arena.
				return
			}
			a.unused = a.writer
			a.oldest = a.hsize
			a.writer = a.hsize
			a.logger.Debug("arena set wrap", "oldest", a.oldest, "writer", a.writer, "unused", a.unused)
			continue
		}

		neighbour := a.readU32(a.oldest)
		a.writeU32(neighbour, a.readU32(neighbour)^a.oldest)

		keylenOld := a.readU32(a.oldest + 4)
		datalenOld := a.readU32(a.oldest + 8)
		a.oldest += entryHeaderLen + keylenOld + datalenOld

		if a.oldest > a.unused {
			a.corrupt("oldest advanced past unused boundary")
		}
		if a.oldest == a.unused {
			a.unused = a.size
			a.oldest = a.size
			a.logger.Debug("arena set reset oldest & unused", "boundary", a.size)
		}

		a.logger.Debug("arena set evict", "oldest moved to", a.oldest)

		a.evicts.Add(1)
		if a.metrics != nil && a.metrics.ArenaEvictions != nil {
			a.metrics.ArenaEvictions.Add(context.Background(), 1)
		}
	}

	bucket := a.bucketHead(key)
	prevnewest := a.readU32(bucket)
	if prevnewest != 0 {
		a.writeU32(prevnewest, a.readU32(prevnewest)^bucket^a.writer)
	}

	p := a.writer
	link := prevnewest ^ bucket
	a.logger.Debug("arena set bucket", "bucket", bucket, "pos", p)
	a.writeU32(p, link)
	a.writeU32(p+4, uint32(len(key)))
	a.writeU32(p+8, uint32(len(data)))
	a.writeExpiry(p+12, time.Now().Unix()+int64(ttl))
	copy(a.buf[p+entryHeaderLen:p+entryHeaderLen+uint32(len(key))], key)
	copy(a.buf[p+entryHeaderLen+uint32(len(key)):p+entryHeaderLen+uint32(len(key))+uint32(len(data))], data)

	a.writeU32(bucket, p)
	a.writer += entrylen

	a.sets.Add(1)
	a.motion.Add(uint64(entrylen))
	if a.metrics != nil {
		if a.metrics.ArenaSets != nil {
			a.metrics.ArenaSets.Add(context.Background(), 1)
		}
		if a.metrics.ArenaMotion != nil {
			a.metrics.ArenaMotion.Add(context.Background(), int64(entrylen))
		}
	}
}

func (a *Arena) recordHit() {
	a.hits.Add(1)
	if a.metrics != nil && a.metrics.ArenaHits != nil {
		a.metrics.ArenaHits.Add(context.Background(), 1)
	}
}

func (a *Arena) recordMiss() {
	a.misses.Add(1)
	if a.metrics != nil && a.metrics.ArenaMisses != nil {
		a.metrics.ArenaMisses.Add(context.Background(), 1)
	}
}

// Delete expires the newest matching entry by rewriting its expiry to the
// past. It is a silent no-op if key is absent.
func (a *Arena) Delete(key []byte) {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return
	}

	bucket := a.bucketHead(key)
	prev := bucket
	curr := a.readU32(prev)

	for hops := 0; curr != 0; hops++ {
		if hops >= maxHops {
			return
		}

		keylen := a.readU32(curr + 4)
		if keylen == uint32(len(key)) {
			keyStart := curr + entryHeaderLen
			if keyStart+keylen <= a.size && keysEqual(a.buf[keyStart:keyStart+keylen], key) {
				a.writeExpiry(curr+12, time.Now().Unix()-10)
				a.deletes.Add(1)
				return
			}
		}

		next := prev ^ a.readU32(curr)
		prev = curr
		curr = next
	}
}

// Motion returns the monotonic byte counter incremented by entrylen on
// every successful Set.
func (a *Arena) Motion() uint64 {
	return a.motion.Load()
}

// Stats returns a point-in-time snapshot of the arena's counters.
func (a *Arena) Stats() Stats {
	return Stats{
		Hits:      a.hits.Load(),
		Misses:    a.misses.Load(),
		Sets:      a.sets.Load(),
		Evictions: a.evicts.Load(),
		Deletes:   a.deletes.Load(),
		Motion:    a.motion.Load(),
	}
}
