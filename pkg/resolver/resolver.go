// Package resolver is the thin seam between a DNS question and the cache
// core: it builds a cache key from the question and dispatches Get/Set to
// whichever backend is configured, either the single-process arena cache
// or the distributed client. It does no DNS message parsing, forwarding,
// blocking, or policy evaluation — that is a caller's concern.
package resolver

import (
	"context"
	"strconv"
	"sync"

	"github.com/dcache/dcache/pkg/arenacache"
	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/distclient"
	"github.com/dcache/dcache/pkg/logging"

	"github.com/miekg/dns"
)

// Resolver dispatches cache operations for DNS questions to one backend.
type Resolver struct {
	distributed bool

	arena   *arenacache.Arena
	arenaMu sync.Mutex // the arena has no internal locking; callers own one

	client *distclient.Client

	logger *logging.Logger
}

// New builds a Resolver. Exactly one of arena or client should be
// non-nil, matching cfg.Distributed.Enabled.
func New(cfg *config.Config, arena *arenacache.Arena, client *distclient.Client, logger *logging.Logger) *Resolver {
	return &Resolver{
		distributed: cfg.Distributed.Enabled,
		arena:       arena,
		client:      client,
		logger:      logger,
	}
}

// Get looks up the cached response for q.
func (r *Resolver) Get(ctx context.Context, q dns.Question) (data []byte, ttlSeconds int, ok bool) {
	key := cacheKey(q)

	if r.distributed {
		return r.client.Get(ctx, key)
	}

	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	return r.arena.Get(key)
}

// Set stores data for q with the given ttl in seconds.
func (r *Resolver) Set(q dns.Question, data []byte, ttlSeconds int) {
	key := cacheKey(q)

	if r.distributed {
		r.client.Set(key, data, uint32(ttlSeconds))
		return
	}

	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	r.arena.Set(key, data, ttlSeconds)
}

// Delete removes any cached entry for q. The distributed backend has no
// delete operation on the wire (C3 only defines GET/SET); Delete is a
// no-op there.
func (r *Resolver) Delete(q dns.Question) {
	if r.distributed {
		return
	}

	key := cacheKey(q)
	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	r.arena.Delete(key)
}

// cacheKey builds a "name:qtype" key from a question, the same shape the
// DNS forwarder this package was distilled from used for its own cache.
func cacheKey(q dns.Question) []byte {
	return []byte(q.Name + ":" + strconv.Itoa(int(q.Qtype)))
}
