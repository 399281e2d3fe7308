// Package ring implements the consistent-hash ring that routes cache keys
// to one of a pool of distributed cache servers: a sorted circular list of
// {hash position, ip, port}, rebuilt off to the side from a membership file
// and swapped into place under a single lock.
package ring

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // placement hash, not a security boundary
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dcache/dcache/pkg/telemetry"
)

// HashModulo bounds every node's and key's ring position. 999, not 9999 —
// see the ledger's Open Question resolutions for why this departs from the
// C original.
const HashModulo = 999

const (
	rehashStep   = 99
	maxCollision = 100
	minPort      = 1024
	maxPort      = 65535
)

// Node is one cache server placed on the ring.
type Node struct {
	HashPosition uint32
	IP           string
	Port         uint16
}

// Ring is a sorted, circular list of Nodes. The zero value is an empty,
// usable ring.
type Ring struct {
	mu      sync.Mutex
	nodes   []Node
	metrics *telemetry.Metrics
}

// New returns an empty ring. metrics may be nil.
func New(metrics *telemetry.Metrics) *Ring {
	return &Ring{metrics: metrics}
}

// Rebuild parses path (one "ip:port" entry per line) and atomically swaps
// in the resulting ring. It satisfies pkg/watch.Rebuilder.
func (r *Ring) Rebuild(path string) error {
	nodes, err := parseServerList(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous := len(r.nodes)
	r.nodes = nodes
	r.mu.Unlock()

	if r.metrics != nil && r.metrics.RingNodes != nil {
		r.metrics.RingNodes.Add(context.Background(), int64(len(nodes)-previous))
	}

	return nil
}

// ServerFor returns the node owning key: the first node whose hash position
// is >= the key's, wrapping to the first node if none qualifies. ok is
// false only when the ring is empty.
func (r *Ring) ServerFor(key []byte) (ip string, port uint16, ok bool) {
	if r.metrics != nil && r.metrics.RingLookups != nil {
		r.metrics.RingLookups.Add(context.Background(), 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) == 0 {
		return "", 0, false
	}

	target := hashPosition(key)
	for _, n := range r.nodes {
		if n.HashPosition >= target {
			return n.IP, n.Port, true
		}
	}

	return r.nodes[0].IP, r.nodes[0].Port, true
}

// Len reports the current node count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Nodes returns a caller-owned copy of the current ring, sorted by hash
// position. Intended for tests and diagnostics.
func (r *Ring) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

func hashPosition(b []byte) uint32 {
	sum := sha1.Sum(b) //nolint:gosec
	return binary.BigEndian.Uint32(sum[:4]) % HashModulo
}

func parseServerList(path string) ([]Node, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied membership file
	if err != nil {
		return nil, fmt.Errorf("open server list: %w", err)
	}
	defer func() { _ = f.Close() }()

	occupied := make(map[uint32]bool)
	var nodes []Node

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		node, ok := parseEntry(line, occupied)
		if !ok {
			continue
		}

		occupied[node.HashPosition] = true
		nodes = append(nodes, node)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read server list: %w", err)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].HashPosition < nodes[j].HashPosition
	})

	return nodes, nil
}

func parseEntry(line string, occupied map[uint32]bool) (Node, bool) {
	idx := strings.LastIndex(line, ":")
	if idx <= 0 || idx == len(line)-1 {
		return Node{}, false
	}

	ip := line[:idx]
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil || port < minPort || port > maxPort {
		return Node{}, false
	}

	pos := hashPosition([]byte(line))
	for attempts := 0; occupied[pos] && attempts < maxCollision; attempts++ {
		pos = (pos + rehashStep) % HashModulo
	}
	if occupied[pos] {
		return Node{}, false
	}

	return Node{HashPosition: pos, IP: ip, Port: uint16(port)}, true
}
