// Package distclient implements the distributed cache client: it routes a
// key through the consistent-hash ring and speaks the wire protocol to
// whichever server owns it.
package distclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/ring"
	"github.com/dcache/dcache/pkg/telemetry"
	"github.com/dcache/dcache/pkg/wire"
)

// Client dispatches Get/Set calls to the ring-selected server. Any
// connect failure, timeout, or malformed response degrades to a miss (for
// Get) or a silent drop (for Set) rather than propagating an error — the
// distributed cache is a best-effort layer, never a source of truth.
type Client struct {
	ring            *ring.Ring
	dialTimeout     time.Duration
	responseTimeout time.Duration
	logger          *logging.Logger
	metrics         *telemetry.Metrics
}

// New returns a Client that routes through r.
func New(r *ring.Ring, dialTimeout, responseTimeout time.Duration, logger *logging.Logger, metrics *telemetry.Metrics) *Client {
	return &Client{
		ring:            r,
		dialTimeout:     dialTimeout,
		responseTimeout: responseTimeout,
		logger:          logger,
		metrics:         metrics,
	}
}

// Set fires the encoded SET frame at the owning server and does not wait
// for any reply; a dial failure is logged and otherwise swallowed.
func (c *Client) Set(key, data []byte, ttl uint32) {
	c.incRequests()

	ip, port, ok := c.ring.ServerFor(key)
	if !ok {
		return
	}

	frame, err := wire.EncodeSetRequest(key, data, ttl)
	if err != nil {
		c.logger.Warn("distclient: dropping oversized SET", "error", err)
		return
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), c.dialTimeout)
	if err != nil {
		c.logger.Debug("distclient: SET dial failed", "server", fmt.Sprintf("%s:%d", ip, port), "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if _, err := conn.Write(frame); err != nil {
		c.logger.Debug("distclient: SET write failed", "error", err)
	}
}

// Get routes key to its owning server and waits up to responseTimeout for
// a reply. A timeout, connect failure, or short/malformed response is
// treated as a miss, never an error.
func (c *Client) Get(ctx context.Context, key []byte) (data []byte, ttlSeconds int, ok bool) {
	c.incRequests()

	ip, port, found := c.ring.ServerFor(key)
	if !found {
		return nil, 0, false
	}

	frame, err := wire.EncodeGetRequest(key)
	if err != nil {
		return nil, 0, false
	}

	addr := fmt.Sprintf("%s:%d", ip, port)
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Debug("distclient: GET dial failed", "server", addr, "error", err)
		return nil, 0, false
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.responseTimeout))

	if _, err := conn.Write(frame); err != nil {
		return nil, 0, false
	}

	buf := make([]byte, wire.MaxDataLen+8)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) && c.metrics != nil && c.metrics.DistClientTimeouts != nil {
			c.metrics.DistClientTimeouts.Add(context.Background(), 1)
		}
		return nil, 0, false
	}

	respData, ttl, hit, err := wire.DecodeGetResponse(buf[:n])
	if err != nil || !hit {
		return nil, 0, false
	}

	return respData, int(ttl), true
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *Client) incRequests() {
	if c.metrics != nil && c.metrics.DistClientRequests != nil {
		c.metrics.DistClientRequests.Add(context.Background(), 1)
	}
}
