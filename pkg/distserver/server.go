package distserver

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/telemetry"
	"github.com/dcache/dcache/pkg/wire"
)

// Server accepts TCP connections and dispatches each to the store below.
//
// The source models this as a single-threaded readiness-based event loop;
// here one goroutine per accepted connection, cancelled via ctx, is the
// idiomatic substitution (see the ledger entry for why this preserves
// the "one read/dispatch/write cycle per connection, bounded shutdown
// latency, non-fatal accept errors" contract rather than deviating from
// it).
type Server struct {
	listener net.Listener
	store    *Store
	logger   *logging.Logger
	metrics  *telemetry.Metrics
}

// New binds addr and returns a Server ready to Serve.
func New(addr string, store *Store, logger *logging.Logger, metrics *telemetry.Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, store: store, logger: logger, metrics: metrics}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, handling each on its
// own goroutine. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept error, continuing", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if s.metrics != nil && s.metrics.DistServerRequests != nil {
		s.metrics.DistServerRequests.Add(context.Background(), 1)
	}

	frame, err := readFrame(conn)
	if err != nil {
		return // malformed/short frame: silent drop, no response
	}

	req, err := wire.DecodeRequest(frame)
	if err != nil {
		return
	}

	switch req.Op {
	case wire.OpSet:
		s.store.Set(req.Key, req.Data, req.TTL)

	case wire.OpGet:
		data, ttl, ok := s.store.Get(req.Key)
		var resp []byte
		if ok {
			resp = wire.EncodeGetResponse(data, uint32(ttl))
			if s.metrics != nil && s.metrics.DistServerHits != nil {
				s.metrics.DistServerHits.Add(context.Background(), 1)
			}
		} else {
			resp = wire.EncodeMissResponse()
			if s.metrics != nil && s.metrics.DistServerMisses != nil {
				s.metrics.DistServerMisses.Add(context.Background(), 1)
			}
		}
		_, _ = conn.Write(resp)
	}
}

// readFrame reads exactly one SET or GET frame off conn, using each
// opcode's fixed header to learn how many more bytes follow.
func readFrame(conn net.Conn) ([]byte, error) {
	opcode := make([]byte, 1)
	if _, err := io.ReadFull(conn, opcode); err != nil {
		return nil, err
	}

	switch wire.Opcode(opcode[0]) {
	case wire.OpSet:
		rest := make([]byte, 12) // keylen + datalen + ttl
		if _, err := io.ReadFull(conn, rest); err != nil {
			return nil, err
		}
		keylen := binary.BigEndian.Uint32(rest[0:4])
		datalen := binary.BigEndian.Uint32(rest[4:8])
		if keylen == 0 || keylen > wire.MaxKeyLen || datalen > wire.MaxDataLen {
			return nil, errors.New("distserver: SET keylen/datalen out of bounds")
		}
		body := make([]byte, keylen+datalen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return nil, err
		}
		return append(append(opcode, rest...), body...), nil

	case wire.OpGet:
		rest := make([]byte, 4) // keylen
		if _, err := io.ReadFull(conn, rest); err != nil {
			return nil, err
		}
		keylen := binary.BigEndian.Uint32(rest)
		if keylen == 0 || keylen > wire.MaxKeyLen {
			return nil, errors.New("distserver: GET keylen out of bounds")
		}
		body := make([]byte, keylen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return nil, err
		}
		return append(append(opcode, rest...), body...), nil

	default:
		return nil, errors.New("distserver: unknown opcode")
	}
}

// Close closes the listening socket.
func (s *Server) Close() error {
	return s.listener.Close()
}
