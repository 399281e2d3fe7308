package distserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/wire"
)

func startTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	store := NewStore(nil, nil)
	srv, err := New("127.0.0.1:0", store, logging.NewDefault(), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv, cancel
}

func TestServerSetThenGet(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	setFrame, _ := wire.EncodeSetRequest([]byte("k1"), []byte("hello"), 60)
	if _, err := conn.Write(setFrame); err != nil {
		t.Fatalf("write SET failed: %v", err)
	}
	_ = conn.Close()

	// Give the server a moment to process the fire-and-forget SET.
	time.Sleep(50 * time.Millisecond)

	conn2, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn2.Close()

	getFrame, _ := wire.EncodeGetRequest([]byte("k1"))
	if _, err := conn2.Write(getFrame); err != nil {
		t.Fatalf("write GET failed: %v", err)
	}

	_ = conn2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := conn2.Read(buf)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}

	data, ttl, hit, err := wire.DecodeGetResponse(buf[:n])
	if err != nil {
		t.Fatalf("DecodeGetResponse failed: %v", err)
	}
	if !hit {
		t.Fatal("expected hit after SET")
	}
	if string(data) != "hello" {
		t.Errorf("data = %q, want %q", data, "hello")
	}
	if ttl <= 0 {
		t.Errorf("ttl = %d, want > 0", ttl)
	}
}

func TestServerGetMiss(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	getFrame, _ := wire.EncodeGetRequest([]byte("absent"))
	if _, err := conn.Write(getFrame); err != nil {
		t.Fatalf("write GET failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}

	_, _, hit, err := wire.DecodeGetResponse(buf[:n])
	if err != nil {
		t.Fatalf("DecodeGetResponse failed: %v", err)
	}
	if hit {
		t.Error("expected miss for key never set")
	}
}

func TestServerMalformedFrameDropsConnectionSilently(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xFF, 0, 0, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	if err == nil {
		t.Error("expected connection to be closed with no response for unknown opcode")
	}
}

func TestServerShutdownStopsAccepting(t *testing.T) {
	srv, cancel := startTestServer(t)
	addr := srv.Addr().String()
	cancel()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Error("expected dial to fail after shutdown")
	}
}
