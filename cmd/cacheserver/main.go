// Command cacheserver runs the standalone distributed cache server: it
// binds one TCP listener and serves the wire protocol from an in-memory
// chained store. Usage: cacheserver <listen-ipv4> <port>.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dcache/dcache/pkg/distserver"
	"github.com/dcache/dcache/pkg/logging"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <listen-ipv4> <port>\n", os.Args[0])
		os.Exit(111)
	}

	ip := net.ParseIP(os.Args[1])
	if ip == nil || ip.To4() == nil {
		fmt.Fprintf(os.Stderr, "cacheserver: invalid listen address %q\n", os.Args[1])
		os.Exit(111)
	}

	port, err := strconv.Atoi(os.Args[2])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "cacheserver: invalid port %q\n", os.Args[2])
		os.Exit(111)
	}

	logger := logging.NewDefault()
	logging.SetGlobal(logger)

	store := distserver.NewStore(logger, nil)
	addr := fmt.Sprintf("%s:%d", ip.String(), port)
	srv, err := distserver.New(addr, store, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheserver: failed to bind %s: %v\n", addr, err)
		os.Exit(111)
	}

	logger.Info("cacheserver listening", "address", srv.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("cacheserver received SIGINT, shutting down")
		select {
		case err := <-errCh:
			if err != nil {
				logger.Error("cacheserver stopped with error", "error", err)
			}
		case <-time.After(5 * time.Second):
			logger.Warn("cacheserver shutdown timed out waiting for connections to drain")
		}
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "cacheserver: serve failed: %v\n", err)
			os.Exit(111)
		}
	}

	logger.Info("cacheserver stopped")
}
