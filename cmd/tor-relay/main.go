// Command tor-relay runs the relay (forwarding) role: it accepts inbound
// channels, answers CREATE2, forwards EXTEND2 to build out the rest of a
// path, and terminates exit traffic for circuits where it is the last hop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvsouth/tor-relay/config"
	"github.com/cvsouth/tor-relay/relay"
	"github.com/cvsouth/tor-relay/relaycore"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", "0.0.0.0:9001", "address to accept relay connections on")
	cacheDir := flag.String("cache-dir", "", "directory for the circuit-build-time distribution cache (empty disables persistence)")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== tor-relay %s ===\n", Version)
	fmt.Println()

	identity, err := relaycore.NewRelayIdentity()
	if err != nil {
		fmt.Printf("failed to generate relay identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Relay node id: %x\n", identity.NodeID)
	fmt.Printf("Onion public key: %x\n", identity.OnionPublic)

	cfg := config.Default()
	policy := relay.NewPortAllowlist(relay.DefaultExitPorts...)
	core := relaycore.NewCore(cfg, identity, relay.SystemResolver{}, policy, nil, *cacheDir, logger)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Printf("failed to listen on %s: %v\n", *addr, err)
		os.Exit(1)
	}
	fmt.Printf("Listening on %s\n", *addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = ln.Close()
	}()

	fmt.Println("Ready.")
	if err := core.Serve(ln); err != nil {
		logger.Info("serve ended", "error", err)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-relay-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
