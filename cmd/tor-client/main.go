// Command tor-client is a minimal demonstration client built on relaycore:
// it loads a path (an ordered list of relay hops) from a JSON file, builds a
// circuit through it, and exposes the result as a local SOCKS5 proxy. The
// path itself is expected to come from a real directory/path-selection
// system (spec.md §1/§6 names both out of scope); this binary only consumes
// the PathProvider interface relaycore.BuildClient defines, it does not
// reimplement consensus fetching or path selection.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cvsouth/tor-relay/endreason"
	"github.com/cvsouth/tor-relay/relaycore"
	"github.com/cvsouth/tor-relay/socks"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== tor-client %s ===\n", Version)
	fmt.Println()

	pathFile := "path.json"
	if len(os.Args) > 1 {
		pathFile = os.Args[1]
	}

	provider, err := loadPathProvider(pathFile)
	if err != nil {
		fmt.Printf("load path file %s: %v\n", pathFile, err)
		os.Exit(1)
	}

	fmt.Println("Building circuit...")
	client, err := relaycore.BuildClient(provider, "general", logger)
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("  Circuit built.")

	runSOCKSProxy(client, logger)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// pathHopJSON is the on-disk shape of one path.json entry: hex-encoded keys
// alongside the dialable address, matching relaycore.PathHop.
type pathHopJSON struct {
	Identity       string `json:"identity"`
	OnionPublicKey string `json:"onion_public_key"`
	Address        string `json:"address"`
}

// staticPathProvider answers NextHopsFor from a path fixed at load time.
// A production deployment replaces this with a provider backed by a real
// directory/path-selection subsystem; relaycore.BuildClient only depends on
// the PathProvider interface, never on how the path was chosen.
type staticPathProvider struct {
	hops []relaycore.PathHop
}

func (p *staticPathProvider) NextHopsFor(purpose string) ([]relaycore.PathHop, error) {
	if len(p.hops) == 0 {
		return nil, fmt.Errorf("no path configured")
	}
	return p.hops, nil
}

func loadPathProvider(path string) (*staticPathProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var raw []pathHopJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("path must have at least one hop")
	}

	hops := make([]relaycore.PathHop, len(raw))
	for i, r := range raw {
		idBytes, err := hex.DecodeString(r.Identity)
		if err != nil || len(idBytes) != 20 {
			return nil, fmt.Errorf("hop %d: identity must be 20 hex-encoded bytes", i)
		}
		keyBytes, err := hex.DecodeString(r.OnionPublicKey)
		if err != nil || len(keyBytes) != 32 {
			return nil, fmt.Errorf("hop %d: onion_public_key must be 32 hex-encoded bytes", i)
		}
		if r.Address == "" {
			return nil, fmt.Errorf("hop %d: address is required", i)
		}
		copy(hops[i].Identity[:], idBytes)
		copy(hops[i].OnionPublicKey[:], keyBytes)
		hops[i].Address = r.Address
	}
	return &staticPathProvider{hops: hops}, nil
}

func runSOCKSProxy(client *relaycore.Client, logger *slog.Logger) {
	var mu sync.Mutex
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetClient: func() (*relaycore.Client, error) {
			mu.Lock()
			defer mu.Unlock()
			if client == nil {
				return nil, fmt.Errorf("circuit destroyed")
			}
			return client, nil
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		mu.Lock()
		_ = client.Close(endreason.None)
		client = nil
		mu.Unlock()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
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
