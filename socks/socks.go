// Package socks is a minimal SOCKS5 proxy that bridges local TCP
// connections onto streams opened through a relaycore.Client, the way
// cmd/tor-client exposes the relay core to ordinary applications.
package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cvsouth/tor-relay/endreason"
	"github.com/cvsouth/tor-relay/relaycore"
)

const maxConns = 256

// Server is a SOCKS5 proxy server that routes traffic through a relay-core
// Client's streams.
type Server struct {
	Addr      string
	GetClient func() (*relaycore.Client, error) // called to get a client for each connection
	Logger    *slog.Logger
	ln        net.Listener
	sem       chan struct{}
}

// ListenAndServe starts the SOCKS5 server.
func (s *Server) ListenAndServe() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	// Validate the address is a loopback address to prevent accidental exposure.
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("SOCKS5 server must bind to loopback address, got %s", host)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener. Unlike ListenAndServe,
// this allows the caller to create the listener first and know the exact
// address before serving begins.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && !tcpAddr.IP.IsLoopback() {
		return fmt.Errorf("SOCKS5 server must bind to loopback address, got %s", tcpAddr.IP)
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("SOCKS5 server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the SOCKS5 server.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))

	if err := s.doHandshake(conn); err != nil {
		s.Logger.Debug("handshake failed", "error", err)
		return
	}

	target, err := s.readConnect(conn)
	if err != nil {
		s.Logger.Debug("connect request failed", "error", err)
		return
	}

	s.Logger.Info("SOCKS5 CONNECT", "target", target)

	client, err := s.GetClient()
	if err != nil {
		s.Logger.Error("get client failed", "error", err)
		sendReply(conn, 0x01) // General failure
		return
	}

	sh, err := client.OpenStream(target)
	if err != nil {
		s.Logger.Error("open stream failed", "error", err)
		sendReply(conn, 0x04) // Host unreachable
		return
	}
	defer func() { _ = sh.Close(endreason.Done) }()

	sendReply(conn, 0x00)
	_ = conn.SetDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(sh, conn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, sh)
	}()
	wg.Wait()
}

func (s *Server) doHandshake(conn net.Conn) error {
	var buf [258]byte
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	nMethods := int(buf[1])
	if nMethods == 0 {
		return fmt.Errorf("no methods offered")
	}
	if _, err := io.ReadFull(conn, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	found := false
	for i := 0; i < nMethods; i++ {
		if buf[i] == 0x00 {
			found = true
			break
		}
	}
	if !found {
		_, _ = conn.Write([]byte{0x05, 0xFF}) // No acceptable method
		return fmt.Errorf("client does not offer no-auth method")
	}

	_, err := conn.Write([]byte{0x05, 0x00}) // no auth
	return err
}

func (s *Server) readConnect(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return "", fmt.Errorf("bad version: %d", hdr[0])
	}
	if hdr[1] != 0x01 { // CONNECT
		sendReply(conn, 0x07) // Command not supported
		return "", fmt.Errorf("unsupported command: %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case 0x01: // IPv4
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", err
		}
		host = net.IP(addr[:]).String()
	case 0x03: // Domain name
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", err
		}
		host = string(domain)
		if host == "" {
			return "", fmt.Errorf("empty domain name")
		}
		if strings.HasSuffix(strings.ToLower(host), ".onion") {
			sendReply(conn, 0x04) // Host unreachable: hidden-service rendezvous is out of scope
			return "", fmt.Errorf("onion-service addresses not supported")
		}
	case 0x04: // IPv6
		sendReply(conn, 0x08) // Address type not supported
		return "", fmt.Errorf("IPv6 not supported")
	default:
		return "", fmt.Errorf("unknown address type: %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return fmt.Sprintf("%s:%d", host, port), nil
}

func sendReply(conn net.Conn, rep byte) {
	// VER(1) REP(1) RSV(1) ATYP(1) BND.ADDR(4) BND.PORT(2)
	reply := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}
