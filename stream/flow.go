package stream

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/tor-relay/circuit"
)

const (
	// Package-window refill granted by one circuit/stream SENDME unit.
	circSendMeUnit   = 100
	streamSendMeUnit = 50

	// Initial windows (spec.md §3/§8: 0 ≤ window ≤ these ceilings).
	initCircPackageWindow   = 1000
	initStreamPackageWindow = 500
	initCircDeliverWindow   = 1000
	initStreamDeliverWindow = 500

	// Deliver-window thresholds that trigger an outgoing SENDME: circuit at
	// 900 (having received 100 cells since the last one), stream at 450.
	circDeliverThreshold   = 900
	streamDeliverThreshold = 450

	sendMeVersion    = 1
	sendMeDigestLen  = 20
	sendMePayloadLen = 1 + 2 + sendMeDigestLen
)

// sendMeV1 builds a SENDME v1 payload embedding digest, the sender's proof
// of how many cells it has actually processed (tor-spec prop 289).
func sendMeV1(digest []byte) []byte {
	payload := make([]byte, sendMePayloadLen)
	payload[0] = sendMeVersion
	binary.BigEndian.PutUint16(payload[1:3], sendMeDigestLen)
	copy(payload[3:], digest[:sendMeDigestLen])
	return payload
}

// parseSendMeV1 extracts the embedded digest from a SENDME v1 payload.
func parseSendMeV1(payload []byte) ([]byte, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("SENDME payload too short: %d bytes", len(payload))
	}
	if payload[0] != sendMeVersion {
		return nil, fmt.Errorf("unsupported SENDME version %d", payload[0])
	}
	digestLen := int(binary.BigEndian.Uint16(payload[1:3]))
	if digestLen != sendMeDigestLen || len(payload) < 3+digestLen {
		return nil, fmt.Errorf("malformed SENDME digest length %d", digestLen)
	}
	return payload[3 : 3+digestLen], nil
}

// handleDataReceived tracks the deliver-direction windows after receiving
// one DATA cell, emitting circuit- and/or stream-level SENDMEs once their
// deliver window has dropped to its threshold. It never touches the
// package-direction windows: those only grow when a peer's SENDME is
// received and its digest echo validated, never as a side effect of us
// emitting our own.
func (s *Stream) handleDataReceived() error {
	if s.circDeliverWindow <= 0 || s.streamDeliverWindow <= 0 {
		return fmt.Errorf("deliver window exhausted (circ=%d, stream=%d): protocol violation", s.circDeliverWindow, s.streamDeliverWindow)
	}

	s.circDeliverWindow--
	s.streamDeliverWindow--

	if s.circDeliverWindow <= circDeliverThreshold {
		digest := s.Circuit.BackwardDigest()
		if err := s.Circuit.SendRelay(circuit.RelaySendMe, 0, sendMeV1(digest)); err != nil {
			return fmt.Errorf("send circuit SENDME: %w", err)
		}
		s.circDeliverWindow += circSendMeUnit
	}

	if s.streamDeliverWindow <= streamDeliverThreshold {
		digest := s.Circuit.BackwardDigest()
		if err := s.Circuit.SendRelay(circuit.RelaySendMe, s.ID, sendMeV1(digest)); err != nil {
			return fmt.Errorf("send stream SENDME: %w", err)
		}
		s.streamDeliverWindow += streamSendMeUnit
	}

	return nil
}

// handleCircuitSendMe validates and applies an inbound circuit-level SENDME,
// refilling the package window by exactly one unit on a matching digest
// echo. A non-matching echo is a protocol violation: the caller must close
// the circuit with TORPROTOCOL (spec.md §8).
func (s *Stream) handleCircuitSendMe(payload []byte) error {
	echoed, err := parseSendMeV1(payload)
	if err != nil {
		return fmt.Errorf("circuit SENDME: %w", err)
	}
	want := s.Circuit.ForwardDigest()
	if subtle.ConstantTimeCompare(echoed, want[:sendMeDigestLen]) != 1 {
		return fmt.Errorf("circuit SENDME digest mismatch: protocol violation")
	}
	s.circPackageWindow += circSendMeUnit
	return nil
}

// handleStreamSendMe validates and applies an inbound stream-level SENDME.
func (s *Stream) handleStreamSendMe(payload []byte) error {
	echoed, err := parseSendMeV1(payload)
	if err != nil {
		return fmt.Errorf("stream SENDME: %w", err)
	}
	want := s.Circuit.ForwardDigest()
	if subtle.ConstantTimeCompare(echoed, want[:sendMeDigestLen]) != 1 {
		return fmt.Errorf("stream SENDME digest mismatch: protocol violation")
	}
	s.streamPackageWindow += streamSendMeUnit
	return nil
}
