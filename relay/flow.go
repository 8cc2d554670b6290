package relay

import (
	"crypto/subtle"
	"fmt"

	"github.com/cvsouth/tor-relay/circuit"
)

// Window constants mirror stream.Stream's corrected four-window model
// (spec.md §3/§4.5/§8), but from the relay's perspective: a DATA cell this
// relay sends backward toward the origin is this relay's *package*
// direction, and a DATA cell arriving from the origin for this stream is
// this relay's *deliver* direction — the exact mirror image of the origin
// side's accounting.
const (
	circSendMeUnit   = 100
	streamSendMeUnit = 50

	initCircPackageWindow   = 1000
	initStreamPackageWindow = 500
	initCircDeliverWindow   = 1000
	initStreamDeliverWindow = 500

	circDeliverThreshold   = 900
	streamDeliverThreshold = 450

	sendMeVersion    = 1
	sendMeDigestLen  = 20
	sendMePayloadLen = 1 + 2 + sendMeDigestLen
)

func sendMeV1(digest []byte) []byte {
	payload := make([]byte, sendMePayloadLen)
	payload[0] = sendMeVersion
	payload[1] = 0
	payload[2] = sendMeDigestLen
	copy(payload[3:], digest[:sendMeDigestLen])
	return payload
}

func parseSendMeV1(payload []byte) ([]byte, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("SENDME payload too short: %d bytes", len(payload))
	}
	if payload[0] != sendMeVersion {
		return nil, fmt.Errorf("unsupported SENDME version %d", payload[0])
	}
	digestLen := int(payload[2])
	if digestLen != sendMeDigestLen || len(payload) < 3+digestLen {
		return nil, fmt.Errorf("malformed SENDME digest length %d", digestLen)
	}
	return payload[3 : 3+digestLen], nil
}

// handleStreamDataReceived decrements this stream's deliver windows after a
// DATA cell arrives from the origin, emitting circuit and/or stream SENDMEs
// once their threshold is crossed. The SENDME echoes this hop's forward
// digest: df is advanced by PeelForward on every cell received from the
// origin, so echoing it lets the origin verify this relay really received
// the cells it is acknowledging.
func (t *Table) handleStreamDataReceived(es *edgeStream) error {
	if t.circDeliverWindow <= 0 || es.streamDeliverWindow <= 0 {
		return fmt.Errorf("deliver window exhausted (circ=%d, stream=%d): protocol violation", t.circDeliverWindow, es.streamDeliverWindow)
	}

	t.circDeliverWindow--
	es.streamDeliverWindow--

	if t.circDeliverWindow <= circDeliverThreshold {
		digest := t.circ.Hop.ForwardDigest()
		if err := t.circ.SealBackward(circuit.RelaySendMe, 0, sendMeV1(digest)); err != nil {
			return fmt.Errorf("send circuit SENDME: %w", err)
		}
		t.circDeliverWindow += circSendMeUnit
	}

	if es.streamDeliverWindow <= streamDeliverThreshold {
		digest := t.circ.Hop.ForwardDigest()
		if err := t.circ.SealBackward(circuit.RelaySendMe, es.id, sendMeV1(digest)); err != nil {
			return fmt.Errorf("send stream SENDME: %w", err)
		}
		es.streamDeliverWindow += streamSendMeUnit
	}

	return nil
}

// handleCircuitSendMe validates an inbound circuit-level SENDME's digest
// echo against this relay's own backward digest (db, advanced by every
// SealBackward this relay performs) and, if it matches, refills the shared
// circuit package window.
func (t *Table) handleCircuitSendMe(payload []byte) error {
	echoed, err := parseSendMeV1(payload)
	if err != nil {
		return fmt.Errorf("circuit SENDME: %w", err)
	}
	want := t.circ.Hop.BackwardDigest()
	if subtle.ConstantTimeCompare(echoed, want[:sendMeDigestLen]) != 1 {
		return fmt.Errorf("circuit SENDME digest mismatch: protocol violation")
	}
	t.circPackageWindow += circSendMeUnit
	return nil
}

// handleStreamSendMe validates and applies an inbound stream-level SENDME.
func (t *Table) handleStreamSendMe(es *edgeStream, payload []byte) error {
	echoed, err := parseSendMeV1(payload)
	if err != nil {
		return fmt.Errorf("stream SENDME: %w", err)
	}
	want := t.circ.Hop.BackwardDigest()
	if subtle.ConstantTimeCompare(echoed, want[:sendMeDigestLen]) != 1 {
		return fmt.Errorf("stream SENDME digest mismatch: protocol violation")
	}
	es.streamPackageWindow += streamSendMeUnit
	return nil
}
