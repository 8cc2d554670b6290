package channel

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// Ed25519 Tor certificate types (cert-spec §2.1).
const (
	certTypeIdentitySigning = 4
	certTypeSigningTLS      = 5
)

// cert represents a parsed Ed25519 Tor certificate.
type cert struct {
	Version       uint8
	CertType      uint8
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	SigningKey    [32]byte // from extension type 0x04
	Signature     [64]byte
	Raw           []byte // full cert bytes for signature verification
}

func parseCert(data []byte) (*cert, error) {
	if len(data) < 39+64 { // minimum: 39 header + 64 signature
		return nil, fmt.Errorf("tor cert too short: %d bytes", len(data))
	}

	tc := &cert{
		Raw:           data,
		Version:       data[0],
		CertType:      data[1],
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(tc.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > len(data)-64 {
			return nil, fmt.Errorf("extension overflows cert at pos %d", pos)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-64 {
			return nil, fmt.Errorf("extension data overflows")
		}
		extData := data[pos : pos+extLen]
		if extType == 0x04 && len(extData) == 32 {
			copy(tc.SigningKey[:], extData)
		} else if extFlags&0x01 != 0 {
			return nil, fmt.Errorf("unrecognized critical extension type 0x%02x", extType)
		}
		pos += extLen
	}

	copy(tc.Signature[:], data[len(data)-64:])
	return tc, nil
}

func (tc *cert) verify(signingKey []byte) error {
	expTime := time.Unix(int64(tc.ExpirationHrs)*3600, 0)
	if time.Now().After(expTime) {
		return fmt.Errorf("cert expired at %v", expTime)
	}

	var pubKey ed25519.PublicKey
	if signingKey != nil {
		pubKey = ed25519.PublicKey(signingKey)
	} else {
		zeroKey := [32]byte{}
		if tc.SigningKey == zeroKey {
			return fmt.Errorf("no signing key extension (type 0x04) found and none provided")
		}
		pubKey = ed25519.PublicKey(tc.SigningKey[:])
	}

	signed := tc.Raw[:len(tc.Raw)-64]
	if !ed25519.Verify(pubKey, signed, tc.Signature[:]) {
		return fmt.Errorf("ed25519 signature verification failed")
	}
	return nil
}

// buildCert signs a fresh, minimal Tor Ed25519 certificate: certifiedKey under
// certType, signed by signingPriv, with signingPub embedded as extension 0x04
// (so a peer can verify it without an out-of-band signing key).
func buildCert(certType, keyType uint8, certifiedKey [32]byte, signingPub ed25519.PublicKey, signingPriv ed25519.PrivateKey, validFor time.Duration) []byte {
	expHrs := uint32(time.Now().Add(validFor).Unix() / 3600)

	header := make([]byte, 40)
	header[0] = 1 // version
	header[1] = certType
	binary.BigEndian.PutUint32(header[2:6], expHrs)
	header[6] = keyType
	copy(header[7:39], certifiedKey[:])
	header[39] = 1 // n_extensions

	ext := make([]byte, 4+32)
	binary.BigEndian.PutUint16(ext[0:2], 32)
	ext[2] = 0x04 // ext type: signing key
	ext[3] = 0x00 // flags: not critical
	copy(ext[4:], signingPub)

	signed := append(header, ext...)
	sig := ed25519.Sign(signingPriv, signed)
	return append(signed, sig...)
}

// validateCerts parses a CERTS cell payload and validates the Ed25519
// certificate chain, returning the peer's Ed25519 identity key.
func validateCerts(payload []byte, peerCertHash []byte, logger *slog.Logger) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	nCerts := payload[0]
	logger.Debug("certs cell", "n_certs", nCerts)

	pos := 1
	var cert4, cert5 *cert

	for i := uint8(0); i < nCerts; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("certs cell truncated at cert %d", i)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, fmt.Errorf("cert %d data overflows (type=%d, len=%d)", i, certType, certLen)
		}
		certData := payload[pos : pos+certLen]
		pos += certLen

		switch certType {
		case certTypeIdentitySigning:
			tc, err := parseCert(certData)
			if err != nil {
				return nil, fmt.Errorf("parse cert type 4: %w", err)
			}
			cert4 = tc
		case certTypeSigningTLS:
			tc, err := parseCert(certData)
			if err != nil {
				return nil, fmt.Errorf("parse cert type 5: %w", err)
			}
			cert5 = tc
		default:
			logger.Debug("skipping cert", "type", certType)
		}
	}

	if cert4 == nil {
		return nil, fmt.Errorf("missing CertType 4 (IDENTITY_V_SIGNING)")
	}
	if cert5 == nil {
		return nil, fmt.Errorf("missing CertType 5 (SIGNING_V_TLS_CERT)")
	}

	if err := cert4.verify(nil); err != nil {
		return nil, fmt.Errorf("cert type 4 verification: %w", err)
	}
	identityKey := cert4.SigningKey
	signingKey := cert4.CertifiedKey

	if err := cert5.verify(signingKey[:]); err != nil {
		return nil, fmt.Errorf("cert type 5 verification: %w", err)
	}

	if cert5.KeyType != 0x03 {
		return nil, fmt.Errorf("cert type 5 key type should be 0x03 (SHA256-of-X509), got 0x%02x", cert5.KeyType)
	}
	if !hmac.Equal(cert5.CertifiedKey[:], peerCertHash[:32]) {
		return nil, fmt.Errorf("cert type 5 certified key does not match TLS certificate hash")
	}

	return identityKey[:], nil
}

// buildCertsCell assembles a CERTS cell carrying this identity's type-4 and
// type-5 certificates, certifying ourIdentity's TLS certificate hash.
func buildCertsCell(id *Identity, tlsCertHash [32]byte) []byte {
	var signingPubArr [32]byte
	copy(signingPubArr[:], id.SigningPub)

	cert5Body := buildCert(certTypeSigningTLS, 0x03, tlsCertHash, id.SigningPub, id.SigningPriv, 30*24*time.Hour)
	cert4Body := buildCert(certTypeIdentitySigning, 0x01, signingPubArr, id.IdentityPub, id.IdentityPriv, 365*24*time.Hour)

	payload := make([]byte, 0, 1+3+len(cert4Body)+3+len(cert5Body))
	payload = append(payload, 2) // n_certs

	payload = append(payload, certTypeIdentitySigning)
	payload = append(payload, byte(len(cert4Body)>>8), byte(len(cert4Body)))
	payload = append(payload, cert4Body...)

	payload = append(payload, certTypeSigningTLS)
	payload = append(payload, byte(len(cert5Body)>>8), byte(len(cert5Body)))
	payload = append(payload, cert5Body...)

	return payload
}
