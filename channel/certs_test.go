package channel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"
)

func buildTestCert(certType uint8, keyType uint8, certifiedKey [32]byte, signingPrivKey ed25519.PrivateKey) []byte {
	buf := make([]byte, 0, 140)
	buf = append(buf, 0x01)
	buf = append(buf, certType)
	expHours := uint32(time.Now().Add(365*24*time.Hour).Unix() / 3600)
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expHours)
	buf = append(buf, expBuf[:]...)
	buf = append(buf, keyType)
	buf = append(buf, certifiedKey[:]...)

	buf = append(buf, 0x01)
	var extLenBuf [2]byte
	binary.BigEndian.PutUint16(extLenBuf[:], 32)
	buf = append(buf, extLenBuf[:]...)
	buf = append(buf, 0x04)
	buf = append(buf, 0x00)
	signingPubKey := signingPrivKey.Public().(ed25519.PublicKey)
	buf = append(buf, signingPubKey...)

	sig := ed25519.Sign(signingPrivKey, buf)
	buf = append(buf, sig...)
	return buf
}

func TestParseCertValid(t *testing.T) {
	_, privKey, _ := ed25519.GenerateKey(rand.Reader)
	var certifiedKey [32]byte
	copy(certifiedKey[:], "test-certified-key-32-bytes!!!!!")
	certData := buildTestCert(certTypeIdentitySigning, 0x01, certifiedKey, privKey)

	tc, err := parseCert(certData)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if tc.CertType != certTypeIdentitySigning {
		t.Fatalf("cert type: got %d, want %d", tc.CertType, certTypeIdentitySigning)
	}
	if tc.CertifiedKey != certifiedKey {
		t.Fatal("certified key mismatch")
	}
	if err := tc.verify(nil); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestParseCertExpired(t *testing.T) {
	_, privKey, _ := ed25519.GenerateKey(rand.Reader)
	var certifiedKey [32]byte
	certData := buildTestCert(certTypeIdentitySigning, 0x01, certifiedKey, privKey)
	binary.BigEndian.PutUint32(certData[2:6], 1) // expired in 1970
	sig := ed25519.Sign(privKey, certData[:len(certData)-64])
	copy(certData[len(certData)-64:], sig)

	tc, err := parseCert(certData)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := tc.verify(nil); err == nil {
		t.Fatal("expected expiration error")
	}
}

func TestParseCertTooShort(t *testing.T) {
	if _, err := parseCert([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error for too-short cert")
	}
}

func TestBuildAndValidateCertsRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	tlsCertHash := sha256.Sum256(id.TLSCert.Certificate[0])

	payload := buildCertsCell(id, tlsCertHash)

	logger := discardLogger()
	identityKey, err := validateCerts(payload, tlsCertHash[:], logger)
	if err != nil {
		t.Fatalf("validateCerts: %v", err)
	}
	if string(identityKey) != string([]byte(id.IdentityPub)) {
		t.Fatal("recovered identity key does not match")
	}
}

func TestValidateCertsRejectsWrongTLSHash(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	tlsCertHash := sha256.Sum256(id.TLSCert.Certificate[0])
	payload := buildCertsCell(id, tlsCertHash)

	var wrongHash [32]byte
	copy(wrongHash[:], "not-the-right-hash-at-all-nope!!")

	if _, err := validateCerts(payload, wrongHash[:], discardLogger()); err == nil {
		t.Fatal("expected rejection for mismatched TLS cert hash")
	}
}
