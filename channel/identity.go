package channel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// Identity holds a relay's long-term Ed25519 identity and medium-term
// signing keypair, plus the ephemeral self-signed TLS certificate the
// channel transport presents. Tor relays rotate the signing key and TLS
// cert periodically; this implementation generates fresh ones per process
// lifetime, which is sufficient for the relay core's own handshake needs.
type Identity struct {
	IdentityPub  ed25519.PublicKey
	IdentityPriv ed25519.PrivateKey
	SigningPub   ed25519.PublicKey
	SigningPriv  ed25519.PrivateKey

	TLSCert tls.Certificate
}

// NewIdentity generates a fresh identity keypair, signing keypair, and a
// self-signed TLS certificate for the channel's TLS layer.
func NewIdentity() (*Identity, error) {
	idPub, idPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	tlsCert, err := selfSignedTLSCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS certificate: %w", err)
	}

	return &Identity{
		IdentityPub:  idPub,
		IdentityPriv: idPriv,
		SigningPub:   signPub,
		SigningPriv:  signPriv,
		TLSCert:      tlsCert,
	}, nil
}

// selfSignedTLSCert builds a short-lived, self-signed Ed25519 TLS
// certificate. Its identity is not trusted via the TLS PKI — the channel
// handshake's CERTS cell is what binds it to the relay's long-term
// identity — so its subject/serial are arbitrary.
func selfSignedTLSCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(7 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
