package xcert

import (
	"bytes"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CAConfig is the configuration for generating a CA.
type CAConfig struct {
	// Defaults to one year.
	ValidFor time.Duration

	// Optional subject; a generic default is used otherwise.
	Subject *pkix.Name
}

// LeafConfig is the configuration for generating a leaf certificate.
type LeafConfig struct {
	// Defaults to 30 days.
	ValidFor time.Duration

	// Optional subject; defaults to the first DNS name.
	Subject *pkix.Name

	// At least one DNS name is required.
	DNSNames    []string
	IPAddresses []net.IP
}

// CA is an ed25519 certificate authority that signs peer leaf certificates.
type CA struct {
	CertPEM []byte
	KeyPEM  []byte

	Cert    *x509.Certificate
	PrivKey ed25519.PrivateKey
}

// Leaf is a peer certificate signed by a [CA].
type Leaf struct {
	CertPEM []byte
	KeyPEM  []byte

	Cert    *x509.Certificate
	TLSCert tls.Certificate

	Chain Chain
}

// ID returns the leaf's peer identity.
func (l *Leaf) ID() PeerID {
	return PeerIDFromCert(l.Cert)
}

// GenerateCA generates a new self-signed CA.
func GenerateCA(cfg CAConfig) (*CA, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	validFor := cfg.ValidFor
	if validFor == 0 {
		validFor = 365 * 24 * time.Hour
	}

	name := pkix.Name{
		Organization: []string{"xstream"},
		CommonName:   "xstream CA",
	}
	if cfg.Subject != nil {
		name = *cfg.Subject
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),

		Subject:   name,
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			// Must cover every extended usage of the leaves it signs.
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(nil, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, certPEM, keyPEM, err := encodePair(der, priv)
	if err != nil {
		return nil, err
	}

	return &CA{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		Cert:    cert,
		PrivKey: priv,
	}, nil
}

// LoadCA parses a CA previously written from [CA.CertPEM] and [CA.KeyPEM].
func LoadCA(certPEM, keyPEM []byte) (*CA, error) {
	cb, _ := pem.Decode(certPEM)
	if cb == nil || cb.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block in CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}

	kb, _ := pem.Decode(keyPEM)
	if kb == nil || kb.Type != "PRIVATE KEY" {
		return nil, errors.New("no PRIVATE KEY block in CA key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(kb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key must be ed25519 (got %T)", key)
	}

	return &CA{
		CertPEM: bytes.Clone(certPEM),
		KeyPEM:  bytes.Clone(keyPEM),
		Cert:    cert,
		PrivKey: priv,
	}, nil
}

// ParseCertificatePEM parses a single PEM-encoded certificate.
func ParseCertificatePEM(b []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block in PEM input")
	}
	return x509.ParseCertificate(block.Bytes)
}

// CreateLeaf generates a new leaf certificate signed by ca.
func (ca *CA) CreateLeaf(cfg LeafConfig) (*Leaf, error) {
	if len(cfg.DNSNames) == 0 {
		panic(errors.New("BUG: LeafConfig must contain at least one DNS name"))
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	validFor := cfg.ValidFor
	if validFor == 0 {
		validFor = 30 * 24 * time.Hour
	}

	name := pkix.Name{
		Organization: []string{"xstream peer"},
		CommonName:   cfg.DNSNames[0],
	}
	if cfg.Subject != nil {
		name = *cfg.Subject
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      name,
		NotBefore:    time.Now().Add(-15 * time.Second),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		DNSNames:    cfg.DNSNames,
		IPAddresses: cfg.IPAddresses,

		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(nil, template, ca.Cert, pub, ca.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, certPEM, keyPEM, err := encodePair(der, priv)
	if err != nil {
		return nil, err
	}

	return &Leaf{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,

		Cert: cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  priv,
			Leaf:        cert,
		},

		Chain: Chain{Leaf: cert, Root: ca.Cert},
	}, nil
}

func encodePair(der []byte, priv ed25519.PrivateKey) (
	cert *x509.Certificate, certPEM, keyPEM []byte, err error,
) {
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
	}
	certPEM = bytes.Clone(buf.Bytes())

	buf.Reset()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	keyPEM = buf.Bytes() // Last use of buf.

	return cert, certPEM, keyPEM, nil
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	num, err := crand.Int(crand.Reader, limit)
	if err != nil {
		panic(fmt.Errorf("failed to create random serial: %w", err))
	}
	return num
}
