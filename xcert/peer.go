// Package xcert contains peer identity and certificate handling.
//
// A peer is identified by the SHA-256 digest
// of its leaf certificate's subject public key info,
// so re-issuing a certificate for the same key keeps the same [PeerID].
package xcert

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// PeerID identifies a peer by its public key.
type PeerID [sha256.Size]byte

// PeerIDFromCert derives the PeerID for cert.
func PeerIDFromCert(cert *x509.Certificate) PeerID {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// PeerIDFromTLS derives the remote PeerID from a completed TLS handshake.
func PeerIDFromTLS(s tls.ConnectionState) (PeerID, error) {
	if len(s.PeerCertificates) == 0 {
		return PeerID{}, errors.New("connection state had no peer certificates")
	}
	return PeerIDFromCert(s.PeerCertificates[0]), nil
}

// ParsePeerID parses the full hex form produced by [PeerID.Hex].
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("failed to decode peer ID: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("peer ID must be %d bytes (got %d)", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the full hex encoding of id.
func (id PeerID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String returns a shortened hex form suitable for logs.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:6])
}

// IsZero reports whether id is unset.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Chain is the leaf and root of a verified certificate chain.
// Intermediate certificates are not retained.
type Chain struct {
	Leaf, Root *x509.Certificate
}

// NewChainFromTLSConnectionState returns the first verified chain in s.
func NewChainFromTLSConnectionState(s tls.ConnectionState) (Chain, error) {
	if len(s.VerifiedChains) == 0 {
		return Chain{}, errors.New("connection state had no verified chains")
	}

	vc := s.VerifiedChains[0]
	if len(vc) < 2 {
		return Chain{}, fmt.Errorf(
			"verified chain must have at least two entries (got %d)", len(vc),
		)
	}

	return Chain{Leaf: vc[0], Root: vc[len(vc)-1]}, nil
}

// PeerID returns the identity of the chain's leaf.
func (c Chain) PeerID() PeerID {
	return PeerIDFromCert(c.Leaf)
}
