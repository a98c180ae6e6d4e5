package xcert_test

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xcert/xcerttest"
	"github.com/stretchr/testify/require"
)

func TestCreateLeaf_verifiesAgainstCA(t *testing.T) {
	t.Parallel()

	ca := xcerttest.NewCA(t)
	leaf := xcerttest.NewLocalLeaf(t, ca, 0)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)

	chains, err := leaf.Cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		DNSName:   "leaf00.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)
	require.Len(t, chains, 1)

	require.Equal(t, leaf.Cert, leaf.Chain.Leaf)
	require.Equal(t, ca.Cert, leaf.Chain.Root)
}

func TestPeerID_stableForKey(t *testing.T) {
	t.Parallel()

	ca := xcerttest.NewCA(t)
	a := xcerttest.NewLocalLeaf(t, ca, 0)
	b := xcerttest.NewLocalLeaf(t, ca, 1)

	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), a.Chain.PeerID())

	id, err := xcert.PeerIDFromTLS(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{a.Cert},
	})
	require.NoError(t, err)
	require.Equal(t, a.ID(), id)

	parsed, err := xcert.ParsePeerID(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.Len(t, id.String(), 12)
}

func TestPeerIDFromTLS_noCerts(t *testing.T) {
	t.Parallel()

	_, err := xcert.PeerIDFromTLS(tls.ConnectionState{})
	require.Error(t, err)
}

func TestLoadCA_roundTrip(t *testing.T) {
	t.Parallel()

	ca := xcerttest.NewCA(t)
	loaded, err := xcert.LoadCA(ca.CertPEM, ca.KeyPEM)
	require.NoError(t, err)
	require.True(t, ca.Cert.Equal(loaded.Cert))

	// The loaded CA can still sign.
	leaf := xcerttest.NewLocalLeaf(t, loaded, 3)
	require.NoError(t, leaf.Cert.CheckSignatureFrom(ca.Cert))

	_, err = xcert.LoadCA(ca.KeyPEM, ca.KeyPEM)
	require.Error(t, err)
}

func TestNewChainFromTLSConnectionState(t *testing.T) {
	t.Parallel()

	ca := xcerttest.NewCA(t)
	leaf := xcerttest.NewLocalLeaf(t, ca, 0)

	c, err := xcert.NewChainFromTLSConnectionState(tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{leaf.Cert, ca.Cert}},
	})
	require.NoError(t, err)
	require.Equal(t, leaf.Chain, c)

	_, err = xcert.NewChainFromTLSConnectionState(tls.ConnectionState{})
	require.Error(t, err)
}
