package xca_test

import (
	"crypto/x509"
	"testing"

	"github.com/gordian-engine/xstream/internal/xtest"
	"github.com/gordian-engine/xstream/xca"
	"github.com/gordian-engine/xstream/xcert/xcerttest"
	"github.com/stretchr/testify/require"
)

func TestPool_NotifyRemoval(t *testing.T) {
	t.Parallel()

	ca1 := xcerttest.NewCA(t)
	ca2 := xcerttest.NewCA(t)

	t.Run("returns nil for unrecognized certificate", func(t *testing.T) {
		t.Parallel()

		p := xca.NewPoolFromCerts([]*x509.Certificate{ca1.Cert})
		require.Nil(t, p.NotifyRemoval(ca2.Cert))
	})

	t.Run("closes only when missing from updated set", func(t *testing.T) {
		t.Parallel()

		p := xca.NewPoolFromCerts([]*x509.Certificate{ca1.Cert})
		ch := p.NotifyRemoval(ca1.Cert)
		require.NotNil(t, ch)

		p.UpdateCAs([]*x509.Certificate{ca1.Cert, ca2.Cert})
		xtest.NotSending(t, ch)

		p.UpdateCAs([]*x509.Certificate{ca2.Cert})
		xtest.IsSending(t, ch)
		require.False(t, p.Contains(ca1.Cert))
	})

	t.Run("RemoveCA closes channel", func(t *testing.T) {
		t.Parallel()

		p := xca.NewPoolFromCerts([]*x509.Certificate{ca1.Cert, ca2.Cert})
		ch1a := p.NotifyRemoval(ca1.Cert)
		ch1b := p.NotifyRemoval(ca1.Cert)
		require.Equal(t, ch1a, ch1b)

		ch2 := p.NotifyRemoval(ca2.Cert)

		p.RemoveCA(ca1.Cert)
		xtest.IsSending(t, ch1a)
		xtest.NotSending(t, ch2)
		require.Equal(t, 1, p.Len())
	})
}

func TestPool_CertPoolTracksChanges(t *testing.T) {
	t.Parallel()

	ca := xcerttest.NewCA(t)
	leaf := xcerttest.NewLocalLeaf(t, ca, 0)

	p := xca.NewPool()
	_, err := leaf.Cert.Verify(x509.VerifyOptions{Roots: p.CertPool()})
	require.Error(t, err)

	p.AddCA(ca.Cert)
	_, err = leaf.Cert.Verify(x509.VerifyOptions{Roots: p.CertPool()})
	require.NoError(t, err)
}
