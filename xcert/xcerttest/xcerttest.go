// Package xcerttest has certificate helpers for tests.
package xcerttest

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/stretchr/testify/require"
)

// FastCAConfig returns a short-lived CA configuration for tests.
func FastCAConfig() xcert.CAConfig {
	return xcert.CAConfig{ValidFor: time.Hour}
}

// NewCA generates a CA for the duration of a test.
func NewCA(t *testing.T) *xcert.CA {
	t.Helper()

	ca, err := xcert.GenerateCA(FastCAConfig())
	require.NoError(t, err)
	return ca
}

// NewLocalLeaf creates a leaf signed by ca that is valid for 127.0.0.1,
// named leafNN.example.com for index idx.
func NewLocalLeaf(t *testing.T, ca *xcert.CA, idx int) *xcert.Leaf {
	t.Helper()

	leaf, err := ca.CreateLeaf(xcert.LeafConfig{
		ValidFor: time.Hour,
		DNSNames: []string{fmt.Sprintf("leaf%02d.example.com", idx)},

		// Without an IP SAN, dialing 127.0.0.1 fails verification.
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	})
	require.NoError(t, err)
	return leaf
}
