// Package xca manages the set of trusted certificate authorities
// that peers' certificates must chain to.
package xca

import (
	"crypto/x509"
	"errors"
	"sync"
)

// ErrCertRemoved is the connection close cause
// when a peer's CA is removed from the trusted set.
var ErrCertRemoved = errors.New("certificate removed from trusted set")

// Pool is a mutable collection of trusted CA certificates.
// It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	cas     map[string]*x509.Certificate
	removed map[string]chan struct{}

	lazyCertPool func() *x509.CertPool
}

// NewPool returns a new pool that does not trust any certificate yet.
func NewPool() *Pool {
	return NewPoolFromCerts(nil)
}

// NewPoolFromCerts returns a new pool trusting certs.
func NewPoolFromCerts(certs []*x509.Certificate) *Pool {
	p := &Pool{
		cas:     make(map[string]*x509.Certificate, len(certs)),
		removed: make(map[string]chan struct{}),
	}

	for _, cert := range certs {
		p.cas[string(cert.Signature)] = cert
	}

	// No contention is possible before returning.
	p.lockedUpdateLazyCertPool()

	return p
}

// CertPool returns the current certificate pool.
// The returned value is shared until the CA set changes,
// so it must not be modified.
func (p *Pool) CertPool() *x509.CertPool {
	p.mu.Lock()
	f := p.lazyCertPool
	p.mu.Unlock()
	return f()
}

// Contains reports whether cert is currently trusted.
func (p *Pool) Contains(cert *x509.Certificate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cas[string(cert.Signature)]
	return ok
}

// Len returns the number of trusted CAs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cas)
}

// AddCA trusts a single additional CA.
func (p *Pool) AddCA(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cas[string(cert.Signature)] = cert
	p.lockedUpdateLazyCertPool()
}

// RemoveCA stops trusting cert,
// closing any channel returned from [*Pool.NotifyRemoval] for it.
func (p *Pool) RemoveCA(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(cert.Signature)
	delete(p.cas, key)
	p.lockedNotify(key)
	p.lockedUpdateLazyCertPool()
}

// UpdateCAs replaces the entire trusted set with certs.
func (p *Pool) UpdateCAs(certs []*x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*x509.Certificate, len(certs))
	for _, cert := range certs {
		next[string(cert.Signature)] = cert
	}

	for key := range p.cas {
		if _, ok := next[key]; !ok {
			p.lockedNotify(key)
		}
	}

	p.cas = next
	p.lockedUpdateLazyCertPool()
}

// NotifyRemoval returns a channel that is closed
// once cert is no longer trusted.
// It returns nil if cert is not currently trusted.
// Every call for the same certificate returns the same channel
// until that certificate is removed.
func (p *Pool) NotifyRemoval(cert *x509.Certificate) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(cert.Signature)
	if _, ok := p.cas[key]; !ok {
		return nil
	}

	ch, ok := p.removed[key]
	if !ok {
		ch = make(chan struct{})
		p.removed[key] = ch
	}
	return ch
}

func (p *Pool) lockedNotify(key string) {
	if ch, ok := p.removed[key]; ok {
		close(ch)
		delete(p.removed, key)
	}
}

func (p *Pool) lockedUpdateLazyCertPool() {
	cas := make([]*x509.Certificate, 0, len(p.cas))
	for _, ca := range p.cas {
		cas = append(cas, ca)
	}
	p.lazyCertPool = sync.OnceValue(func() *x509.CertPool {
		cp := x509.NewCertPool()
		for _, ca := range cas {
			cp.AddCert(ca)
		}
		return cp
	})
}
