// Package xtest holds helpers shared across package tests.
package xtest

import (
	"crypto/sha256"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScheduleTimeout is how long the channel helpers wait
// before failing a test.
const ScheduleTimeout = 2 * time.Second

// NewLogger returns a logger that writes through t.Log.
func NewLogger(t *testing.T) *slog.Logger {
	return slogt.New(t)
}

// ReceiveSoon returns the next value from ch,
// failing the test if nothing arrives within [ScheduleTimeout].
func ReceiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScheduleTimeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no receive within %s", ScheduleTimeout)
	}

	panic("unreachable")
}

// SendSoon sends v on ch,
// failing the test if the send does not complete within [ScheduleTimeout].
func SendSoon[T any](t *testing.T, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScheduleTimeout)
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("send did not complete within %s", ScheduleTimeout)
	}
}

// IsSending fails the test if ch is not immediately readable.
func IsSending[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("channel was not sending")
	}
}

// NotSending fails the test if ch is immediately readable.
func NotSending[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel was sending")
	default:
	}
}

// RandomDataForTest returns a byte slice of size sz
// containing pseudorandom data, derived from a seed based on the test name.
func RandomDataForTest(t *testing.T, sz int) []byte {
	// Sha256 is the right size for the chacha8 seed,
	// and it removes any dependence on the test name length.
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]byte, sz)

	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}
