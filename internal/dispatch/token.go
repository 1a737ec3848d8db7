// Package dispatch starts runner instances up to the concurrency ceiling.
//
// Each tick issues one single-use capability token per free slot. A runner
// instance starts only after its token is consumed and its slot lease is
// acquired, so neither a replayed request nor a slow previous tick can push
// the number of active runners past the ceiling.
package dispatch

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const tokenBytes = 32

var (
	// ErrTokenRejected covers unknown, reused, expired and malformed tokens.
	ErrTokenRejected = errors.New("capability token rejected")
	// ErrSlotBusy means the slot's lease is held by a live runner.
	ErrSlotBusy = errors.New("runner slot busy")
)

// Ticket is what a launcher hands to a runner instance.
type Ticket struct {
	Tick  string
	Slot  int
	Token string
}

// newToken returns "<tick>.<random>" with 32 bytes of entropy.
func newToken(tick string) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return tick + "." + base64.RawURLEncoding.EncodeToString(b), nil
}

// TickOf extracts the tick id a token was issued for.
func TickOf(token string) (string, error) {
	tick, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || tick == "" || secret == "" {
		return "", fmt.Errorf("%w: malformed", ErrTokenRejected)
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil || len(raw) != tokenBytes {
		return "", fmt.Errorf("%w: malformed", ErrTokenRejected)
	}
	return tick, nil
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
