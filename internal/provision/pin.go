// Package provision owns the Wi-Fi onboarding path: the per-boot PIN
// gate and the connect workflow that promotes a device from access-point
// mode onto an operator-chosen network.
package provision

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidPIN      = errors.New("provision: invalid pin")
	ErrTooManyAttempts = errors.New("provision: too many pin attempts")
)

// PIN is the per-boot provisioning secret. It is generated once at
// startup, never persisted, and gone on restart. Verification is
// rate-limited so the code cannot be brute forced over the LAN.
type PIN struct {
	value string

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewPIN generates a numeric PIN of the given length. maxAttempts
// verifications are allowed per window; further attempts fail with
// ErrTooManyAttempts until the window drains.
func NewPIN(length, maxAttempts int, window time.Duration) (*PIN, error) {
	if length < 4 {
		length = 4
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	value, err := randomDigits(length)
	if err != nil {
		return nil, fmt.Errorf("provision: generate pin: %w", err)
	}
	return &PIN{
		value:   value,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(maxAttempts)), maxAttempts),
	}, nil
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

// Value returns the PIN for display on the device's own screen and for
// the local CLI. Never expose it over the network API.
func (p *PIN) Value() string {
	return p.value
}

// Verify checks a candidate in constant time. Every attempt, right or
// wrong, consumes rate-limit budget.
func (p *PIN) Verify(candidate string) error {
	p.mu.Lock()
	allowed := p.limiter.Allow()
	p.mu.Unlock()
	if !allowed {
		return ErrTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(p.value)) != 1 {
		return ErrInvalidPIN
	}
	return nil
}
