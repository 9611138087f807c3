// Package random generates the uppercase letter strings prepended to record
// content. Every Generator returned here is safe for concurrent use.
package random

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Alphabet is the set of symbols a generated prefix is drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Generator produces n letters, each chosen independently and uniformly
// from Alphabet. Implementations must not share output buffers between calls.
type Generator interface {
	Letters(n int) ([]byte, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(n int) ([]byte, error)

// Letters implements Generator.
func (f GeneratorFunc) Letters(n int) ([]byte, error) { return f(n) }

var defaultGenerator = GeneratorFunc(func(n int) ([]byte, error) {
	if err := checkLength(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = Alphabet[rand.IntN(len(Alphabet))]
	}
	return b, nil
})

// Default returns the process-wide generator. It draws from the math/rand/v2
// top-level source, which is seeded at startup and safe for concurrent use.
func Default() Generator {
	return defaultGenerator
}

// Seeded is a deterministic generator for reproducible runs.
type Seeded struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeeded creates a PCG-backed generator. Calls are serialized so concurrent
// callers each receive a contiguous slice of the sequence.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Letters implements Generator.
func (s *Seeded) Letters(n int) ([]byte, error) {
	if err := checkLength(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	s.mu.Lock()
	for i := range b {
		b[i] = Alphabet[s.rng.IntN(len(Alphabet))]
	}
	s.mu.Unlock()
	return b, nil
}

// Crypto draws from crypto/rand.
type Crypto struct{}

// NewCrypto creates a crypto/rand backed generator.
func NewCrypto() *Crypto {
	return &Crypto{}
}

// cryptoLimit is the largest multiple of len(Alphabet) that fits in a byte;
// bytes at or above it are rejected to keep the distribution uniform.
const cryptoLimit = 256 - 256%len(Alphabet)

// Letters implements Generator.
func (Crypto) Letters(n int) ([]byte, error) {
	if err := checkLength(n); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/8+1)
	for len(out) < n {
		if _, err := crand.Read(buf); err != nil {
			return nil, fmt.Errorf("read random bytes: %w", err)
		}
		for _, c := range buf {
			if int(c) >= cryptoLimit {
				continue
			}
			out = append(out, Alphabet[int(c)%len(Alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return out, nil
}

func checkLength(n int) error {
	if n < 0 {
		return fmt.Errorf("random string length must not be negative, got %d", n)
	}
	return nil
}

// String is a convenience wrapper returning the letters as a string.
func String(g Generator, n int) (string, error) {
	b, err := g.Letters(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
