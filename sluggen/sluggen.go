// Package sluggen generates random short codes for links submitted without a
// custom code. Generators are safe for concurrent use.
package sluggen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// Base62 is the default alphabet: ASCII letters then digits.
	Base62 = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultLength = 6
	MaxLength     = 10
)

// Generator generates short codes.
type Generator interface {
	Generate(length int) (string, error)
}

type randomGenerator struct {
	alphabet string
	source   io.Reader
	limit    int // bytes >= limit are rejected so every symbol is equally likely
}

// NewBase62 returns a generator over Base62 backed by crypto/rand.
func NewBase62() Generator {
	g, _ := New(Base62, rand.Reader)
	return g
}

// New returns a generator drawing symbols from alphabet using bytes read from
// source. The alphabet must have between 2 and 256 distinct bytes.
func New(alphabet string, source io.Reader) (Generator, error) {
	if len(alphabet) < 2 || len(alphabet) > 256 {
		return nil, fmt.Errorf("alphabet must have 2 to 256 symbols, got %d", len(alphabet))
	}
	seen := make(map[byte]bool, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		if seen[alphabet[i]] {
			return nil, fmt.Errorf("alphabet repeats %q", alphabet[i])
		}
		seen[alphabet[i]] = true
	}
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}

	return &randomGenerator{
		alphabet: alphabet,
		source:   source,
		limit:    256 - 256%len(alphabet),
	}, nil
}

// Generate returns a code of the given length.
func (g *randomGenerator) Generate(length int) (string, error) {
	if length <= 0 || length > MaxLength {
		return "", fmt.Errorf("length must be between 1 and %d", MaxLength)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		n, err := io.ReadFull(g.source, buf)
		if err != nil && n == 0 {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf[:n] {
			if int(b) >= g.limit {
				continue
			}
			out = append(out, g.alphabet[int(b)%len(g.alphabet)])
			if len(out) == length {
				break
			}
		}
		if err != nil {
			break
		}
	}

	if len(out) < length {
		return "", errors.New("random source exhausted")
	}
	return string(out), nil
}
