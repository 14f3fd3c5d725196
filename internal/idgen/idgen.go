// Package idgen mints identifiers for session tokens.
// Generators are safe for concurrent use.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator generates unique identifiers.
type Generator interface {
	Generate() (string, error)
}

/***************
 * UUID v7
 ***************/

type v7Gen struct {
	prefix     string
	maxRetries int
}

type Option func(*v7Gen)

// WithRetries sets how many times to retry uuid.NewV7() after the initial attempt.
// Defaults to 1. Set to 0 to disable retries.
func WithRetries(n int) Option {
	return func(g *v7Gen) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithPrefix prepends p to every ID, e.g. "sess_".
func WithPrefix(p string) Option {
	return func(g *v7Gen) { g.prefix = p }
}

// NewV7 returns a Generator of time-ordered UUID v7 strings.
func NewV7(opts ...Option) Generator {
	g := &v7Gen{maxRetries: 1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *v7Gen) Generate() (string, error) {
	var last error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		id, err := uuid.NewV7()
		if err == nil {
			return g.prefix + id.String(), nil
		}
		last = err
	}
	return "", fmt.Errorf("uuid v7 generation failed after %d attempts: %w", g.maxRetries+1, last)
}

/***************
 * Sequence
 ***************/

type seqGen struct {
	prefix string
	n      atomic.Uint64
}

// NewSequence returns a Generator producing prefix1, prefix2, ... Useful where
// IDs must be predictable.
func NewSequence(prefix string) Generator {
	return &seqGen{prefix: prefix}
}

func (g *seqGen) Generate() (string, error) {
	return g.prefix + strconv.FormatUint(g.n.Add(1), 10), nil
}
