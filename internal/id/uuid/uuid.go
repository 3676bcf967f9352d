// Package uuid mints the identifiers a client session needs: the channel
// client id and per-run ids.
package uuid

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator creates client and run identifiers. The zero value reads from
// crypto/rand.
type Generator struct {
	rand io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{}
}

// NewFromReader returns a Generator that draws randomness from r, which lets
// tests pin identifiers.
func NewFromReader(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// NewID returns a random (v4) client id for the progress channel path.
func (g *Generator) NewID() (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.rand != nil {
		id, err = uuid.NewRandomFromReader(g.rand)
	} else {
		id, err = uuid.NewRandom()
	}
	if err != nil {
		return "", fmt.Errorf("client id: %w", err)
	}
	return id.String(), nil
}

// NewRunID returns a time-ordered (v7) run id so history sorts by start.
func (g *Generator) NewRunID() (uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.rand != nil {
		id, err = uuid.NewV7FromReader(g.rand)
	} else {
		id, err = uuid.NewV7()
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}
