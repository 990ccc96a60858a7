package ccs

import (
	"fmt"

	"github.com/nats-io/nuid"
)

// IDSource yields candidate message ids. Candidates are checked against the
// outstanding set, so a source only needs to be collision-unlikely.
type IDSource func() string

const (
	idPrefix          = "m-"
	DefaultIDAttempts = 16
)

// NUIDSource is the default IDSource.
func NUIDSource() string {
	return idPrefix + nuid.Next()
}

// IDGenerator draws ids from a source until one is not in use.
type IDGenerator struct {
	source   IDSource
	attempts int
}

func NewIDGenerator(source IDSource, attempts int) *IDGenerator {
	if source == nil {
		source = NUIDSource
	}
	if attempts <= 0 {
		attempts = DefaultIDAttempts
	}
	return &IDGenerator{source: source, attempts: attempts}
}

// Next returns the first candidate for which inUse reports false.
func (g *IDGenerator) Next(inUse func(id string) bool) (string, error) {
	for i := 0; i < g.attempts; i++ {
		id := g.source()
		if id == "" {
			continue
		}
		if inUse == nil || !inUse(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %d candidates collided", ErrIDSpaceExhausted, g.attempts)
}
