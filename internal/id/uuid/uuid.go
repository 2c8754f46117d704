// Package uuid generates participant identities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random (version 4) UUID strings. A participant draws its id
// once at start-up and keeps it for the life of the process.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv4 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}

// ParticipantID returns fixed when it is set and a fresh id otherwise. A fixed
// id must parse as a UUID.
func (g Generator) ParticipantID(fixed string) (string, error) {
	if fixed == "" {
		return g.NewID()
	}
	id, err := uuid.Parse(fixed)
	if err != nil {
		return "", fmt.Errorf("participant id %q: %w", fixed, err)
	}
	return id.String(), nil
}
