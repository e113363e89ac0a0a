package core

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUIDGenerator allocates random UUIDv4 identities.
type UUIDGenerator struct{}

// Generate implements domain.IdentityGenerator.
func (UUIDGenerator) Generate(string) string { return uuid.NewString() }

// SequenceGenerator allocates "<type>-<n>" identities from a process-local
// counter. Useful for deterministic fixtures.
type SequenceGenerator struct {
	next atomic.Uint64
}

// Generate implements domain.IdentityGenerator.
func (g *SequenceGenerator) Generate(entityType string) string {
	return fmt.Sprintf("%s-%d", entityType, g.next.Add(1))
}
