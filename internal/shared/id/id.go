// Package id provides centralized ID generation for the engine.
//
// Every identifier is a ULID with a short type prefix:
//   - Lexicographic sortability: IDs created later sort later
//   - Prefixed types: sess_*, pane_*, agent_*, req_*, sub_*, pol_*
//   - Type safety: separate string types prevent passing a pane ID where a
//     session ID is expected
//
// Generation uses monotonic entropy, so IDs minted within the same
// millisecond are still strictly increasing and unique.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// SessionID identifies a logical workspace grouping panes
type SessionID string

// PaneID identifies one terminal instance
type PaneID string

// AgentID identifies a controlling agent (UI, AI agent, script)
type AgentID string

// RequestID correlates protocol requests with their responses
type RequestID string

// SubscriptionID identifies an event subscription
type SubscriptionID string

// PolicyID identifies a security policy
type PolicyID string

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	SessionPrefix      = "sess"
	PanePrefix         = "pane"
	AgentPrefix        = "agent"
	RequestPrefix      = "req"
	SubscriptionPrefix = "sub"
	PolicyPrefix       = "pol"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropyMu sync.Mutex
	entropy   io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// entropy
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator reading from the given source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(entropy, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewPaneID generates a new pane ID
func NewPaneID() PaneID {
	return PaneID(Default().GenerateWithPrefix(PanePrefix))
}

// NewAgentID generates a new agent ID
func NewAgentID() AgentID {
	return AgentID(Default().GenerateWithPrefix(AgentPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewSubscriptionID generates a new subscription ID
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(Default().GenerateWithPrefix(SubscriptionPrefix))
}

// NewPolicyID generates a new policy ID
func NewPolicyID() PolicyID {
	return PolicyID(Default().GenerateWithPrefix(PolicyPrefix))
}

func (id SessionID) String() string      { return string(id) }
func (id PaneID) String() string         { return string(id) }
func (id AgentID) String() string        { return string(id) }
func (id RequestID) String() string      { return string(id) }
func (id SubscriptionID) String() string { return string(id) }
func (id PolicyID) String() string       { return string(id) }

// ============================================================================
// Validation
// ============================================================================

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// HasPrefix reports whether s is a well-formed prefixed ID of the given kind.
func HasPrefix(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	return ok && IsValid(rest)
}

// Split separates a prefixed ID into its prefix and ULID part
func Split(s string) (prefix string, value ulid.ULID, err error) {
	p, rest, ok := strings.Cut(s, "_")
	if !ok {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", s)
	}
	value, err = ulid.Parse(rest)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("id %q: %w", s, err)
	}
	return p, value, nil
}

// Timestamp extracts the creation time from a prefixed or bare ULID
func Timestamp(s string) (time.Time, error) {
	if _, rest, ok := strings.Cut(s, "_"); ok {
		s = rest
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
