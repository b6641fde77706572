package security

import (
	"fmt"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
)

// OpKind is the kind of operation being authorized
type OpKind string

const (
	OpSpawn   OpKind = "spawn"
	OpExecute OpKind = "execute"
)

// Check names the evaluation step that produced a denial
type Check string

const (
	CheckIsolation  Check = "isolation"
	CheckCommand    Check = "command"
	CheckLimits     Check = "limits"
	CheckCapability Check = "capability"
)

// Operation is a request to authorize
type Operation struct {
	Kind    OpKind
	AgentID id.AgentID
	// Command is empty for an interactive shell
	Command string
	Backend mux.Capabilities
	// AgentPanes is how many live panes the agent already owns
	AgentPanes int
}

// String describes the operation for audit records
func (op Operation) String() string {
	if op.Command == "" {
		return string(op.Kind) + " <shell>"
	}
	return fmt.Sprintf("%s %q", op.Kind, op.Command)
}

// Decision is the result of Evaluate
type Decision struct {
	Allowed bool
	Check   Check
	Reason  string
	// Pattern and Risk are set when a command pattern decided the outcome
	Pattern string
	Risk    RiskLevel
}

// Allow is the allowing decision
var Allow = Decision{Allowed: true}

func deny(check Check, format string, args ...any) Decision {
	return Decision{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate decides whether op may proceed under p. It has no side effects
// and is safe for concurrent use. Checks run in order: isolation, command,
// resource limits, capability flags. Deny patterns win over allow
// patterns.
func Evaluate(p *Policy, op Operation) Decision {
	if p == nil {
		return deny(CheckIsolation, "no policy attached")
	}
	if !p.compiled {
		return deny(CheckIsolation, "policy %q is not compiled", p.Name)
	}

	if !op.Backend.Supports(p.Isolation) {
		return deny(CheckIsolation, "isolation %q not supported by backend", p.Isolation)
	}

	if d := evaluateCommand(p, op); !d.Allowed {
		return d
	}

	if op.Kind == OpSpawn && p.Limits.MaxTerminalsPerAgent > 0 && op.AgentPanes >= p.Limits.MaxTerminalsPerAgent {
		return deny(CheckLimits, "agent %s already has %d of %d terminals",
			op.AgentID, op.AgentPanes, p.Limits.MaxTerminalsPerAgent)
	}
	if p.Isolation != mux.IsolationNone {
		if (p.Limits.MaxMemory > 0 || p.Limits.MaxOpenFiles > 0) && !op.Backend.ResourceLimits {
			return deny(CheckLimits, "backend cannot enforce memory or open file limits")
		}
		if (p.Limits.MaxCPUPercent > 0 || p.Limits.MaxProcesses > 0) && !op.Backend.CgroupLimits {
			return deny(CheckLimits, "backend cannot enforce CPU or process limits")
		}
	}

	if !p.NetworkAccess && !op.Backend.NetworkIsolation {
		return deny(CheckCapability, "backend cannot disable network access")
	}
	if p.ReadOnlyFS && !op.Backend.ReadOnlyFS {
		return deny(CheckCapability, "backend cannot provide a read-only file system")
	}

	return Allow
}

func evaluateCommand(p *Policy, op Operation) Decision {
	if p.Mode == ModeUnrestricted {
		return Allow
	}

	if op.Command == "" {
		if p.Mode == ModeAllowlist {
			return deny(CheckCommand, "interactive shells are not permitted by policy %q", p.Name)
		}
		return Allow
	}

	cl := parseCommand(op.Command)
	if pat, ok := matchAny(p.Deny, cl.candidates()...); ok {
		return commandDenial(pat)
	}

	if p.Mode != ModeAllowlist {
		return Allow
	}
	if !cl.parsed || len(cl.segments) == 0 {
		return deny(CheckCommand, "command could not be parsed")
	}
	if cl.substituted {
		return deny(CheckCommand, "command substitution is not permitted by policy %q", p.Name)
	}
	if cl.redirected {
		return deny(CheckCommand, "redirection is not permitted by policy %q", p.Name)
	}
	// Every simple command in the line must be allowed.
	for _, seg := range cl.segments {
		if _, ok := matchAny(p.Allow, seg.text); !ok {
			return deny(CheckCommand, "command %q is not in the allow list", seg.text)
		}
	}
	return Allow
}

func commandDenial(pat *Pattern) Decision {
	reason := pat.Reason
	if reason == "" {
		reason = "matches deny pattern"
	}
	return Decision{
		Check:   CheckCommand,
		Reason:  fmt.Sprintf("%s (%s)", reason, pat.Pattern),
		Pattern: pat.Pattern,
		Risk:    pat.Risk,
	}
}
