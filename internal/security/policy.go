package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/dustin/go-humanize"
)

// Mode selects how commands are filtered
type Mode string

const (
	// ModeUnrestricted skips command checks
	ModeUnrestricted Mode = "unrestricted"
	// ModeDenylist allows everything the deny list does not match
	ModeDenylist Mode = "denylist"
	// ModeAllowlist allows only what the allow list matches
	ModeAllowlist Mode = "allowlist"
)

// RiskLevel grades a pattern for audit
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ByteSize is a byte count that reads human sizes such as "512MB"
type ByteSize uint64

// UnmarshalYAML parses a plain number or a humanized size
func (b *ByteSize) UnmarshalYAML(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"'`)
	if s == "" || s == "~" || s == "null" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size with IEC units
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Limits bound the resources of one pane. Zero means unlimited.
type Limits struct {
	MaxCPUPercent        int           `yaml:"max_cpu_percent" json:"max_cpu_percent,omitempty"`
	MaxMemory            ByteSize      `yaml:"max_memory" json:"max_memory,omitempty"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout" json:"execution_timeout,omitempty"`
	MaxOpenFiles         uint64        `yaml:"max_open_files" json:"max_open_files,omitempty"`
	MaxProcesses         uint64        `yaml:"max_processes" json:"max_processes,omitempty"`
	MaxTerminalsPerAgent int           `yaml:"max_terminals_per_agent" json:"max_terminals_per_agent,omitempty"`
}

// Policy is an immutable security policy attached to a session or pane.
// Build one with a preset or a file, then call Compile before use.
type Policy struct {
	ID            id.PolicyID   `yaml:"-" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Isolation     mux.Isolation `yaml:"isolation" json:"isolation"`
	Mode          Mode          `yaml:"mode" json:"mode"`
	Allow         []Pattern     `yaml:"allow" json:"allow,omitempty"`
	Deny          []Pattern     `yaml:"deny" json:"deny,omitempty"`
	Limits        Limits        `yaml:"limits" json:"limits"`
	NetworkAccess bool          `yaml:"network_access" json:"network_access"`
	ReadOnlyFS    bool          `yaml:"read_only_fs" json:"read_only_fs"`

	compiled bool
}

// Validate reports every problem with the policy
func (p *Policy) Validate() error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch p.Isolation {
	case mux.IsolationNone, mux.IsolationProcess, mux.IsolationContainer:
	default:
		errs = append(errs, fmt.Errorf("unknown isolation %q", p.Isolation))
	}
	switch p.Mode {
	case ModeUnrestricted, ModeDenylist, ModeAllowlist:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", p.Mode))
	}
	if p.Mode == ModeAllowlist && len(p.Allow) == 0 {
		errs = append(errs, errors.New("allowlist mode needs at least one allow pattern"))
	}
	if p.Limits.MaxCPUPercent < 0 || p.Limits.MaxTerminalsPerAgent < 0 || p.Limits.ExecutionTimeout < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}

	for i := range p.Allow {
		if err := p.Allow[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("allow[%d]: %w", i, err))
		}
	}
	for i := range p.Deny {
		if err := p.Deny[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("deny[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy %q: %w", p.Name, errors.Join(errs...))
	}
	return nil
}

// Compile validates the policy and returns a compiled copy ready for
// Evaluate. The receiver is not modified.
func (p *Policy) Compile() (*Policy, error) {
	out := p.clone()
	if out.Isolation == "" {
		out.Isolation = mux.IsolationNone
	}
	if out.Mode == "" {
		out.Mode = ModeDenylist
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	for i := range out.Allow {
		if err := out.Allow[i].compile(); err != nil {
			return nil, err
		}
	}
	for i := range out.Deny {
		if err := out.Deny[i].compile(); err != nil {
			return nil, err
		}
	}
	if out.ID == "" {
		out.ID = id.NewPolicyID()
	}
	out.compiled = true
	return out, nil
}

// Compiled reports whether Compile produced this policy
func (p *Policy) Compiled() bool { return p.compiled }

func (p *Policy) clone() *Policy {
	out := *p
	out.Allow = append([]Pattern(nil), p.Allow...)
	out.Deny = append([]Pattern(nil), p.Deny...)
	return &out
}

// Apply copies the policy's pass-through settings onto a pane request
func (p *Policy) Apply(req *mux.PaneRequest) {
	req.Isolation = p.Isolation
	req.NoNetwork = !p.NetworkAccess
	req.ReadOnly = p.ReadOnlyFS
	req.Limits = mux.Limits{
		CPUPercent:     p.Limits.MaxCPUPercent,
		MaxMemoryBytes: uint64(p.Limits.MaxMemory),
		MaxOpenFiles:   p.Limits.MaxOpenFiles,
		MaxProcesses:   p.Limits.MaxProcesses,
	}
}
