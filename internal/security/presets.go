package security

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
)

// Preset names
const (
	PresetUnrestricted = "unrestricted"
	PresetTrusted      = "trusted"
	PresetStandard     = "standard"
	PresetRestricted   = "restricted"
	PresetIsolated     = "isolated"
)

// PresetNames lists the presets from least to most restrictive
var PresetNames = []string{PresetUnrestricted, PresetTrusted, PresetStandard, PresetRestricted, PresetIsolated}

// Preset returns an uncompiled copy of a named preset
func Preset(name string) (*Policy, error) {
	switch name {
	case PresetUnrestricted:
		return unrestricted(), nil
	case PresetTrusted:
		return trusted(), nil
	case PresetStandard:
		return standard(), nil
	case PresetRestricted:
		return restricted(), nil
	case PresetIsolated:
		return isolated(), nil
	default:
		return nil, fmt.Errorf("unknown policy preset %q", name)
	}
}

// MustPreset returns a compiled preset and panics on an unknown name
func MustPreset(name string) *Policy {
	p, err := Preset(name)
	if err != nil {
		panic(err)
	}
	compiled, err := p.Compile()
	if err != nil {
		panic(err)
	}
	return compiled
}

func unrestricted() *Policy {
	return &Policy{
		Name:          PresetUnrestricted,
		Isolation:     mux.IsolationNone,
		Mode:          ModeUnrestricted,
		NetworkAccess: true,
	}
}

func trusted() *Policy {
	return &Policy{
		Name:      PresetTrusted,
		Isolation: mux.IsolationNone,
		Mode:      ModeDenylist,
		Deny: []Pattern{
			{Pattern: "rm -rf /", Match: MatchExact, Risk: RiskCritical, Reason: "recursive deletion of root"},
			{Pattern: "rm -rf /*", Match: MatchGlob, Risk: RiskCritical, Reason: "recursive deletion of root"},
		},
		NetworkAccess: true,
	}
}

func standard() *Policy {
	p := trusted()
	p.Name = PresetStandard
	p.Deny = append(p.Deny,
		Pattern{Pattern: ":(){ :|:& };:", Match: MatchContains, Risk: RiskCritical, Reason: "fork bomb"},
		Pattern{Pattern: "dd if=/dev/zero*", Match: MatchGlob, Risk: RiskHigh, Reason: "disk filling operation"},
		Pattern{Pattern: `(curl|wget) .*\|\s*(ba|z)?sh`, Match: MatchRegex, Risk: RiskHigh, Reason: "executing remote scripts"},
		Pattern{Pattern: "mkfs*", Match: MatchGlob, Risk: RiskCritical, Reason: "file system formatting"},
	)
	p.Limits = Limits{
		MaxCPUPercent:    75,
		MaxMemory:        2 << 30,
		ExecutionTimeout: time.Hour,
		MaxOpenFiles:     1024,
		MaxProcesses:     100,
	}
	return p
}

func safeCommands() []Pattern {
	allow := func(pattern, reason string) Pattern {
		return Pattern{Pattern: pattern, Risk: RiskLow, Reason: reason}
	}
	return []Pattern{
		allow("ls", "list directory contents"),
		allow("ls *", "list directory contents"),
		allow("pwd", "print working directory"),
		allow("cd *", "change directory"),
		allow("cat *", "display file contents"),
		allow("head *", "display file contents"),
		allow("tail *", "display file contents"),
		allow("grep *", "search file contents"),
		allow("find *", "find files"),
		allow("echo", "display text"),
		allow("echo *", "display text"),
		allow("true", "no-op"),
		allow("git status*", "check git status"),
		allow("git log*", "view git history"),
		allow("git diff*", "view git changes"),
	}
}

func restricted() *Policy {
	return &Policy{
		Name:      PresetRestricted,
		Isolation: mux.IsolationProcess,
		Mode:      ModeAllowlist,
		Allow:     safeCommands(),
		Limits: Limits{
			MaxCPUPercent:    50,
			MaxMemory:        1 << 30,
			ExecutionTimeout: 30 * time.Minute,
			MaxOpenFiles:     512,
			MaxProcesses:     50,
		},
		NetworkAccess: false,
	}
}

func isolated() *Policy {
	p := restricted()
	p.Name = PresetIsolated
	p.Isolation = mux.IsolationContainer
	p.Limits = Limits{
		MaxCPUPercent:    25,
		MaxMemory:        512 << 20,
		ExecutionTimeout: 15 * time.Minute,
		MaxOpenFiles:     256,
		MaxProcesses:     20,
	}
	p.ReadOnlyFS = true
	return p
}
