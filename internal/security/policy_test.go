package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileValidates(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"missing name", Policy{Mode: ModeDenylist}},
		{"bad isolation", Policy{Name: "x", Isolation: "vm"}},
		{"bad mode", Policy{Name: "x", Mode: "maybe"}},
		{"empty allowlist", Policy{Name: "x", Mode: ModeAllowlist}},
		{"bad regex", Policy{Name: "x", Deny: []Pattern{{Pattern: "(", Match: MatchRegex}}}},
		{"empty pattern", Policy{Name: "x", Deny: []Pattern{{Pattern: " "}}}},
		{"negative limit", Policy{Name: "x", Limits: Limits{MaxCPUPercent: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.policy.Compile()
			assert.Error(t, err)
		})
	}
}

func TestCompileDefaultsAndCopies(t *testing.T) {
	src := &Policy{Name: "x", Deny: []Pattern{{Pattern: "sudo *"}}}
	p, err := src.Compile()
	require.NoError(t, err)

	assert.Equal(t, mux.IsolationNone, p.Isolation)
	assert.Equal(t, ModeDenylist, p.Mode)
	assert.Equal(t, MatchGlob, p.Deny[0].Match)
	assert.NotEmpty(t, p.ID)
	assert.True(t, p.Compiled())
	assert.False(t, src.Compiled())
	assert.Empty(t, src.Deny[0].Match)
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames {
		t.Run(name, func(t *testing.T) {
			p := MustPreset(name)
			assert.Equal(t, name, p.Name)
		})
	}

	_, err := Preset("paranoid")
	assert.Error(t, err)

	assert.Equal(t, mux.IsolationProcess, MustPreset(PresetRestricted).Isolation)
	assert.Equal(t, mux.IsolationContainer, MustPreset(PresetIsolated).Isolation)
	assert.True(t, MustPreset(PresetStandard).NetworkAccess)
	assert.False(t, MustPreset(PresetRestricted).NetworkAccess)
}

func TestRegistryLoad(t *testing.T) {
	r, err := NewRegistry(PresetStandard, 64)
	require.NoError(t, err)
	assert.Equal(t, PresetStandard, r.Default().Name)
	assert.Equal(t, 64, r.Default().Limits.MaxTerminalsPerAgent)

	data := []byte(`
default: ci
policies:
  - name: ci
    base: restricted
    limits:
      max_memory: 512MB
      execution_timeout: 5m
      max_terminals_per_agent: 4
    allow:
      - pattern: "make *"
    deny:
      - pattern: "make deploy*"
        risk: high
        reason: no deploys
  - name: open
    mode: unrestricted
    network_access: true
`)
	require.NoError(t, r.Load(data))

	ci, ok := r.Get("ci")
	require.True(t, ok)
	assert.Equal(t, "ci", r.Default().Name)
	assert.Equal(t, mux.IsolationProcess, ci.Isolation)
	assert.Equal(t, ByteSize(512_000_000), ci.Limits.MaxMemory)
	assert.Equal(t, 5*time.Minute, ci.Limits.ExecutionTimeout)
	assert.Equal(t, 4, ci.Limits.MaxTerminalsPerAgent)
	assert.Equal(t, uint64(512), ci.Limits.MaxOpenFiles)

	d := Evaluate(ci, Operation{Kind: OpExecute, Command: "make test", Backend: fullBackend})
	assert.True(t, d.Allowed, d.Reason)
	d = Evaluate(ci, Operation{Kind: OpExecute, Command: "make deploy-prod", Backend: fullBackend})
	assert.False(t, d.Allowed)
	assert.Equal(t, RiskHigh, d.Risk)

	open, ok := r.Get("open")
	require.True(t, ok)
	assert.Equal(t, ModeUnrestricted, open.Mode)

	assert.Contains(t, r.Names(), "ci")
	assert.Contains(t, r.Names(), PresetIsolated)
}

func TestRegistryLoadErrors(t *testing.T) {
	r, err := NewRegistry("", 0)
	require.NoError(t, err)

	assert.Error(t, r.Load([]byte("policies: [")))
	assert.Error(t, r.Load([]byte("policies:\n  - name: x\n    base: nope\n")))
	assert.Error(t, r.Load([]byte("default: missing\n")))
	assert.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))

	_, err = NewRegistry("missing", 0)
	assert.Error(t, err)
}

func TestRegistryLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - name: tiny\n    mode: unrestricted\n    network_access: true\n    limits:\n      max_memory: 64MiB\n"), 0o600))

	r, err := NewRegistry("", 0)
	require.NoError(t, err)
	require.NoError(t, r.LoadFile(path))

	p, ok := r.Get("tiny")
	require.True(t, ok)
	assert.Equal(t, ByteSize(64<<20), p.Limits.MaxMemory)
	assert.Equal(t, "64 MiB", p.Limits.MaxMemory.String())
}

func TestParseCommand(t *testing.T) {
	cl := parseCommand(`FOO=1 ls -la | grep "a b"; /usr/bin/env true`)
	require.True(t, cl.parsed)
	require.Len(t, cl.segments, 3)
	assert.Equal(t, "FOO=1 ls -la", cl.segments[0].text)
	assert.Equal(t, "grep a b", cl.segments[1].text)
	assert.Equal(t, "env", cl.segments[2].program)
}

func TestProgramNameSkipsAssignments(t *testing.T) {
	cl := parseCommand("FOO=1 BAR=2 /bin/rm -rf x")
	require.Len(t, cl.segments, 1)
	assert.Equal(t, "rm", cl.segments[0].program)
}
