package security

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"
)

// File is the on-disk policy format
type File struct {
	Default  string       `yaml:"default"`
	Policies []FilePolicy `yaml:"policies"`
}

// FilePolicy is a policy entry that may extend a preset. Fields set in the
// entry replace the base's; pattern lists are appended.
type FilePolicy struct {
	Policy `yaml:",inline"`
	Base   string `yaml:"base"`
}

// Registry holds compiled policies by name
type Registry struct {
	mu           sync.RWMutex
	policies     map[string]*Policy
	fallback     string
	maxTerminals int
}

// NewRegistry creates a registry holding every preset. maxTerminals is
// applied to policies that set no per-agent terminal limit.
func NewRegistry(defaultName string, maxTerminals int) (*Registry, error) {
	r := &Registry{policies: make(map[string]*Policy), maxTerminals: maxTerminals}
	for _, name := range PresetNames {
		p, _ := Preset(name)
		if _, err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if defaultName == "" {
		defaultName = PresetStandard
	}
	if err := r.SetDefault(defaultName); err != nil {
		return nil, err
	}
	return r, nil
}

// Register compiles and stores p under its name, replacing any previous
// policy with that name
func (r *Registry) Register(p *Policy) (*Policy, error) {
	compiled, err := p.Compile()
	if err != nil {
		return nil, err
	}
	if compiled.Limits.MaxTerminalsPerAgent == 0 {
		compiled.Limits.MaxTerminalsPerAgent = r.maxTerminals
	}
	r.mu.Lock()
	r.policies[compiled.Name] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// Get returns a compiled policy. An empty name returns the default.
func (r *Registry) Get(name string) (*Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	p, ok := r.policies[name]
	return p, ok
}

// Default returns the default policy
func (r *Registry) Default() *Policy {
	p, _ := r.Get("")
	return p
}

// SetDefault selects the policy returned for an empty name
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[name]; !ok {
		return fmt.Errorf("unknown default policy %q", name)
	}
	r.fallback = name
	return nil
}

// Names returns every registered policy name, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads a YAML policy file into the registry
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	return r.Load(data)
}

// Load parses YAML policy data into the registry
func (r *Registry) Load(data []byte) error {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	for _, entry := range file.Policies {
		p, err := r.resolve(entry)
		if err != nil {
			return err
		}
		if _, err := r.Register(p); err != nil {
			return err
		}
	}
	if file.Default != "" {
		return r.SetDefault(file.Default)
	}
	return nil
}

func (r *Registry) resolve(entry FilePolicy) (*Policy, error) {
	if entry.Base == "" {
		p := entry.Policy
		return &p, nil
	}

	base, ok := r.Get(entry.Base)
	if !ok {
		return nil, fmt.Errorf("policy %q: unknown base %q", entry.Name, entry.Base)
	}
	p := base.clone()
	p.ID = ""
	p.Name = entry.Name
	if entry.Isolation != "" {
		p.Isolation = entry.Isolation
	}
	if entry.Mode != "" {
		p.Mode = entry.Mode
	}
	p.Allow = append(p.Allow, entry.Allow...)
	p.Deny = append(p.Deny, entry.Deny...)
	p.Limits = mergeLimits(p.Limits, entry.Limits)
	// Booleans cannot distinguish unset from false, so an entry can only
	// widen network access and narrow the file system.
	p.NetworkAccess = p.NetworkAccess || entry.NetworkAccess
	p.ReadOnlyFS = p.ReadOnlyFS || entry.ReadOnlyFS
	return p, nil
}

func mergeLimits(base, over Limits) Limits {
	if over.MaxCPUPercent != 0 {
		base.MaxCPUPercent = over.MaxCPUPercent
	}
	if over.MaxMemory != 0 {
		base.MaxMemory = over.MaxMemory
	}
	if over.ExecutionTimeout != 0 {
		base.ExecutionTimeout = over.ExecutionTimeout
	}
	if over.MaxOpenFiles != 0 {
		base.MaxOpenFiles = over.MaxOpenFiles
	}
	if over.MaxProcesses != 0 {
		base.MaxProcesses = over.MaxProcesses
	}
	if over.MaxTerminalsPerAgent != 0 {
		base.MaxTerminalsPerAgent = over.MaxTerminalsPerAgent
	}
	return base
}
