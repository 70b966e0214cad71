package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"loom/pkg/guard"
)

// PhaseGuard attaches an admission guard to one phase of a kind.
type PhaseGuard struct {
	OnFail guard.FailureAction `yaml:"on_fail"`
	Cond   guard.Cond          `yaml:"cond"`
}

// PhaseNeed declares the coordination a phase must hold while it runs:
// an exclusive lock, a semaphore admission, or both. The executor
// acquires before entering the phase, heartbeats while it runs, and
// releases when the phase's task ends.
type PhaseNeed struct {
	Lock      string `yaml:"lock,omitempty"`
	Semaphore string `yaml:"semaphore,omitempty"`
	Weight    int    `yaml:"weight,omitempty"` // semaphore weight, default 1
}

// KindDef describes one pipeline kind: its ordered phases and any
// per-phase guards and resource needs.
type KindDef struct {
	Phases         []string              `yaml:"phases"`
	StuckThreshold Duration              `yaml:"stuck_threshold"`
	Guards         map[string]PhaseGuard `yaml:"guards"`
	Needs          map[string]PhaseNeed  `yaml:"needs"`
	Merge          string                `yaml:"merge"`
}

// Kinds is the pipeline kind catalog, read from kinds.yaml.
type Kinds struct {
	Kinds map[string]KindDef `yaml:"kinds"`
}

// LoadKinds reads the catalog at path. A missing file yields the
// built-in catalog; a malformed or invalid one is an error.
func LoadKinds(path string) (Kinds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BuiltinKinds(), nil
		}
		return Kinds{}, fmt.Errorf("read kinds %s: %w", path, err)
	}
	var k Kinds
	if err := yaml.Unmarshal(data, &k); err != nil {
		return Kinds{}, fmt.Errorf("parse kinds %s: %w", path, err)
	}
	if err := k.Validate(); err != nil {
		return Kinds{}, fmt.Errorf("kinds %s: %w", path, err)
	}
	return k, nil
}

// BuiltinKinds returns the catalog shipped with the binary.
func BuiltinKinds() Kinds {
	return Kinds{Kinds: map[string]KindDef{
		"build": {
			Phases: []string{"plan", "decompose", "execute", "merge"},
			Needs: map[string]PhaseNeed{
				"execute": {Semaphore: "agents"},
				"merge":   {Lock: "merge"},
			},
			Merge: "rebase",
		},
		"review": {
			Phases: []string{"analyze", "report"},
		},
	}}
}

// Get looks up one kind definition.
func (k Kinds) Get(name string) (KindDef, bool) {
	def, ok := k.Kinds[name]
	return def, ok
}

// Names returns the catalog's kind names, sorted.
func (k Kinds) Names() []string {
	names := make([]string, 0, len(k.Kinds))
	for name := range k.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every kind has at least one phase and every guard
// and need names a declared phase.
func (k Kinds) Validate() error {
	for name, def := range k.Kinds {
		if len(def.Phases) == 0 {
			return fmt.Errorf("kind %q declares no phases", name)
		}
		seen := map[string]bool{}
		for _, p := range def.Phases {
			if seen[p] {
				return fmt.Errorf("kind %q repeats phase %q", name, p)
			}
			seen[p] = true
		}
		for phase, pg := range def.Guards {
			if !seen[phase] {
				return fmt.Errorf("kind %q guards unknown phase %q", name, phase)
			}
			g := guard.Guard{Name: name + ":" + phase, Cond: pg.Cond, OnFail: pg.OnFail}
			if err := g.Validate(); err != nil {
				return fmt.Errorf("kind %q phase %q: %w", name, phase, err)
			}
		}
		for phase, need := range def.Needs {
			if !seen[phase] {
				return fmt.Errorf("kind %q declares needs for unknown phase %q", name, phase)
			}
			if need.Lock == "" && need.Semaphore == "" {
				return fmt.Errorf("kind %q phase %q: need names no lock or semaphore", name, phase)
			}
			if need.Weight < 0 {
				return fmt.Errorf("kind %q phase %q: negative semaphore weight", name, phase)
			}
			if need.Weight > 0 && need.Semaphore == "" {
				return fmt.Errorf("kind %q phase %q: weight without a semaphore", name, phase)
			}
		}
	}
	return nil
}
