// Package registry holds the immutable set of agents known to the router,
// in priority order, and selects one for a message.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/agentdesk/internal/agent"
)

var (
	// ErrNoAgent is returned when the registry has no agents to choose from.
	ErrNoAgent = errors.New("no agent registered")
	// ErrAgentNotFound is returned when a name does not resolve to an agent.
	ErrAgentNotFound = errors.New("agent not found")
)

// Kind selects how an agent is reached.
type Kind string

const (
	// KindBuiltin agents run in process.
	KindBuiltin Kind = "builtin"
	// KindRemote agents are invoked over gRPC at Address.
	KindRemote Kind = "remote"
)

// Spec declares one agent.
type Spec struct {
	Name              string   `yaml:"name" json:"name"`
	Description       string   `yaml:"description" json:"description"`
	Capabilities      []string `yaml:"capabilities" json:"capabilities"`
	Tools             []string `yaml:"tools" json:"tools,omitempty"`
	CrossAgentContext bool     `yaml:"cross_agent_context" json:"cross_agent_context"`
	Memory            bool     `yaml:"memory" json:"memory"`
	Kind              Kind     `yaml:"kind" json:"kind"`
	Address           string   `yaml:"address" json:"-"`
	Prompt            string   `yaml:"prompt" json:"-"`
}

type file struct {
	Default string `yaml:"default"`
	Agents  []Spec `yaml:"agents"`
}

// Registry is an immutable, ordered set of agent specs. Declaration order is
// priority order. It is safe for concurrent use.
type Registry struct {
	specs  []Spec
	index  map[string]int
	def    int
	phrase [][]string
}

// New builds a registry. defaultName selects the fallback agent; empty means
// the first declared one.
func New(defaultName string, specs ...Spec) (*Registry, error) {
	r := &Registry{
		specs: make([]Spec, len(specs)),
		index: make(map[string]int, len(specs)),
	}
	for i, s := range specs {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("agent %d: name is required", i)
		}
		if _, dup := r.index[s.Name]; dup {
			return nil, fmt.Errorf("agent %q declared twice", s.Name)
		}
		if s.Kind == "" {
			s.Kind = KindBuiltin
		}
		switch s.Kind {
		case KindBuiltin:
		case KindRemote:
			if s.Address == "" {
				return nil, fmt.Errorf("agent %q: remote agents need an address", s.Name)
			}
		default:
			return nil, fmt.Errorf("agent %q: unknown kind %q", s.Name, s.Kind)
		}
		s.Capabilities = append([]string(nil), s.Capabilities...)
		s.Tools = append([]string(nil), s.Tools...)
		r.specs[i] = s
		r.index[s.Name] = i
	}

	if defaultName != "" {
		i, ok := r.index[defaultName]
		if !ok {
			return nil, fmt.Errorf("default agent %q: %w", defaultName, ErrAgentNotFound)
		}
		r.def = i
	}

	r.phrase = make([][]string, len(r.specs))
	for i, s := range r.specs {
		for _, c := range s.Capabilities {
			if p := normalize(c); p != "" {
				r.phrase[i] = append(r.phrase[i], p)
			}
		}
	}
	return r, nil
}

// Load reads a registry from a YAML file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML registry definition.
func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return New(f.Default, f.Agents...)
}

// Len returns the number of agents.
func (r *Registry) Len() int { return len(r.specs) }

// Names returns agent names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Specs returns a copy of all specs in priority order.
func (r *Registry) Specs() []Spec {
	return append([]Spec(nil), r.specs...)
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	i, ok := r.index[name]
	if !ok {
		return Spec{}, false
	}
	return r.specs[i], true
}

// Default returns the fallback agent.
func (r *Registry) Default() (Spec, error) {
	if len(r.specs) == 0 {
		return Spec{}, ErrNoAgent
	}
	return r.specs[r.def], nil
}

// Classify picks the agent whose capability keywords best match text. Each
// capability phrase found in the text scores one point; ties go to the
// earlier declaration. With no match the default agent is returned.
func (r *Registry) Classify(text string) (Spec, error) {
	if len(r.specs) == 0 {
		return Spec{}, ErrNoAgent
	}
	haystack := " " + normalize(text) + " "

	best, bestScore := -1, 0
	for i, phrases := range r.phrase {
		score := 0
		for _, p := range phrases {
			if strings.Contains(haystack, " "+p+" ") {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return r.specs[r.def], nil
	}
	return r.specs[best], nil
}

// normalize lowercases s and collapses every run of non-alphanumeric runes
// into a single space.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// Resolver builds the invocable agent for a spec.
type Resolver func(Spec) (agent.Agent, error)

// Bound pairs a registry with an invocable agent for every spec.
type Bound struct {
	*Registry
	agents map[string]agent.Agent
}

// Bind resolves every spec to an agent, failing on the first that cannot be
// resolved.
func (r *Registry) Bind(resolve Resolver) (*Bound, error) {
	b := &Bound{Registry: r, agents: make(map[string]agent.Agent, len(r.specs))}
	for _, s := range r.specs {
		a, err := resolve(s)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("bind agent %q: %w", s.Name, err)
		}
		if a == nil {
			b.Close()
			return nil, fmt.Errorf("bind agent %q: %w", s.Name, ErrAgentNotFound)
		}
		b.agents[s.Name] = a
	}
	return b, nil
}

// Agent returns the invocable agent registered under name.
func (b *Bound) Agent(name string) (agent.Agent, bool) {
	a, ok := b.agents[name]
	return a, ok
}

// Close releases agents that hold resources.
func (b *Bound) Close() {
	for _, a := range b.agents {
		if c, ok := a.(agent.Closer); ok {
			_ = c.Close()
		}
	}
}
