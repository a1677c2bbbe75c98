package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Compiler turns script source into a runnable script
type Compiler interface {
	Compile(source string) (*Script, error)
}

// Registry manages available scripts. Its "source" is a script name.
type Registry struct {
	logger  *zap.Logger
	scripts map[string]*Script
	mu      sync.RWMutex
}

var _ Compiler = (*Registry)(nil)

// NewRegistry creates a registry holding the built-in scripts
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:  logger,
		scripts: make(map[string]*Script),
	}

	r.Register(MomentumScript(logger))
	r.Register(BreakoutScript(logger))
	r.Register(MonkeyScript(logger))

	return r
}

// Register adds or replaces a script
func (r *Registry) Register(s *Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[s.Name] = s
}

// Get returns a script by name
func (r *Registry) Get(name string) (*Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	return s, ok
}

// Compile resolves source to a registered script
func (r *Registry) Compile(source string) (*Script, error) {
	name := strings.TrimSpace(source)
	s, ok := r.Get(name)
	if !ok {
		r.logger.Warn("unknown script", zap.String("name", name))
		return nil, fmt.Errorf("unknown script %q", name)
	}
	return s, nil
}

// List returns all scripts sorted by name
func (r *Registry) List() []*Script {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
