// Package registry holds the set of invocable tools advertised to the model.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/tool"
)

var (
	ErrDuplicateName = errors.New("duplicate tool name")
	ErrToolNotFound  = errors.New("tool not found")
)

// Registry is read-mostly: lookups take the read lock, registration and
// server teardown take the write lock. A remote server's tool set appears and
// disappears atomically; a lookup never observes it half registered, and no
// invocation resolves a tool while its server is being removed.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*tool.Definition
	order  []string
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*tool.Definition),
		logger: logger,
	}
}

// Register adds one tool. The schema is compiled here so invalid tools are
// rejected up front rather than at first invocation.
func (r *Registry) Register(def *tool.Definition) error {
	if err := def.Compile(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(def)
}

func (r *Registry) registerLocked(def *tool.Definition) error {
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.tools[def.Name] = def
	r.order = append(r.order, def.Name)
	r.logger.Debug("registered tool",
		zap.String("tool", def.Name),
		zap.String("server", def.Server))
	return nil
}

// RegisterServer adds a remote server's tools as one atomic unit. If any
// definition conflicts or fails to compile, none are registered.
func (r *Registry) RegisterServer(serverID string, defs []*tool.Definition) error {
	for _, def := range defs {
		if err := def.Compile(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defs {
		if _, exists := r.tools[def.Name]; exists {
			return fmt.Errorf("%w: %s (server %s)", ErrDuplicateName, def.Name, serverID)
		}
	}
	for _, def := range defs {
		def.Server = serverID
		if err := r.registerLocked(def); err != nil {
			return err
		}
	}
	r.logger.Info("registered remote server tools",
		zap.String("server", serverID),
		zap.Int("count", len(defs)))
	return nil
}

// DeregisterServer removes every tool owned by the server and returns how
// many were removed. Holding the write lock here is what guarantees no
// invocation runs concurrently with the removal of its own tool.
func (r *Registry) DeregisterServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.order[:0]
	for _, name := range r.order {
		def := r.tools[name]
		if def != nil && def.Server == serverID {
			delete(r.tools, name)
			removed++
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
	if removed > 0 {
		r.logger.Info("deregistered remote server tools",
			zap.String("server", serverID),
			zap.Int("count", removed))
	}
	return removed
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*tool.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return def, nil
}

// List returns all definitions in registration order. The stable order keeps
// the capability list advertised to the model reproducible.
func (r *Registry) List() []*tool.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tool.Definition, 0, len(r.order))
	for _, name := range r.order {
		if def, ok := r.tools[name]; ok {
			out = append(out, def)
		}
	}
	return out
}
