package approval

import (
	"sync"

	"github.com/haasonsaas/aided/pkg/models"
)

// ToolFlags mark tools whose execution must pass the gate.
type ToolFlags struct {
	Destructive bool
	Intrusive   bool
}

// FlagRegistry maps tool identifiers to their approval flags.
type FlagRegistry struct {
	mu    sync.RWMutex
	flags map[string]ToolFlags
}

// NewFlagRegistry creates an empty registry.
func NewFlagRegistry() *FlagRegistry {
	return &FlagRegistry{flags: make(map[string]ToolFlags)}
}

// Set records the flags for a tool, replacing any previous value.
func (r *FlagRegistry) Set(toolName string, flags ToolFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[toolName] = flags
}

// Get returns the flags for a tool, zero-valued when unknown.
func (r *FlagRegistry) Get(toolName string) ToolFlags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[toolName]
}

// Check returns the gating reason for a tool and whether the gate applies.
// Destructive takes precedence when both flags are set.
func (r *FlagRegistry) Check(toolName string) (models.ApprovalReason, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flags := r.flags[toolName]
	switch {
	case flags.Destructive:
		return models.ReasonDestructive, true
	case flags.Intrusive:
		return models.ReasonIntrusive, true
	default:
		return "", false
	}
}
