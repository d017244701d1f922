// Package skills runs named server-side actions requested by realtime
// clients.
package skills

import (
	"context"
	"sort"
	"sync"

	apperrors "channelgate/internal/errors"
)

// Call is one skill invocation on behalf of an authenticated user.
type Call struct {
	ExecutionID    string
	Name           string
	SessionID      string
	UserID         string
	OrganizationID string
	Params         map[string]interface{}
}

// ProgressFunc reports intermediate output. It must be called from the
// goroutine running the skill.
type ProgressFunc func(progress interface{})

type Skill func(ctx context.Context, call Call, progress ProgressFunc) (interface{}, error)

type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds or replaces a skill.
func (r *Registry) Register(name string, s Skill) {
	r.mu.Lock()
	r.skills[name] = s
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Execute(ctx context.Context, call Call, progress ProgressFunc) (interface{}, error) {
	r.mu.RLock()
	s, ok := r.skills[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("skill", call.Name)
	}
	if progress == nil {
		progress = func(interface{}) {}
	}
	return s(ctx, call, progress)
}

func stringParam(call Call, key string) string {
	v, _ := call.Params[key].(string)
	return v
}
