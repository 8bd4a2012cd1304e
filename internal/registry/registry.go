// Package registry holds the static catalog of known models. The catalog is
// built once at startup from configuration and is read-only afterwards.
package registry

import (
	"fmt"
	"sort"

	"modelgate/pkg/types"
)

type Registry struct {
	byID  map[string]types.ModelDescriptor
	order []string
}

// New builds a registry from descriptors. Duplicate ids are rejected.
func New(models []types.ModelDescriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]types.ModelDescriptor, len(models))}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model descriptor with empty id")
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id: %s", m.ID)
		}
		r.byID[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	return r, nil
}

// ByID returns the descriptor for id, if known.
func (r *Registry) ByID(id string) (types.ModelDescriptor, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// All returns all descriptors in configuration order (copy; safe to mutate).
func (r *Registry) All() []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Candidates returns descriptors suited for task, sorted by ascending RAM
// requirement with id as tie-break so selection is deterministic.
func (r *Registry) Candidates(task types.TaskType) []types.ModelDescriptor {
	var out []types.ModelDescriptor
	for _, id := range r.order {
		if m := r.byID[id]; m.SuitedFor(task) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RAMRequiredGB != out[j].RAMRequiredGB {
			return out[i].RAMRequiredGB < out[j].RAMRequiredGB
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int { return len(r.byID) }
