// Package readiness implements a minimal readiness probe. A component that became ready stays ready;
// it is not meant for monitoring.
package readiness

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

type Component string

// Registry tracks the readiness of the relayer's components.
type Registry struct {
	mu         sync.Mutex
	components map[Component]bool
}

func NewRegistry() *Registry {
	return &Registry{components: map[Component]bool{}}
}

// RegisterComponent makes component required for the registry to report ready.
func (r *Registry) RegisterComponent(component Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[component]; ok {
		return fmt.Errorf("component %s already registered", component)
	}
	r.components[component] = false
	return nil
}

// SetReady marks component as ready.
func (r *Registry) SetReady(component Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[component] = true
}

func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.components {
		if !v {
			return false
		}
	}
	return true
}

// Handler returns 200 OK if all components are ready, or 412 Precondition Failed otherwise. The body
// lists every component and its state as plain text for operators.
func (r *Registry) Handler(w http.ResponseWriter, _ *http.Request) {
	resp := new(bytes.Buffer)
	_, _ = resp.WriteString("[not suitable for monitoring - do not parse]\n\n")

	r.mu.Lock()
	names := make([]string, 0, len(r.components))
	for k := range r.components {
		names = append(names, string(k))
	}
	sort.Strings(names)
	ready := true
	for _, k := range names {
		v := r.components[Component(k)]
		fmt.Fprintf(resp, "%s\t%v\n", k, v)
		if !v {
			ready = false
		}
	}
	r.mu.Unlock()

	if !ready {
		w.WriteHeader(http.StatusPreconditionFailed)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = resp.WriteTo(w)
}
