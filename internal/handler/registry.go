package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide, read-only-after-startup map from node type
// to NodeHandler (C2). Grounded on the composition-root philosophy in
// common/bootstrap: built once at startup, never mutated from request
// handling, no package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]NodeHandler
	started  bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]NodeHandler)}
}

// Register adds a handler, returning an error on duplicate registration.
func (r *Registry) Register(h NodeHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("handler type %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// MustRegister registers h, panicking on duplicate registration. Used at
// startup where a duplicate is a programmer error, not a runtime condition.
func (r *Registry) MustRegister(h NodeHandler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Freeze marks the registry as started; purely documentary (Register still
// works, but callers past this point should treat the registry read-only).
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// Get looks up a handler by type.
func (r *Registry) Get(nodeType string) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// List returns every registered handler's metadata, sorted by type.
func (r *Registry) List() []HandlerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HandlerMetadata, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, describeHandler(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Categories returns the distinct categories currently registered.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for _, h := range r.handlers {
		set[h.Category()] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HandlerMetadata is the GET /node-types response shape (C9).
type HandlerMetadata struct {
	Type          string   `json:"type"`
	DisplayName   string   `json:"displayName"`
	Category      string   `json:"category"`
	Description   string   `json:"description"`
	Icon          string   `json:"icon"`
	OutputHandles []string `json:"outputHandles"`
	SupportsAsync bool     `json:"supportsAsync"`
}

func describeHandler(h NodeHandler) HandlerMetadata {
	handles := h.InterfaceDefinition().OutputHandles
	if len(handles) == 0 {
		handles = []string{"main"}
	}
	return HandlerMetadata{
		Type:          h.Type(),
		DisplayName:   h.DisplayName(),
		Category:      h.Category(),
		Description:   h.Description(),
		Icon:          h.Icon(),
		OutputHandles: handles,
		SupportsAsync: h.SupportsAsync(),
	}
}

// Lookup implements graph.HandlerInfo.
func (r *Registry) Lookup(nodeType string) (category string, outputHandles []string, ok bool) {
	h, found := r.Get(nodeType)
	if !found {
		return "", nil, false
	}
	handles := h.InterfaceDefinition().OutputHandles
	if len(handles) == 0 {
		handles = []string{"main"}
	}
	return h.Category(), handles, true
}

// ValidateConfig implements graph.HandlerInfo.
func (r *Registry) ValidateConfig(nodeType string, config map[string]interface{}) (field, message string, valid bool) {
	h, found := r.Get(nodeType)
	if !found {
		return "type", fmt.Sprintf("node type %q is not registered", nodeType), false
	}
	if verr := h.ValidateConfig(config); verr != nil {
		return verr.Field, verr.Message, false
	}
	return "", "", true
}
