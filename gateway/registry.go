package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const DefaultProcessor = "banquest"

// Registry holds the processors configured at startup and picks one per
// request. Adding a processor means registering another Gateway.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	fallback string
}

func NewRegistry(fallback string, gateways ...Gateway) *Registry {
	if fallback == "" {
		fallback = DefaultProcessor
	}
	r := &Registry{gateways: make(map[string]Gateway), fallback: strings.ToLower(fallback)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[strings.ToLower(g.Name())] = g
}

// Known reports whether name is a processor this build understands.
func Known(name string) bool {
	switch strings.ToLower(name) {
	case "", ProcessorBanquest, ProcessorSquare:
		return true
	}
	return false
}

// Select returns the gateway for name, or the default when name is empty.
func (r *Registry) Select(name string) (Gateway, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.fallback
	}
	r.mu.RLock()
	g, ok := r.gateways[key]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}
	if !Known(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConfigured, key)
}

// Names lists the configured processors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
