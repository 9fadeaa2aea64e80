// Package registry maps service names and hosts to metadata used to tag
// captured records. The registry is an explicitly constructed value with a
// defined lifecycle: populate at startup, inject where needed, Reset in
// tests. There is no package-level instance.
package registry

import (
	"net/url"
	"strings"
	"sync"
)

// Service is one registered upstream.
type Service struct {
	Name string
	Host string // hostname (no scheme or port)
	Tags map[string]string
}

// Registry is a concurrency-safe name/host index of services.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Service
	byHost map[string]Service
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]Service),
		byHost: make(map[string]Service),
	}
}

// Register adds or replaces a service.
func (r *Registry) Register(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[s.Name] = s
	if s.Host != "" {
		r.byHost[strings.ToLower(s.Host)] = s
	}
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// LookupHost resolves a hostname (or a URL whose host matches) to a
// service. Ports are ignored.
func (r *Registry) LookupHost(host string) (Service, bool) {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byHost[strings.ToLower(host)]
	return s, ok
}

// Names returns every registered service name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// Reset removes every registration. For tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]Service)
	r.byHost = make(map[string]Service)
}
