package session

import (
	"sort"
	"sync"
)

// Factory creates the Manager for a server URL.
type Factory func(url string) (*Manager, error)

// Registry holds one Manager per server URL. The first caller for a URL
// creates it, later callers get the same instance.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		managers: make(map[string]*Manager),
	}
}

func (r *Registry) Get(url string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[url]; ok {
		return m, nil
	}
	m, err := r.factory(url)
	if err != nil {
		return nil, err
	}
	r.managers[url] = m
	return m, nil
}

// URLs returns the registered server URLs in sorted order.
func (r *Registry) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	urls := make([]string, 0, len(r.managers))
	for url := range r.managers {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}
