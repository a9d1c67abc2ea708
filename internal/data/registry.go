package data

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
)

// Registry deduplicates providers so that scenarios sharing the same
// file and policy also share cursors and the unique-row pool. The
// registry belongs to one test run; its lifetime bounds the providers.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*Provider
	log       logrus.FieldLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		log:       log,
	}
}

// Get returns the provider for cfg, creating it on first use.
// Providers are keyed by absolute file path plus the policy fields, so
// two scenarios reading the same file under different policies get
// independent providers.
func (r *Registry) Get(cfg config.DataConfig) (*Provider, error) {
	abs, err := filepath.Abs(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("resolving data file path: %w", err)
	}
	cfg.File = abs
	key := providerKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[key]; ok {
		return p, nil
	}
	p := NewProvider(cfg, r.log)
	r.providers[key] = p
	return p, nil
}

// ResetAll rewinds every provider. Used between sequential load phases.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		p.Reset()
	}
}

func providerKey(cfg config.DataConfig) string {
	return strings.Join([]string{
		cfg.File,
		cfg.Scope,
		cfg.Order,
		cfg.OnExhausted,
		cfg.ChangePolicy,
		cfg.Filter,
		cfg.Delimiter,
		fmt.Sprintf("%v|%v|%v", cfg.HasHeader(), cfg.Shuffle, cfg.Columns),
	}, "\x00")
}
