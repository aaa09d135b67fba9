package metadata

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/grafana/docflow/pkg/engine/program"
)

// CachingProvider keeps the most recently used plans of an inner provider.
// Failed lookups are not cached.
type CachingProvider struct {
	inner Provider
	cache *lru.Cache[string, *program.Plan]
}

var _ Provider = (*CachingProvider)(nil)

func NewCachingProvider(inner Provider, size int) (*CachingProvider, error) {
	cache, err := lru.New[string, *program.Plan](size)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{inner: inner, cache: cache}, nil
}

// Plan implements Provider.
func (p *CachingProvider) Plan(ctx context.Context, document string) (*program.Plan, error) {
	if plan, ok := p.cache.Get(document); ok {
		return plan, nil
	}
	plan, err := p.inner.Plan(ctx, document)
	if err != nil {
		return nil, err
	}
	p.cache.Add(document, plan)
	return plan, nil
}

// Purge drops every cached plan.
func (p *CachingProvider) Purge() { p.cache.Purge() }

// Len returns the number of cached plans.
func (p *CachingProvider) Len() int { return p.cache.Len() }
