// Package catalog caches the camera and domain listings used to label
// dashboard breakdowns.
package catalog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/DukeRupert/ppewatch/internal/aggregate"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Labels maps IDs to display names.
type Labels struct {
	Cameras aggregate.Names
	Domains aggregate.Names
}

// Cache is a read-through cache over a domain.Catalog. Concurrent misses for
// the same key share one upstream call. Entries never expire; a new Cache is
// created per session.
type Cache struct {
	source domain.Catalog
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	domains []domain.Domain
	cameras map[string][]domain.Camera
}

// New creates a Cache over source.
func New(source domain.Catalog, logger *slog.Logger) *Cache {
	return &Cache{
		source:  source,
		logger:  logger,
		cameras: make(map[string][]domain.Camera),
	}
}

// Domains returns every domain.
func (c *Cache) Domains(ctx context.Context) ([]domain.Domain, error) {
	c.mu.RLock()
	cached := c.domains
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := c.group.Do("domains", func() (interface{}, error) {
		domains, err := c.source.ListDomains(ctx)
		if err != nil {
			return nil, err
		}
		if domains == nil {
			domains = []domain.Domain{}
		}
		c.mu.Lock()
		c.domains = domains
		c.mu.Unlock()
		c.logger.Debug("domain catalog loaded", "count", len(domains))
		return domains, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Domain), nil
}

// Cameras returns the cameras of one domain.
func (c *Cache) Cameras(ctx context.Context, domainID string) ([]domain.Camera, error) {
	c.mu.RLock()
	cached, ok := c.cameras[domainID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do("cameras:"+domainID, func() (interface{}, error) {
		cameras, err := c.source.ListCameras(ctx, domainID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cameras[domainID] = cameras
		c.mu.Unlock()
		c.logger.Debug("camera catalog loaded", "domain_id", domainID, "count", len(cameras))
		return cameras, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Camera), nil
}

// Labels returns display names for the given domains and their cameras. An
// empty domainIDs covers every domain in the catalog.
func (c *Cache) Labels(ctx context.Context, domainIDs []string) (Labels, error) {
	domains, err := c.Domains(ctx)
	if err != nil {
		return Labels{}, err
	}

	labels := Labels{
		Cameras: make(aggregate.Names),
		Domains: make(aggregate.Names, len(domains)),
	}
	for _, d := range domains {
		labels.Domains[d.ID] = d.Name
	}

	ids := domainIDs
	if len(ids) == 0 {
		ids = make([]string, 0, len(domains))
		for _, d := range domains {
			ids = append(ids, d.ID)
		}
	}
	for _, id := range ids {
		cameras, err := c.Cameras(ctx, id)
		if err != nil {
			return Labels{}, err
		}
		for _, cam := range cameras {
			labels.Cameras[cam.ID] = cam.Name
		}
	}
	return labels, nil
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.domains = nil
	c.cameras = make(map[string][]domain.Camera)
	c.mu.Unlock()
}
