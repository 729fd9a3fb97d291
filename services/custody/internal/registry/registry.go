package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
)

type Descriptor struct {
	ID        domain.AssetID
	UnitScale uint8
	Source    *oracle.Adapter
}

// Registry is the read side consumed by the engine. An asset is accepted
// only while it has a price source.
type Registry struct {
	mu     sync.RWMutex
	assets map[domain.AssetID]Descriptor
}

func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{assets: make(map[domain.AssetID]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := r.Put(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Put(d Descriptor) error {
	if !d.ID.Valid() {
		return fmt.Errorf("asset id is required")
	}
	if d.UnitScale > domain.MaxUnitScale {
		return fmt.Errorf("unit scale %d exceeds %d", d.UnitScale, domain.MaxUnitScale)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[d.ID] = d
	return nil
}

func (r *Registry) Remove(asset domain.AssetID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[asset]; !ok {
		return false
	}
	delete(r.assets, asset)
	return true
}

func (r *Registry) IsAccepted(asset domain.AssetID) bool {
	_, ok := r.PriceSource(asset)
	return ok
}

func (r *Registry) UnitScale(asset domain.AssetID) (uint8, bool) {
	d, ok := r.Descriptor(asset)
	if !ok {
		return 0, false
	}
	return d.UnitScale, true
}

func (r *Registry) PriceSource(asset domain.AssetID) (*oracle.Adapter, bool) {
	d, ok := r.Descriptor(asset)
	if !ok || d.Source == nil {
		return nil, false
	}
	return d.Source, true
}

func (r *Registry) Descriptor(asset domain.AssetID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.assets[asset]
	return d, ok
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.assets))
	for _, d := range r.assets {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
