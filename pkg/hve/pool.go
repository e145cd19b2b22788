// Copyright 2024 The MicroV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hve

import (
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/log"

	"github.com/enr0n/MicroV/pkg/hvarch"
)

// Pool owns every domain in the system and hands out domain IDs. It is the
// Registry consulted by reclaim to decide whether a borrower is still
// live: a domain is live exactly as long as it is in the pool.
type Pool struct {
	mu      sync.Mutex
	domains map[hvarch.DomainID]*Domain
	nextID  hvarch.DomainID
	maxPhys uint64
}

var _ Registry = (*Pool)(nil)

// NewPool returns an empty pool. maxPhys bounds the root's identity map;
// zero means the architectural limit.
func NewPool(maxPhys uint64) *Pool {
	if maxPhys == 0 {
		maxPhys = hvarch.MaxPhysAddr
	}
	return &Pool{
		domains: make(map[hvarch.DomainID]*Domain),
		nextID:  hvarch.RootDomainID + 1,
		maxPhys: maxPhys,
	}
}

// CreateRoot builds the root domain and installs its identity map covering
// [4K, maxPhys). There can be only one.
func (p *Pool) CreateRoot(cfg Config) (*Domain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.domains[hvarch.RootDomainID]; ok {
		return nil, fmt.Errorf("hve: root domain already exists")
	}

	cfg.Origin = OriginRoot
	d := newDomain(hvarch.RootDomainID, cfg, p)
	d.ept.IdentityMap(p.maxPhys)
	p.domains[hvarch.RootDomainID] = d

	log.L.Infof("created root domain: identity map to %#x", p.maxPhys)
	return d, nil
}

// Create builds a guest domain with a fresh ID and an empty translation
// map.
func (p *Pool) Create(cfg Config) *Domain {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++

	cfg.Origin = OriginBuilder
	d := newDomain(id, cfg, p)
	p.domains[id] = d

	log.L.Debugf("created domain %v: ram=%#x mode=%v", id, cfg.RAM, cfg.ExecMode)
	return d
}

// Lookup returns the domain registered under id, or nil. Lookup implements
// Registry.
func (p *Pool) Lookup(id hvarch.DomainID) *Domain {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.domains[id]
}

// Root returns the root domain, or nil before CreateRoot.
func (p *Pool) Root() *Domain {
	return p.Lookup(hvarch.RootDomainID)
}

// Destroy removes id from the pool and clears its entries from every IOMMU
// it was bound to. After Destroy the domain is no longer live, so the root
// may reclaim its donated pages. The root domain cannot be destroyed.
func (p *Pool) Destroy(id hvarch.DomainID) error {
	if id.IsRoot() {
		return fmt.Errorf("hve: refusing to destroy %v", id)
	}

	p.mu.Lock()
	d, ok := p.domains[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("hve: no such domain %v", id)
	}
	delete(p.domains, id)
	p.mu.Unlock()

	for _, u := range d.IOMMUs() {
		u.ClearDomain(id)
	}

	// Destroy only deregisters. Pages the domain borrowed stay donated
	// until the root reclaims them, so account for them here; a reclaim
	// that never happens must at least be visible.
	if root := p.Lookup(hvarch.RootDomainID); root != nil {
		if n := root.DonatedPages(id); n > 0 {
			log.L.Infof("destroyed domain %v: %d donated root pages await reclaim", id, n)
		}
	}

	log.L.Debugf("destroyed domain %v", id)
	return nil
}

// Domains returns every live domain in ID order.
func (p *Pool) Domains() []*Domain {
	p.mu.Lock()
	ds := make([]*Domain, 0, len(p.domains))
	for _, d := range p.domains {
		ds = append(ds, d)
	}
	p.mu.Unlock()

	sort.Slice(ds, func(i, j int) bool { return ds[i].id < ds[j].id })
	return ds
}

// MaxPhysAddr returns the physical address ceiling used for the root's
// identity map.
func (p *Pool) MaxPhysAddr() uint64 {
	return p.maxPhys
}
