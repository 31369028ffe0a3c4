package catalog

import (
	"sync"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// ExpressionProfile maps tenants to the set of catalog entries active for
// them. An entry deactivated for a tenant is invisible to that tenant's
// decision engine passes. The default profile activates everything; only
// explicit deactivations are stored.
type ExpressionProfile struct {
	mu          sync.RWMutex
	deactivated map[domain.TenantID]map[string]bool // entry key -> true when off
}

// NewExpressionProfile creates the default all-active profile.
func NewExpressionProfile() *ExpressionProfile {
	return &ExpressionProfile{
		deactivated: make(map[domain.TenantID]map[string]bool),
	}
}

// Activate re-enables an entry for a tenant.
func (p *ExpressionProfile) Activate(tenant domain.TenantID, entryKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.deactivated[tenant]; ok {
		delete(set, entryKey)
		if len(set) == 0 {
			delete(p.deactivated, tenant)
		}
	}
}

// Deactivate hides an entry from a tenant's analysis. Persistent until
// explicitly re-activated.
func (p *ExpressionProfile) Deactivate(tenant domain.TenantID, entryKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.deactivated[tenant]
	if !ok {
		set = make(map[string]bool)
		p.deactivated[tenant] = set
	}
	set[entryKey] = true
}

// IsActive reports whether an entry is active for a tenant.
func (p *ExpressionProfile) IsActive(tenant domain.TenantID, entryKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.deactivated[tenant]
	if !ok {
		return true
	}
	return !set[entryKey]
}

// SetBulk replaces the deactivation set for a tenant in one step.
func (p *ExpressionProfile) SetBulk(tenant domain.TenantID, deactivatedKeys []string) {
	set := make(map[string]bool, len(deactivatedKeys))
	for _, k := range deactivatedKeys {
		set[k] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(set) == 0 {
		delete(p.deactivated, tenant)
		return
	}
	p.deactivated[tenant] = set
}

// Deactivated returns the deactivated entry keys for a tenant (for the read
// API and persistence).
func (p *ExpressionProfile) Deactivated(tenant domain.TenantID) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.deactivated[tenant]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
