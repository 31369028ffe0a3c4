package safeguard

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// BudgetManager enforces the per-tenant and global storage ceilings. A
// reservation is taken against a candidate's size estimate while its CREATE
// is in flight and released on completion or failure. The invariant is that
// used+reserved never exceeds the configured budget at any observable point.
type BudgetManager struct {
	mu sync.Mutex

	globalLimit int64
	tenantLimit int64

	globalUsed     int64
	globalReserved int64
	tenantUsed     map[domain.TenantID]int64
	tenantReserved map[domain.TenantID]int64

	reservations map[string]reservation
}

type reservation struct {
	tenant domain.TenantID
	bytes  int64
}

// NewBudgetManager creates a budget manager with the configured ceilings.
// A zero tenant limit means tenants share only the global ceiling.
func NewBudgetManager(globalLimit, tenantLimit int64) *BudgetManager {
	return &BudgetManager{
		globalLimit:    globalLimit,
		tenantLimit:    tenantLimit,
		tenantUsed:     make(map[domain.TenantID]int64),
		tenantReserved: make(map[domain.TenantID]int64),
		reservations:   make(map[string]reservation),
	}
}

// SetUsed records the currently observed index storage consumption.
func (b *BudgetManager) SetUsed(global int64, perTenant map[domain.TenantID]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalUsed = global
	b.tenantUsed = make(map[domain.TenantID]int64, len(perTenant))
	for t, v := range perTenant {
		b.tenantUsed[t] = v
	}
}

// Reserve attempts to reserve bytes for a tenant. On success it returns a
// reservation id for the later Release or Commit.
func (b *BudgetManager) Reserve(tenant domain.TenantID, bytes int64) (string, domain.GateOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.globalUsed+b.globalReserved+bytes > b.globalLimit {
		return "", domain.GateOutcome{
			Decision: domain.GateDefer,
			Gate:     "storage-budget",
			Reason:   "budget-exceeded",
		}
	}
	if b.tenantLimit > 0 && tenant != domain.Global {
		if b.tenantUsed[tenant]+b.tenantReserved[tenant]+bytes > b.tenantLimit {
			return "", domain.GateOutcome{
				Decision: domain.GateDefer,
				Gate:     "storage-budget",
				Reason:   fmt.Sprintf("budget-exceeded for tenant %s", tenant),
			}
		}
	}

	id := uuid.NewString()
	b.reservations[id] = reservation{tenant: tenant, bytes: bytes}
	b.globalReserved += bytes
	b.tenantReserved[tenant] += bytes
	return id, domain.GateOutcome{Decision: domain.GateAllow, Gate: "storage-budget"}
}

// Release returns a reservation without consuming it (build failed/deferred).
func (b *BudgetManager) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return
	}
	delete(b.reservations, id)
	b.globalReserved -= res.bytes
	b.tenantReserved[res.tenant] -= res.bytes
}

// Commit converts a reservation into used bytes (build committed).
func (b *BudgetManager) Commit(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return
	}
	delete(b.reservations, id)
	b.globalReserved -= res.bytes
	b.tenantReserved[res.tenant] -= res.bytes
	b.globalUsed += res.bytes
	b.tenantUsed[res.tenant] += res.bytes
}

// Usage returns the current global used and reserved bytes.
func (b *BudgetManager) Usage() (used, reserved int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.globalUsed, b.globalReserved
}
