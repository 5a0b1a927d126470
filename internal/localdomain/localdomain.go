// Package localdomain implements the process-local membership registry for
// "discovery of self" (spec §9), keyed by domain id. The registry for a
// domain is created on its first participant and destroyed when the last
// one leaves, guarded by a single process-wide lock. It only records
// membership and sends nothing: intra-process writers and readers still
// discover and bind to each other over their participant's transport.
package localdomain

import "sync"

// Member is whatever a participant registers into its domain's registry,
// identified by its GUID prefix.
type Member interface {
	Prefix() [12]byte
}

// Registry is the per-domain process-local member set.
type Registry struct {
	mu      sync.RWMutex
	members map[[12]byte]Member
}

var (
	mu        sync.Mutex
	byDomain  = map[int]*Registry{}
)

// Join registers m under domain id, creating the domain's Registry if this
// is the first member, and returns it along with a snapshot of the members
// that were already registered.
func Join(domain int, m Member) (reg *Registry, existing []Member) {
	mu.Lock()
	reg, ok := byDomain[domain]
	if !ok {
		reg = &Registry{members: make(map[[12]byte]Member)}
		byDomain[domain] = reg
	}
	mu.Unlock()

	reg.mu.Lock()
	for _, other := range reg.members {
		existing = append(existing, other)
	}
	reg.members[m.Prefix()] = m
	reg.mu.Unlock()

	return reg, existing
}

// Leave removes m from domain's registry, and tears the registry down
// entirely once it is empty.
func Leave(domain int, m Member) {
	mu.Lock()
	reg, ok := byDomain[domain]
	mu.Unlock()
	if !ok {
		return
	}

	reg.mu.Lock()
	delete(reg.members, m.Prefix())
	empty := len(reg.members) == 0
	reg.mu.Unlock()

	if empty {
		mu.Lock()
		if cur, ok := byDomain[domain]; ok && cur == reg {
			delete(byDomain, domain)
		}
		mu.Unlock()
	}
}

// Members returns a snapshot of the current membership of domain's
// registry (empty if the domain has no local participants).
func Members(domain int) []Member {
	mu.Lock()
	reg, ok := byDomain[domain]
	mu.Unlock()
	if !ok {
		return nil
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Member, 0, len(reg.members))
	for _, m := range reg.members {
		out = append(out, m)
	}
	return out
}
