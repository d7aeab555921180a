package chat

import (
	"sort"
	"strings"
	"sync"
)

// Registry is the set of live connections.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// ClaimResult describes the presence transitions caused by a claim.
type ClaimResult struct {
	// Joined is set when the identity had no other connection.
	Joined bool
	// Previous is the identity this connection held before, if different.
	Previous *Identity
	// PreviousLeft is set when Previous has no connection left.
	PreviousLeft bool
}

// Admit adds an unidentified connection.
func (r *Registry) Admit(c *Client) {
	r.mu.Lock()
	r.clients[c.Id] = c
	r.mu.Unlock()
}

// Claim associates id with c; the last claim wins. ok is false when c is not
// registered.
func (r *Registry) Claim(c *Client, id Identity) (res ClaimResult, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[c.Id] != c {
		return ClaimResult{}, false
	}
	prev := c.setIdentity(id)
	if prev != nil && prev.ID == id.ID {
		return ClaimResult{}, true
	}
	res.Joined = r.countLocked(id.ID, c) == 0
	if prev != nil {
		res.Previous = prev
		res.PreviousLeft = r.countLocked(prev.ID, c) == 0
	}
	return res, true
}

// Remove deletes c. It reports whether c was present, the identity it held and
// whether that was the identity's last connection. Removing twice is a no-op.
func (r *Registry) Remove(c *Client) (removed bool, id *Identity, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[c.Id] != c {
		return false, nil, false
	}
	delete(r.clients, c.Id)
	if claimed, ok := c.Identity(); ok {
		return true, &claimed, r.countLocked(claimed.ID, nil) == 0
	}
	return true, nil, false
}

// Snapshot returns a copy of the current connections ordered by connect time.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[c.Id] == c
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ConnectionsOf returns the connections claimed by any of usernames, ignoring case.
func (r *Registry) ConnectionsOf(usernames []string) []*Client {
	want := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		want[strings.ToLower(u)] = true
	}
	var out []*Client
	for _, c := range r.Snapshot() {
		if id, ok := c.Identity(); ok && want[strings.ToLower(id.Username)] {
			out = append(out, c)
		}
	}
	return out
}

// countLocked counts connections holding identity id, skipping except.
func (r *Registry) countLocked(id uint, except *Client) int {
	n := 0
	for _, c := range r.clients {
		if c == except {
			continue
		}
		if claimed, ok := c.Identity(); ok && claimed.ID == id {
			n++
		}
	}
	return n
}
