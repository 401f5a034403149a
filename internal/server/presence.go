package server

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/chat"
)

// registry maps active connections to identities and back. At most one
// connection is bound to an identity, so the online set is exactly the set
// of bound identities. It is owned by the hub goroutine.
type registry struct {
	byConn     map[string]chat.Identity
	byIdentity map[string]string
}

func newRegistry() *registry {
	return &registry{
		byConn:     make(map[string]chat.Identity),
		byIdentity: make(map[string]string),
	}
}

// bind binds connID to ident. A different connection previously bound to
// ident is unbound and returned as evicted. changed reports whether the
// online set changed.
func (r *registry) bind(connID string, ident chat.Identity) (evicted string, changed bool) {
	prev, replaced := r.byConn[connID]
	if replaced {
		if prev.ID == ident.ID {
			if prev.DisplayName == ident.DisplayName {
				return "", false
			}
			r.byConn[connID] = ident
			return "", true
		}
		delete(r.byIdentity, prev.ID)
	}

	if other, ok := r.byIdentity[ident.ID]; ok && other != connID {
		delete(r.byConn, other)
		evicted = other
	}

	r.byConn[connID] = ident
	r.byIdentity[ident.ID] = connID

	// Moving an identity from one connection to another leaves the online
	// set untouched.
	return evicted, evicted == "" || replaced
}

// unbind removes connID. Unbinding an unknown connection is a no-op.
func (r *registry) unbind(connID string) (chat.Identity, bool) {
	ident, ok := r.byConn[connID]
	if !ok {
		return chat.Identity{}, false
	}
	delete(r.byConn, connID)
	if r.byIdentity[ident.ID] == connID {
		delete(r.byIdentity, ident.ID)
	}
	return ident, true
}

func (r *registry) lookup(connID string) (chat.Identity, bool) {
	ident, ok := r.byConn[connID]
	return ident, ok
}

func (r *registry) connIDs() []string {
	return lo.Keys(r.byConn)
}

func (r *registry) size() int {
	return len(r.byConn)
}

// snapshot returns the online identities ordered by display name, then id.
func (r *registry) snapshot() []chat.Identity {
	users := lo.Values(r.byConn)
	slices.SortFunc(users, func(a, b chat.Identity) int {
		return cmp.Or(
			cmp.Compare(a.DisplayName, b.DisplayName),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return users
}
