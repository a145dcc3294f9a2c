// Package router implements the endpoint-level operational controls the
// wire-protocol front end and the admin API share: which endpoints are
// currently paused, and how to pull an endpoint id out of a connecting
// client's username. It does not resolve an endpoint to a compute address
// itself; that is internal/controlplane's job.
package router

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// routerSnapshot is an immutable point-in-time view of the pause table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	paused map[types.EndpointID]bool
}

// Router tracks which endpoints are administratively paused. IsPaused is
// lock-free via atomic.Value; mutations serialize on a write mutex and swap
// in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates an empty Router with nothing paused.
func New() *Router {
	r := &Router{}
	r.snap.Store(&routerSnapshot{paused: make(map[types.EndpointID]bool)})
	return r
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newPaused := make(map[types.EndpointID]bool, len(cur.paused))
	for id, v := range cur.paused {
		newPaused[id] = v
	}
	return &routerSnapshot{paused: newPaused}
}

// Pause marks endpoint as paused; new connections to it are rejected at the
// front door before a wake attempt is ever made.
func (r *Router) Pause(endpoint types.EndpointID) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	s := r.cloneSnap()
	s.paused[endpoint.Normalize()] = true
	r.snap.Store(s)
}

// Resume clears endpoint's paused flag.
func (r *Router) Resume(endpoint types.EndpointID) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	s := r.cloneSnap()
	delete(s.paused, endpoint.Normalize())
	r.snap.Store(s)
}

// IsPaused reports whether endpoint is currently paused. Lock-free.
func (r *Router) IsPaused(endpoint types.EndpointID) bool {
	return r.load().paused[endpoint.Normalize()]
}

// ListPaused returns every currently paused endpoint.
func (r *Router) ListPaused() []types.EndpointID {
	snap := r.load()
	ids := make([]types.EndpointID, 0, len(snap.paused))
	for id, paused := range snap.paused {
		if paused {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExtractEndpointFromUsername parses an endpoint id out of a connecting
// username for protocols (the Postgres wire front end) that have no
// separate endpoint field to carry it in. Recognizes "endpoint.user" and
// "endpoint__user"; returns ok=false for a bare username.
func ExtractEndpointFromUsername(username string) (endpoint types.EndpointID, realUser string, ok bool) {
	if idx := strings.Index(username, "."); idx > 0 {
		return types.EndpointID(username[:idx]), username[idx+1:], true
	}
	if idx := strings.Index(username, "__"); idx > 0 {
		return types.EndpointID(username[:idx]), username[idx+2:], true
	}
	return "", username, false
}
