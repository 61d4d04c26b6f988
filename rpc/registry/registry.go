// Package registry maps connection identities to the response queues of live connections.
//
// Connections register themselves once their handshake succeeded and deregister when they
// close. The dispatcher looks clients up by id to deliver responses. A response for an id that
// is not registered (anymore) is dropped, which is the normal outcome when a client disconnects
// while its request is still queued.
//
// Thread-safety: all methods are safe for concurrent use.
package registry

import (
	"reflect"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("registry")

// Handle accepts responses for one connection. Push must not block.
// Handles are matched by identity, so implementations should be pointer types. Handles of a
// non-comparable type never match, Deregister leaves them in place.
type Handle interface {
	// Push queues resp for writing. It returns false if the connection no longer accepts responses.
	Push(resp dispatch.Response) bool
}

// Registry is a concurrent map from client id to Handle. It implements dispatch.Notifier.
type Registry struct {
	clients *xsync.MapOf[string, Handle]
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		clients: xsync.NewMapOf[string, Handle](),
	}
}

// Register adds the handle for id, replacing any handle registered before. The replaced handle
// receives no further responses, its connection's Deregister is then a no-op.
func (r *Registry) Register(id string, h Handle) {
	if _, loaded := r.clients.LoadAndStore(id, h); loaded {
		Logger.Warningf("client %s registered again, replacing the previous connection", id)
		return
	}
	Logger.Debugf("registered client %s", id)
}

// Deregister removes id, but only if it still maps to h. A late deregistration of a closed
// connection can thus never remove a newer connection that reuses the same id.
func (r *Registry) Deregister(id string, h Handle) {
	removed := false
	r.clients.Compute(id, func(old Handle, loaded bool) (Handle, bool) {
		if !loaded {
			return old, true
		}
		removed = sameHandle(old, h)
		return old, removed
	})
	if removed {
		Logger.Debugf("deregistered client %s", id)
	}
}

// sameHandle compares a and b without panicking on non-comparable dynamic types
func sameHandle(a, b Handle) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}

// Notify pushes resp to the client with the given id. It returns false if the client is not
// registered or its handle rejected the response.
func (r *Registry) Notify(id string, resp dispatch.Response) bool {
	h, ok := r.clients.Load(id)
	if !ok {
		Logger.Warningf("dropping %v response for unknown client %s", resp.Op, id)
		return false
	}
	if !h.Push(resp) {
		Logger.Warningf("client %s no longer accepts responses, dropping %v response", id, resp.Op)
		return false
	}
	return true
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	return r.clients.Size()
}

var _ dispatch.Notifier = (*Registry)(nil)
