package registry

import (
	"sort"
	"sync"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
)

// Conn is the context of one live transport connection. It is created at
// handshake start, owned by the registry for its lifetime, and destroyed
// at disconnect. Identity stays nil for unauthenticated connections.
type Conn struct {
	ID       string
	Identity *model.Identity
	RoomID   string
	Wire     model.Wire
}

// Username returns the bound username or "" when unauthenticated.
func (c *Conn) Username() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.Username
}

// Registry is the authoritative table of live connections and the set of
// currently-online usernames. A username's online entry is refcounted per
// connection, so a user with two tabs stays online until the last one
// closes. All synchronization is internal; critical sections only mutate
// maps and never block.
type Registry struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	conns  map[string]*Conn
	online map[string]int
}

func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		mx:     &sync.Mutex{},
		conns:  make(map[string]*Conn),
		online: make(map[string]int),
	}
}

// Add registers a connection. It reports whether the online set changed,
// which is the caller's cue to publish presence. Anonymous connections are
// tracked but never touch the online set.
func (r *Registry) Add(conn *Conn) bool {
	username := conn.Username()

	r.mx.Lock()
	r.conns[conn.ID] = conn
	if username != "" {
		r.online[username]++
	}
	r.mx.Unlock()

	if username == "" {
		r.logger.Warn().
			Str("connID", conn.ID).
			Msg("connection registered without identity")
		return false
	}
	r.logger.Info().
		Str("connID", conn.ID).
		Str("username", username).
		Msg("connected")
	return true
}

// Remove deregisters a connection. Removing an unknown or already-removed
// connection is a no-op. It reports whether the online set changed.
func (r *Registry) Remove(connID string) bool {
	r.mx.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mx.Unlock()
		return false
	}
	delete(r.conns, connID)

	username := conn.Username()
	if username != "" {
		if n, present := r.online[username]; present {
			if n <= 1 {
				delete(r.online, username)
			} else {
				r.online[username] = n - 1
			}
		}
	}
	r.mx.Unlock()

	if username == "" {
		return false
	}
	r.logger.Info().
		Str("connID", connID).
		Str("username", username).
		Msg("disconnected")
	return true
}

// Get returns the connection context for connID, or nil.
func (r *Registry) Get(connID string) *Conn {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.conns[connID]
}

// Online returns a sorted snapshot of online usernames. Each username
// appears once regardless of its connection count.
func (r *Registry) Online() []string {
	r.mx.Lock()
	names := make([]string, 0, len(r.online))
	for username := range r.online {
		names = append(names, username)
	}
	r.mx.Unlock()

	sort.Strings(names)
	return names
}
