package auth

import (
	"sync"

	"github.com/google/uuid"
	"github.com/groupcord/backend/model"
)

// SessionStore keeps identities established by login, keyed by the opaque
// session id carried in the SESSION cookie.
type SessionStore struct {
	mx       *sync.Mutex
	sessions map[string]*model.Identity
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		mx:       &sync.Mutex{},
		sessions: make(map[string]*model.Identity),
	}
}

func (s *SessionStore) Create(ident *model.Identity) string {
	id := uuid.NewString()
	s.mx.Lock()
	s.sessions[id] = ident
	s.mx.Unlock()
	return id
}

func (s *SessionStore) Get(id string) *model.Identity {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.sessions[id]
}

func (s *SessionStore) Delete(id string) {
	s.mx.Lock()
	delete(s.sessions, id)
	s.mx.Unlock()
}
