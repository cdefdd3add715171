package vtesting

import (
	"context"
	"sync"

	errors "github.com/go-errors/errors"
	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/scheduler"
)

// MemoryRepository implements scheduler.Repository and records every
// unit state write so tests can assert on transition history.
type MemoryRepository struct {
	mu sync.Mutex

	sessions map[string]*scheduler.Session
	results  map[string][]*analyzers.Result

	// One entry per SaveUnitState call: "timeline/analyzer:STATE".
	History []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*scheduler.Session),
		results:  make(map[string][]*analyzers.Result),
	}
}

func (self *MemoryRepository) SaveSession(ctx context.Context,
	session *scheduler.Session) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	self.sessions[session.ID] = session
	return nil
}

func (self *MemoryRepository) LoadSession(ctx context.Context,
	session_id string) (*scheduler.Session, error) {

	self.mu.Lock()
	defer self.mu.Unlock()

	session, pres := self.sessions[session_id]
	if !pres {
		return nil, errors.Errorf("unknown session %v", session_id)
	}
	return session, nil
}

func (self *MemoryRepository) ListSessions(ctx context.Context,
	sketch_id string) ([]*scheduler.Session, error) {

	self.mu.Lock()
	defer self.mu.Unlock()

	var result []*scheduler.Session
	for _, session := range self.sessions {
		if session.SketchID == sketch_id {
			result = append(result, session)
		}
	}
	return result, nil
}

func (self *MemoryRepository) SaveUnitState(ctx context.Context,
	unit *scheduler.Unit) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	self.History = append(self.History,
		unit.Key().String()+":"+string(unit.State))
	return nil
}

func (self *MemoryRepository) AppendResult(ctx context.Context,
	unit *scheduler.Unit, result *analyzers.Result) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	key := unit.Key().String()
	self.results[key] = append(self.results[key], result)
	return nil
}

func (self *MemoryRepository) Results(key string) []*analyzers.Result {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.results[key]
}

func (self *MemoryRepository) SessionCount() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return len(self.sessions)
}
