package authz

import (
	"context"
	"sync"
)

// StaticOracle holds a fixed membership table in memory. Used in tests
// and local development, where no product database is running.
type StaticOracle struct {
	mu      sync.RWMutex
	members map[string]map[string]bool // projectID -> subjectID -> allowed
}

var _ Oracle = (*StaticOracle)(nil)

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{members: make(map[string]map[string]bool)}
}

func (o *StaticOracle) Allow(subjectID, projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.members[projectID] == nil {
		o.members[projectID] = make(map[string]bool)
	}
	o.members[projectID][subjectID] = true
}

func (o *StaticOracle) Revoke(subjectID, projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.members[projectID], subjectID)
}

func (o *StaticOracle) IsMember(_ context.Context, subjectID, projectID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.members[projectID][subjectID], nil
}
