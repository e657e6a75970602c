package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// tracks which collaborators are connected and which entity each is viewing.
// a missing heartbeat is a silent timeout: the entry flips offline and drops
// out of the viewer lists, no error is raised anywhere.
type PresenceRegistry struct {
	ctx context.Context

	settings *CollabSettings
	now      func() time.Time

	stateLock     sync.Mutex
	collaborators map[Id]*Collaborator
}

func NewPresenceRegistry(ctx context.Context, settings *CollabSettings) *PresenceRegistry {
	presence := &PresenceRegistry{
		ctx:           ctx,
		settings:      settings,
		now:           time.Now,
		collaborators: map[Id]*Collaborator{},
	}
	go presence.sweep()
	return presence
}

// expiry is lazy on every read. the sweep is memory hygiene only.
func (self *PresenceRegistry) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PresenceTimeout):
		}

		self.stateLock.Lock()
		now := self.now()
		for userId, collaborator := range self.collaborators {
			if self.expired(collaborator, now) {
				glog.V(2).Infof("[p]evict %s\n", userId)
				delete(self.collaborators, userId)
			}
		}
		self.stateLock.Unlock()
	}
}

func (self *PresenceRegistry) expired(collaborator *Collaborator, now time.Time) bool {
	return self.settings.PresenceTimeout <= now.Sub(collaborator.LastActivityAt)
}

func (self *PresenceRegistry) Join(sessionId Id, identity *ByJwt, entityId *Id) (*Collaborator, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.now()

	activeCount := 0
	for _, collaborator := range self.collaborators {
		if collaborator.UserId != identity.UserId && !self.expired(collaborator, now) {
			activeCount += 1
		}
	}
	if self.settings.MaxConcurrentEditors <= activeCount {
		return nil, ErrSessionFull
	}

	collaborator := &Collaborator{
		UserId:          identity.UserId,
		SessionId:       sessionId,
		DisplayName:     identity.DisplayName,
		Role:            identity.Role,
		CurrentEntityId: entityId,
		LastActivityAt:  now,
		IsOnline:        true,
	}
	self.collaborators[identity.UserId] = collaborator

	glog.V(2).Infof("[p]join %s (%s)\n", identity.UserId, identity.DisplayName)
	return collaborator, nil
}

func (self *PresenceRegistry) UpdatePresence(userId Id, entityId *Id, cursor *Cursor, selection *Selection) *Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collaborator, ok := self.collaborators[userId]
	if !ok {
		return nil
	}

	if entityId != nil {
		collaborator.CurrentEntityId = entityId
	}
	if cursor != nil {
		collaborator.Cursor = cursor
	}
	if selection != nil {
		collaborator.Selection = selection
	}
	collaborator.LastActivityAt = self.now()
	collaborator.IsOnline = true
	return collaborator
}

func (self *PresenceRegistry) Leave(userId Id) *Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collaborator, ok := self.collaborators[userId]
	if !ok {
		return nil
	}
	delete(self.collaborators, userId)
	collaborator.IsOnline = false
	collaborator.CurrentEntityId = nil
	glog.V(2).Infof("[p]leave %s\n", userId)
	return collaborator
}

func (self *PresenceRegistry) Get(userId Id) *Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collaborator, ok := self.collaborators[userId]
	if !ok {
		return nil
	}
	if self.expired(collaborator, self.now()) {
		collaborator.IsOnline = false
	}
	return collaborator
}

func (self *PresenceRegistry) ListActive() []*Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.now()
	active := []*Collaborator{}
	for _, collaborator := range self.collaborators {
		if self.expired(collaborator, now) {
			collaborator.IsOnline = false
			continue
		}
		active = append(active, collaborator)
	}
	return active
}

func (self *PresenceRegistry) ListOnEntity(entityId Id) []*Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.now()
	viewers := []*Collaborator{}
	for _, collaborator := range self.collaborators {
		if self.expired(collaborator, now) {
			collaborator.IsOnline = false
			continue
		}
		if collaborator.CurrentEntityId != nil && *collaborator.CurrentEntityId == entityId {
			viewers = append(viewers, collaborator)
		}
	}
	return viewers
}

// distinct entities with at least one active viewer
func (self *PresenceRegistry) EditingEntityIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.now()
	entityIds := map[Id]bool{}
	for _, collaborator := range self.collaborators {
		if self.expired(collaborator, now) {
			continue
		}
		if collaborator.CurrentEntityId != nil {
			entityIds[*collaborator.CurrentEntityId] = true
		}
	}
	return maps.Keys(entityIds)
}
