package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// advisory time-bounded locks per entity. the change pipeline consults the
// manager before every write, but nothing enforces the lock at the storage
// layer; a lock is a cooperative signal.
//
// invariant: at most one unexpired exclusive lock per entity. shared and
// suggestion locks coexist with each other but not with a foreign exclusive.
type LockManager struct {
	settings *CollabSettings
	now      func() time.Time

	stateLock sync.Mutex
	// entity id -> active locks. expired entries are pruned on access.
	locks map[Id][]*EntityLock
}

func NewLockManager(settings *CollabSettings) *LockManager {
	return &LockManager{
		settings: settings,
		now:      time.Now,
		locks:    map[Id][]*EntityLock{},
	}
}

// a request that cannot be granted fails immediately. there is no retry
// queue; the caller decides whether to retry with backoff.
func (self *LockManager) Acquire(entityId Id, requester Id, lockType LockType, duration time.Duration, reason string) (*EntityLock, bool) {
	if duration <= 0 {
		duration = self.settings.LockDuration
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.now()
	active := self.prune(entityId, now)

	switch lockType {
	case LockTypeExclusive:
		// any foreign lock blocks an exclusive grant
		for _, lock := range active {
			if lock.LockedBy != requester {
				glog.V(2).Infof("[lk]deny exclusive %s to %s held by %s\n", entityId, requester, lock.LockedBy)
				return nil, false
			}
		}
		// re-grant replaces the requester's own locks
		active = active[:0]
	default:
		for _, lock := range active {
			if lock.LockType == LockTypeExclusive && lock.LockedBy != requester {
				glog.V(2).Infof("[lk]deny %s %s to %s held exclusively by %s\n", lockType, entityId, requester, lock.LockedBy)
				return nil, false
			}
		}
	}

	lock := &EntityLock{
		EntityId:  entityId,
		LockedBy:  requester,
		LockedAt:  now,
		LockType:  lockType,
		ExpiresAt: now.Add(duration),
		Reason:    reason,
	}
	self.locks[entityId] = append(active, lock)
	return lock, true
}

// releasing a lock you do not hold is a no-op, not an error
func (self *LockManager) Release(entityId Id, requester Id) *EntityLock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	active := self.prune(entityId, self.now())
	var released *EntityLock
	remaining := active[:0]
	for _, lock := range active {
		if lock.LockedBy == requester {
			released = lock
		} else {
			remaining = append(remaining, lock)
		}
	}
	if len(remaining) == 0 {
		delete(self.locks, entityId)
	} else {
		self.locks[entityId] = remaining
	}
	return released
}

func (self *LockManager) ReleaseAll(requester Id) []*EntityLock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.now()
	released := []*EntityLock{}
	for entityId := range self.locks {
		active := self.prune(entityId, now)
		remaining := active[:0]
		for _, lock := range active {
			if lock.LockedBy == requester {
				released = append(released, lock)
			} else {
				remaining = append(remaining, lock)
			}
		}
		if len(remaining) == 0 {
			delete(self.locks, entityId)
		} else {
			self.locks[entityId] = remaining
		}
	}
	return released
}

func (self *LockManager) IsLocked(entityId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < len(self.prune(entityId, self.now()))
}

// the strongest active lock on the entity, exclusive first
func (self *LockManager) Get(entityId Id) *EntityLock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	active := self.prune(entityId, self.now())
	if len(active) == 0 {
		return nil
	}
	for _, lock := range active {
		if lock.LockType == LockTypeExclusive {
			return lock
		}
	}
	return active[len(active)-1]
}

// whether `userId` may write to the entity: no unexpired exclusive lock
// held by someone else
func (self *LockManager) Allows(entityId Id, userId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, lock := range self.prune(entityId, self.now()) {
		if lock.LockType == LockTypeExclusive && lock.LockedBy != userId {
			return false
		}
	}
	return true
}

// caller must hold stateLock
func (self *LockManager) prune(entityId Id, now time.Time) []*EntityLock {
	active := self.locks[entityId][:0]
	for _, lock := range self.locks[entityId] {
		if !lock.Expired(now) {
			active = append(active, lock)
		}
	}
	if len(active) == 0 {
		delete(self.locks, entityId)
		return nil
	}
	self.locks[entityId] = active
	return active
}
