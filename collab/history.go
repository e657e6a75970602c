package collab

import (
	"sync"
	"time"
)

type HistoryEntryType string

const (
	HistoryEntityCreated       HistoryEntryType = "entity_created"
	HistoryEntityUpdated       HistoryEntryType = "entity_updated"
	HistoryEntityDeleted       HistoryEntryType = "entity_deleted"
	HistoryRelationshipChanged HistoryEntryType = "relationship_changed"
	HistoryConflictResolved    HistoryEntryType = "conflict_resolved"
	HistoryCommentAdded        HistoryEntryType = "comment_added"
	HistoryChangeRejected      HistoryEntryType = "change_rejected"
	HistoryChangeWithdrawn     HistoryEntryType = "change_withdrawn"
	HistoryLockAcquired        HistoryEntryType = "lock_acquired"
	HistoryLockReleased        HistoryEntryType = "lock_released"
)

type CollaborationHistoryEntry struct {
	EntryId   Id               `json:"entry_id"`
	EntryType HistoryEntryType `json:"entry_type"`
	EntityId  *Id              `json:"entity_id,omitempty"`
	UserId    Id               `json:"user_id"`
	ChangeId  *Id              `json:"change_id,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// append-only session audit log. write once, read many; entries are never
// deleted during a session, only rotated out past the retention bound.
type History struct {
	settings *CollabSettings

	stateLock sync.Mutex
	entries   []*CollaborationHistoryEntry
}

func NewHistory(settings *CollabSettings) *History {
	return &History{
		settings: settings,
		entries:  []*CollaborationHistoryEntry{},
	}
}

func (self *History) Append(entryType HistoryEntryType, entityId *Id, userId Id, changeId *Id, detail string) *CollaborationHistoryEntry {
	entry := &CollaborationHistoryEntry{
		EntryId:   NewId(),
		EntryType: entryType,
		EntityId:  entityId,
		UserId:    userId,
		ChangeId:  changeId,
		Detail:    detail,
		Timestamp: time.Now(),
	}

	self.stateLock.Lock()
	self.entries = append(self.entries, entry)
	if self.settings.HistoryLimit < len(self.entries) {
		self.entries = self.entries[len(self.entries)-self.settings.HistoryLimit:]
	}
	self.stateLock.Unlock()

	return entry
}

// most recent entries first. `entityId` nil lists across all entities.
func (self *History) Entries(entityId *Id, limit int) []*CollaborationHistoryEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if limit <= 0 {
		limit = self.settings.HistoryLimit
	}

	entries := []*CollaborationHistoryEntry{}
	for i := len(self.entries) - 1; 0 <= i && len(entries) < limit; i -= 1 {
		entry := self.entries[i]
		if entityId != nil && (entry.EntityId == nil || *entry.EntityId != *entityId) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (self *History) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
