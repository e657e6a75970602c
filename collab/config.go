package collab

import (
	"time"
)

type CollabSettings struct {
	// a presence ping must arrive at least once per interval
	HeartbeatInterval time.Duration
	// no ping for this long marks the collaborator offline
	PresenceTimeout time.Duration
	// default lease for a granted lock
	LockDuration time.Duration
	// batched changes flush after this quiet period
	DebounceWindow time.Duration
	// rapid edits keep deferring the flush up to this, then force flush
	MaxFlushDelay time.Duration
	// edits to the same field closer than this are concurrent
	ConflictWindow time.Duration
	// end an entity sequence goroutine with an empty buffer after this
	SequenceIdleTimeout time.Duration

	AutoResolveConflicts           bool
	RequireApprovalForMajorChanges bool
	MaxConcurrentEditors           int

	// the "major change" predicate
	MajorChangeTypes  []ChangeType
	MajorChangeFields []string

	// bound on retained audit entries per session
	HistoryLimit int
	// outbound event queue size per subscriber
	SubscriberQueueSize int
}

func DefaultCollabSettings() *CollabSettings {
	heartbeatInterval := 30 * time.Second
	return &CollabSettings{
		HeartbeatInterval:              heartbeatInterval,
		PresenceTimeout:                2 * heartbeatInterval,
		LockDuration:                   5 * time.Minute,
		DebounceWindow:                 1 * time.Second,
		MaxFlushDelay:                  5 * time.Second,
		ConflictWindow:                 30 * time.Second,
		SequenceIdleTimeout:            60 * time.Second,
		AutoResolveConflicts:           false,
		RequireApprovalForMajorChanges: true,
		MaxConcurrentEditors:           16,
		MajorChangeTypes:               []ChangeType{ChangeTypeCreate, ChangeTypeDelete},
		MajorChangeFields:              []string{"name", "type", "importance", "status"},
		HistoryLimit:                   4096,
		SubscriberQueueSize:            32,
	}
}

func (self *CollabSettings) MajorChange(change *PendingChange) bool {
	for _, changeType := range self.MajorChangeTypes {
		if change.ChangeType == changeType {
			return true
		}
	}
	for _, field := range self.MajorChangeFields {
		if change.Field == field {
			return true
		}
	}
	return false
}
