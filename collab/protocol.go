package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// the wire protocol is a closed set of typed JSON messages. exactly one
// payload field is set per message, matching `Type`.

type MessageType string

const (
	MessageJoinCollaboration MessageType = "join_collaboration"
	MessagePresenceUpdate    MessageType = "presence_update"
	MessageChangeSubmit      MessageType = "change_submit"
	MessageChangeWithdraw    MessageType = "change_withdraw"
	MessageResolveConflict   MessageType = "resolve_conflict"
	MessageApprovalDecision  MessageType = "approval_decision"
	MessageLockAcquire       MessageType = "lock_acquire"
	MessageLockRelease       MessageType = "lock_release"
	MessageComment           MessageType = "comment"
	MessageMetricsRequest    MessageType = "metrics_request"
	MessageHistoryRequest    MessageType = "history_request"
)

type Message struct {
	Type MessageType `json:"type"`

	JoinCollaboration *JoinCollaboration       `json:"join_collaboration,omitempty"`
	PresenceUpdate    *PresenceUpdate          `json:"presence_update,omitempty"`
	ChangeSubmit      *ChangeSubmit            `json:"change_submit,omitempty"`
	ChangeWithdraw    *ChangeWithdrawMessage   `json:"change_withdraw,omitempty"`
	ResolveConflict   *ResolveConflictMessage  `json:"resolve_conflict,omitempty"`
	ApprovalDecision  *ApprovalDecisionMessage `json:"approval_decision,omitempty"`
	LockAcquire       *LockAcquireMessage      `json:"lock_acquire,omitempty"`
	LockRelease       *LockReleaseMessage      `json:"lock_release,omitempty"`
	Comment           *CommentMessage          `json:"comment,omitempty"`
	MetricsRequest    *MetricsRequest          `json:"metrics_request,omitempty"`
	HistoryRequest    *HistoryRequest          `json:"history_request,omitempty"`
}

type JoinCollaboration struct {
	ProjectId Id  `json:"project_id"`
	EntityId  *Id `json:"entity_id,omitempty"`
}

type PresenceUpdate struct {
	EntityId  *Id        `json:"entity_id,omitempty"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

type ChangeSubmit struct {
	EntityId   Id         `json:"entity_id"`
	ChangeType ChangeType `json:"change_type"`
	Field      string     `json:"field,omitempty"`
	NewValue   any        `json:"new_value,omitempty"`
	OldValue   any        `json:"old_value,omitempty"`
}

type ChangeWithdrawMessage struct {
	EntityId Id `json:"entity_id"`
	ChangeId Id `json:"change_id"`
}

type ResolveConflictMessage struct {
	ConflictId Id                 `json:"conflict_id"`
	Strategy   ResolutionStrategy `json:"strategy"`
	FinalValue any                `json:"final_value,omitempty"`
}

type ApprovalDecisionMessage struct {
	ChangeId Id               `json:"change_id"`
	Decision ApprovalDecision `json:"decision"`
	Comment  string           `json:"comment,omitempty"`
}

type LockAcquireMessage struct {
	EntityId Id       `json:"entity_id"`
	LockType LockType `json:"lock_type"`
	Reason   string   `json:"reason,omitempty"`
}

type LockReleaseMessage struct {
	EntityId Id `json:"entity_id"`
}

type CommentMessage struct {
	EntityId Id     `json:"entity_id"`
	Text     string `json:"text"`
}

type MetricsRequest struct {
}

type HistoryRequest struct {
	EntityId *Id `json:"entity_id,omitempty"`
	Limit    int `json:"limit,omitempty"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return message, nil
}

type EventType string

const (
	EventCollaboratorJoined EventType = "collaborator_joined"
	EventCollaboratorLeft   EventType = "collaborator_left"
	EventPresenceUpdated    EventType = "presence_updated"
	EventEntityLocked       EventType = "entity_locked"
	EventEntityUnlocked     EventType = "entity_unlocked"
	EventChangeApplied      EventType = "change_applied"
	EventChangeFailed       EventType = "change_failed"
	EventChangeWithdrawn    EventType = "change_withdrawn"
	EventConflictDetected   EventType = "conflict_detected"
	EventConflictResolved   EventType = "conflict_resolved"
	EventApprovalRequest    EventType = "approval_request"
	EventApprovalUpdated    EventType = "approval_updated"
	EventCommentAdded       EventType = "comment_added"
	EventJoinAck            EventType = "join_ack"
	EventMetrics            EventType = "metrics"
	EventHistory            EventType = "history"
)

type Event struct {
	Type EventType `json:"type"`

	Collaborator  *Collaborator                `json:"collaborator,omitempty"`
	Collaborators []*Collaborator              `json:"collaborators,omitempty"`
	Lock          *EntityLock                  `json:"lock,omitempty"`
	Change        *PendingChange               `json:"change,omitempty"`
	FailureReason string                       `json:"failure_reason,omitempty"`
	Conflict      *ConflictGroup               `json:"conflict,omitempty"`
	Resolution    *ConflictResolution          `json:"resolution,omitempty"`
	Approval      *ApprovalRequestEvent        `json:"approval,omitempty"`
	Comment       *CommentEvent                `json:"comment,omitempty"`
	Metrics       *MetricsSnapshot             `json:"metrics,omitempty"`
	History       []*CollaborationHistoryEntry `json:"history,omitempty"`

	// routing scope. not serialized.
	// both empty means broadcast to every subscriber.
	entityId *Id
	userIds  []Id
}

type ApprovalRequestEvent struct {
	ChangeId  Id             `json:"change_id"`
	Approvers []Id           `json:"approvers"`
	Change    *PendingChange `json:"change,omitempty"`
	Comment   string         `json:"comment,omitempty"`
}

type CommentEvent struct {
	EntityId Id        `json:"entity_id"`
	UserId   Id        `json:"user_id"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

func EncodeEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

func DecodeEvent(eventBytes []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(eventBytes, event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return event, nil
}
