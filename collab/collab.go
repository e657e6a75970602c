package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

/*
Coordinates concurrent edits to codex entities with properties:
- edits to the same entity are serialized, entities proceed fully in parallel
- rapid edits from one author coalesce into a single flush
- overlapping edits from different authors are detected and never silently merged
- every state transition is recorded in a session audit log
- collaborators see live presence, locks and applied changes as typed events
*/

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

func (self Role) CanEdit() bool {
	return self == RoleOwner || self == RoleEditor
}

func (self Role) CanApprove() bool {
	return self == RoleOwner
}

type LockType string

const (
	LockTypeExclusive  LockType = "exclusive"
	LockTypeShared     LockType = "shared"
	LockTypeSuggestion LockType = "suggestion"
)

type ChangeType string

const (
	ChangeTypeCreate             ChangeType = "create"
	ChangeTypeUpdate             ChangeType = "update"
	ChangeTypeDelete             ChangeType = "delete"
	ChangeTypeRelationshipAdd    ChangeType = "relationship_add"
	ChangeTypeRelationshipRemove ChangeType = "relationship_remove"
)

// create and delete bypass the debounce window
func (self ChangeType) FlushImmediately() bool {
	return self == ChangeTypeCreate || self == ChangeTypeDelete
}

type ResolutionStrategy string

const (
	ResolutionStrategyAcceptAll    ResolutionStrategy = "accept_all"
	ResolutionStrategyRejectAll    ResolutionStrategy = "reject_all"
	ResolutionStrategyManualMerge  ResolutionStrategy = "manual_merge"
	ResolutionStrategyLatestWins   ResolutionStrategy = "latest_wins"
	ResolutionStrategyPriorityUser ResolutionStrategy = "priority_user"
)

// latest_wins is the only strategy that does not need a human decision
func (self ResolutionStrategy) Auto() bool {
	return self == ResolutionStrategyLatestWins
}

type ApprovalDecision string

const (
	ApprovalDecisionApprove        ApprovalDecision = "approve"
	ApprovalDecisionReject         ApprovalDecision = "reject"
	ApprovalDecisionRequestChanges ApprovalDecision = "request_changes"
)

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Collaborator struct {
	UserId          Id         `json:"user_id"`
	SessionId       Id         `json:"session_id"`
	DisplayName     string     `json:"display_name"`
	Role            Role       `json:"role"`
	Permissions     []string   `json:"permissions,omitempty"`
	CurrentEntityId *Id        `json:"current_entity_id,omitempty"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	IsOnline        bool       `json:"is_online"`
	Cursor          *Cursor    `json:"cursor,omitempty"`
	Selection       *Selection `json:"selection,omitempty"`
}

type EntityLock struct {
	EntityId  Id        `json:"entity_id"`
	LockedBy  Id        `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	LockType  LockType  `json:"lock_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

func (self *EntityLock) Expired(now time.Time) bool {
	return !now.Before(self.ExpiresAt)
}

type PendingChange struct {
	ChangeId         Id         `json:"change_id"`
	EntityId         Id         `json:"entity_id"`
	UserId           Id         `json:"user_id"`
	ChangeType       ChangeType `json:"change_type"`
	Field            string     `json:"field,omitempty"`
	OldValue         any        `json:"old_value,omitempty"`
	NewValue         any        `json:"new_value,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	IsApplied        bool       `json:"is_applied"`
	RequiresApproval bool       `json:"requires_approval"`
	ApprovedBy       *Id        `json:"approved_by,omitempty"`
	RejectedBy       *Id        `json:"rejected_by,omitempty"`
	ConflictsWith    []Id       `json:"conflicts_with,omitempty"`
}

type ConflictResolution struct {
	ConflictId         Id                 `json:"conflict_id"`
	EntityId           Id                 `json:"entity_id"`
	ConflictingChanges []Id               `json:"conflicting_changes"`
	Strategy           ResolutionStrategy `json:"strategy,omitempty"`
	ResolvedBy         Id                 `json:"resolved_by,omitempty"`
	ResolvedAt         time.Time          `json:"resolved_at,omitempty"`
	FinalValue         any                `json:"final_value,omitempty"`
	Reasoning          string             `json:"reasoning,omitempty"`
}

var (
	ErrLockDenied       = errors.New("entity exclusively locked by another user")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrSessionFull      = errors.New("session at max concurrent editors")
	ErrEditNotAllowed   = errors.New("role cannot edit")
	ErrChangeNotFound   = errors.New("change not found")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrNotApprover      = errors.New("user is not a requested approver")
)
