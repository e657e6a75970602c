package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// routes major changes to designated approvers before they are applied.
// a change parked here is never observed applied until an approve decision
// exists for it.
type ApprovalWorkflow struct {
	settings *CollabSettings
	now      func() time.Time

	stateLock sync.Mutex
	pending   map[Id]*ApprovalRequest
}

func NewApprovalWorkflow(settings *CollabSettings) *ApprovalWorkflow {
	return &ApprovalWorkflow{
		settings: settings,
		now:      time.Now,
		pending:  map[Id]*ApprovalRequest{},
	}
}

type ApprovalRequest struct {
	Change      *PendingChange    `json:"change"`
	Approvers   []Id              `json:"approvers"`
	RequestedAt time.Time         `json:"requested_at"`
	Comments    []ApprovalComment `json:"comments,omitempty"`
}

type ApprovalComment struct {
	ApproverId Id               `json:"approver_id"`
	Decision   ApprovalDecision `json:"decision"`
	Comment    string           `json:"comment,omitempty"`
	At         time.Time        `json:"at"`
}

func (self *ApprovalWorkflow) RequestApproval(change *PendingChange, approvers []Id) *ApprovalRequest {
	request := &ApprovalRequest{
		Change:      change,
		Approvers:   approvers,
		RequestedAt: self.now(),
	}

	self.stateLock.Lock()
	self.pending[change.ChangeId] = request
	self.stateLock.Unlock()

	glog.Infof("[ap]request %s entity=%s approvers=%d\n", change.ChangeId, change.EntityId, len(approvers))
	return request
}

func (self *ApprovalWorkflow) Get(changeId Id) *ApprovalRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.pending[changeId]
}

type ApprovalOutcome struct {
	Request  *ApprovalRequest
	Change   *PendingChange
	Decision ApprovalDecision
	Comment  string
}

func (self *ApprovalWorkflow) Decide(changeId Id, approverId Id, decision ApprovalDecision, comment string) (*ApprovalOutcome, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	request, ok := self.pending[changeId]
	if !ok {
		return nil, ErrChangeNotFound
	}

	// a request parked with an empty approver list is decidable by any
	// caller that passed the pipeline's capability gate
	approver := len(request.Approvers) == 0
	for _, userId := range request.Approvers {
		if userId == approverId {
			approver = true
			break
		}
	}
	if !approver {
		return nil, ErrNotApprover
	}

	switch decision {
	case ApprovalDecisionApprove, ApprovalDecisionReject, ApprovalDecisionRequestChanges:
	default:
		return nil, fmt.Errorf("unknown approval decision %s", decision)
	}

	request.Comments = append(request.Comments, ApprovalComment{
		ApproverId: approverId,
		Decision:   decision,
		Comment:    comment,
		At:         self.now(),
	})

	switch decision {
	case ApprovalDecisionApprove:
		request.Change.ApprovedBy = &approverId
		delete(self.pending, changeId)
	case ApprovalDecisionReject:
		// terminal. never applied, retained in history for audit.
		request.Change.RejectedBy = &approverId
		delete(self.pending, changeId)
	case ApprovalDecisionRequestChanges:
		// stays pending; the author is notified with the comment
	}

	glog.Infof("[ap]decide %s %s by=%s\n", changeId, decision, approverId)
	return &ApprovalOutcome{
		Request:  request,
		Change:   request.Change,
		Decision: decision,
		Comment:  comment,
	}, nil
}

func (self *ApprovalWorkflow) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}
