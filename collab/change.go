package collab

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

/*
The change pipeline buffers proposed field edits per entity and owns the only
write path to the entity store.

One goroutine and queue pair per entity serializes all mutation of that
entity's buffer, the read-merge-write of an apply, and conflict detection,
while different entities proceed fully in parallel. `create` and `delete`
flush immediately; everything else coalesces behind a debounce window that is
reset by each new change, bounded by a max flush delay.

No call here blocks on another user's action: submit, approval routing and
conflict broadcast all return immediately and the outcome arrives later as an
event.
*/

type ChangePipeline struct {
	ctx context.Context

	settings *CollabSettings
	now      func() time.Time

	store     EntityStore
	locks     *LockManager
	conflicts *ConflictResolver
	approvals *ApprovalWorkflow
	history   *History
	events    chan *Event
	// designated approvers for major changes, derived from presence
	approverIds func() []Id

	nextSequenceNumber uint64

	stateLock sync.Mutex
	sequences map[Id]*entitySequence
}

func NewChangePipeline(
	ctx context.Context,
	store EntityStore,
	locks *LockManager,
	conflicts *ConflictResolver,
	approvals *ApprovalWorkflow,
	history *History,
	events chan *Event,
	approverIds func() []Id,
	settings *CollabSettings,
) *ChangePipeline {
	return &ChangePipeline{
		ctx:         ctx,
		settings:    settings,
		now:         time.Now,
		store:       store,
		locks:       locks,
		conflicts:   conflicts,
		approvals:   approvals,
		history:     history,
		events:      events,
		approverIds: approverIds,
		sequences:   map[Id]*entitySequence{},
	}
}

func (self *ChangePipeline) Submit(identity *ByJwt, submit *ChangeSubmit) (*PendingChange, error) {
	if !identity.Role.CanEdit() {
		return nil, ErrEditNotAllowed
	}
	switch submit.ChangeType {
	case ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete, ChangeTypeRelationshipAdd, ChangeTypeRelationshipRemove:
	default:
		return nil, fmt.Errorf("unknown change type %s", submit.ChangeType)
	}

	// lock check precedes everything, approval routing included.
	// checked again at apply in case a lock lands in between.
	if !self.locks.Allows(submit.EntityId, identity.UserId) {
		return nil, ErrLockDenied
	}

	change := &PendingChange{
		ChangeId:   NewId(),
		EntityId:   submit.EntityId,
		UserId:     identity.UserId,
		ChangeType: submit.ChangeType,
		Field:      submit.Field,
		OldValue:   submit.OldValue,
		NewValue:   submit.NewValue,
		Timestamp:  self.now(),
	}
	change.RequiresApproval = self.settings.RequireApprovalForMajorChanges && self.settings.MajorChange(change)

	self.route(submit.EntityId, &sequenceOp{change: change})
	return change, nil
}

// routes the outcome of a resolve call onto the entity's sequence so the
// writes stay serialized with in-flight flushes
func (self *ChangePipeline) ResolveConflict(identity *ByJwt, conflictId Id, strategy ResolutionStrategy, finalValue any) (*ConflictResolution, error) {
	outcome, err := self.conflicts.Resolve(conflictId, strategy, finalValue, identity.UserId)
	if err != nil {
		return nil, err
	}
	if !outcome.Replayed {
		self.route(outcome.Resolution.EntityId, &sequenceOp{outcome: outcome})
	}
	return outcome.Resolution, nil
}

// removes a change still buffered for its entity. only the author may
// withdraw, and only until the flush picks the change up.
func (self *ChangePipeline) Withdraw(identity *ByJwt, entityId Id, changeId Id) (*PendingChange, error) {
	sequence := self.sequence(entityId)
	item := sequence.queue.GetByChangeId(changeId)
	if item == nil {
		return nil, ErrChangeNotFound
	}
	if item.change.UserId != identity.UserId {
		return nil, ErrEditNotAllowed
	}
	item = sequence.queue.RemoveByChangeId(changeId)
	if item == nil {
		// a concurrent flush won the race
		return nil, ErrChangeNotFound
	}

	change := item.change
	glog.V(2).Infof("[cp]withdraw %s change=%s\n", entityId, changeId)
	self.history.Append(HistoryChangeWithdrawn, &entityId, change.UserId, &change.ChangeId, change.Field)
	self.eventOut(&Event{
		Type:     EventChangeWithdrawn,
		Change:   change,
		entityId: &entityId,
		userIds:  []Id{change.UserId},
	})
	return change, nil
}

func (self *ChangePipeline) DecideApproval(identity *ByJwt, decision *ApprovalDecisionMessage) (*PendingChange, error) {
	// a change parked with no approvers online accepts a decision from any
	// approver-capable user other than the author
	if request := self.approvals.Get(decision.ChangeId); request != nil && len(request.Approvers) == 0 {
		if !identity.Role.CanApprove() || identity.UserId == request.Change.UserId {
			return nil, ErrNotApprover
		}
	}
	outcome, err := self.approvals.Decide(decision.ChangeId, identity.UserId, decision.Decision, decision.Comment)
	if err != nil {
		return nil, err
	}

	change := outcome.Change
	switch outcome.Decision {
	case ApprovalDecisionApprove:
		self.route(change.EntityId, &sequenceOp{approved: change})
	case ApprovalDecisionReject:
		self.history.Append(HistoryChangeRejected, &change.EntityId, identity.UserId, &change.ChangeId, string(change.ChangeType))
		self.eventOut(&Event{
			Type: EventApprovalUpdated,
			Approval: &ApprovalRequestEvent{
				ChangeId: change.ChangeId,
				Change:   change,
				Comment:  outcome.Comment,
			},
			userIds: []Id{change.UserId},
		})
	case ApprovalDecisionRequestChanges:
		self.eventOut(&Event{
			Type: EventApprovalUpdated,
			Approval: &ApprovalRequestEvent{
				ChangeId:  change.ChangeId,
				Approvers: outcome.Request.Approvers,
				Change:    change,
				Comment:   outcome.Comment,
			},
			userIds: []Id{change.UserId},
		})
	}
	return change, nil
}

// unapplied changes anywhere in the pipeline: buffered, awaiting approval,
// or withheld by an open conflict
func (self *ChangePipeline) PendingChangeCount() int {
	self.stateLock.Lock()
	count := 0
	for _, sequence := range self.sequences {
		count += sequence.queue.QueueSize()
	}
	self.stateLock.Unlock()

	count += self.approvals.PendingCount()
	count += self.conflicts.OpenChangeCount()
	return count
}

type sequenceOp struct {
	change   *PendingChange
	outcome  *ConflictOutcome
	approved *PendingChange
}

func (self *ChangePipeline) route(entityId Id, op *sequenceOp) {
	for {
		if self.ctx.Err() != nil {
			return
		}
		sequence := self.sequence(entityId)
		select {
		case sequence.ops <- op:
			return
		case <-sequence.done:
			// sequence ended idle, spawn a fresh one
		case <-self.ctx.Done():
			return
		}
	}
}

func (self *ChangePipeline) sequence(entityId Id) *entitySequence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sequence, ok := self.sequences[entityId]
	if ok {
		select {
		case <-sequence.done:
		default:
			return sequence
		}
	}

	sequence = &entitySequence{
		pipeline: self,
		entityId: entityId,
		ops:      make(chan *sequenceOp, 32),
		done:     make(chan struct{}),
		queue:    newChangeQueue(),
	}
	self.sequences[entityId] = sequence
	go sequence.run()
	return sequence
}

func (self *ChangePipeline) removeSequence(sequence *entitySequence) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sequences[sequence.entityId] == sequence {
		delete(self.sequences, sequence.entityId)
	}
}

func (self *ChangePipeline) eventOut(event *Event) {
	select {
	case self.events <- event:
	default:
		glog.Infof("[cp]event backpressure, drop %s\n", event.Type)
	}
}

// owns all mutation for one entity. everything in `run` happens on a single
// goroutine, which is the per-entity critical section the apply path needs.
type entitySequence struct {
	pipeline *ChangePipeline
	entityId Id

	ops  chan *sequenceOp
	done chan struct{}

	queue *changeQueue

	// applied changes still inside the conflict window. only touched on
	// the run goroutine.
	recentApplied []*PendingChange
}

func (self *entitySequence) run() {
	pipeline := self.pipeline
	settings := pipeline.settings

	defer func() {
		pipeline.removeSequence(self)
		close(self.done)
		// anything that raced into the channel moves to a fresh sequence
		for {
			select {
			case op := <-self.ops:
				pipeline.route(self.entityId, op)
			default:
				return
			}
		}
	}()

	var debounce <-chan time.Time
	var deadline <-chan time.Time
	idle := time.After(settings.SequenceIdleTimeout)

	for {
		select {
		case <-pipeline.ctx.Done():
			return
		case op := <-self.ops:
			idle = time.After(settings.SequenceIdleTimeout)
			switch {
			case op.change != nil:
				self.queue.Add(&changeItem{
					change:         op.change,
					sequenceNumber: atomic.AddUint64(&pipeline.nextSequenceNumber, 1),
				})
				if op.change.ChangeType.FlushImmediately() {
					self.flush()
					debounce = nil
					deadline = nil
				} else {
					// reset, not extend
					debounce = time.After(settings.DebounceWindow)
					if deadline == nil {
						deadline = time.After(settings.MaxFlushDelay)
					}
				}
			case op.outcome != nil:
				self.applyOutcome(op.outcome)
			case op.approved != nil:
				self.apply(op.approved)
			}
		case <-debounce:
			self.flush()
			debounce = nil
			deadline = nil
		case <-deadline:
			// rapid edits kept deferring the debounce; force flush
			self.flush()
			debounce = nil
			deadline = nil
		case <-idle:
			if self.queue.QueueSize() == 0 {
				return
			}
			idle = time.After(settings.SequenceIdleTimeout)
		}
	}
}

func (self *entitySequence) flush() {
	pipeline := self.pipeline

	if self.queue.QueueSize() == 0 {
		return
	}
	first := self.queue.PeekFirst()
	last := self.queue.PeekLast()
	glog.V(2).Infof("[cp]flush %s n=%d seq=[%d,%d]\n", self.entityId, self.queue.QueueSize(), first.sequenceNumber, last.sequenceNumber)

	batch := []*PendingChange{}
	for {
		item := self.queue.RemoveFirst()
		if item == nil {
			break
		}
		batch = append(batch, item.change)
	}

	self.pruneRecentApplied()
	conflicting := pipeline.conflicts.Detect(batch, self.recentApplied)
	conflictSet := map[Id]bool{}
	for _, change := range conflicting {
		conflictSet[change.ChangeId] = true
	}

	for _, change := range batch {
		if conflictSet[change.ChangeId] {
			continue
		}
		self.dispatch(change)
	}

	if 0 < len(conflicting) {
		for _, group := range pipeline.conflicts.OpenGroups(self.entityId, conflicting) {
			if pipeline.settings.AutoResolveConflicts {
				outcome, err := pipeline.conflicts.Resolve(group.ConflictId, ResolutionStrategyLatestWins, nil, Id{})
				if err != nil {
					glog.Infof("[cp]auto resolve %s error = %s\n", group.ConflictId, err)
					continue
				}
				self.applyOutcome(outcome)
			} else {
				// withheld until a human resolve call. not an error,
				// a deferred state surfaced to the authors.
				pipeline.eventOut(&Event{
					Type:     EventConflictDetected,
					Conflict: group,
					entityId: &self.entityId,
					userIds:  group.authorIds(),
				})
			}
		}
	}
}

// approval routing or direct apply for a change with no conflicts. a major
// change is parked even when no approver is online; it stays pending until
// an approver-capable user decides it.
func (self *entitySequence) dispatch(change *PendingChange) {
	pipeline := self.pipeline

	if change.RequiresApproval && change.ApprovedBy == nil {
		approverIds := pipeline.approverIds()
		// never let the author self-approve
		eligible := []Id{}
		for _, approverId := range approverIds {
			if approverId != change.UserId {
				eligible = append(eligible, approverId)
			}
		}
		if len(eligible) == 0 {
			glog.Infof("[cp]no approvers online for %s, parked\n", change.ChangeId)
		}
		pipeline.approvals.RequestApproval(change, eligible)
		pipeline.eventOut(&Event{
			Type: EventApprovalRequest,
			Approval: &ApprovalRequestEvent{
				ChangeId:  change.ChangeId,
				Approvers: eligible,
				Change:    change,
			},
			userIds: append(eligible, change.UserId),
		})
		return
	}
	self.apply(change)
}

func (self *entitySequence) apply(change *PendingChange) {
	pipeline := self.pipeline
	ctx := pipeline.ctx

	if !pipeline.locks.Allows(self.entityId, change.UserId) {
		self.fail(change, ErrLockDenied)
		return
	}

	var err error
	switch change.ChangeType {
	case ChangeTypeCreate:
		fields, ok := change.NewValue.(map[string]any)
		if !ok {
			fields = map[string]any{}
			if change.Field != "" {
				fields[change.Field] = change.NewValue
			}
		}
		_, err = pipeline.store.UpdateEntity(ctx, self.entityId, fields)
	case ChangeTypeDelete:
		_, err = pipeline.store.UpdateEntity(ctx, self.entityId, map[string]any{DeletedField: true})
	case ChangeTypeUpdate:
		// the read and write stay inside this goroutine, which is the
		// per-entity critical section; no lost update between them
		_, err = pipeline.store.GetEntity(ctx, self.entityId)
		if err == nil {
			_, err = pipeline.store.UpdateEntity(ctx, self.entityId, map[string]any{change.Field: change.NewValue})
		}
	case ChangeTypeRelationshipAdd, ChangeTypeRelationshipRemove:
		var entity *Entity
		entity, err = pipeline.store.GetEntity(ctx, self.entityId)
		if err == nil {
			related, _ := entity.Field(change.Field).([]any)
			if change.ChangeType == ChangeTypeRelationshipAdd {
				related = append(related, change.NewValue)
			} else {
				remaining := []any{}
				for _, value := range related {
					if !reflect.DeepEqual(value, change.NewValue) {
						remaining = append(remaining, value)
					}
				}
				related = remaining
			}
			_, err = pipeline.store.UpdateEntity(ctx, self.entityId, map[string]any{change.Field: related})
		}
	}
	if err != nil {
		// fatal to this single change only
		self.fail(change, err)
		return
	}

	change.IsApplied = true
	self.recentApplied = append(self.recentApplied, change)
	pipeline.history.Append(historyEntryType(change), &self.entityId, change.UserId, &change.ChangeId, change.Field)
	pipeline.eventOut(&Event{
		Type:     EventChangeApplied,
		Change:   change,
		entityId: &self.entityId,
		userIds:  []Id{change.UserId},
	})
}

func (self *entitySequence) applyOutcome(outcome *ConflictOutcome) {
	pipeline := self.pipeline
	resolution := outcome.Resolution

	for _, change := range outcome.Rejected {
		resolvedBy := resolution.ResolvedBy
		change.RejectedBy = &resolvedBy
	}
	// a resolution never bypasses the approval gate. a winning change that
	// still requires approval is parked like any other dispatch.
	for _, change := range outcome.Apply {
		self.dispatch(change)
	}
	if outcome.Merged {
		// the merged value is written as a synthesized update by the
		// resolving user
		merged := &PendingChange{
			ChangeId:   NewId(),
			EntityId:   self.entityId,
			UserId:     resolution.ResolvedBy,
			ChangeType: ChangeTypeUpdate,
			Field:      outcome.Group.Field,
			NewValue:   resolution.FinalValue,
			Timestamp:  pipeline.now(),
		}
		merged.RequiresApproval = pipeline.settings.RequireApprovalForMajorChanges && pipeline.settings.MajorChange(merged)
		self.dispatch(merged)
	}

	pipeline.history.Append(HistoryConflictResolved, &self.entityId, resolution.ResolvedBy, nil, string(resolution.Strategy))
	pipeline.eventOut(&Event{
		Type:       EventConflictResolved,
		Resolution: resolution,
		entityId:   &self.entityId,
	})
}

func (self *entitySequence) fail(change *PendingChange, err error) {
	glog.Infof("[cp]apply %s error = %s\n", change.ChangeId, err)
	self.pipeline.eventOut(&Event{
		Type:          EventChangeFailed,
		Change:        change,
		FailureReason: err.Error(),
		userIds:       []Id{change.UserId},
	})
}

func (self *entitySequence) pruneRecentApplied() {
	now := self.pipeline.now()
	window := self.pipeline.settings.ConflictWindow
	recent := self.recentApplied[:0]
	for _, change := range self.recentApplied {
		if now.Sub(change.Timestamp) <= window {
			recent = append(recent, change)
		}
	}
	self.recentApplied = recent
}

func historyEntryType(change *PendingChange) HistoryEntryType {
	switch change.ChangeType {
	case ChangeTypeCreate:
		return HistoryEntityCreated
	case ChangeTypeDelete:
		return HistoryEntityDeleted
	case ChangeTypeRelationshipAdd, ChangeTypeRelationshipRemove:
		return HistoryRelationshipChanged
	default:
		return HistoryEntityUpdated
	}
}
