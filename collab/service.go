package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

/*
The service wires the collaboration components together and fans typed
events out to subscribers.

Outbound delivery is a queue per subscriber with a closed message set; there
is no listener registration. Scope rules: events carrying user ids go to
those users, events carrying an entity id additionally go to everyone
viewing that entity, events carrying neither go to every subscriber.
*/

type CollabService struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings          *CollabSettings
	transportSettings *TransportSettings
	jwtSecret         []byte

	store     EntityStore
	presence  *PresenceRegistry
	locks     *LockManager
	conflicts *ConflictResolver
	approvals *ApprovalWorkflow
	history   *History
	pipeline  *ChangePipeline

	events chan *Event

	stateLock   sync.Mutex
	subscribers map[Id][]*Subscriber
}

func NewCollabServiceWithDefaults(ctx context.Context, store EntityStore, jwtSecret []byte) *CollabService {
	return NewCollabService(ctx, store, jwtSecret, DefaultCollabSettings())
}

func NewCollabService(ctx context.Context, store EntityStore, jwtSecret []byte, settings *CollabSettings) *CollabService {
	cancelCtx, cancel := context.WithCancel(ctx)

	service := &CollabService{
		ctx:               cancelCtx,
		cancel:            cancel,
		settings:          settings,
		transportSettings: DefaultTransportSettings(),
		jwtSecret:         jwtSecret,
		store:             store,
		events:            make(chan *Event, 256),
		subscribers:       map[Id][]*Subscriber{},
	}
	service.presence = NewPresenceRegistry(cancelCtx, settings)
	service.locks = NewLockManager(settings)
	service.conflicts = NewConflictResolver(settings)
	service.approvals = NewApprovalWorkflow(settings)
	service.history = NewHistory(settings)
	service.pipeline = NewChangePipeline(
		cancelCtx,
		store,
		service.locks,
		service.conflicts,
		service.approvals,
		service.history,
		service.events,
		service.approverIds,
		settings,
	)

	go service.run()
	return service
}

func (self *CollabService) Close() {
	self.cancel()
}

func (self *CollabService) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			self.fanout(event)
		}
	}
}

func (self *CollabService) fanout(event *Event) {
	targetIds := map[Id]bool{}
	broadcast := event.entityId == nil && len(event.userIds) == 0
	if !broadcast {
		for _, userId := range event.userIds {
			targetIds[userId] = true
		}
		if event.entityId != nil {
			for _, viewer := range self.presence.ListOnEntity(*event.entityId) {
				targetIds[viewer.UserId] = true
			}
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for userId, subscribers := range self.subscribers {
		if !broadcast && !targetIds[userId] {
			continue
		}
		for _, subscriber := range subscribers {
			select {
			case subscriber.events <- event:
			default:
				glog.Infof("[svc]subscriber backpressure %s, drop %s\n", userId, event.Type)
			}
		}
	}
}

func (self *CollabService) eventOut(event *Event) {
	select {
	case self.events <- event:
	default:
		glog.Infof("[svc]event backpressure, drop %s\n", event.Type)
	}
}

func (self *CollabService) approverIds() []Id {
	approverIds := []Id{}
	for _, collaborator := range self.presence.ListActive() {
		if collaborator.Role.CanApprove() {
			approverIds = append(approverIds, collaborator.UserId)
		}
	}
	return approverIds
}

// ========== public operations, identity always explicit ==========

func (self *CollabService) Join(identity *ByJwt, join *JoinCollaboration) (*Collaborator, error) {
	collaborator, err := self.presence.Join(join.ProjectId, identity, join.EntityId)
	if err != nil {
		return nil, err
	}
	self.eventOut(&Event{
		Type:         EventCollaboratorJoined,
		Collaborator: collaborator,
	})
	self.eventOut(&Event{
		Type:          EventJoinAck,
		Collaborators: self.presence.ListActive(),
		userIds:       []Id{identity.UserId},
	})
	return collaborator, nil
}

func (self *CollabService) UpdatePresence(identity *ByJwt, update *PresenceUpdate) *Collaborator {
	collaborator := self.presence.UpdatePresence(identity.UserId, update.EntityId, update.Cursor, update.Selection)
	if collaborator != nil && collaborator.CurrentEntityId != nil {
		self.eventOut(&Event{
			Type:         EventPresenceUpdated,
			Collaborator: collaborator,
			entityId:     collaborator.CurrentEntityId,
		})
	}
	return collaborator
}

func (self *CollabService) Leave(identity *ByJwt) {
	for _, lock := range self.locks.ReleaseAll(identity.UserId) {
		self.history.Append(HistoryLockReleased, &lock.EntityId, identity.UserId, nil, string(lock.LockType))
		self.eventOut(&Event{
			Type: EventEntityUnlocked,
			Lock: lock,
		})
	}
	collaborator := self.presence.Leave(identity.UserId)
	if collaborator != nil {
		self.eventOut(&Event{
			Type:         EventCollaboratorLeft,
			Collaborator: collaborator,
		})
	}
}

func (self *CollabService) AcquireLock(identity *ByJwt, acquire *LockAcquireMessage) (*EntityLock, error) {
	if !identity.Role.CanEdit() && acquire.LockType != LockTypeSuggestion {
		return nil, ErrEditNotAllowed
	}
	lock, ok := self.locks.Acquire(acquire.EntityId, identity.UserId, acquire.LockType, self.settings.LockDuration, acquire.Reason)
	if !ok {
		return nil, ErrLockDenied
	}
	self.history.Append(HistoryLockAcquired, &acquire.EntityId, identity.UserId, nil, string(acquire.LockType))
	self.eventOut(&Event{
		Type: EventEntityLocked,
		Lock: lock,
	})
	return lock, nil
}

func (self *CollabService) ReleaseLock(identity *ByJwt, release *LockReleaseMessage) *EntityLock {
	lock := self.locks.Release(release.EntityId, identity.UserId)
	if lock != nil {
		self.history.Append(HistoryLockReleased, &release.EntityId, identity.UserId, nil, string(lock.LockType))
		self.eventOut(&Event{
			Type: EventEntityUnlocked,
			Lock: lock,
		})
	}
	return lock
}

func (self *CollabService) Submit(identity *ByJwt, submit *ChangeSubmit) (*PendingChange, error) {
	// a submit also counts as activity on the entity
	entityId := submit.EntityId
	self.presence.UpdatePresence(identity.UserId, &entityId, nil, nil)
	return self.pipeline.Submit(identity, submit)
}

func (self *CollabService) Withdraw(identity *ByJwt, withdraw *ChangeWithdrawMessage) (*PendingChange, error) {
	return self.pipeline.Withdraw(identity, withdraw.EntityId, withdraw.ChangeId)
}

func (self *CollabService) ResolveConflict(identity *ByJwt, resolve *ResolveConflictMessage) (*ConflictResolution, error) {
	if !identity.Role.CanEdit() {
		return nil, ErrEditNotAllowed
	}
	return self.pipeline.ResolveConflict(identity, resolve.ConflictId, resolve.Strategy, resolve.FinalValue)
}

func (self *CollabService) DecideApproval(identity *ByJwt, decision *ApprovalDecisionMessage) (*PendingChange, error) {
	return self.pipeline.DecideApproval(identity, decision)
}

func (self *CollabService) AddComment(identity *ByJwt, comment *CommentMessage) *CommentEvent {
	if identity.Role == RoleViewer {
		return nil
	}
	event := &CommentEvent{
		EntityId: comment.EntityId,
		UserId:   identity.UserId,
		Text:     comment.Text,
		At:       time.Now(),
	}
	entityId := comment.EntityId
	self.history.Append(HistoryCommentAdded, &entityId, identity.UserId, nil, comment.Text)
	self.eventOut(&Event{
		Type:     EventCommentAdded,
		Comment:  event,
		entityId: &entityId,
		userIds:  []Id{identity.UserId},
	})
	return event
}

func (self *CollabService) Metrics() *MetricsSnapshot {
	return ComputeMetrics(self.presence, self.pipeline, self.conflicts)
}

func (self *CollabService) History(entityId *Id, limit int) []*CollaborationHistoryEntry {
	return self.history.Entries(entityId, limit)
}

func (self *CollabService) Presence() *PresenceRegistry {
	return self.presence
}

func (self *CollabService) Locks() *LockManager {
	return self.locks
}

// ========== subscriptions ==========

type Subscriber struct {
	service *CollabService
	userId  Id
	events  chan *Event
	done    chan struct{}

	closeOnce sync.Once
}

func (self *CollabService) Subscribe(userId Id) *Subscriber {
	subscriber := &Subscriber{
		service: self,
		userId:  userId,
		events:  make(chan *Event, self.settings.SubscriberQueueSize),
		done:    make(chan struct{}),
	}

	self.stateLock.Lock()
	self.subscribers[userId] = append(self.subscribers[userId], subscriber)
	self.stateLock.Unlock()

	return subscriber
}

func (self *Subscriber) Events() <-chan *Event {
	return self.events
}

func (self *Subscriber) Done() <-chan struct{} {
	return self.done
}

func (self *Subscriber) Close() {
	self.closeOnce.Do(func() {
		service := self.service
		service.stateLock.Lock()
		subscribers := service.subscribers[self.userId][:0]
		for _, subscriber := range service.subscribers[self.userId] {
			if subscriber != self {
				subscribers = append(subscribers, subscriber)
			}
		}
		if len(subscribers) == 0 {
			delete(service.subscribers, self.userId)
		} else {
			service.subscribers[self.userId] = subscribers
		}
		service.stateLock.Unlock()

		close(self.done)
	})
}

// ========== message dispatch ==========

// one call per inbound wire message. failures that concern only the caller
// are returned as events on `subscriber` when one is given.
func (self *CollabService) HandleMessage(identity *ByJwt, subscriber *Subscriber, message *Message) error {
	reply := func(event *Event) {
		if subscriber == nil {
			return
		}
		select {
		case subscriber.events <- event:
		default:
			glog.Infof("[svc]subscriber backpressure %s, drop %s\n", identity.UserId, event.Type)
		}
	}

	switch message.Type {
	case MessageJoinCollaboration:
		if message.JoinCollaboration == nil {
			return errMissingPayload(message.Type)
		}
		_, err := self.Join(identity, message.JoinCollaboration)
		return err
	case MessagePresenceUpdate:
		if message.PresenceUpdate == nil {
			return errMissingPayload(message.Type)
		}
		self.UpdatePresence(identity, message.PresenceUpdate)
	case MessageChangeSubmit:
		if message.ChangeSubmit == nil {
			return errMissingPayload(message.Type)
		}
		if _, err := self.Submit(identity, message.ChangeSubmit); err != nil {
			reply(&Event{
				Type: EventChangeFailed,
				Change: &PendingChange{
					EntityId:   message.ChangeSubmit.EntityId,
					UserId:     identity.UserId,
					ChangeType: message.ChangeSubmit.ChangeType,
					Field:      message.ChangeSubmit.Field,
					NewValue:   message.ChangeSubmit.NewValue,
				},
				FailureReason: err.Error(),
			})
		}
	case MessageChangeWithdraw:
		if message.ChangeWithdraw == nil {
			return errMissingPayload(message.Type)
		}
		if _, err := self.Withdraw(identity, message.ChangeWithdraw); err != nil {
			reply(&Event{
				Type: EventChangeFailed,
				Change: &PendingChange{
					ChangeId: message.ChangeWithdraw.ChangeId,
					EntityId: message.ChangeWithdraw.EntityId,
					UserId:   identity.UserId,
				},
				FailureReason: err.Error(),
			})
		}
	case MessageResolveConflict:
		if message.ResolveConflict == nil {
			return errMissingPayload(message.Type)
		}
		_, err := self.ResolveConflict(identity, message.ResolveConflict)
		return err
	case MessageApprovalDecision:
		if message.ApprovalDecision == nil {
			return errMissingPayload(message.Type)
		}
		_, err := self.DecideApproval(identity, message.ApprovalDecision)
		return err
	case MessageLockAcquire:
		if message.LockAcquire == nil {
			return errMissingPayload(message.Type)
		}
		if _, err := self.AcquireLock(identity, message.LockAcquire); err != nil {
			// tell the caller who holds it
			if lock := self.locks.Get(message.LockAcquire.EntityId); lock != nil {
				reply(&Event{
					Type: EventEntityLocked,
					Lock: lock,
				})
			}
		}
	case MessageLockRelease:
		if message.LockRelease == nil {
			return errMissingPayload(message.Type)
		}
		self.ReleaseLock(identity, message.LockRelease)
	case MessageComment:
		if message.Comment == nil {
			return errMissingPayload(message.Type)
		}
		self.AddComment(identity, message.Comment)
	case MessageMetricsRequest:
		reply(&Event{
			Type:    EventMetrics,
			Metrics: self.Metrics(),
		})
	case MessageHistoryRequest:
		request := message.HistoryRequest
		if request == nil {
			request = &HistoryRequest{}
		}
		reply(&Event{
			Type:    EventHistory,
			History: self.History(request.EntityId, request.Limit),
		})
	default:
		return errMissingPayload(message.Type)
	}
	return nil
}

func errMissingPayload(messageType MessageType) error {
	return &ProtocolError{MessageType: messageType}
}

type ProtocolError struct {
	MessageType MessageType
}

func (self *ProtocolError) Error() string {
	return "bad payload for message type " + string(self.MessageType)
}

// ========== websocket endpoint ==========

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (self *CollabService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[svc]upgrade error = %s\n", err)
		return
	}
	go self.handleWs(ws)
}

func (self *CollabService) handleWs(ws *websocket.Conn) {
	defer ws.Close()

	settings := self.transportSettings

	// the first message is the jwt, echoed back on success
	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		glog.Infof("[svc]auth read error = %s\n", err)
		return
	}
	identity, err := ParseByJwt(string(authBytes), self.jwtSecret)
	if err != nil {
		glog.Infof("[svc]auth error = %s\n", err)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	subscriber := self.Subscribe(identity.UserId)
	defer subscriber.Close()
	defer self.Leave(identity)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case event := <-subscriber.events:
				eventBytes, err := EncodeEvent(event)
				if err != nil {
					glog.Infof("[svc]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, eventBytes); err != nil {
					glog.Infof("[svc]%s-> error = %s\n", identity.UserId, err)
					return
				}
			case <-time.After(settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[svc]%s<- error = %s\n", identity.UserId, err)
			return
		}
		if messageType != websocket.TextMessage || len(messageBytes) == 0 {
			// ping
			continue
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			glog.Infof("[svc]%s<- decode error = %s\n", identity.UserId, err)
			continue
		}
		if err := self.HandleMessage(identity, subscriber, message); err != nil {
			glog.Infof("[svc]%s<- %s error = %s\n", identity.UserId, message.Type, err)
		}
	}
}
