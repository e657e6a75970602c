package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newServiceTest(ctx context.Context) (*CollabService, *MemoryEntityStore) {
	settings := fastSettings()
	store := NewMemoryEntityStore()
	service := NewCollabService(ctx, store, []byte("test-secret"), settings)
	return service, store
}

func awaitSubscriberEvent(t *testing.T, subscriber *Subscriber, eventType EventType) *Event {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-subscriber.events:
			if event.Type == eventType {
				return event
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", eventType)
			return nil
		}
	}
}

func TestServiceJoinAndSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newServiceTest(ctx)
	defer service.Close()

	projectId := NewId()
	entityId := NewId()
	service.store.UpdateEntity(ctx, entityId, map[string]any{"description": "v0"})

	alice := NewByJwt(NewId(), "alice", RoleEditor)
	bob := NewByJwt(NewId(), "bob", RoleEditor)

	aliceSub := service.Subscribe(alice.UserId)
	defer aliceSub.Close()
	bobSub := service.Subscribe(bob.UserId)
	defer bobSub.Close()

	_, err := service.Join(alice, &JoinCollaboration{
		ProjectId: projectId,
		EntityId:  &entityId,
	})
	assert.Equal(t, err, nil)

	ack := awaitSubscriberEvent(t, aliceSub, EventJoinAck)
	assert.Equal(t, len(ack.Collaborators), 1)

	_, err = service.Join(bob, &JoinCollaboration{
		ProjectId: projectId,
		EntityId:  &entityId,
	})
	assert.Equal(t, err, nil)

	// joins broadcast to everyone
	joined := awaitSubscriberEvent(t, aliceSub, EventCollaboratorJoined)
	assert.Equal(t, joined.Collaborator.UserId, bob.UserId)
	ack = awaitSubscriberEvent(t, bobSub, EventJoinAck)
	assert.Equal(t, len(ack.Collaborators), 2)

	// bob's applied change reaches alice, a viewer of the entity
	_, err = service.Submit(bob, &ChangeSubmit{
		EntityId:   entityId,
		ChangeType: ChangeTypeUpdate,
		Field:      "description",
		NewValue:   "from bob",
	})
	assert.Equal(t, err, nil)

	applied := awaitSubscriberEvent(t, aliceSub, EventChangeApplied)
	assert.Equal(t, applied.Change.UserId, bob.UserId)
	entity, err := service.store.GetEntity(ctx, entityId)
	assert.Equal(t, err, nil)
	assert.Equal(t, entity.Field("description"), "from bob")

	// presence updates fan out to entity viewers
	service.UpdatePresence(bob, &PresenceUpdate{
		Cursor: &Cursor{Line: 1, Column: 2},
	})
	presenceEvent := awaitSubscriberEvent(t, aliceSub, EventPresenceUpdated)
	assert.Equal(t, presenceEvent.Collaborator.Cursor.Line, 1)

	// a comment reaches entity viewers and lands in the history
	comment := service.AddComment(bob, &CommentMessage{
		EntityId: entityId,
		Text:     "looks good",
	})
	assert.NotEqual(t, comment, nil)
	commentEvent := awaitSubscriberEvent(t, aliceSub, EventCommentAdded)
	assert.Equal(t, commentEvent.Comment.Text, "looks good")

	entries := service.History(&entityId, 0)
	assert.Equal(t, entries[0].EntryType, HistoryCommentAdded)

	snapshot := service.Metrics()
	assert.Equal(t, snapshot.ActiveCollaborators, 2)
	assert.Equal(t, snapshot.EditingEntities, 1)
}

func TestServiceLocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newServiceTest(ctx)
	defer service.Close()

	projectId := NewId()
	entityId := NewId()
	service.store.UpdateEntity(ctx, entityId, map[string]any{"description": "v0"})

	alice := NewByJwt(NewId(), "alice", RoleEditor)
	bob := NewByJwt(NewId(), "bob", RoleEditor)
	viewer := NewByJwt(NewId(), "eve", RoleViewer)

	bobSub := service.Subscribe(bob.UserId)
	defer bobSub.Close()

	_, err := service.Join(alice, &JoinCollaboration{ProjectId: projectId})
	assert.Equal(t, err, nil)
	_, err = service.Join(bob, &JoinCollaboration{ProjectId: projectId})
	assert.Equal(t, err, nil)

	// a viewer cannot take a write lock
	_, err = service.AcquireLock(viewer, &LockAcquireMessage{
		EntityId: entityId,
		LockType: LockTypeExclusive,
	})
	assert.Equal(t, err, ErrEditNotAllowed)

	lock, err := service.AcquireLock(alice, &LockAcquireMessage{
		EntityId: entityId,
		LockType: LockTypeExclusive,
		Reason:   "restructuring",
	})
	assert.Equal(t, err, nil)
	locked := awaitSubscriberEvent(t, bobSub, EventEntityLocked)
	assert.Equal(t, locked.Lock.LockedBy, alice.UserId)
	assert.Equal(t, locked.Lock.Reason, "restructuring")

	_, err = service.AcquireLock(bob, &LockAcquireMessage{
		EntityId: entityId,
		LockType: LockTypeExclusive,
	})
	assert.Equal(t, err, ErrLockDenied)
	_, err = service.Submit(bob, &ChangeSubmit{
		EntityId:   entityId,
		ChangeType: ChangeTypeUpdate,
		Field:      "description",
		NewValue:   "from bob",
	})
	assert.Equal(t, err, ErrLockDenied)

	// leaving releases the holder's locks
	service.Leave(alice)
	unlocked := awaitSubscriberEvent(t, bobSub, EventEntityUnlocked)
	assert.Equal(t, unlocked.Lock.LockedBy, alice.UserId)
	left := awaitSubscriberEvent(t, bobSub, EventCollaboratorLeft)
	assert.Equal(t, left.Collaborator.UserId, alice.UserId)

	assert.Equal(t, lock.EntityId, entityId)
	_, err = service.AcquireLock(bob, &LockAcquireMessage{
		EntityId: entityId,
		LockType: LockTypeExclusive,
	})
	assert.Equal(t, err, nil)
}

func TestServiceHandleMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newServiceTest(ctx)
	defer service.Close()

	projectId := NewId()
	entityId := NewId()
	service.store.UpdateEntity(ctx, entityId, map[string]any{"description": "v0"})

	alice := NewByJwt(NewId(), "alice", RoleEditor)
	bob := NewByJwt(NewId(), "bob", RoleEditor)

	aliceSub := service.Subscribe(alice.UserId)
	defer aliceSub.Close()
	bobSub := service.Subscribe(bob.UserId)
	defer bobSub.Close()

	err := service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageJoinCollaboration,
		JoinCollaboration: &JoinCollaboration{
			ProjectId: projectId,
			EntityId:  &entityId,
		},
	})
	assert.Equal(t, err, nil)
	awaitSubscriberEvent(t, aliceSub, EventJoinAck)

	// a message without its payload is rejected
	err = service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageChangeSubmit,
	})
	assert.NotEqual(t, err, nil)

	err = service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageChangeSubmit,
		ChangeSubmit: &ChangeSubmit{
			EntityId:   entityId,
			ChangeType: ChangeTypeUpdate,
			Field:      "description",
			NewValue:   "v1",
		},
	})
	assert.Equal(t, err, nil)
	awaitSubscriberEvent(t, aliceSub, EventChangeApplied)

	// a denied submit surfaces as a failure event on the caller's queue
	_, err = service.AcquireLock(bob, &LockAcquireMessage{
		EntityId: entityId,
		LockType: LockTypeExclusive,
	})
	assert.Equal(t, err, nil)
	err = service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageChangeSubmit,
		ChangeSubmit: &ChangeSubmit{
			EntityId:   entityId,
			ChangeType: ChangeTypeUpdate,
			Field:      "description",
			NewValue:   "v2",
		},
	})
	assert.Equal(t, err, nil)
	failed := awaitSubscriberEvent(t, aliceSub, EventChangeFailed)
	assert.Equal(t, failed.FailureReason, ErrLockDenied.Error())

	// a denied lock acquire reports the current holder
	err = service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageLockAcquire,
		LockAcquire: &LockAcquireMessage{
			EntityId: entityId,
			LockType: LockTypeExclusive,
		},
	})
	assert.Equal(t, err, nil)
	held := awaitSubscriberEvent(t, aliceSub, EventEntityLocked)
	assert.Equal(t, held.Lock.LockedBy, bob.UserId)

	// metrics and history reply only to the caller
	err = service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageMetricsRequest,
	})
	assert.Equal(t, err, nil)
	metricsEvent := awaitSubscriberEvent(t, aliceSub, EventMetrics)
	assert.NotEqual(t, metricsEvent.Metrics, nil)

	err = service.HandleMessage(alice, aliceSub, &Message{
		Type: MessageHistoryRequest,
		HistoryRequest: &HistoryRequest{
			EntityId: &entityId,
		},
	})
	assert.Equal(t, err, nil)
	historyEvent := awaitSubscriberEvent(t, aliceSub, EventHistory)
	assert.Equal(t, 0 < len(historyEvent.History), true)
}
