package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPresenceJoinAndLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultCollabSettings()
	presence := NewPresenceRegistry(ctx, settings)

	sessionId := NewId()
	entityId := NewId()

	alice := NewByJwt(NewId(), "alice", RoleEditor)
	bob := NewByJwt(NewId(), "bob", RoleViewer)

	collaborator, err := presence.Join(sessionId, alice, &entityId)
	assert.Equal(t, err, nil)
	assert.Equal(t, collaborator.UserId, alice.UserId)
	assert.Equal(t, collaborator.DisplayName, "alice")
	assert.Equal(t, collaborator.IsOnline, true)
	assert.Equal(t, *collaborator.CurrentEntityId, entityId)

	_, err = presence.Join(sessionId, bob, nil)
	assert.Equal(t, err, nil)

	assert.Equal(t, len(presence.ListActive()), 2)
	assert.Equal(t, len(presence.ListOnEntity(entityId)), 1)
	assert.Equal(t, len(presence.EditingEntityIds()), 1)

	left := presence.Leave(alice.UserId)
	assert.NotEqual(t, left, nil)
	assert.Equal(t, left.IsOnline, false)
	assert.Equal(t, len(presence.ListActive()), 1)
	assert.Equal(t, presence.Get(alice.UserId), nil)
	assert.Equal(t, presence.Leave(alice.UserId), nil)
}

func TestPresenceUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultCollabSettings()
	presence := NewPresenceRegistry(ctx, settings)

	sessionId := NewId()
	entityA := NewId()
	entityB := NewId()

	alice := NewByJwt(NewId(), "alice", RoleEditor)
	_, err := presence.Join(sessionId, alice, &entityA)
	assert.Equal(t, err, nil)

	// unknown user is a no-op
	assert.Equal(t, presence.UpdatePresence(NewId(), &entityA, nil, nil), nil)

	collaborator := presence.UpdatePresence(
		alice.UserId,
		&entityB,
		&Cursor{Line: 3, Column: 7},
		&Selection{Start: 10, End: 20},
	)
	assert.NotEqual(t, collaborator, nil)
	assert.Equal(t, *collaborator.CurrentEntityId, entityB)
	assert.Equal(t, collaborator.Cursor.Line, 3)
	assert.Equal(t, collaborator.Selection.End, 20)

	// nil fields leave the previous values in place
	collaborator = presence.UpdatePresence(alice.UserId, nil, nil, nil)
	assert.Equal(t, *collaborator.CurrentEntityId, entityB)
	assert.Equal(t, collaborator.Cursor.Column, 7)
}

func TestPresenceTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultCollabSettings()
	presence := NewPresenceRegistry(ctx, settings)

	now := time.Now()
	presence.now = func() time.Time {
		return now
	}

	sessionId := NewId()
	entityId := NewId()
	alice := NewByJwt(NewId(), "alice", RoleEditor)
	bob := NewByJwt(NewId(), "bob", RoleEditor)

	_, err := presence.Join(sessionId, alice, &entityId)
	assert.Equal(t, err, nil)
	_, err = presence.Join(sessionId, bob, &entityId)
	assert.Equal(t, err, nil)

	// bob keeps sending heartbeats, alice goes silent
	now = now.Add(settings.PresenceTimeout / 2)
	presence.UpdatePresence(bob.UserId, nil, nil, nil)
	now = now.Add(settings.PresenceTimeout / 2)

	active := presence.ListActive()
	assert.Equal(t, len(active), 1)
	assert.Equal(t, active[0].UserId, bob.UserId)
	assert.Equal(t, len(presence.ListOnEntity(entityId)), 1)

	// the silent collaborator is marked offline, not errored
	collaborator := presence.Get(alice.UserId)
	assert.NotEqual(t, collaborator, nil)
	assert.Equal(t, collaborator.IsOnline, false)
}

func TestPresenceSessionFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultCollabSettings()
	settings.MaxConcurrentEditors = 2
	presence := NewPresenceRegistry(ctx, settings)

	sessionId := NewId()

	_, err := presence.Join(sessionId, NewByJwt(NewId(), "a", RoleEditor), nil)
	assert.Equal(t, err, nil)
	bob := NewByJwt(NewId(), "b", RoleEditor)
	_, err = presence.Join(sessionId, bob, nil)
	assert.Equal(t, err, nil)

	_, err = presence.Join(sessionId, NewByJwt(NewId(), "c", RoleEditor), nil)
	assert.Equal(t, err, ErrSessionFull)

	// a rejoin by a present collaborator never counts against the limit
	_, err = presence.Join(sessionId, bob, nil)
	assert.Equal(t, err, nil)
}
