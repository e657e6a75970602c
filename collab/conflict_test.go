package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testChange(entityId Id, userId Id, field string, value any, at time.Time) *PendingChange {
	return &PendingChange{
		ChangeId:   NewId(),
		EntityId:   entityId,
		UserId:     userId,
		ChangeType: ChangeTypeUpdate,
		Field:      field,
		NewValue:   value,
		Timestamp:  at,
	}
}

func TestConflictDetect(t *testing.T) {
	settings := DefaultCollabSettings()
	conflicts := NewConflictResolver(settings)

	entityId := NewId()
	alice := NewId()
	bob := NewId()
	now := time.Now()

	a := testChange(entityId, alice, "description", "v1", now)
	b := testChange(entityId, bob, "description", "v2", now.Add(1*time.Second))
	// same user, no conflict
	c := testChange(entityId, alice, "description", "v3", now.Add(2*time.Second))
	// different field, no conflict
	d := testChange(entityId, bob, "name", "n1", now.Add(1*time.Second))
	// same field but outside the window
	e := testChange(entityId, bob, "notes", "v4", now)
	f := testChange(entityId, alice, "notes", "v5", now.Add(settings.ConflictWindow+time.Second))

	conflicting := conflicts.Detect([]*PendingChange{a, b, c, d, e, f}, nil)

	conflictingIds := map[Id]bool{}
	for _, change := range conflicting {
		conflictingIds[change.ChangeId] = true
	}
	assert.Equal(t, conflictingIds[a.ChangeId], true)
	assert.Equal(t, conflictingIds[b.ChangeId], true)
	assert.Equal(t, conflictingIds[c.ChangeId], true)
	assert.Equal(t, conflictingIds[d.ChangeId], false)
	assert.Equal(t, conflictingIds[e.ChangeId], false)
	assert.Equal(t, conflictingIds[f.ChangeId], false)

	// both sides of a conflict reference each other
	assert.Equal(t, a.ConflictsWith, []Id{b.ChangeId})
	assert.Equal(t, len(b.ConflictsWith), 2)
}

func TestConflictDetectAgainstApplied(t *testing.T) {
	settings := DefaultCollabSettings()
	conflicts := NewConflictResolver(settings)

	entityId := NewId()
	alice := NewId()
	bob := NewId()
	now := time.Now()

	applied := testChange(entityId, alice, "description", "v1", now.Add(-5*time.Second))
	applied.IsApplied = true

	late := testChange(entityId, bob, "description", "v2", now)

	conflicting := conflicts.Detect([]*PendingChange{late}, []*PendingChange{applied})
	assert.Equal(t, len(conflicting), 1)
	assert.Equal(t, conflicting[0].ChangeId, late.ChangeId)
	assert.Equal(t, late.ConflictsWith, []Id{applied.ChangeId})
	// the applied change is immutable, links only point outward
	assert.Equal(t, len(applied.ConflictsWith), 0)
}

func TestConflictGroups(t *testing.T) {
	settings := DefaultCollabSettings()
	conflicts := NewConflictResolver(settings)

	entityId := NewId()
	alice := NewId()
	bob := NewId()
	now := time.Now()

	a := testChange(entityId, alice, "description", "v1", now)
	b := testChange(entityId, bob, "description", "v2", now.Add(time.Second))
	c := testChange(entityId, alice, "name", "n1", now)
	d := testChange(entityId, bob, "name", "n2", now.Add(time.Second))

	conflicting := conflicts.Detect([]*PendingChange{a, b, c, d}, nil)
	assert.Equal(t, len(conflicting), 4)

	groups := conflicts.OpenGroups(entityId, conflicting)
	assert.Equal(t, len(groups), 2)
	// sorted by field for deterministic ordering
	assert.Equal(t, groups[0].Field, "description")
	assert.Equal(t, groups[1].Field, "name")
	assert.Equal(t, len(groups[0].Changes), 2)
	assert.Equal(t, len(groups[0].authorIds()), 2)

	assert.Equal(t, conflicts.GetGroup(groups[0].ConflictId), groups[0])
	assert.Equal(t, conflicts.OpenChangeCount(), 4)
}

func TestConflictResolveLatestWins(t *testing.T) {
	settings := DefaultCollabSettings()
	conflicts := NewConflictResolver(settings)

	entityId := NewId()
	alice := NewId()
	bob := NewId()
	now := time.Now()

	a := testChange(entityId, alice, "description", "v1", now)
	b := testChange(entityId, bob, "description", "v2", now.Add(time.Second))

	conflicting := conflicts.Detect([]*PendingChange{a, b}, nil)
	groups := conflicts.OpenGroups(entityId, conflicting)
	assert.Equal(t, len(groups), 1)
	conflictId := groups[0].ConflictId

	outcome, err := conflicts.Resolve(conflictId, ResolutionStrategyLatestWins, nil, alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome.Replayed, false)
	assert.Equal(t, len(outcome.Apply), 1)
	assert.Equal(t, outcome.Apply[0].ChangeId, b.ChangeId)
	assert.Equal(t, len(outcome.Rejected), 1)
	assert.Equal(t, outcome.Rejected[0].ChangeId, a.ChangeId)
	assert.Equal(t, outcome.Resolution.FinalValue, "v2")
	assert.Equal(t, outcome.Resolution.Strategy, ResolutionStrategyLatestWins)
	assert.Equal(t, len(outcome.Resolution.ConflictingChanges), 2)

	// the group is no longer open
	assert.Equal(t, conflicts.GetGroup(conflictId), nil)
	assert.Equal(t, conflicts.OpenChangeCount(), 0)
	assert.Equal(t, conflicts.ResolvedCount(), 1)
	assert.NotEqual(t, conflicts.GetResolution(conflictId), nil)

	// resolving again replays the existing record untouched
	replay, err := conflicts.Resolve(conflictId, ResolutionStrategyRejectAll, nil, bob)
	assert.Equal(t, err, nil)
	assert.Equal(t, replay.Replayed, true)
	assert.Equal(t, replay.Resolution, outcome.Resolution)
	assert.Equal(t, replay.Resolution.Strategy, ResolutionStrategyLatestWins)
	assert.Equal(t, conflicts.ResolvedCount(), 1)
}

func TestConflictResolveStrategies(t *testing.T) {
	settings := DefaultCollabSettings()

	entityId := NewId()
	alice := NewId()
	bob := NewId()

	open := func(conflicts *ConflictResolver) (Id, *PendingChange, *PendingChange) {
		now := time.Now()
		a := testChange(entityId, alice, "description", "v1", now)
		b := testChange(entityId, bob, "description", "v2", now.Add(time.Second))
		conflicting := conflicts.Detect([]*PendingChange{a, b}, nil)
		groups := conflicts.OpenGroups(entityId, conflicting)
		return groups[0].ConflictId, a, b
	}

	// accept_all applies everything in timestamp order
	conflicts := NewConflictResolver(settings)
	conflictId, a, b := open(conflicts)
	outcome, err := conflicts.Resolve(conflictId, ResolutionStrategyAcceptAll, nil, alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(outcome.Apply), 2)
	assert.Equal(t, outcome.Apply[0].ChangeId, a.ChangeId)
	assert.Equal(t, outcome.Apply[1].ChangeId, b.ChangeId)
	assert.Equal(t, len(outcome.Rejected), 0)

	// reject_all applies nothing
	conflicts = NewConflictResolver(settings)
	conflictId, _, _ = open(conflicts)
	outcome, err = conflicts.Resolve(conflictId, ResolutionStrategyRejectAll, nil, alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(outcome.Apply), 0)
	assert.Equal(t, len(outcome.Rejected), 2)

	// priority_user prefers the resolver's own change over a later one
	conflicts = NewConflictResolver(settings)
	conflictId, a, b = open(conflicts)
	outcome, err = conflicts.Resolve(conflictId, ResolutionStrategyPriorityUser, nil, alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(outcome.Apply), 1)
	assert.Equal(t, outcome.Apply[0].ChangeId, a.ChangeId)
	assert.Equal(t, outcome.Resolution.FinalValue, "v1")

	// priority_user falls back to latest when the resolver authored none
	conflicts = NewConflictResolver(settings)
	conflictId, _, b = open(conflicts)
	outcome, err = conflicts.Resolve(conflictId, ResolutionStrategyPriorityUser, nil, NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome.Apply[0].ChangeId, b.ChangeId)

	// manual_merge rejects both and synthesizes the final value
	conflicts = NewConflictResolver(settings)
	conflictId, _, _ = open(conflicts)
	outcome, err = conflicts.Resolve(conflictId, ResolutionStrategyManualMerge, "merged", alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome.Merged, true)
	assert.Equal(t, len(outcome.Apply), 0)
	assert.Equal(t, len(outcome.Rejected), 2)
	assert.Equal(t, outcome.Resolution.FinalValue, "merged")

	// unknown conflict id
	_, err = conflicts.Resolve(NewId(), ResolutionStrategyLatestWins, nil, alice)
	assert.Equal(t, err, ErrConflictNotFound)
}
