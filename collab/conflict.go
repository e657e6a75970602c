package collab

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// two unapplied changes conflict iff they target the same entity and field,
// come from different users, and their timestamps fall within the conflict
// window of each other. detection also compares against changes already
// applied within the window, so a just-applied write still flags a late
// overlapping edit.
type ConflictResolver struct {
	settings *CollabSettings
	now      func() time.Time

	stateLock sync.Mutex
	// conflict id -> group awaiting a resolve call
	open map[Id]*ConflictGroup
	// conflict id -> terminal record. never mutated after creation.
	resolutions map[Id]*ConflictResolution
}

func NewConflictResolver(settings *CollabSettings) *ConflictResolver {
	return &ConflictResolver{
		settings:    settings,
		now:         time.Now,
		open:        map[Id]*ConflictGroup{},
		resolutions: map[Id]*ConflictResolution{},
	}
}

type ConflictGroup struct {
	ConflictId Id               `json:"conflict_id"`
	EntityId   Id               `json:"entity_id"`
	Field      string           `json:"field"`
	Changes    []*PendingChange `json:"changes"`
	DetectedAt time.Time        `json:"detected_at"`
}

func (self *ConflictGroup) changeIds() []Id {
	changeIds := make([]Id, len(self.Changes))
	for i, change := range self.Changes {
		changeIds[i] = change.ChangeId
	}
	return changeIds
}

func (self *ConflictGroup) authorIds() []Id {
	authorIds := []Id{}
	for _, change := range self.Changes {
		present := false
		for _, authorId := range authorIds {
			if authorId == change.UserId {
				present = true
				break
			}
		}
		if !present {
			authorIds = append(authorIds, change.UserId)
		}
	}
	return authorIds
}

// returns the subset of `batch` with conflicts. `applied` are changes
// already applied to the same entity within the conflict window; they are
// immutable and only contribute links outward.
func (self *ConflictResolver) Detect(batch []*PendingChange, applied []*PendingChange) []*PendingChange {
	withinWindow := func(a *PendingChange, b *PendingChange) bool {
		d := a.Timestamp.Sub(b.Timestamp)
		if d < 0 {
			d = -d
		}
		return d <= self.settings.ConflictWindow
	}
	overlaps := func(a *PendingChange, b *PendingChange) bool {
		return a.EntityId == b.EntityId &&
			a.Field == b.Field &&
			a.Field != "" &&
			a.UserId != b.UserId &&
			withinWindow(a, b)
	}

	link := func(change *PendingChange, otherId Id) {
		for _, changeId := range change.ConflictsWith {
			if changeId == otherId {
				return
			}
		}
		change.ConflictsWith = append(change.ConflictsWith, otherId)
	}

	for i, a := range batch {
		for _, b := range batch[i+1:] {
			if overlaps(a, b) {
				link(a, b.ChangeId)
				link(b, a.ChangeId)
			}
		}
		for _, b := range applied {
			if overlaps(a, b) {
				link(a, b.ChangeId)
			}
		}
	}

	conflicting := []*PendingChange{}
	for _, change := range batch {
		if 0 < len(change.ConflictsWith) {
			conflicting = append(conflicting, change)
		}
	}
	return conflicting
}

// groups the conflicting changes of one flush by field and registers each
// group for a later resolve call. one group is created exactly once per
// detected conflict.
func (self *ConflictResolver) OpenGroups(entityId Id, conflicting []*PendingChange) []*ConflictGroup {
	byField := map[string][]*PendingChange{}
	fields := []string{}
	for _, change := range conflicting {
		if _, ok := byField[change.Field]; !ok {
			fields = append(fields, change.Field)
		}
		byField[change.Field] = append(byField[change.Field], change)
	}
	sort.Strings(fields)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	groups := []*ConflictGroup{}
	for _, field := range fields {
		group := &ConflictGroup{
			ConflictId: NewId(),
			EntityId:   entityId,
			Field:      field,
			Changes:    byField[field],
			DetectedAt: self.now(),
		}
		self.open[group.ConflictId] = group
		groups = append(groups, group)
		glog.Infof("[cf]detected %s entity=%s field=%s changes=%d\n", group.ConflictId, entityId, field, len(group.Changes))
	}
	return groups
}

func (self *ConflictResolver) GetGroup(conflictId Id) *ConflictGroup {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.open[conflictId]
}

func (self *ConflictResolver) GetResolution(conflictId Id) *ConflictResolution {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.resolutions[conflictId]
}

type ConflictOutcome struct {
	Resolution *ConflictResolution
	Group      *ConflictGroup
	// changes to run through the apply path, in timestamp order
	Apply []*PendingChange
	// changes superseded or rejected by the resolution
	Rejected []*PendingChange
	// true when the final value is a synthesized merge rather than
	// one of the conflicting changes
	Merged bool
	// true when the conflict id was already resolved; the existing
	// record is returned and nothing is applied again
	Replayed bool
}

// resolving an already resolved conflict id is a no-op that returns the
// existing record.
func (self *ConflictResolver) Resolve(conflictId Id, strategy ResolutionStrategy, finalValue any, resolvedBy Id) (*ConflictOutcome, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if resolution, ok := self.resolutions[conflictId]; ok {
		return &ConflictOutcome{
			Resolution: resolution,
			Replayed:   true,
		}, nil
	}

	group, ok := self.open[conflictId]
	if !ok {
		return nil, ErrConflictNotFound
	}

	ordered := append([]*PendingChange{}, group.Changes...)
	sort.Slice(ordered, func(i int, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	latest := ordered[len(ordered)-1]

	outcome := &ConflictOutcome{
		Group: group,
	}
	var reasoning string

	switch strategy {
	case ResolutionStrategyAcceptAll:
		outcome.Apply = ordered
		if finalValue == nil {
			finalValue = latest.NewValue
		}
		reasoning = "all conflicting changes applied in timestamp order"
	case ResolutionStrategyRejectAll:
		outcome.Rejected = ordered
		reasoning = "all conflicting changes rejected"
	case ResolutionStrategyLatestWins:
		outcome.Apply = []*PendingChange{latest}
		for _, change := range ordered[:len(ordered)-1] {
			outcome.Rejected = append(outcome.Rejected, change)
		}
		if finalValue == nil {
			finalValue = latest.NewValue
		}
		reasoning = fmt.Sprintf("latest change %s wins, %d superseded", latest.ChangeId, len(outcome.Rejected))
	case ResolutionStrategyPriorityUser:
		// the resolving user's most recent change wins. falls back to
		// latest when the resolver authored none of them.
		winner := latest
		for i := len(ordered) - 1; 0 <= i; i -= 1 {
			if ordered[i].UserId == resolvedBy {
				winner = ordered[i]
				break
			}
		}
		outcome.Apply = []*PendingChange{winner}
		for _, change := range ordered {
			if change != winner {
				outcome.Rejected = append(outcome.Rejected, change)
			}
		}
		if finalValue == nil {
			finalValue = winner.NewValue
		}
		reasoning = fmt.Sprintf("priority change %s by %s wins", winner.ChangeId, winner.UserId)
	case ResolutionStrategyManualMerge:
		outcome.Rejected = ordered
		outcome.Merged = true
		reasoning = "manually merged value replaces all conflicting changes"
	default:
		return nil, fmt.Errorf("unknown resolution strategy %s", strategy)
	}

	resolution := &ConflictResolution{
		ConflictId:         conflictId,
		EntityId:           group.EntityId,
		ConflictingChanges: group.changeIds(),
		Strategy:           strategy,
		ResolvedBy:         resolvedBy,
		ResolvedAt:         self.now(),
		FinalValue:         finalValue,
		Reasoning:          reasoning,
	}
	self.resolutions[conflictId] = resolution
	delete(self.open, conflictId)
	outcome.Resolution = resolution

	glog.Infof("[cf]resolved %s strategy=%s by=%s\n", conflictId, strategy, resolvedBy)
	return outcome, nil
}

func (self *ConflictResolver) OpenChangeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, group := range self.open {
		count += len(group.Changes)
	}
	return count
}

func (self *ConflictResolver) ResolvedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.resolutions)
}
