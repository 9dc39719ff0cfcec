// Package tasks implements room-scoped shared task lists with last-write-
// wins convergence. Every field of a task is an independent LWW register;
// merges are commutative, associative, and idempotent, so peers converge
// regardless of sync order. Deletion is a tombstone status, never a map
// removal.
package tasks

import (
	"github.com/termchat-project/termchat/proto"
)

// mergeRegister resolves two LWW cells. Higher timestamp wins; on a
// timestamp tie the lexicographically greater author wins; with both equal
// the structurally greater value wins so the outcome stays deterministic.
func mergeRegister[T any](a, b proto.LWWRegister[T], less func(x, y T) bool) proto.LWWRegister[T] {
	switch {
	case a.Timestamp != b.Timestamp:
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	case a.Author != b.Author:
		if a.Author > b.Author {
			return a
		}
		return b
	default:
		if less(a.Value, b.Value) {
			return b
		}
		return a
	}
}

// MergeTitle merges two title registers.
func MergeTitle(a, b proto.LWWRegister[string]) proto.LWWRegister[string] {
	return mergeRegister(a, b, func(x, y string) bool { return x < y })
}

// MergeStatus merges two status registers.
func MergeStatus(a, b proto.LWWRegister[proto.TaskStatus]) proto.LWWRegister[proto.TaskStatus] {
	return mergeRegister(a, b, func(x, y proto.TaskStatus) bool { return x < y })
}

// MergeAssignee merges two assignee registers. The empty value means
// unassigned and sorts below every peer ID.
func MergeAssignee(a, b proto.LWWRegister[string]) proto.LWWRegister[string] {
	return mergeRegister(a, b, func(x, y string) bool { return x < y })
}

// MergeTask merges two replicas of the same task field by field. CreatedAt
// and CreatedBy are never updated; if the replicas disagree on them, the
// earlier creation (lower CreatedAt, then lower CreatedBy) is kept, so the
// merge stays commutative.
func MergeTask(a, b proto.Task) proto.Task {
	created := a
	if b.CreatedAt < a.CreatedAt || (b.CreatedAt == a.CreatedAt && b.CreatedBy < a.CreatedBy) {
		created = b
	}
	return proto.Task{
		ID:        a.ID,
		RoomID:    a.RoomID,
		Title:     MergeTitle(a.Title, b.Title),
		Status:    MergeStatus(a.Status, b.Status),
		Assignee:  MergeAssignee(a.Assignee, b.Assignee),
		CreatedAt: created.CreatedAt,
		CreatedBy: created.CreatedBy,
	}
}

// MergeTaskList merges two task maps key-wise: the union of IDs, with
// per-ID task merges where both sides know the task.
func MergeTaskList(a, b map[proto.TaskID]proto.Task) map[proto.TaskID]proto.Task {
	out := make(map[proto.TaskID]proto.Task, len(a)+len(b))
	for id, task := range a {
		out[id] = task
	}
	for id, task := range b {
		if existing, ok := out[id]; ok {
			out[id] = MergeTask(existing, task)
		} else {
			out[id] = task
		}
	}
	return out
}
