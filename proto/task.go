package proto

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxTaskTitleLength is the longest accepted task title, in characters.
const MaxTaskTitleLength = 256

// TaskID uniquely identifies a shared task.
type TaskID string

// NewTaskID allocates a fresh task identifier.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

func (id TaskID) String() string { return string(id) }

// TaskStatus is the LWW-controlled workflow state of a task. Deleted is a
// tombstone: deleted tasks stay in the map so merges keep converging.
type TaskStatus uint8

const (
	TaskOpen TaskStatus = iota
	TaskInProgress
	TaskCompleted
	TaskDeleted
)

func (s TaskStatus) String() string {
	switch s {
	case TaskOpen:
		return "open"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("task_status(%d)", uint8(s))
	}
}

// LWWRegister is a last-write-wins cell. Higher timestamp wins; ties break
// on the lexicographically greater author; equal timestamp and author means
// the values are already equal, or a structural value order decides.
type LWWRegister[T any] struct {
	Value     T
	Timestamp uint64 // UTC milliseconds
	Author    string
}

// NewLWWRegister builds a register with the given value, timestamp and author.
func NewLWWRegister[T any](value T, ts uint64, author string) LWWRegister[T] {
	return LWWRegister[T]{Value: value, Timestamp: ts, Author: author}
}

// Task is a shared task with per-field LWW registers. The Assignee value is
// a peer identifier; the empty string means unassigned. CreatedAt and
// CreatedBy are immutable after creation.
type Task struct {
	ID        TaskID
	RoomID    string
	Title     LWWRegister[string]
	Status    LWWRegister[TaskStatus]
	Assignee  LWWRegister[string]
	CreatedAt uint64
	CreatedBy string
}

// TaskSync carries the full state of one task for CRDT synchronization.
// Applying a TaskSync is idempotent: merging a state with itself is a no-op.
type TaskSync struct {
	RoomID string
	Task   Task
}

func (*TaskSync) Kind() EnvelopeKind { return KindTaskSync }
