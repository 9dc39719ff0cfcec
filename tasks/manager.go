package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/termchat-project/termchat/proto"
)

// Task errors.
var (
	// ErrTitleEmpty rejects tasks without a title.
	ErrTitleEmpty = errors.New("tasks: title cannot be empty")

	// ErrTitleTooLong rejects titles over proto.MaxTaskTitleLength characters.
	ErrTitleTooLong = fmt.Errorf("tasks: title too long (max %d characters)", proto.MaxTaskTitleLength)
)

// TaskNotFoundError reports an operation on an unknown task.
type TaskNotFoundError struct {
	ID proto.TaskID
}

func (e *TaskNotFoundError) Error() string { return fmt.Sprintf("tasks: task not found: %s", e.ID) }

// InvalidAssigneeError rejects blank assignees.
type InvalidAssigneeError struct {
	Assignee string
}

func (e *InvalidAssigneeError) Error() string {
	return fmt.Sprintf("tasks: invalid assignee: %q", e.Assignee)
}

// Manager owns the task lists of every room this client participates in.
// All mutations, local and remote, serialize through the manager's lock so
// the task list stays single-writer.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]map[proto.TaskID]proto.Task
}

// NewManager creates an empty task manager.
func NewManager() *Manager {
	return &Manager{rooms: make(map[string]map[proto.TaskID]proto.Task)}
}

// Create adds a task and returns the sync message to broadcast.
func (m *Manager) Create(room, title, author string, ts uint64) (*proto.TaskSync, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}

	task := proto.Task{
		ID:        proto.NewTaskID(),
		RoomID:    room,
		Title:     proto.NewLWWRegister(title, ts, author),
		Status:    proto.NewLWWRegister(proto.TaskOpen, ts, author),
		Assignee:  proto.NewLWWRegister("", ts, author),
		CreatedAt: ts,
		CreatedBy: author,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomTasks(room)[task.ID] = task
	return &proto.TaskSync{RoomID: room, Task: task}, nil
}

// UpdateTitle changes a task's title.
func (m *Manager) UpdateTitle(id proto.TaskID, title, author string, ts uint64) (*proto.TaskSync, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	return m.updateField(id, func(task *proto.Task) {
		task.Title = MergeTitle(task.Title, proto.NewLWWRegister(title, ts, author))
	})
}

// UpdateStatus changes a task's workflow status.
func (m *Manager) UpdateStatus(id proto.TaskID, status proto.TaskStatus, author string, ts uint64) (*proto.TaskSync, error) {
	return m.updateField(id, func(task *proto.Task) {
		task.Status = MergeStatus(task.Status, proto.NewLWWRegister(status, ts, author))
	})
}

// UpdateAssignee assigns the task to a peer.
func (m *Manager) UpdateAssignee(id proto.TaskID, assignee, author string, ts uint64) (*proto.TaskSync, error) {
	if strings.TrimSpace(assignee) == "" {
		return nil, &InvalidAssigneeError{Assignee: assignee}
	}
	return m.updateField(id, func(task *proto.Task) {
		task.Assignee = MergeAssignee(task.Assignee, proto.NewLWWRegister(assignee, ts, author))
	})
}

// ClearAssignee removes the task's assignee.
func (m *Manager) ClearAssignee(id proto.TaskID, author string, ts uint64) (*proto.TaskSync, error) {
	return m.updateField(id, func(task *proto.Task) {
		task.Assignee = MergeAssignee(task.Assignee, proto.NewLWWRegister("", ts, author))
	})
}

// Delete tombstones a task. The entry stays in the map so merges keep
// converging across peers that have not seen the deletion yet.
func (m *Manager) Delete(id proto.TaskID, author string, ts uint64) (*proto.TaskSync, error) {
	return m.UpdateStatus(id, proto.TaskDeleted, author, ts)
}

// ApplyRemote merges a peer's task state. Returns true when local state
// changed. Applying the same sync twice is a no-op.
func (m *Manager) ApplyRemote(sync *proto.TaskSync) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasksInRoom := m.roomTasks(sync.RoomID)
	existing, ok := tasksInRoom[sync.Task.ID]
	if !ok {
		tasksInRoom[sync.Task.ID] = sync.Task
		return true
	}

	merged := MergeTask(existing, sync.Task)
	if merged == existing {
		return false
	}
	tasksInRoom[sync.Task.ID] = merged
	return true
}

// Get returns a task by ID, searching all rooms.
func (m *Manager) Get(id proto.TaskID) (proto.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range m.rooms {
		if task, ok := room[id]; ok {
			return task, true
		}
	}
	return proto.Task{}, false
}

// List returns a room's live tasks ordered by creation time, then ID.
// Tombstoned tasks are filtered out.
func (m *Manager) List(room string) []proto.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]proto.Task, 0, len(m.rooms[room]))
	for _, task := range m.rooms[room] {
		if task.Status.Value == proto.TaskDeleted {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) updateField(id proto.TaskID, apply func(*proto.Task)) (*proto.TaskSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for room, tasksInRoom := range m.rooms {
		if task, ok := tasksInRoom[id]; ok {
			apply(&task)
			tasksInRoom[id] = task
			return &proto.TaskSync{RoomID: room, Task: task}, nil
		}
	}
	return nil, &TaskNotFoundError{ID: id}
}

func (m *Manager) roomTasks(room string) map[proto.TaskID]proto.Task {
	tasksInRoom, ok := m.rooms[room]
	if !ok {
		tasksInRoom = make(map[proto.TaskID]proto.Task)
		m.rooms[room] = tasksInRoom
	}
	return tasksInRoom
}

func validateTitle(title string) error {
	if title == "" {
		return ErrTitleEmpty
	}
	if len([]rune(title)) > proto.MaxTaskTitleLength {
		return ErrTitleTooLong
	}
	return nil
}
