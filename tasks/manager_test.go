package tasks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/termchat-project/termchat/proto"
)

func TestCreateAndList(t *testing.T) {
	m := NewManager()

	sync1, err := m.Create("dev", "first", "alice", 10)
	require.NoError(t, err)
	sync2, err := m.Create("dev", "second", "alice", 20)
	require.NoError(t, err)
	_, err = m.Create("other", "elsewhere", "alice", 15)
	require.NoError(t, err)

	list := m.List("dev")
	require.Len(t, list, 2)
	require.Equal(t, sync1.Task.ID, list[0].ID, "ordered by creation time")
	require.Equal(t, sync2.Task.ID, list[1].ID)

	require.Empty(t, m.List("missing"))
}

func TestTitleValidationBoundaries(t *testing.T) {
	m := NewManager()

	_, err := m.Create("dev", "", "alice", 1)
	require.ErrorIs(t, err, ErrTitleEmpty)

	exactly256 := strings.Repeat("x", 256)
	_, err = m.Create("dev", exactly256, "alice", 1)
	require.NoError(t, err, "title of exactly 256 characters is accepted")

	tooLong := strings.Repeat("x", 257)
	_, err = m.Create("dev", tooLong, "alice", 1)
	require.ErrorIs(t, err, ErrTitleTooLong)
}

func TestUpdateUnknownTask(t *testing.T) {
	m := NewManager()

	_, err := m.UpdateTitle("nope", "anything", "alice", 1)
	var notFound *TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, proto.TaskID("nope"), notFound.ID)
}

func TestAssigneeValidation(t *testing.T) {
	m := NewManager()
	created, err := m.Create("dev", "task", "alice", 1)
	require.NoError(t, err)

	_, err = m.UpdateAssignee(created.Task.ID, "   ", "alice", 2)
	var invalid *InvalidAssigneeError
	require.ErrorAs(t, err, &invalid)

	sync, err := m.UpdateAssignee(created.Task.ID, "bob", "alice", 2)
	require.NoError(t, err)
	require.Equal(t, "bob", sync.Task.Assignee.Value)

	sync, err = m.ClearAssignee(created.Task.ID, "alice", 3)
	require.NoError(t, err)
	require.Equal(t, "", sync.Task.Assignee.Value)
}

func TestDeleteTombstones(t *testing.T) {
	m := NewManager()
	created, err := m.Create("dev", "doomed", "alice", 1)
	require.NoError(t, err)

	sync, err := m.Delete(created.Task.ID, "alice", 2)
	require.NoError(t, err)
	require.Equal(t, proto.TaskDeleted, sync.Task.Status.Value)

	// Gone from listings, still present for merges.
	require.Empty(t, m.List("dev"))
	task, ok := m.Get(created.Task.ID)
	require.True(t, ok)
	require.Equal(t, proto.TaskDeleted, task.Status.Value)
}

func TestDeletionPropagates(t *testing.T) {
	a := NewManager()
	b := NewManager()

	created, err := a.Create("dev", "shared", "alice", 1)
	require.NoError(t, err)
	require.True(t, b.ApplyRemote(created))

	deleted, err := a.Delete(created.Task.ID, "alice", 5)
	require.NoError(t, err)
	require.True(t, b.ApplyRemote(deleted))

	require.Empty(t, b.List("dev"))
}

func TestApplyRemoteIdempotent(t *testing.T) {
	a := NewManager()
	b := NewManager()

	created, err := a.Create("dev", "once", "alice", 1)
	require.NoError(t, err)

	require.True(t, b.ApplyRemote(created), "first apply changes state")
	require.False(t, b.ApplyRemote(created), "second apply is a no-op")
}

func TestStatusUpdateRoundTripsThroughSync(t *testing.T) {
	a := NewManager()
	b := NewManager()

	created, err := a.Create("dev", "flow", "alice", 1)
	require.NoError(t, err)
	b.ApplyRemote(created)

	sync, err := a.UpdateStatus(created.Task.ID, proto.TaskInProgress, "alice", 2)
	require.NoError(t, err)

	// Simulate the wire: encode the envelope, decode it, apply.
	data, err := proto.Encode(sync)
	require.NoError(t, err)
	decoded, err := proto.Decode(data)
	require.NoError(t, err)

	require.True(t, b.ApplyRemote(decoded.(*proto.TaskSync)))
	task, ok := b.Get(created.Task.ID)
	require.True(t, ok)
	require.Equal(t, proto.TaskInProgress, task.Status.Value)
}
