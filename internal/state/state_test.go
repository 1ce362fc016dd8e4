package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		id, addr string
		want     models.AffinityClass
	}{
		{"node-classa-1", "", models.ClassA},
		{"node-1", "10.0.0.1 classA rack", models.ClassA},
		{"CLASSB-worker", "", models.ClassB},
		{"node-1", "classb.internal", models.ClassB},
		{"node-1", "10.0.0.1", models.ClassUnknown},
		{"", "", models.ClassUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.id, tt.addr), "id=%q addr=%q", tt.id, tt.addr)
	}
}

func TestRegisterAndListActive(t *testing.T) {
	s := New(nil)

	class := s.Register("classa-1", map[string]any{"cpu_count": 8}, "")
	assert.Equal(t, models.ClassA, class)
	s.Register("classb-1", nil, "classb.local")
	s.Register("mystery-1", nil, "10.0.0.3")

	active := s.ActiveNodes("")
	require.Len(t, active, 3)
	// Registration order is preserved.
	assert.Equal(t, "classa-1", active[0].ID)
	assert.Equal(t, "classb-1", active[1].ID)
	assert.Equal(t, "mystery-1", active[2].ID)

	onlyA := s.ActiveNodes(models.ClassA)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "classa-1", onlyA[0].ID)
}

func TestRegisterOverwritesExistingNode(t *testing.T) {
	s := New(nil)

	s.Register("classa-1", map[string]any{"cpu_count": 4}, "")
	s.Register("classa-1", map[string]any{"cpu_count": 16, "gpu": "mps"}, "")

	nodes := s.Nodes()
	require.Len(t, nodes, 1, "re-registration must overwrite, not duplicate")
	assert.Equal(t, 16, nodes[0].Capabilities["cpu_count"])
	assert.Equal(t, "mps", nodes[0].Capabilities["gpu"])
}

func TestHeartbeatUnknownNode(t *testing.T) {
	s := New(nil)

	known := s.Heartbeat("ghost", time.Now())
	assert.False(t, known, "a node must register before it may heartbeat")
	assert.Empty(t, s.Nodes(), "heartbeat must not insert unknown nodes")
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	s := New(nil)
	s.Register("classa-1", nil, "")

	cutoff := time.Now().Add(time.Minute)
	demoted := s.MarkUnresponsive(cutoff)
	require.Equal(t, []string{"classa-1"}, demoted)
	assert.Empty(t, s.ActiveNodes(""))

	known := s.Heartbeat("classa-1", time.Now().Add(2*time.Minute))
	assert.True(t, known)
	assert.Len(t, s.ActiveNodes(""), 1, "heartbeat revives a demoted node")
}

func newTaskForTest(t *testing.T, s *State, id string, nodes int) *models.TaskRecord {
	t.Helper()
	task, err := s.PlaceTask(func([]models.NodeRecord) (*models.TaskRecord, error) {
		task := &models.TaskRecord{
			ID:       id,
			Type:     "matrix_mult",
			NumNodes: nodes,
			Status:   models.TaskPending,
			Subtasks: make(map[string]*models.SubtaskRecord),
			Results:  make(map[string]json.RawMessage),
		}
		for i := 0; i < nodes; i++ {
			subID := models.SubtaskID(id, i)
			task.SubtaskOrder = append(task.SubtaskOrder, subID)
			task.Subtasks[subID] = &models.SubtaskRecord{
				ID:     subID,
				Index:  i,
				NodeID: fmt.Sprintf("node-%d", i),
				Status: models.SubtaskPending,
			}
		}
		return task, nil
	})
	require.NoError(t, err)
	return task
}

func TestPlaceTaskRejectsDuplicateID(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 1)

	_, err := s.PlaceTask(func([]models.NodeRecord) (*models.TaskRecord, error) {
		return &models.TaskRecord{ID: "task-1"}, nil
	})
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestPlaceTaskPlanErrorCreatesNothing(t *testing.T) {
	s := New(nil)

	wantErr := fmt.Errorf("no nodes")
	_, err := s.PlaceTask(func([]models.NodeRecord) (*models.TaskRecord, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, ok := s.Task("anything")
	assert.False(t, ok)
}

func TestAcceptResultLifecycle(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 2)

	sub0 := models.SubtaskID("task-1", 0)
	sub1 := models.SubtaskID("task-1", 1)

	outcome := s.AcceptResult("task-1", sub0, "node-0", json.RawMessage(`[1]`), "")
	assert.Equal(t, AcceptStored, outcome)

	view, ok := s.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, models.TaskPending, view.Status, "one pending subtask keeps the task pending")

	outcome = s.AcceptResult("task-1", sub1, "node-1", json.RawMessage(`[2]`), "")
	assert.Equal(t, AcceptTaskCompleted, outcome)

	view, ok = s.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, view.Status)
	assert.Equal(t, json.RawMessage(`[1]`), view.OrderedResults[0])
	assert.Equal(t, json.RawMessage(`[2]`), view.OrderedResults[1])
}

func TestAcceptResultIdempotent(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 2)

	sub0 := models.SubtaskID("task-1", 0)
	sub1 := models.SubtaskID("task-1", 1)

	s.AcceptResult("task-1", sub0, "node-0", json.RawMessage(`[1]`), "")
	s.AcceptResult("task-1", sub1, "node-1", json.RawMessage(`[2]`), "")
	once, _ := s.Task("task-1")

	// Redeliver both results; the view must not change.
	s.AcceptResult("task-1", sub0, "node-0", json.RawMessage(`[1]`), "")
	s.AcceptResult("task-1", sub1, "node-1", json.RawMessage(`[2]`), "")
	twice, _ := s.Task("task-1")

	assert.Equal(t, once, twice)
}

func TestAcceptResultUnknownTaskAndSubtask(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 1)

	assert.Equal(t, AcceptUnknownTask, s.AcceptResult("nope", "nope_0", "n", nil, ""))
	assert.Equal(t, AcceptUnknownSubtask, s.AcceptResult("task-1", "task-1_99", "n", nil, ""))

	view, ok := s.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, models.TaskPending, view.Status)
}

func TestAcceptResultRejectsUnassignedNode(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 1)

	sub0 := models.SubtaskID("task-1", 0)
	outcome := s.AcceptResult("task-1", sub0, "node-9", json.RawMessage(`[1]`), "")
	assert.Equal(t, AcceptNodeMismatch, outcome)

	view, _ := s.Task("task-1")
	assert.Equal(t, models.TaskPending, view.Status)
	assert.Nil(t, view.OrderedResults[0], "a result from the wrong node must not be stored")

	// The assigned node can still complete the subtask.
	outcome = s.AcceptResult("task-1", sub0, "node-0", json.RawMessage(`[1]`), "")
	assert.Equal(t, AcceptTaskCompleted, outcome)
}

func TestAcceptResultLateErrorAfterSuccessIsDropped(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 2)

	sub0 := models.SubtaskID("task-1", 0)
	sub1 := models.SubtaskID("task-1", 1)

	s.AcceptResult("task-1", sub0, "node-0", json.RawMessage(`[1]`), "")

	// A redelivered error for the already-successful subtask must not
	// unwind it.
	outcome := s.AcceptResult("task-1", sub0, "node-0", nil, "late timeout")
	assert.Equal(t, AcceptStale, outcome)

	outcome = s.AcceptResult("task-1", sub1, "node-1", json.RawMessage(`[2]`), "")
	assert.Equal(t, AcceptTaskCompleted, outcome)

	// Same for an error arriving after the whole task completed.
	outcome = s.AcceptResult("task-1", sub1, "node-1", nil, "late timeout")
	assert.Equal(t, AcceptStale, outcome)

	view, _ := s.Task("task-1")
	assert.Equal(t, models.TaskCompleted, view.Status)
	assert.Equal(t, json.RawMessage(`[1]`), view.OrderedResults[0])
	assert.Equal(t, json.RawMessage(`[2]`), view.OrderedResults[1])
}

func TestAcceptResultErrorMarksSubtaskFailed(t *testing.T) {
	s := New(nil)
	newTaskForTest(t, s, "task-1", 1)

	sub0 := models.SubtaskID("task-1", 0)
	outcome := s.AcceptResult("task-1", sub0, "node-0", nil, "executor blew up")
	assert.Equal(t, AcceptFailed, outcome)

	view, _ := s.Task("task-1")
	assert.Equal(t, models.TaskPending, view.Status, "a failed subtask keeps the task pending")

	// A successful redelivery can still complete the task.
	outcome = s.AcceptResult("task-1", sub0, "node-0", json.RawMessage(`[1]`), "")
	assert.Equal(t, AcceptTaskCompleted, outcome)
}

func TestConcurrentAcceptsCompleteExactlyOnce(t *testing.T) {
	s := New(nil)
	const subtasks = 16
	newTaskForTest(t, s, "task-1", subtasks)

	var wg sync.WaitGroup
	outcomes := make(chan AcceptOutcome, subtasks*3)
	for round := 0; round < 3; round++ {
		for i := 0; i < subtasks; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				subID := models.SubtaskID("task-1", i)
				nodeID := fmt.Sprintf("node-%d", i)
				outcomes <- s.AcceptResult("task-1", subID, nodeID, json.RawMessage(`[0]`), "")
			}(i)
		}
	}
	wg.Wait()
	close(outcomes)

	completions := 0
	for outcome := range outcomes {
		if outcome == AcceptTaskCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions, "exactly one delivery completes the task")

	view, _ := s.Task("task-1")
	assert.Equal(t, models.TaskCompleted, view.Status)
}

func TestActiveNodesReturnsCopies(t *testing.T) {
	s := New(nil)
	s.Register("classa-1", map[string]any{"cpu_count": 8}, "")

	snapshot := s.ActiveNodes("")
	snapshot[0].Capabilities["cpu_count"] = 999

	fresh := s.ActiveNodes("")
	assert.Equal(t, 8, fresh[0].Capabilities["cpu_count"], "snapshot mutation must not leak into state")
}
