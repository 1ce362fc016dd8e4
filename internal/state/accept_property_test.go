package state

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flotillahq/flotilla/internal/models"
)

// Property: for any subtask count and any delivery schedule that contains
// every subtask's result at least once, in any order and with any
// duplication, the task completes exactly once and its ordered results
// depend only on subtask identity, never on delivery order.
func TestAcceptResultDeliveryScheduleInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every covering schedule completes the task identically", prop.ForAll(
		func(n int, extra []int, seed int) bool {
			// A permutation of [0,n) guarantees at-least-once coverage;
			// extra entries inject duplicate deliveries.
			schedule := make([]int, 0, n+len(extra))
			for i := 0; i < n; i++ {
				schedule = append(schedule, i)
			}
			for _, e := range extra {
				schedule = append(schedule, e%n)
			}
			for i := len(schedule) - 1; i > 0; i-- {
				j := (i*2654435761 + seed) % (i + 1)
				if j < 0 {
					j = -j
				}
				schedule[i], schedule[j] = schedule[j], schedule[i]
			}

			s := New(nil)
			seedTask(s, "task-p", n)

			completions := 0
			for _, idx := range schedule {
				subID := models.SubtaskID("task-p", idx)
				payload := json.RawMessage(fmt.Sprintf(`[%d]`, idx))
				if s.AcceptResult("task-p", subID, "node", payload, "") == AcceptTaskCompleted {
					completions++
				}
			}
			if completions != 1 {
				return false
			}

			view, ok := s.Task("task-p")
			if !ok || view.Status != models.TaskCompleted {
				return false
			}
			for i, payload := range view.OrderedResults {
				if string(payload) != fmt.Sprintf(`[%d]`, i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}

func seedTask(s *State, id string, n int) {
	s.PlaceTask(func([]models.NodeRecord) (*models.TaskRecord, error) {
		task := &models.TaskRecord{
			ID:       id,
			Type:     "matrix_mult",
			NumNodes: n,
			Status:   models.TaskPending,
			Subtasks: make(map[string]*models.SubtaskRecord, n),
			Results:  make(map[string]json.RawMessage, n),
		}
		for i := 0; i < n; i++ {
			subID := models.SubtaskID(id, i)
			task.SubtaskOrder = append(task.SubtaskOrder, subID)
			task.Subtasks[subID] = &models.SubtaskRecord{
				ID:     subID,
				Index:  i,
				NodeID: "node",
				Status: models.SubtaskPending,
			}
		}
		return task, nil
	})
}
